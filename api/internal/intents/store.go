package intents

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/allocation"
	"fleet-rental-system/api/internal/contracts"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/cachex"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/lockx"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/metricsx"
)

var (
	ErrIntentNotFound = errors.New("booking intent not found or expired")
	// ErrStaleIntent means the intent's vehicle was taken after the intent was
	// created. The intent is discarded and no contract exists.
	ErrStaleIntent = errors.New("booking intent is stale: vehicle no longer available")
)

const PaymentStatusPaid = "PAID"

type Allocator interface {
	FindFirstAvailable(ctx context.Context, q allocation.Query) (*models.Vehicle, error)
}

type ModelCatalog interface {
	GetVehicleModel(ctx context.Context, id uuid.UUID) (models.VehicleModel, error)
}

type Contracts interface {
	CreateFromIntent(ctx context.Context, intent models.BookingIntent) (contracts.Result, bool, error)
	GetByOrderCode(ctx context.Context, orderCode string) (models.RentalContract, error)
}

type Options struct {
	TTL       time.Duration
	LockTTL   time.Duration
	LockWait  time.Duration
	LockRetry time.Duration
	Now       func() time.Time
}

type Store struct {
	cache     cachex.Store
	alloc     Allocator
	catalog   ModelCatalog
	contracts Contracts
	locker    lockx.Locker
	pub       events.Publisher
	logger    logx.Logger
	opts      Options
	orderCode func(now time.Time) (string, error)
}

func NewStore(cache cachex.Store, alloc Allocator, catalog ModelCatalog, cs Contracts, locker lockx.Locker, pub events.Publisher, logger logx.Logger, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Store{
		cache:     cache,
		alloc:     alloc,
		catalog:   catalog,
		contracts: cs,
		locker:    locker,
		pub:       pub,
		logger:    logger.With(slog.String("component", "intents")),
		opts:      opts,
		orderCode: newOrderCode,
	}
}

type CreateRequest struct {
	RenterID  uuid.UUID
	ModelID   uuid.UUID
	StationID uuid.UUID
	Start     time.Time
	End       time.Time
}

type CreateResult struct {
	Outcome models.Outcome
	Intent  models.BookingIntent
}

// Create checks availability once, outside any lock, and records the
// candidate vehicle. Nothing is reserved; Confirm re-validates.
func (s *Store) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.RenterID == uuid.Nil || req.ModelID == uuid.Nil || req.StationID == uuid.Nil {
		return CreateResult{}, fmt.Errorf("%w: renter, model and station are required", models.ErrValidation)
	}
	if !req.Start.Before(req.End) {
		return CreateResult{}, fmt.Errorf("%w: start must be before end", models.ErrValidation)
	}
	now := s.opts.Now()
	if req.Start.Before(now) {
		return CreateResult{}, fmt.Errorf("%w: start is in the past", models.ErrValidation)
	}

	m, err := s.catalog.GetVehicleModel(ctx, req.ModelID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("vehicle model %s: %w", req.ModelID, err)
	}
	if m.PricePerHourCents <= 0 {
		return CreateResult{}, models.ErrNoPrice
	}
	v, err := s.alloc.FindFirstAvailable(ctx, allocation.Query{
		ModelID: &req.ModelID, StationID: &req.StationID, Start: req.Start, End: req.End,
	})
	if err != nil {
		return CreateResult{}, err
	}
	if v == nil {
		metricsx.IncAllocation("intent_create", string(models.OutcomeNoVehicle))
		return CreateResult{Outcome: models.OutcomeNoVehicle}, nil
	}

	token, err := randomHex(24)
	if err != nil {
		return CreateResult{}, err
	}
	code, err := s.claimOrderCode(ctx, now, token)
	if err != nil {
		return CreateResult{}, err
	}
	intent := models.BookingIntent{
		Token:      token,
		OrderCode:  code,
		RenterID:   req.RenterID,
		ModelID:    req.ModelID,
		StationID:  req.StationID,
		VehicleID:  v.VehicleID,
		Start:      req.Start,
		End:        req.End,
		PriceCents: models.RentalCost(req.Start, req.End, m.PricePerHourCents),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.opts.TTL),
	}
	if err := s.cache.SetJSON(ctx, intentKey(intent.Token), intent, s.opts.TTL); err != nil {
		_ = s.cache.Delete(ctx, orderKey(code))
		return CreateResult{}, fmt.Errorf("store intent: %w", err)
	}
	metricsx.IncAllocation("intent_create", string(models.OutcomeOK))
	s.publish(ctx, intent, events.TypeBookingCreated, nil)
	return CreateResult{Outcome: models.OutcomeOK, Intent: intent}, nil
}

func (s *Store) Get(ctx context.Context, token string) (models.BookingIntent, error) {
	var intent models.BookingIntent
	ok, err := s.cache.GetJSON(ctx, intentKey(token), &intent)
	if err != nil {
		return models.BookingIntent{}, err
	}
	if !ok {
		return models.BookingIntent{}, ErrIntentNotFound
	}
	return intent, nil
}

func (s *Store) GetByOrderCode(ctx context.Context, orderCode string) (models.BookingIntent, error) {
	var token string
	ok, err := s.cache.GetJSON(ctx, orderKey(orderCode), &token)
	if err != nil {
		return models.BookingIntent{}, err
	}
	if !ok {
		return models.BookingIntent{}, ErrIntentNotFound
	}
	return s.Get(ctx, token)
}

// Remove is idempotent.
func (s *Store) Remove(ctx context.Context, token string) error {
	intent, err := s.Get(ctx, token)
	if errors.Is(err, ErrIntentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, intentKey(token), orderKey(intent.OrderCode))
}

type PaymentConfirmation struct {
	OrderCode string
	Status    string
}

const (
	ConfirmCreated          = "created"
	ConfirmAlreadyConfirmed = "already_confirmed"
	ConfirmDiscarded        = "discarded"
)

type ConfirmResult struct {
	Outcome  models.Outcome
	Status   string
	Contract *models.RentalContract
}

// Confirm handles one payment notification. Replays for the same order code
// are serialized and return the contract created by the first one.
func (s *Store) Confirm(ctx context.Context, p PaymentConfirmation) (ConfirmResult, error) {
	p.OrderCode = strings.TrimSpace(p.OrderCode)
	if p.OrderCode == "" {
		return ConfirmResult{}, fmt.Errorf("%w: order code is required", models.ErrValidation)
	}

	var res ConfirmResult
	w := lockx.Wait{TTL: s.opts.LockTTL, Timeout: s.opts.LockWait, Retry: s.opts.LockRetry}
	acquired, err := lockx.WithLock(ctx, s.locker, lockx.OrderKey(p.OrderCode), w, func(ctx context.Context) error {
		var err error
		res, err = s.confirmLocked(ctx, p)
		return err
	})
	if err != nil {
		return res, err
	}
	if !acquired {
		return ConfirmResult{Outcome: models.OutcomeBusy}, nil
	}
	return res, nil
}

func (s *Store) confirmLocked(ctx context.Context, p PaymentConfirmation) (ConfirmResult, error) {
	existing, err := s.contracts.GetByOrderCode(ctx, p.OrderCode)
	if err == nil {
		return ConfirmResult{Outcome: models.OutcomeOK, Status: ConfirmAlreadyConfirmed, Contract: &existing}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return ConfirmResult{}, err
	}

	intent, err := s.GetByOrderCode(ctx, p.OrderCode)
	if err != nil {
		return ConfirmResult{}, err
	}
	if !strings.EqualFold(strings.TrimSpace(p.Status), PaymentStatusPaid) {
		if err := s.Remove(ctx, intent.Token); err != nil {
			return ConfirmResult{}, err
		}
		s.logger.Info(ctx, "intent_discarded", "payment not completed", slog.String("order_code", p.OrderCode), slog.String("status", p.Status))
		return ConfirmResult{Outcome: models.OutcomeOK, Status: ConfirmDiscarded}, nil
	}

	created, _, err := s.contracts.CreateFromIntent(ctx, intent)
	if err != nil {
		return ConfirmResult{}, err
	}
	switch created.Outcome {
	case models.OutcomeBusy:
		return ConfirmResult{Outcome: models.OutcomeBusy}, nil
	case models.OutcomeNoVehicle:
		_ = s.Remove(ctx, intent.Token)
		s.logger.Warn(ctx, "intent_stale", "intent vehicle no longer available",
			slog.String("order_code", intent.OrderCode),
			slog.String("vehicle_id", intent.VehicleID.String()),
		)
		s.publish(ctx, intent, events.TypeBookingConfirmationFailed, map[string]any{"reason": "vehicle_unavailable"})
		return ConfirmResult{Outcome: models.OutcomeNoVehicle}, fmt.Errorf("order %s: %w", intent.OrderCode, ErrStaleIntent)
	}

	if err := s.Remove(ctx, intent.Token); err != nil {
		s.logger.Warn(ctx, "intent_remove_failed", "contract created but intent not removed", logx.Err("INTERNAL_ERROR", err)...)
	}
	s.publish(ctx, intent, events.TypeBookingConfirmed, map[string]any{"contract_id": created.Contract.ContractID})
	return ConfirmResult{Outcome: models.OutcomeOK, Status: ConfirmCreated, Contract: &created.Contract}, nil
}

func (s *Store) publish(ctx context.Context, intent models.BookingIntent, eventType string, extra map[string]any) {
	payload := map[string]any{
		"order_code":  intent.OrderCode,
		"renter_id":   intent.RenterID,
		"model_id":    intent.ModelID,
		"station_id":  intent.StationID,
		"vehicle_id":  intent.VehicleID,
		"start":       intent.Start,
		"end":         intent.End,
		"price_cents": intent.PriceCents,
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.pub.Publish(ctx, events.New(events.AggregateBooking, BookingID(intent.OrderCode), eventType, payload))
}

// BookingID is the stable aggregate id of the booking behind an order code.
func BookingID(orderCode string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("booking:"+orderCode))
}

func intentKey(token string) string { return "intent:" + token }

func orderKey(orderCode string) string { return "intent:order:" + orderCode }

// claimOrderCode reserves a fresh order code for token. The index entry is
// written only if absent, so a colliding code never redirects another
// intent's payment.
func (s *Store) claimOrderCode(ctx context.Context, now time.Time, token string) (string, error) {
	for attempt := 1; ; attempt++ {
		code, err := s.orderCode(now)
		if err != nil {
			return "", err
		}
		ok, err := s.cache.SetJSONNX(ctx, orderKey(code), token, s.opts.TTL)
		if err != nil {
			return "", fmt.Errorf("store intent order: %w", err)
		}
		if ok {
			return code, nil
		}
		if attempt == 3 {
			return "", fmt.Errorf("order code %s already in use", code)
		}
	}
}

func newOrderCode(now time.Time) (string, error) {
	suffix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("FR%d%s", now.Unix(), strings.ToUpper(suffix)), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
