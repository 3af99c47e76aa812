package replacement

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/cachex"
)

// PlanCache keeps previews for staff review until they expire or the
// accident is executed.
type PlanCache struct {
	store cachex.Store
	ttl   time.Duration
}

func NewPlanCache(store cachex.Store, ttl time.Duration) *PlanCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PlanCache{store: store, ttl: ttl}
}

func (p *PlanCache) Put(ctx context.Context, plan models.ReplacementPlan) error {
	return p.store.SetJSON(ctx, planKey(plan.AccidentID), plan, p.ttl)
}

func (p *PlanCache) Get(ctx context.Context, accidentID uuid.UUID) (models.ReplacementPlan, bool, error) {
	var plan models.ReplacementPlan
	ok, err := p.store.GetJSON(ctx, planKey(accidentID), &plan)
	if err != nil || !ok {
		return models.ReplacementPlan{}, false, err
	}
	return plan, true, nil
}

func (p *PlanCache) Delete(ctx context.Context, accidentID uuid.UUID) error {
	return p.store.Delete(ctx, planKey(accidentID))
}

func planKey(accidentID uuid.UUID) string { return "replacement:plan:" + accidentID.String() }
