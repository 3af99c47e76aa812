// Package app assembles the backends and domain services shared by the api,
// consumer and worker processes.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-rental-system/api/internal/accidents"
	"fleet-rental-system/api/internal/contracts"
	"fleet-rental-system/api/internal/intents"
	"fleet-rental-system/api/internal/memstore"
	"fleet-rental-system/api/internal/replacement"
	"fleet-rental-system/api/internal/repos"
	"fleet-rental-system/api/internal/telemetry"
	"fleet-rental-system/shared/cachex"
	"fleet-rental-system/shared/config"
	"fleet-rental-system/shared/dbx"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/influxx"
	"fleet-rental-system/shared/lockx"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/mqx"
)

// Store is satisfied by repos.Store and memstore.Store.
type Store interface {
	contracts.Store
	accidents.Store
	replacement.Store
}

type Deps struct {
	Config     config.Config
	Logger     logx.Logger
	Store      Store
	Pool       *pgxpool.Pool
	Cache      cachex.Store
	Redis      *cachex.Client
	Locker     lockx.Locker
	Producer   *mqx.Producer
	Influx     *influxx.Client
	Dispatcher *events.Dispatcher
}

// Open connects every configured backend. Failures are returned as readiness
// problems so the process can still serve health checks.
func Open(ctx context.Context, cfg config.Config, logger logx.Logger) (*Deps, []config.Problem) {
	d := &Deps{Config: cfg, Logger: logger}
	var problems []config.Problem
	fail := func(field string, msg string, err error) {
		problems = append(problems, config.Problem{Field: field, Message: msg})
		logger.Error(ctx, "backend_init_failed", msg, append(logx.Err("FAILED_PRECONDITION", err), slog.String("field", field))...)
	}

	if cfg.StoreBackend == config.StoreBackendMemory {
		d.Store = memstore.New()
		d.Cache = memstore.NewCache()
		d.Locker = lockx.NewMemoryLocker()
		logger.Warn(ctx, "memory_backend", "using in-process store, cache and locks; state is lost on restart")
	} else {
		pool, err := dbx.NewPool(ctx, cfg)
		if err != nil {
			fail("DATABASE_URL", "failed to connect to database", err)
		}
		d.Pool = pool
		d.Store = repos.NewStore(pool)

		rdb, err := cachex.New(cfg)
		if err != nil {
			fail("REDIS_ADDR", "failed to initialize redis", err)
			d.Cache = memstore.NewCache()
			d.Locker = lockx.NewMemoryLocker()
		} else {
			d.Redis = rdb
			d.Cache = rdb
			d.Locker = lockx.NewRedisLocker(rdb.Client())
		}
	}

	var sink events.Sink = events.SinkFunc(func(ctx context.Context, topic string, ev events.Envelope) error {
		logger.Debug(ctx, "event_not_shipped", "no broker configured", slog.String("topic", topic), slog.String("event_type", ev.EventType))
		return nil
	})
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			fail("KAFKA_BROKERS", "failed to initialize kafka producer", err)
		} else {
			d.Producer = producer
			sink = producer
		}
	}
	influx, err := influxx.New(cfg)
	if err != nil {
		fail("INFLUX_URL", "failed to initialize influx client", err)
	}
	if influx != nil {
		d.Influx = influx
		sink = telemetry.NewInfluxSink(sink, influx, logger)
	}
	d.Dispatcher = events.NewDispatcher(sink, cfg.EventQueueSize, logger)
	return d, problems
}

type Services struct {
	Contracts   *contracts.Service
	Intents     *intents.Store
	Accidents   *accidents.Service
	Replacement *replacement.Orchestrator
}

func (d *Deps) Services() Services {
	cfg := d.Config
	cs := contracts.NewService(d.Store, d.Locker, d.Dispatcher, d.Logger, contracts.Options{
		LockTTL:       cfg.LockTTL(),
		LockWait:      cfg.LockWait(),
		LockRetry:     cfg.LockRetry(),
		BookingBucket: cfg.BookingLockBucket(),
	})
	return Services{
		Contracts: cs,
		Intents: intents.NewStore(d.Cache, cs.Allocator(), d.Store, cs, d.Locker, d.Dispatcher, d.Logger, intents.Options{
			TTL:       cfg.IntentTTL(),
			LockTTL:   cfg.LockTTL(),
			LockWait:  cfg.LockWait(),
			LockRetry: cfg.LockRetry(),
		}),
		Accidents: accidents.NewService(d.Store, d.Dispatcher, d.Logger),
		Replacement: replacement.NewOrchestrator(d.Store, cs.Allocator(), cs, d.Locker,
			replacement.NewPlanCache(d.Cache, cfg.ReplacementPlanTTL()), d.Dispatcher, d.Logger, replacement.Options{
				AnyStation: cfg.ReplacementAnyStation,
				LockTTL:    cfg.LockTTL(),
				LockWait:   cfg.LockWait(),
				LockRetry:  cfg.LockRetry(),
			}),
	}
}

// StoreAvailable is false when the postgres pool could not be created.
func (d *Deps) StoreAvailable() bool {
	return d.Config.StoreBackend == config.StoreBackendMemory || d.Pool != nil
}

// Ready pings the database and redis when they are in use.
func (d *Deps) Ready(ctx context.Context) error {
	if d.Config.StoreBackend == config.StoreBackendMemory {
		return nil
	}
	if err := dbx.Ping(ctx, d.Pool); err != nil {
		return err
	}
	if d.Redis == nil {
		return errors.New("redis not configured")
	}
	return d.Redis.Ping(ctx)
}

// Close drains the event queue before closing the broker and stores.
func (d *Deps) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if d.Dispatcher != nil {
		if err := d.Dispatcher.Close(ctx); err != nil {
			d.Logger.Warn(ctx, "dispatcher_close_failed", "event queue not fully drained", logx.Err("ABORTED", err)...)
		}
	}
	if d.Producer != nil {
		_ = d.Producer.Close()
	}
	if d.Influx != nil {
		d.Influx.Close()
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}
