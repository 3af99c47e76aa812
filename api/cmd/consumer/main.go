package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"fleet-rental-system/api/internal/app"
	"fleet-rental-system/api/internal/inbound"
	"fleet-rental-system/api/internal/jobs"
	"fleet-rental-system/shared/config"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/mqx"
	"fleet-rental-system/shared/observability"
)

func main() {
	cfg, problems := config.Load("rental-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if cfg.ReplacementAutoExec && cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required when REPLACEMENT_AUTO_EXECUTE is set"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err == nil {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	deps, problems := app.Open(context.Background(), cfg, logger)
	if len(problems) > 0 {
		logger.Error(context.Background(), "backend_init_failed", "backends unavailable",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		deps.Close(context.Background())
		os.Exit(1)
	}
	defer deps.Close(context.Background())
	svc := deps.Services()

	accidentHandler := inbound.Accidents{Reports: svc.Accidents, Replacement: svc.Replacement, Logger: logger}
	if cfg.ReplacementAutoExec {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.AsynqRedisAddr, Password: cfg.AsynqRedisPass, DB: cfg.AsynqRedisDB})
		defer client.Close()
		accidentHandler.Queue = jobs.NewEnqueuer(client, cfg.AsynqQueue)
	}

	routes := map[string]func(context.Context, []byte) error{
		events.TopicPaymentConfirmed: inbound.Payments{Intents: svc.Intents, Logger: logger}.Handle,
		events.TopicVehicleAccidents: accidentHandler.Handle,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var wg sync.WaitGroup
	for topic, handle := range routes {
		reader, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
		if err != nil {
			logger.Error(ctx, "kafka_init_failed", "kafka reader init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			cancel()
			break
		}
		defer reader.Close()

		loop := inbound.Loop{
			Reader:      reader,
			Topic:       topic,
			Group:       cfg.KafkaGroupID,
			Handle:      handle,
			Logger:      logger.With(slog.String("topic", topic)),
			MaxAttempts: 5,
			Backoff:     200 * time.Millisecond,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
		logger.Info(ctx, "consumer_start", "consumer started",
			slog.String("topic", topic),
			slog.String("group", cfg.KafkaGroupID),
		)
	}

	wg.Wait()
	logger.Info(context.Background(), "consumer_stop", "consumer stopped")
}
