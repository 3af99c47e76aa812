package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fleet-rental-system/api/internal/app"
	"fleet-rental-system/api/internal/handlers"
	"fleet-rental-system/api/internal/jobs"
	"fleet-rental-system/api/internal/middleware"
	"fleet-rental-system/shared/authx"
	"fleet-rental-system/shared/config"
	"fleet-rental-system/shared/httpx"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/metricsx"
	"fleet-rental-system/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("rental-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled", logx.Err("FAILED_PRECONDITION", err)...)
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	deps, problems := app.Open(context.Background(), cfg, logger)
	readyProblems = append(readyProblems, problems...)
	svc := deps.Services()

	var verifier authx.Verifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL,
			time.Duration(cfg.JWKSTTLSeconds)*time.Second, time.Duration(cfg.JWTClockSkewSec)*time.Second)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			verifier = v
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "OIDC_ISSUER and OIDC_AUDIENCE are required"})
	}

	api := &handlers.API{
		Intents:     svc.Intents,
		Contracts:   svc.Contracts,
		Accidents:   svc.Accidents,
		Replacement: svc.Replacement,
		Logger:      logger,
		HoldTTL:     cfg.UnconfirmedTTL(),
	}
	if cfg.AsynqRedisAddr != "" {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.AsynqRedisAddr, Password: cfg.AsynqRedisPass, DB: cfg.AsynqRedisDB})
		defer client.Close()
		api.Queue = jobs.NewEnqueuer(client, cfg.AsynqQueue)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := deps.Ready(r.Context()); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: backend unavailable",
				map[string]any{"problem": err.Error()},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		p, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"user_id": p.UserID,
			"email":   p.Email,
			"roles":   p.Roles,
		})
	})
	api.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	public := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewLimiter(2, 5, 2*time.Minute),
		Match:   middleware.BookingWrites,
	}.Wrap(handler)
	handler = middleware.BackendRequiredMiddleware{
		Available: deps.StoreAvailable(),
		Skip:      public,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     public,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "rental-api")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("store_backend", cfg.StoreBackend),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed", logx.Err("INTERNAL_ERROR", err)...)
			deps.Close(context.Background())
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed", logx.Err("INTERNAL_ERROR", err)...)
	}
	deps.Close(context.Background())
	logger.Info(context.Background(), "service_stop", "service stopped")
}
