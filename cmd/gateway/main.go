package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/config"
	"github.com/vnmchuo/agent-gateway/internal/account"
	"github.com/vnmchuo/agent-gateway/internal/agent"
	"github.com/vnmchuo/agent-gateway/internal/auth"
	"github.com/vnmchuo/agent-gateway/internal/gate"
	"github.com/vnmchuo/agent-gateway/internal/ingest"
	"github.com/vnmchuo/agent-gateway/internal/logger"
	"github.com/vnmchuo/agent-gateway/internal/proxy"
	"github.com/vnmchuo/agent-gateway/internal/seeder"
	"github.com/vnmchuo/agent-gateway/internal/telemetry"
	"github.com/vnmchuo/agent-gateway/internal/usage"
	"github.com/vnmchuo/agent-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zlog.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("agent-gateway", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		zlog.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		zlog.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		zlog.Fatal("failed to ping postgres", zap.Error(err))
	}
	zlog.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Fatal("failed to ping redis", zap.Error(err))
	}
	zlog.Info("Redis connected")

	// 5. Stores
	authStore := auth.NewPostgresStore(pool)
	accountStore := account.NewPostgresStore(pool, account.Pricing{
		InputPer1K:  cfg.InputCostPer1K,
		OutputPer1K: cfg.OutputCostPer1K,
	})
	eventStore := usage.NewPostgresStore(pool)

	// 6. Migrate / seed on demand
	if os.Getenv("RUN_MIGRATE") == "true" {
		if err := auth.Migrate(ctx, pool); err != nil {
			zlog.Fatal("migrate api_keys failed", zap.Error(err))
		}
		if err := account.Migrate(ctx, pool); err != nil {
			zlog.Fatal("migrate tenant_accounts failed", zap.Error(err))
		}
		if err := usage.Migrate(ctx, pool); err != nil {
			zlog.Fatal("migrate usage_events failed", zap.Error(err))
		}
		zlog.Info("schema migrated")
	}
	if os.Getenv("RUN_SEED") == "true" {
		seeder.Seed(ctx, authStore, accountStore, zlog)
	}

	// 7. Admission gate
	var gateOpts []gate.Option
	if cfg.AdmissionFailOpen {
		gateOpts = append(gateOpts, gate.WithFailOpen())
	}
	admission := gate.New(accountStore, zlog, gateOpts...)

	// 8. Rate limiter + usage publisher
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	publisher := ingest.NewPublisher(rdb, cfg.UsageStream, cfg.UsageStreamMaxLen)

	// 9. Agent runtime
	var runtime agent.Runtime
	if cfg.AgentRuntimeURL != "" {
		runtime = agent.NewHTTPRuntime(cfg.AgentRuntimeURL, cfg.AgentRuntimeKey)
	} else {
		zlog.Warn("AGENT_RUNTIME_URL not set, using echo runtime")
		runtime = agent.NewEchoRuntime()
	}

	// 10. Handler
	tracer := otel.GetTracerProvider().Tracer("agent-gateway")
	handler := proxy.NewHandler(admission, runtime, accountStore, eventStore, publisher, limiter, tracer, zlog)

	authMiddleware := auth.NewMiddleware(authStore, rdb, zlog)

	// 11. Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"agent-gateway"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/agents/{agentID}/invoke", handler.HandleInvoke)
		r.Put("/v1/tenants/{tenantID}/limit", handler.HandleSetLimit)
		r.Get("/v1/tenants", handler.HandleListTenants)
		r.Get("/v1/tenants/{tenantID}", handler.HandleGetTenant)
		r.Delete("/v1/tenants/{tenantID}", handler.HandleDeleteTenant)
		r.Get("/v1/tenants/{tenantID}/events", handler.HandleTenantEvents)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		zlog.Info("agent gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	zlog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal("forced shutdown", zap.Error(err))
	}
	zlog.Info("server stopped")
}
