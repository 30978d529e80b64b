package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/agent-gateway/config"
	"github.com/vnmchuo/agent-gateway/internal/account"
	"github.com/vnmchuo/agent-gateway/internal/aggregate"
	"github.com/vnmchuo/agent-gateway/internal/ingest"
	"github.com/vnmchuo/agent-gateway/internal/logger"
	"github.com/vnmchuo/agent-gateway/internal/telemetry"
	"github.com/vnmchuo/agent-gateway/internal/usage"
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
	shutdownTracer, err := telemetry.InitTracer("agent-gateway-worker", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		zlog.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	// 5. Aggregation pipeline
	eventStore := usage.NewPostgresStore(pool)
	accountStore := account.NewPostgresStore(pool, account.Pricing{
		InputPer1K:  cfg.InputCostPer1K,
		OutputPer1K: cfg.OutputCostPer1K,
	})
	aggregator := aggregate.New(eventStore, accountStore, zlog)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	consumer := ingest.NewConsumer(rdb, ingest.ConsumerConfig{
		Stream:       cfg.UsageStream,
		Group:        cfg.UsageGroup,
		ConsumerName: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}, aggregator.Process, zlog)

	if err := consumer.Start(ctx); err != nil {
		zlog.Fatal("failed to start usage consumer", zap.Error(err))
	}

	// 6. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down worker")
	consumer.Stop()
	cancel()
	zlog.Info("worker stopped")
}
