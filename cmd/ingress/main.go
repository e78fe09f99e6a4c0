// Package main provides the ingress application entry point.
// Ingress is the HTTP-facing server: it accepts inbound messages, classifies
// them into work orders via the admin usecase, enqueues them for the
// dispatcher, and serves queries/progress streams/the admin dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/ai/real"
	httpserver "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/sqlite"
	qdrantcli "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/app"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/eventbus"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, store := newStoreAndPool(cfg)
	audit := newAuditRepo(cfg, pool)
	sessions := newSessionRepo(cfg, pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	events := eventbus.NewRedisBus(rdb)

	var qcli *qdrantcli.Client
	var equipment domain.EquipmentIndex
	if cfg.QdrantURL != "" {
		qcli = qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
		equipment = qdrantcli.NewEquipmentIndex(qcli)
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "work-order-dispatchers")
	if err != nil {
		slog.Error("redpanda consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	queue := redpanda.NewQueue(producer, consumer)
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue", slog.Any("error", err))
		}
	}()

	// The admin tier shares the same circuit breaker and response cache
	// shape as the dispatcher's tiers; each process gets its own
	// in-memory manager since classification runs here, not there.
	model := ai.NewEmbedCache(
		ai.NewGuardedClient(real.New(cfg), string(domain.TierAdmin), ai.NewDefaultModelCache(), ai.NewCircuitBreakerManager()),
		cfg.EmbedCacheSize,
	)

	admin := usecase.NewAdminService(store, audit, sessions, queue, model, equipment, nil, cfg.DailyCostCapUSD)

	app.EnsureDefaultCollections(ctx, qcli)

	var storePinger app.Pinger
	if pool != nil {
		storePinger = pool
	}
	storeCheck, qdrantCheck, queueCheck := app.BuildReadinessChecks(cfg, storePinger, producer)

	srv := httpserver.NewServer(cfg, admin, store, audit, events, storeCheck, qdrantCheck, queueCheck)

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ingress http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// newStoreAndPool selects the primary Postgres backend, falling back to the
// embedded SQLite store once at startup if Postgres is unreachable. The pool
// is returned alongside the store (nil on the sqlite fallback path) so the
// readiness check can ping the same connection the store uses.
func newStoreAndPool(cfg config.Config) (*pgxpool.Pool, domain.WorkOrderStore) {
	pool, err := pgxpool.New(context.Background(), cfg.DBURL)
	if err == nil {
		if pingErr := pool.Ping(context.Background()); pingErr == nil {
			slog.Info("using postgres work order store")
			return pool, postgres.NewWorkOrderRepo(pool)
		}
		pool.Close()
	}

	slog.Warn("postgres unavailable at startup, falling back to embedded sqlite store", slog.Any("error", err))
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("sqlite fallback open failed", slog.Any("error", err))
		os.Exit(1)
	}
	return nil, sqlite.NewWorkOrderRepo(db)
}

func newAuditRepo(cfg config.Config, pool *pgxpool.Pool) domain.AuditRepository {
	if pool != nil {
		return postgres.NewAuditRepo(pool)
	}
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("sqlite audit repo open failed", slog.Any("error", err))
		os.Exit(1)
	}
	return sqlite.NewAuditRepo(db)
}

func newSessionRepo(cfg config.Config, pool *pgxpool.Pool) domain.SessionRepository {
	if pool != nil {
		return postgres.NewSessionRepo(pool)
	}
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("sqlite session repo open failed", slog.Any("error", err))
		os.Exit(1)
	}
	return sqlite.NewSessionRepo(db)
}
