// Package main provides the dispatcher application entry point.
// The dispatcher is the long-running worker pool that consumes work orders
// off the Queue, executes them at their owning tier, runs QA, drives
// escalation, and publishes progress events.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/ai/real"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/repo/sqlite"
	qdrantcli "github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/app"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/dispatcher"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/eventbus"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/qa"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("dispatcher metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting dispatcher", slog.String("env", cfg.AppEnv))

	store := newWorkOrderStore(cfg)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	events := eventbus.NewRedisBus(rdb)

	var qcli *qdrantcli.Client
	if cfg.QdrantURL != "" {
		qcli = qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	}

	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "work-order-dispatcher-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "work-order-dispatchers")
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	queue := redpanda.NewQueue(producer, consumer)
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue", slog.Any("error", err))
		}
	}()

	tierModels, err := config.LoadTierModelTable(cfg.TierModelTablePath)
	if err != nil {
		slog.Error("load tier model table failed", slog.Any("error", err))
		os.Exit(1)
	}
	defaultSpec, err := config.LoadQASpec(cfg.QASpecPath)
	if err != nil {
		slog.Error("load qa spec failed", slog.Any("error", err))
		os.Exit(1)
	}
	qaSpecs := map[string]config.QASpec{"default": *defaultSpec}

	models := buildModelClients(cfg)

	sandbox, err := qa.NewDockerSandbox()
	if err != nil {
		slog.Warn("docker sandbox unavailable, code_execution QA sections will fail closed", slog.Any("error", err))
	}
	qaRunner := qa.NewRunner(cfg.AllowCommandExec, sandbox)

	baseRetryCfg := domain.DefaultRetryConfig()
	cfgRetry := cfg.GetRetryConfig()
	retryCfg := domain.RetryConfig{
		MaxRetries:         cfgRetry.MaxRetries,
		InitialDelay:       cfgRetry.InitialDelay,
		MaxDelay:           cfgRetry.MaxDelay,
		Multiplier:         cfgRetry.Multiplier,
		Jitter:             cfgRetry.Jitter,
		RetryableErrors:    baseRetryCfg.RetryableErrors,
		NonRetryableErrors: baseRetryCfg.NonRetryableErrors,
	}

	escalation := usecase.NewEscalationController(store, events, queue, retryCfg)

	d := dispatcher.New(queue, store, events, models, tierModels, qaRunner, qaSpecs, escalation, retryCfg, "work-order-dispatchers")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checkModelHealth(ctx, models[domain.TierIntern])
	checkQuota(ctx, cfg)

	app.EnsureDefaultCollections(ctx, qcli)

	if sweeper := app.NewStuckWorkOrderSweeper(store, cfg.StuckThreshold, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	slog.Info("starting dispatcher workers", slog.Int("workers", cfg.DispatcherWorkers))
	go d.Run(ctx, cfg.DispatcherWorkers)

	slog.Info("dispatcher started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
	slog.Info("dispatcher stopped")
}

// checkModelHealth probes the intern-tier model once at startup with a
// trivial chat call. A failure is logged and otherwise ignored: the
// dispatcher still starts, and the per-tier circuit breaker takes over
// from there if the model keeps failing.
func checkModelHealth(ctx context.Context, model domain.ModelClient) {
	if model == nil {
		return
	}
	if err := ai.NewModelValidator(model).ValidateModelHealth(ctx); err != nil {
		slog.Warn("model health check failed at startup", slog.Any("error", err))
	}
}

// checkQuota logs the OpenRouter account's remaining quota once at startup
// so operators see it without having to query OpenRouter directly. It never
// blocks startup.
func checkQuota(ctx context.Context, cfg config.Config) {
	if cfg.OpenRouterAPIKey == "" {
		return
	}
	limit, usage, remaining, isFreeTier, err := ai.NewRateLimitChecker(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL).GetQuotaInfo(ctx)
	if err != nil {
		slog.Warn("openrouter quota check failed at startup", slog.Any("error", err))
		return
	}
	slog.Info("openrouter quota at startup",
		slog.Float64("limit", limit), slog.Float64("usage", usage),
		slog.Float64("remaining", remaining), slog.Bool("free_tier", isFreeTier))
}

// newWorkOrderStore selects the primary Postgres backend, falling back to
// the embedded SQLite store once at startup if Postgres is unreachable.
func newWorkOrderStore(cfg config.Config) domain.WorkOrderStore {
	pool, err := pgxpool.New(context.Background(), cfg.DBURL)
	if err == nil {
		if pingErr := pool.Ping(context.Background()); pingErr == nil {
			slog.Info("using postgres work order store")
			return postgres.NewWorkOrderRepo(pool)
		}
		pool.Close()
	}

	slog.Warn("postgres unavailable at startup, falling back to embedded sqlite store", slog.Any("error", err))
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("sqlite fallback open failed", slog.Any("error", err))
		os.Exit(1)
	}
	return sqlite.NewWorkOrderRepo(db)
}

// buildModelClients maps every tier to the same real.Client. The client
// receives no tier: it picks its model the same way for every tier (Groq
// first when configured, then OpenRouter free models), so one client
// instance serves the whole ladder. Missing credentials surface
// as a ModelTransient/permanent error from individual calls rather than
// at startup.
//
// Every tier's client is wrapped with a per-tier circuit breaker and
// response cache (guardedClient) and an embedding cache sized by
// EmbedCacheSize, so a flapping model stops taking new requests and
// repeated prompts/embeddings avoid a second round trip.
func buildModelClients(cfg config.Config) dispatcher.ModelClients {
	if cfg.OpenRouterAPIKey == "" && cfg.GroqAPIKey == "" {
		slog.Warn("no AI provider credentials configured, dispatcher will start but every ModelClient call will fail")
	}
	client := real.New(cfg)
	breakers := ai.NewCircuitBreakerManager()
	cache := ai.NewDefaultModelCache()

	wrap := func(tier domain.Tier) domain.ModelClient {
		guarded := ai.NewGuardedClient(client, string(tier), cache, breakers)
		return ai.NewEmbedCache(guarded, cfg.EmbedCacheSize)
	}

	return dispatcher.ModelClients{
		domain.TierIntern:   wrap(domain.TierIntern),
		domain.TierDirector: wrap(domain.TierDirector),
		domain.TierCEO:      wrap(domain.TierCEO),
		domain.TierAdmin:    wrap(domain.TierAdmin),
	}
}
