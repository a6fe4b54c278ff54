// Package app wires the engine's components together with explicit
// dependency injection: one constructor builds every component and hands
// the finished graph to its caller, replacing the module-level singleton
// wiring the original Python implementation used (each service importing
// a shared global instance) with one place that owns construction order
// and lifetime.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"

	ctxasm "github.com/taskmesh/engine/internal/context"
	"github.com/taskmesh/engine/internal/embedcache"
	"github.com/taskmesh/engine/internal/embedding"
	"github.com/taskmesh/engine/internal/evaluation"
	"github.com/taskmesh/engine/internal/httpapi"
	"github.com/taskmesh/engine/internal/jobs"
	"github.com/taskmesh/engine/internal/llmclient"
	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/resilience"
	"github.com/taskmesh/engine/internal/scheduler"

	"github.com/taskmesh/engine/internal/config"
)

// App holds every long-lived component for one engine process.
type App struct {
	cfg *config.Config

	DB         *bbolt.DB
	Repo       *repository.Repository
	EmbedCache *embedcache.Cache
	Embedder   *embedding.Service
	Embeddings *embedding.Manager
	Assembler  *ctxasm.Assembler
	Evaluator  evaluation.Evaluator
	Jobs       *jobs.Registry
	Scheduler  *scheduler.Scheduler
	HTTP       *httpapi.Server

	natsConn *nats.Conn
}

// Build constructs the full dependency graph from cfg. Callers own the
// returned App's lifetime and must call Close when done.
func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.GetMeterProvider().Meter("taskengine")

	dbPath := cfg.DataDir + "/engine.db"
	db, err := repository.OpenDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("app: open repository db: %w", err)
	}
	repo := repository.New(db, 64, meter)

	if err := repo.MigrateWorkflowIsolation(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("app: migrate workflow isolation: %w", err)
	}

	embedCachePath := ""
	if cfg.EmbeddingCachePersistent {
		embedCachePath = cfg.DataDir + "/embedcache"
	}
	ec := embedcache.New(cfg.EmbeddingCacheSize, embedCachePath)

	provider := embeddingProvider(cfg)
	breaker := resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 30*time.Second, 3)
	embedSvc := embedding.New(provider, ec, cfg.EmbeddingBatchSize, meter,
		embedding.WithCircuitBreaker(breaker),
		embedding.WithRetry(cfg.EmbeddingMaxRetries, cfg.EmbeddingRetryDelay),
	)
	embedMgr := embedding.NewManager(embedSvc, 5*time.Minute, meter)

	assembler := ctxasm.New(repo, embedSvc)

	evaluator := evaluation.Evaluator(evaluation.NewHeuristicEvaluator(40))

	var natsConn *nats.Conn
	var jobReg *jobs.Registry
	if cfg.JobsNATSURL != "" {
		nc, err := nats.Connect(cfg.JobsNATSURL)
		if err != nil {
			logger.Warn("app: nats connect failed, job events stay in-process only", "error", err)
			jobReg = jobs.New(64, meter, nil)
		} else {
			natsConn = nc
			jobReg = jobs.New(64, meter, jobs.NewNATSBridge(nc, "engine.jobs"))
		}
	} else {
		jobReg = jobs.New(64, meter, nil)
	}

	executor := llmExecutor(cfg)
	sched := scheduler.New(repo, assembler, embedMgr, executor, logger)

	httpSrv := httpapi.New(httpapi.Config{
		Repo:      repo,
		Scheduler: sched,
		Jobs:      jobReg,
		Assembler: assembler,

		TokenSecret: cfg.HTTPTokenSecret,

		RateLimitCapacity:  int64(cfg.HTTPRateLimitCapacity),
		RateLimitFillRate:  cfg.HTTPRateLimitFillRate,
		RateLimitWindow:    cfg.HTTPRateLimitWindow,
		RateLimitPerWindow: int64(cfg.HTTPRateLimitPerWindow),

		DefaultRunOptions: scheduler.Options{
			Strategy:    scheduler.Strategy(cfg.SchedulerDefaultStrategy),
			Parallelism: cfg.SchedulerParallelism,
			EnableEval:  true,
			Evaluator:   evaluator,
			EvalConfig: evaluation.Config{
				QualityThreshold: cfg.EvaluationQualityThreshold,
				MaxIterations:    cfg.EvaluationMaxIterations,
			},
		},

		Logger: logger,
		Meter:  meter,
	})

	return &App{
		cfg:        cfg,
		DB:         db,
		Repo:       repo,
		EmbedCache: ec,
		Embedder:   embedSvc,
		Embeddings: embedMgr,
		Assembler:  assembler,
		Evaluator:  evaluator,
		Jobs:       jobReg,
		Scheduler:  sched,
		HTTP:       httpSrv,
		natsConn:   natsConn,
	}, nil
}

func embeddingProvider(cfg *config.Config) embedding.Provider {
	if cfg.LLMMock {
		return embedding.NewMockProvider(cfg.EmbeddingModel, cfg.EmbeddingDimension)
	}
	return embedding.NewHTTPProvider(cfg.EmbeddingAPIURL, cfg.EmbeddingModel, cfg.EmbeddingDimension, cfg.EmbeddingTimeout)
}

func llmExecutor(cfg *config.Config) scheduler.Executor {
	if cfg.LLMMock {
		return mockExecutor{}
	}
	return llmclient.NewHTTPExecutor(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
}

// mockExecutor stands in for a real completion backend when cfg.LLMMock is
// set: it echoes a deterministic, clearly-synthetic output so scheduler runs
// exercise the full pipeline (evaluation, embedding-on-output, job events)
// without a network dependency.
type mockExecutor struct{}

func (mockExecutor) Execute(_ context.Context, task model.Task, prompt string) (string, error) {
	return fmt.Sprintf("[mock output for task %d] %s", task.ID, prompt), nil
}

// Close releases every component holding a file handle or network
// connection. Safe to call once after Build succeeds.
func (a *App) Close() error {
	a.Jobs.Close()
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	_ = a.EmbedCache.Close()
	return a.DB.Close()
}
