package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/vorion-labs/cognigate/pkg/audit"
	"github.com/vorion-labs/cognigate/pkg/config"
	"github.com/vorion-labs/cognigate/pkg/enforce"
	"github.com/vorion-labs/cognigate/pkg/observability"
	"github.com/vorion-labs/cognigate/pkg/proof"
	"github.com/vorion-labs/cognigate/pkg/queue"
	"github.com/vorion-labs/cognigate/pkg/recovery"
	"github.com/vorion-labs/cognigate/pkg/resiliency"
	"github.com/vorion-labs/cognigate/pkg/trust"
)

const shutdownGrace = 10 * time.Second

// runtime owns every long-lived component and its shutdown order.
//
// The primary queue is the resubmission target for recovered dead letters;
// consuming it, and dead-lettering failed executions into the DLQ, belongs
// to the execution workers deployed alongside this process.
type runtime struct {
	logger       *slog.Logger
	obs          *observability.Provider
	breakers     *resiliency.Registry
	engine       *enforce.Engine
	tracker      *proof.Tracker
	orchestrator *recovery.Orchestrator
	httpServer   *http.Server

	db        *sql.DB
	redis     *redis.Client
	sqliteDLQ *queue.SQLiteDLQ
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "cognigate",
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Enabled:      cfg.Observability.Enabled,
		Insecure:     cfg.Observability.Insecure,
	})
	if err != nil {
		return nil, err
	}
	rt.obs = obs

	rt.breakers = resiliency.NewRegistry(resiliency.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		OnStateChange: func(name string, from, to resiliency.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	// Provenance store: Postgres when configured, in-memory otherwise.
	var proofStore proof.Store
	if cfg.Stores.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.Stores.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres failed: %w", err)
		}
		rt.db = db
		pg := proof.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating provenance schema failed: %w", err)
		}
		proofStore = pg
	} else {
		proofStore = proof.NewMemoryStore()
	}
	rt.tracker = proof.NewTracker(proofStore)

	// Retry bookkeeping: Redis when configured, in-memory otherwise.
	var retryTracker recovery.RetryTracker
	if cfg.Stores.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.Stores.RedisAddr})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		retryTracker = recovery.NewRedisTracker(rt.redis, "")
	} else {
		retryTracker = recovery.NewMemoryTracker()
	}

	// Dead letters: SQLite when configured, in-memory otherwise.
	var dlq queue.DeadLetterStore
	if cfg.Stores.SQLitePath != "" {
		store, err := queue.OpenSQLiteDLQ(cfg.Stores.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.sqliteDLQ = store
		dlq = store
	} else {
		dlq = queue.NewMemoryDLQ()
	}

	trustBreaker := rt.breakers.Get("trust-store")
	static := &trust.StaticProvider{Scores: cfg.Trust.Scores}
	provider := trust.NewGuardedProvider(static, trustBreaker, cfg.Trust.LookupTimeout)
	rt.engine, err = enforce.NewEngine(logger, enforce.WithTrustProvider(provider))
	if err != nil {
		return nil, err
	}

	primary := queue.NewMemoryQueue()
	retention := time.Duration(cfg.Orchestrator.PurgeAfterDays) * 24 * time.Hour
	rt.orchestrator = recovery.NewOrchestrator(recovery.Config{
		Interval:        cfg.Orchestrator.Interval,
		MaxJobsPerCycle: cfg.Orchestrator.MaxJobsPerCycle,
		Retention:       retention,
		Backoff: recovery.BackoffPolicy{
			BaseDelay:    cfg.Orchestrator.BaseRetryDelay,
			Multiplier:   cfg.Orchestrator.BackoffMultiplier,
			JitterFactor: cfg.Orchestrator.JitterFactor,
			MaxAttempts:  cfg.Orchestrator.MaxRetryAttempts,
		},
		OnCycle: func(s recovery.CycleSummary) {
			oldest, err := dlq.OldestAge(context.Background())
			if err != nil {
				oldest = 0
			}
			obs.Metrics.RecordCycle(context.Background(),
				s.Retried, s.Failed, s.Purged, s.Exhausted, s.DLQTotal,
				s.CycleDuration, oldest)
		},
	}, dlq, retryTracker, primary, logger)

	// The policy bundle is loaded once at startup; with no bundle configured
	// the engine fails closed on every request.
	var bundle *enforce.PolicyBundle
	if cfg.PolicyBundle != "" {
		bundle, err = enforce.LoadBundleFile(cfg.PolicyBundle)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no policy bundle configured, all decisions will fail closed")
	}

	api := &apiServer{
		engine:   rt.engine,
		tracker:  rt.tracker,
		store:    proofStore,
		exporter: audit.NewExporter(proofStore),
		breakers: rt.breakers,
		bundle:   bundle,
		metrics:  obs.Metrics,
		logger:   logger,
	}
	rt.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return rt, nil
}

// Start launches the timer-driven components and the HTTP listener.
func (rt *runtime) Start(ctx context.Context) {
	rt.orchestrator.Start(ctx)
	go func() {
		if err := rt.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("http server failed", "error", err)
		}
	}()
}

// Stop shuts everything down, newest dependency first.
func (rt *runtime) Stop(ctx context.Context) error {
	rt.orchestrator.Stop()

	var errs []error
	if err := rt.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.obs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.sqliteDLQ != nil {
		if err := rt.sqliteDLQ.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
