// Package main is the entry point for the Quillgate approval engine.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/internal/config"
	"github.com/quillgate/quillgate/internal/idempotency"
	"github.com/quillgate/quillgate/internal/ledger"
	"github.com/quillgate/quillgate/internal/observability"
	"github.com/quillgate/quillgate/internal/provider"
	"github.com/quillgate/quillgate/internal/resume"
	"github.com/quillgate/quillgate/internal/step"
	"github.com/quillgate/quillgate/internal/transport"
	"github.com/quillgate/quillgate/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "quillgate-engine", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Persistence: one backend serves the workflow, ledger, audit, token,
	// and attempt stores so a single transaction scope covers them all.
	stores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer stores.close()

	ldg := ledger.WithMetrics(stores.ledger, metrics)

	breakers := step.NewBreakerRegistry(
		cfg.Workflow.Breaker.FailureThreshold,
		cfg.Workflow.Breaker.SuccessThreshold,
		cfg.Workflow.Breaker.Cooldown,
	)
	executor := step.NewExecutor(stores.attempts, breakers, logger)

	if cfg.Generation.BaseURL == "" {
		logger.Error("generation.base_url is required")
		return 1
	}
	generator := provider.NewHTTPGenerator(cfg.Generation.BaseURL, cfg.Generation.Timeout)

	var notifier provider.Notifier
	if cfg.Notifier.BaseURL != "" {
		notifier = provider.NewHTTPNotifier(cfg.Notifier.BaseURL, cfg.Notifier.Timeout)
	} else {
		logger.Warn("notifier.base_url not configured, notifications go to the log")
		notifier = provider.NewLogNotifier(logger)
	}

	policies := make(map[string]step.Policy, len(cfg.Workflow.Steps))
	for name, sp := range cfg.Workflow.Steps {
		policies[name] = stepPolicy(sp)
	}
	runtime := workflow.NewRuntime(
		stores.workflow, executor, ldg, generator, notifier,
		stores.tokens, stores.audit, metrics, logger,
		workflow.Config{
			Reviewers:     cfg.Workflow.Reviewers,
			Policies:      policies,
			DefaultPolicy: stepPolicy(cfg.Workflow.DefaultStep),
			StaleAfter:    cfg.Workflow.StaleAfter,
		},
	)
	dispatcher := resume.NewDispatcher(stores.tokens, runtime, stores.workflow, stores.audit, logger)

	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{}
	if hc, ok := stores.workflow.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}
	if hc, ok := stores.ledger.(observability.HealthChecker); ok {
		readiness.LedgerStore = hc
	}
	if hc, ok := stores.audit.(observability.HealthChecker); ok {
		readiness.AuditStore = hc
	}
	if hc, ok := stores.tokens.(observability.HealthChecker); ok {
		readiness.ResumeTokens = hc
	}
	if idemStore != nil {
		readiness.IdempotencyStore = idemStore
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Runtime:      runtime,
		Dispatcher:   dispatcher,
		Ledger:       ldg,
		Idempotency:  idemStore,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runRecovery(bgCtx, runtime, cfg.Workflow, logger)
	go runStaleSweep(bgCtx, runtime, cfg.Workflow.StaleSweepInterval, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests. Any
	// instance interrupted mid-step is picked up by the recovery job on
	// the next start.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// engineStores bundles the persistence layer behind one close function.
type engineStores struct {
	workflow workflow.Store
	ledger   ledger.Ledger
	audit    audit.Store
	tokens   interface {
		workflow.TokenIssuer
		resume.TokenStore
	}
	attempts step.AttemptStore
	closer   func()
}

func (s *engineStores) close() {
	if s.closer != nil {
		s.closer()
	}
}

func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engineStores, error) {
	policy, err := eligibilityPolicy(cfg.Ledger)
	if err != nil {
		return nil, err
	}

	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		auditLog := audit.NewMemStore()
		return &engineStores{
			workflow: workflow.NewMemStore(auditLog),
			ledger:   ledger.NewMemStore(policy, auditLog),
			audit:    auditLog,
			tokens:   resume.NewMemTokenStore(),
			attempts: step.NewMemAttemptStore(),
		}, nil

	case "postgres", "":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Store.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: ping: %w", err)
		}

		return &engineStores{
			workflow: workflow.NewPgStore(pool),
			ledger:   ledger.NewPgStore(pool, policy),
			audit:    audit.NewPgStore(pool),
			tokens:   resume.NewPgTokenStore(pool),
			attempts: step.NewPgAttemptStore(pool),
			closer:   pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}
}

func eligibilityPolicy(cfg config.LedgerConfig) (ledger.EligibilityPolicy, error) {
	switch cfg.EligibilityPolicy {
	case "trial", "":
		return ledger.TrialPolicy{}, nil
	case "deny":
		return ledger.DenyPolicy{}, nil
	default:
		return nil, fmt.Errorf("unsupported ledger eligibility policy: %q", cfg.EligibilityPolicy)
	}
}

func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		return idempotency.NewRedisStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

func stepPolicy(cfg config.StepPolicyConfig) step.Policy {
	return step.Policy{
		MaxAttempts:       cfg.MaxAttempts,
		AttemptTimeout:    cfg.AttemptTimeout,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMultiplier: cfg.BackoffMultiplier,
		BackoffMax:        cfg.BackoffMax,
		JitterFraction:    cfg.JitterFraction,
	}
}

// runRecovery periodically re-advances running instances whose worker died
// mid-step. Advancing is idempotent, so picking up an instance that is
// actually fine is harmless.
func runRecovery(ctx context.Context, rt *workflow.Runtime, cfg config.WorkflowConfig, logger *zap.Logger) {
	interval := cfg.RecoveryInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	batch := cfg.RecoveryBatch
	if batch <= 0 {
		batch = 100
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.Recover(ctx, batch)
			if err != nil {
				logger.Error("instance recovery failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("recovered instances", zap.Int("count", n))
			}
		}
	}
}

// runStaleSweep periodically flags long-running instances for operators.
func runStaleSweep(ctx context.Context, rt *workflow.Runtime, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rt.FlagStale(ctx)
			if err != nil {
				logger.Error("stale instance sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Warn("stale instances flagged", zap.Int("count", n))
			}
		}
	}
}
