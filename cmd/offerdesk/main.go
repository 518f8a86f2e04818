// Package main is the entry point for the offerdesk server.
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

	"github.com/pitabwire/offerdesk/internal/approval"
	"github.com/pitabwire/offerdesk/internal/capability"
	"github.com/pitabwire/offerdesk/internal/config"
	"github.com/pitabwire/offerdesk/internal/definition"
	"github.com/pitabwire/offerdesk/internal/draft"
	"github.com/pitabwire/offerdesk/internal/observability"
	"github.com/pitabwire/offerdesk/internal/offering"
	"github.com/pitabwire/offerdesk/internal/options"
	"github.com/pitabwire/offerdesk/internal/session"
	"github.com/pitabwire/offerdesk/internal/transport"
	"github.com/pitabwire/offerdesk/model"
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
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "", "path to configuration file (defaults only when empty)")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "offerdesk", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load wizard definitions, validate, build registry.
	schemas, err := loadDefinitions(cfg.Definitions, logger)
	if err != nil {
		metrics.RecordDefinitionReload(observability.StatusFailure)
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(schemas)
	metrics.RecordDefinitionReload(observability.StatusSuccess)
	metrics.SetDefinitionsLoaded(float64(len(schemas)))

	// Step 5: Initialize capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries)
	capResolver.SetObserver(metrics)

	// Step 6: Initialize stores.
	drafts, draftsHealth, draftsCloser, err := buildDraftStore(cfg.Drafts, logger)
	if err != nil {
		logger.Error("draft store initialization failed", zap.Error(err))
		return 1
	}
	offers, offersHealth, offersCloser, err := buildOfferStore(ctx, cfg.Offers, logger)
	if err != nil {
		logger.Error("offer store initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Option sources seeded from the loaded schemas.
	optionProvider := options.NewProvider(cfg.Options.Cache.TTL, cfg.Options.Cache.MaxEntries, logger, schemaOptionSource(schemas))
	optionProvider.SetObserver(metrics)

	// Step 8: Approval simulation and session manager.
	simulator, err := approval.NewSimulator(offers,
		approval.WithTimeline(approval.Timeline{
			ComplianceReview:     cfg.Approval.ComplianceReview,
			RegulatoryAssessment: cfg.Approval.RegulatoryAssessment,
			FinalApproval:        cfg.Approval.FinalApproval,
			Approved:             cfg.Approval.Approved,
			ProgressTick:         cfg.Approval.ProgressTick,
		}),
		approval.WithLogger(logger.Named("approval")),
		approval.WithObserver(approvalObserver{m: metrics}),
	)
	if err != nil {
		logger.Error("approval simulator initialization failed", zap.Error(err))
		return 1
	}

	sessions := session.NewManager(session.Dependencies{
		Registry:       registry,
		Drafts:         drafts,
		Offers:         offers,
		Approvals:      simulator,
		Options:        optionProvider,
		EngineObserver: metrics,
		Observer:       metrics,
		Logger:         logger.Named("session"),
	}, session.Config{
		AutoSaveInterval: cfg.Wizard.AutoSaveInterval,
		IdleTimeout:      cfg.Wizard.IdleTimeout,
	})

	// Step 9: Build HTTP router.
	if !cfg.Identity.Enabled {
		logger.Warn("identity verification disabled; callers are trusted from request headers")
	}
	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.All()) > 0 },
		OfferStore:        offersHealth,
		DraftStore:        draftsHealth,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.NewAuthenticator(cfg.Identity),
		CapabilityResolver: capResolver,
		Sessions:           sessions,
		Registry:           registry,
		Offers:             offers,
		Options:            optionProvider,
		Metrics:            metrics,
		MetricsHandler:     observability.Handler(),
		Readiness:          readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go sessions.RunReaper(bgCtx, cfg.Wizard.ReapInterval)
	go watchReload(bgCtx, cfg, registry, evaluator, metrics, logger)

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(schemas)),
		zap.String("drafts_driver", cfg.Drafts.Driver),
		zap.String("offers_driver", cfg.Offers.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the reaper, then every session's auto-save and approval timers.
	bgCancel()
	sessions.Shutdown()

	// Close stores.
	if draftsCloser != nil {
		draftsCloser()
	}
	if offersCloser != nil {
		offersCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// loadDefinitions loads every schema in the configured directories and
// rejects the set when any schema fails validation.
func loadDefinitions(cfg config.DefinitionsConfig, logger *zap.Logger) ([]model.WizardSchema, error) {
	schemas, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}
	if verrs := definition.NewValidator().Validate(schemas); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("definition validation failed with %d errors", len(verrs))
	}
	if len(schemas) == 0 {
		return nil, fmt.Errorf("no wizard definitions found in %v", cfg.Directories)
	}
	return schemas, nil
}

// schemaOptionSource merges the optionSources sections of every schema.
// Later schemas win on duplicate keys.
func schemaOptionSource(schemas []model.WizardSchema) options.StaticSource {
	src := options.StaticSource{}
	for _, s := range schemas {
		for key, opts := range s.OptionSources {
			src[key] = opts
		}
	}
	return src
}

// buildDraftStore creates the draft store based on config. The health
// checker is nil for the in-memory store.
func buildDraftStore(cfg config.DraftsConfig, logger *zap.Logger) (draft.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory draft store")
		return draft.NewMemoryStore(cfg.TTL), nil, nil, nil
	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("draft store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		store := draft.NewRedisStore(client, cfg.TTL)
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}
		return store, store, closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported draft store driver: %q", cfg.Driver)
	}
}

// buildOfferStore creates the offer store based on config. The health
// checker is nil for the in-memory store.
func buildOfferStore(ctx context.Context, cfg config.OffersConfig, logger *zap.Logger) (offering.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory offer store")
		return offering.NewMemoryStore(), nil, nil, nil
	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("offer store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("offer store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("offer store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("offer store: ping: %w", err)
		}

		store := offering.NewPgStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		return store, store, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported offer store driver: %q", cfg.Driver)
	}
}

// watchReload reloads the wizard definitions and the role policy on SIGHUP.
// A failed reload keeps the previous definitions and policy.
func watchReload(ctx context.Context, cfg *config.Config, registry *definition.Registry, evaluator *capability.StaticPolicyEvaluator, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			schemas, err := loadDefinitions(cfg.Definitions, logger)
			if err != nil {
				metrics.RecordDefinitionReload(observability.StatusFailure)
				logger.Error("definition reload failed", zap.Error(err))
			} else {
				registry.Replace(schemas)
				metrics.RecordDefinitionReload(observability.StatusSuccess)
				metrics.SetDefinitionsLoaded(float64(len(schemas)))
				logger.Info("definitions reloaded",
					zap.Int("definitions", len(schemas)),
					zap.String("checksum", registry.Checksum()),
				)
			}
			if err := evaluator.Sync(); err != nil {
				logger.Error("policy reload failed", zap.Error(err))
			}
		}
	}
}

// approvalObserver records approval pipeline events as metrics.
type approvalObserver struct {
	m *observability.Metrics
}

func (o approvalObserver) StageEntered(stage approval.Stage) {
	o.m.RecordApprovalStage(string(stage))
}

func (o approvalObserver) Approved(elapsed time.Duration, err error) {
	o.m.RecordApproval(elapsed, err)
}
