package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tsromanox/openfinance-sub003/internal/config"
	"github.com/tsromanox/openfinance-sub003/internal/httpserver"
	"github.com/tsromanox/openfinance-sub003/internal/platform"
	"github.com/tsromanox/openfinance-sub003/internal/telemetry"
	"github.com/tsromanox/openfinance-sub003/pkg/account"
	"github.com/tsromanox/openfinance-sub003/pkg/cache"
	"github.com/tsromanox/openfinance-sub003/pkg/clock"
	"github.com/tsromanox/openfinance-sub003/pkg/consent"
	"github.com/tsromanox/openfinance-sub003/pkg/directory"
	"github.com/tsromanox/openfinance-sub003/pkg/events"
	"github.com/tsromanox/openfinance-sub003/pkg/jobqueue"
	"github.com/tsromanox/openfinance-sub003/pkg/report"
	"github.com/tsromanox/openfinance-sub003/pkg/scheduler"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
	"github.com/tsromanox/openfinance-sub003/pkg/tokenprovider"
	"github.com/tsromanox/openfinance-sub003/pkg/transmitter"
	"github.com/tsromanox/openfinance-sub003/pkg/worker"
)

// Exit codes per spec.md §6: 0 clean shutdown, 1 configuration error, 2
// store unreachable at startup, 130 on SIGINT/SIGTERM after a completed
// drain.
const (
	ExitOK               = 0
	ExitConfigError      = 1
	ExitStoreUnreachable = 2
	ExitInterrupted      = 130
)

// Run is the main application entry point: it wires every component, runs
// migrations, starts the health server, and dispatches to the configured
// role until ctx is cancelled, then drains in-flight work.
func Run(ctx context.Context, cfg *config.Config) (int, error) {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeID = host
		} else {
			cfg.NodeID = clock.NewCorrelationID()
		}
	}

	logger.Info("starting receptor",
		"role", cfg.Role,
		"node_id", cfg.NodeID,
		"client_id", cfg.ClientID,
		"listen", cfg.ListenAddr(),
	)

	if cfg.Role != "scheduler" && cfg.Role != "worker" && cfg.Role != "both" {
		return ExitConfigError, fmt.Errorf("unknown role %q: must be \"scheduler\", \"worker\", or \"both\"", cfg.Role)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return ExitStoreUnreachable, fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return ExitStoreUnreachable, fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return ExitStoreUnreachable, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	clk := clock.NewSystem()
	st := store.NewPostgres(db, cfg.StoreDefaultTTL)
	ch := cache.NewRedis(rdb)

	source, err := directory.NewStaticSource(cfg.DirectorySourcePath)
	if err != nil {
		return ExitConfigError, fmt.Errorf("loading directory snapshot: %w", err)
	}
	resolver := directory.NewCachedResolver(source, ch, clk, logger, cfg.DirectoryRefreshInterval)
	go resolver.Run(ctx)

	certs := tokenprovider.NewFileCertSource(cfg.MTLSCertDir)
	tokens := tokenprovider.New(resolver, certs, ch, clk, logger, cfg.OAuthClientID, cfg.OAuthClientSecret)

	tc := transmitter.New(resolver, tokens, certs, clk, logger, cfg.ClientID, cfg.TransmitterRateLimit, cfg.TransmitterBurst)

	publisher := events.NewRedisWriter(rdb, st, clk, logger)
	publisher.Start(ctx)
	defer publisher.Close()

	consents := consent.NewEngine(st, ch, tc, publisher, clk, logger, report.ConsentTransitionsTotal)
	go func() {
		if err := consents.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consent engine stopped", "error", err)
		}
	}()

	accounts := account.NewRepository(st)
	queue := jobqueue.New(st, clk)
	reports := report.NewAggregator(st, publisher, clk)

	metricsReg := telemetry.NewMetricsRegistry()

	srv := httpserver.NewServer(logger, db, rdb, st, metricsReg, cfg.AdminCORSOrigins)
	httpSrv := &http.Server{Addr: cfg.ListenAddr(), Handler: srv}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down health server", "error", err)
		}
	}()

	var runErr error
	switch cfg.Role {
	case "scheduler":
		sched := scheduler.New(st, queue, publisher, reports, clk, logger, scheduler.Config{
			BatchCron:           cfg.BatchCron,
			IncrementalInterval: cfg.IncrementalInterval,
			Cooldown:            cfg.Cooldown,
			BatchSize:           cfg.BatchSize,
			MaxQueueDepth:       cfg.MaxQueueDepth,
			BasePriority:        10,
		})
		runErr = sched.Run(ctx)
	case "worker":
		pool := worker.New(queue, accounts, consents, tc, tokens, reports, publisher, clk, logger, cfg.ClientID, worker.Config{
			NodeID:            cfg.NodeID,
			BatchSize:         cfg.BatchSize,
			VisibilityTimeout: cfg.VisibilityTimeout,
			GlobalConcurrency: cfg.Concurrency,
			OrgConcurrency:    cfg.OrgConcurrency,
			PollInterval:      time.Second,
		})
		runErr = pool.Run(ctx)
	case "both":
		sched := scheduler.New(st, queue, publisher, reports, clk, logger, scheduler.Config{
			BatchCron:           cfg.BatchCron,
			IncrementalInterval: cfg.IncrementalInterval,
			Cooldown:            cfg.Cooldown,
			BatchSize:           cfg.BatchSize,
			MaxQueueDepth:       cfg.MaxQueueDepth,
			BasePriority:        10,
		})
		pool := worker.New(queue, accounts, consents, tc, tokens, reports, publisher, clk, logger, cfg.ClientID, worker.Config{
			NodeID:            cfg.NodeID,
			BatchSize:         cfg.BatchSize,
			VisibilityTimeout: cfg.VisibilityTimeout,
			GlobalConcurrency: cfg.Concurrency,
			OrgConcurrency:    cfg.OrgConcurrency,
			PollInterval:      time.Second,
		})

		schedErrCh := make(chan error, 1)
		go func() { schedErrCh <- sched.Run(ctx) }()
		workerErrCh := make(chan error, 1)
		go func() { workerErrCh <- pool.Run(ctx) }()

		schedErr := <-schedErrCh
		workerErr := <-workerErrCh
		runErr = workerErr
		if runErr == nil {
			runErr = schedErr
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return ExitInterrupted, fmt.Errorf("%s run: %w", cfg.Role, runErr)
	}

	logger.Info("receptor stopped", "role", cfg.Role)
	if errors.Is(ctx.Err(), context.Canceled) {
		return ExitInterrupted, nil
	}
	return ExitOK, nil
}
