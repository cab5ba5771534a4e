package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tsromanox/openfinance-sub003/internal/app"
	"github.com/tsromanox/openfinance-sub003/internal/config"
)

func main() {
	role := flag.String("role", "", "run role: scheduler, worker, or both (overrides RECEPTOR_ROLE)")
	nodeID := flag.String("node-id", "", "worker lease identity (overrides RECEPTOR_NODE_ID)")
	batchSize := flag.Int("batch-size", 0, "scheduler/worker batch size (overrides SCHEDULER_BATCH_SIZE)")
	visibilityTimeout := flag.Duration("visibility-timeout", 0, "job lease duration (overrides WORKER_VISIBILITY_TIMEOUT)")
	concurrency := flag.Int64("concurrency", 0, "worker global concurrency (overrides WORKER_CONCURRENCY)")
	maxDepth := flag.Int("max-depth", 0, "scheduler back-pressure queue depth (overrides SCHEDULER_MAX_QUEUE_DEPTH)")
	shutdownGrace := flag.Duration("shutdown-grace", 0, "graceful shutdown timeout (overrides SHUTDOWN_GRACE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(app.ExitConfigError)
	}

	if *role != "" {
		cfg.Role = *role
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *batchSize != 0 {
		cfg.BatchSize = *batchSize
	}
	if *visibilityTimeout != 0 {
		cfg.VisibilityTimeout = *visibilityTimeout
	}
	if *concurrency != 0 {
		cfg.Concurrency = *concurrency
	}
	if *maxDepth != 0 {
		cfg.MaxQueueDepth = *maxDepth
	}
	if *shutdownGrace != 0 {
		cfg.ShutdownGrace = *shutdownGrace
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct {
		code int
		err  error
	}, 1)

	go func() {
		code, err := app.Run(ctx, cfg)
		done <- struct {
			code int
			err  error
		}{code, err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			slog.Error("fatal", "error", result.err)
		}
		os.Exit(result.code)
	case <-ctx.Done():
		select {
		case result := <-done:
			if result.err != nil {
				slog.Error("fatal", "error", result.err)
			}
			os.Exit(result.code)
		case <-time.After(cfg.ShutdownGrace):
			slog.Error("shutdown grace period exceeded, forcing exit")
			os.Exit(app.ExitInterrupted)
		}
	}
}
