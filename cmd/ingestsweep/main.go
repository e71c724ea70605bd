// Command ingestsweep runs the periodic maintenance sweep over the shared
// KV stores: stale job records, expired checkpoints, and expired progress
// snapshots are removed ahead of their bucket TTL, and the number of
// records removed from each store is logged.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ragline/ragline/engine/checkpoint"
	"github.com/ragline/ragline/engine/progress"
	"github.com/ragline/ragline/engine/tasks"
)

func main() {
	var (
		natsURL            = flag.String("nats", envOr("NATS_URL", nats.DefaultURL), "NATS server URL")
		interval           = flag.Duration("interval", 1*time.Hour, "sweep interval")
		once               = flag.Bool("once", false, "run a single sweep and exit")
		jobMaxAge          = flag.Duration("job-max-age", 48*time.Hour, "age after which terminal job records are removed")
		checkpointInterval = flag.Int("checkpoint-interval", 100, "items between checkpoint writes")
		progressInterval   = flag.Duration("progress-interval", 2*time.Second, "minimum gap between progress writes")
		stateMaxAge        = flag.Duration("state-max-age", 7*24*time.Hour, "age after which checkpoints and progress snapshots are swept")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		logger.Error("connect nats failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		logger.Error("jetstream failed", "error", err)
		os.Exit(1)
	}

	taskStore, err := tasks.OpenStore(ctx, js)
	if err != nil {
		logger.Error("open task store failed", "error", err)
		os.Exit(1)
	}
	// The sweep never submits jobs; the manager exists only to reach
	// CleanupCompleted, which walks the job store.
	manager := tasks.NewWithStore(taskStore, 1, func(ctx context.Context, job tasks.Job) (tasks.Job, error) {
		return job, nil
	}, logger)
	defer manager.Shutdown()

	cps, err := checkpoint.Open(ctx, js, *checkpointInterval, logger)
	if err != nil {
		logger.Error("open checkpoint store failed", "error", err)
		os.Exit(1)
	}

	prog, err := progress.Open(ctx, js, *progressInterval, logger)
	if err != nil {
		logger.Error("open progress tracker failed", "error", err)
		os.Exit(1)
	}

	sweep := func() {
		cutoff := time.Now().Add(-*stateMaxAge)

		removedJobs, err := manager.CleanupCompleted(ctx, *jobMaxAge)
		if err != nil {
			logger.Error("sweep: job cleanup failed", "error", err)
		} else {
			logger.Info("sweep: removed terminal job records", "count", removedJobs)
		}

		removedCheckpoints, err := cps.CleanupOld(ctx, cutoff)
		if err != nil {
			logger.Error("sweep: checkpoint cleanup failed", "error", err)
		} else {
			logger.Info("sweep: removed stale checkpoints/failed-batches", "count", removedCheckpoints)
		}

		removedProgress, err := prog.CleanupOld(ctx, cutoff)
		if err != nil {
			logger.Error("sweep: progress cleanup failed", "error", err)
		} else {
			logger.Info("sweep: removed stale progress snapshots", "count", removedProgress)
		}
	}

	sweep()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
