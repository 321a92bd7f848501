// Package main implements the worker process (run_worker).
// The worker dequeues tasks from Redis, runs them through the runner registry,
// stores their output in the result store and records the outcome on the task.
//
// Features:
//   - Graceful shutdown on SIGINT/SIGTERM (the running task is aborted and retried or failed)
//   - Prometheus metrics exposed on METRICS_ADDR/metrics
//   - Optional retry with exponential backoff (MAX_RETRIES), Dead Letter Queue otherwise
//   - Cron-driven pruning of old results (RESULT_SWEEP_SPEC, RESULT_TTL)
//
// Usage:
//
//	go run ./cmd/worker
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/guido-cesarano/opgeeweb/pkg/config"
	"github.com/guido-cesarano/opgeeweb/pkg/logger"
	"github.com/guido-cesarano/opgeeweb/pkg/queue"
	"github.com/guido-cesarano/opgeeweb/pkg/results"
	"github.com/guido-cesarano/opgeeweb/pkg/runner"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger.Configure(cfg.Env, cfg.LogLevel)

	client, err := queue.NewClientFromURL(cfg.Redis.URL,
		queue.WithQueues(cfg.Redis.Queues...),
		queue.WithTaskTTL(cfg.Redis.TaskTTL),
	)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid REDIS_URL")
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := results.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Result store unavailable")
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	sweeper, err := startRetentionSweep(ctx, store, cfg.Results.SweepSpec, cfg.Results.TTL)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid RESULT_SWEEP_SPEC")
	}
	defer sweeper.Stop()

	go collectQueueMetrics(ctx, client)

	w := &worker{
		queue:      client,
		runners:    runner.Default(cfg.OPGEE),
		results:    store,
		maxRetries: cfg.Worker.MaxRetries,
		runTimeout: cfg.Worker.RunTimeout,
	}

	logger.Log.Info().Strs("queues", client.Queues()).Msg("Worker started. Waiting for tasks...")
	w.run(ctx)
}
