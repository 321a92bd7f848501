package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/logger"
	"github.com/guido-cesarano/opgeeweb/pkg/queue"
	"github.com/guido-cesarano/opgeeweb/pkg/results"
	"github.com/guido-cesarano/opgeeweb/pkg/runner"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// errDequeue marks failures to take a task off the broker, as opposed to
// failures recording a task's outcome.
var errDequeue = errors.New("dequeue failed")

type worker struct {
	queue      *queue.Client
	runners    *runner.Registry
	results    results.Store
	maxRetries int
	runTimeout time.Duration
	// tempDir is the parent of per-run work directories; empty means os.TempDir.
	tempDir string
}

// run is the main loop. It also starts the background scheduler that moves due
// retries back to their queues.
//
// Task Processing Flow:
//  1. Dequeue atomically from the first non-empty queue into processing_queue
//  2. Mark the task started and run it with the configured timeout
//  3. On success: store the output, mark finished with the result key
//  4. On failure: retry with backoff while retries remain, otherwise mark failed (DLQ)
func (w *worker) run(ctx context.Context) {
	go w.queue.StartScheduler(ctx)

	for ctx.Err() == nil {
		if err := w.processOne(ctx); err != nil && err != redis.Nil && ctx.Err() == nil {
			logger.Log.Error().Err(err).Msg(failureMessage(err))
			// Back off so a broker outage does not spin.
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func failureMessage(err error) string {
	if errors.Is(err, errDequeue) {
		return "Dequeue failed"
	}
	return "Task processing failed"
}

// processOne handles at most one task. It returns redis.Nil when the queues
// were empty and wraps errDequeue when the broker could not be read.
func (w *worker) processOne(ctx context.Context) error {
	task, raw, err := w.queue.Dequeue(ctx)
	if err == redis.Nil {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %w", errDequeue, err)
	}

	// Bookkeeping must survive shutdown, so it runs on a context that is not
	// cancelled with ctx.
	bg := context.WithoutCancel(ctx)
	log := logger.Log.With().Str("task_id", task.ID).Str("type", task.Type).Int("retry_count", task.RetryCount).Logger()

	start := time.Now()
	queueLatency.WithLabelValues(task.Type).Observe(start.Sub(task.CreatedAt).Seconds())

	if err := w.queue.Start(bg, task); err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	log.Info().Msg("Processing task")

	resultKey, runErr := w.execute(ctx, task)
	taskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if err := w.queue.Complete(bg, task, raw, resultKey); err != nil {
			return fmt.Errorf("mark finished: %w", err)
		}
		tasksProcessed.WithLabelValues("success", task.Type).Inc()
		log.Info().Str("result", resultKey).Dur("duration", time.Since(start)).Msg("Task finished")
		return nil
	}

	log.Error().Err(runErr).Msg("Task failed")
	if task.RetryCount < w.maxRetries && !errors.Is(runErr, runner.ErrUnknownType) {
		tasksProcessed.WithLabelValues("retry", task.Type).Inc()
		if err := w.queue.Retry(bg, task, raw, runErr); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	}
	tasksProcessed.WithLabelValues("failed", task.Type).Inc()
	if err := w.queue.Fail(bg, task, raw, runErr); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// execute runs the task in a scratch directory and uploads the output.
func (w *worker) execute(ctx context.Context, task *tasks.Task) (string, error) {
	r, err := w.runners.Get(task.Type)
	if err != nil {
		return "", err
	}

	workDir, err := os.MkdirTemp(w.tempDir, "opgee-run-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	runCtx := ctx
	if w.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.runTimeout)
		defer cancel()
	}

	out, err := r.Run(runCtx, task, workDir)
	if err != nil {
		return "", err
	}

	f, err := os.Open(out.Path)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	key := results.Key(task.ID, out.Path)
	if err := w.results.Put(context.WithoutCancel(ctx), key, f, out.ContentType); err != nil {
		return "", fmt.Errorf("store output: %w", err)
	}
	return key, nil
}

// startRetentionSweep schedules pruning of results older than ttl.
func startRetentionSweep(ctx context.Context, store results.Store, spec string, ttl time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		removed, err := store.Prune(ctx, time.Now().Add(-ttl))
		if err != nil {
			logger.Log.Error().Err(err).Msg("Result sweep failed")
			return
		}
		if removed > 0 {
			logger.Log.Info().Int("removed", removed).Msg("Old results pruned")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
