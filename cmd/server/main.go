// Package main implements the OPGEE web front-end: the task API used by the
// browser and by opgeectl, the login and task pages, and the result download.
//
// API Endpoints:
//
//	POST /tasks             - enqueue a task: {"type": "simulation"}
//	GET  /tasks/{taskID}    - task status
//	GET  /download          - result workbook (?task_id=... or the latest result)
//	GET  /stats             - queue depths
//	GET  /queues/{name}     - first 50 entries of a queue
//	GET  /metrics           - Prometheus metrics
//
// Submit response:
//
//	{"status": "success", "data": {"task_id": "<uuid>"}}
//
// Status response:
//
//	{"status": "success", "data": {"task_id": "<uuid>", "task_status": "started"}}
//
// Configuration is read from the environment, see pkg/config.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/auth"
	"github.com/guido-cesarano/opgeeweb/pkg/config"
	"github.com/guido-cesarano/opgeeweb/pkg/logger"
	"github.com/guido-cesarano/opgeeweb/pkg/queue"
	"github.com/guido-cesarano/opgeeweb/pkg/results"
	"github.com/guido-cesarano/opgeeweb/pkg/runner"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := results.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Result store unavailable")
	}

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. API authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	handler := setupRouter(routerDeps{
		queue:       client,
		runners:     runner.Default(cfg.OPGEE),
		results:     store,
		auth:        auth.NewService(cfg.Server.Users, cfg.Server.SessionSecret, 24*time.Hour),
		apiKey:      cfg.Server.APIKey,
		secure:      cfg.Env == "production",
		submitRate:  cfg.Server.SubmitRate,
		submitBurst: cfg.Server.SubmitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info().Str("addr", cfg.Server.Addr).Strs("queues", client.Queues()).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
