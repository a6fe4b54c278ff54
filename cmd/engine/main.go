// Command engine starts the task engine HTTP server: config from
// environment, otel tracing/metrics, the full app.App dependency graph, and
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmesh/engine/internal/app"
	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/platform/logging"
	"github.com/taskmesh/engine/internal/platform/otelinit"
)

const serviceName = "taskengine"

func main() {
	logger := logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, serviceName)

	cfg := config.FromEnv()

	engine, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		otelinit.Flush(context.Background(), shutdownTrace)
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/", engine.HTTP.Handler())
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("engine listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	if shutdownMetrics != nil {
		_ = shutdownMetrics(shutdownCtx)
	}
}
