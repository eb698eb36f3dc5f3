// Package main provides the rebuild worker entry point for the portfolio tracker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-tracker/internal/app"
	"github.com/portfolio-tracker/internal/config"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}
	logger := app.InitLogging(cfg).WithField("service", "worker")
	logger.Info("Rebuild worker starting...")

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	w, err := worker.NewRebuildWorker(&worker.RebuildWorkerConfig{
		Rebuilder:           a.Engine,
		Calendar:            a.Calendar,
		Tracker:             a.Tracker,
		Costs:               a.Costs,
		LeaderboardSchedule: cfg.Rebuild.LeaderboardSchedule,
		ChartSchedule:       cfg.Rebuild.ChartSchedule,
		IntradaySchedule:    cfg.Rebuild.IntradaySchedule,
	})
	if err != nil {
		logger.Fatalf("Failed to create rebuild worker: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		logger.Fatalf("Failed to start rebuild worker: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	// Running rebuilds get their whole budget to finish
	stopCtx, stopCancel := context.WithTimeout(ctx, cfg.Rebuild.Budget+30*time.Second)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Worker did not stop cleanly")
	}

	status := w.GetStatus()
	logger.WithField("pending", status.Pending).Info("Worker stopped")
}
