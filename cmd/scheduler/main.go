/**
 * @description
 * Entry point for the billing scheduler. This is a non-HTTP, long-running
 * process that triggers the billing sweeps on a cron schedule.
 */
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/transfa/billing-service/internal/config"
	"github.com/transfa/billing-service/internal/scheduler"
	"github.com/transfa/billing-service/pkg/billingclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	client := billingclient.NewClient(cfg.BillingServiceURL, cfg.BillingServiceInternalAPIKey)
	jobs := scheduler.NewJobs(client, logger)
	s := scheduler.NewScheduler(jobs, logger, *cfg)

	if err := s.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := s.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
