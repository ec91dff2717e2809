/**
 * @description
 * Main entry point for the billing service. It wires configuration, the
 * database pool, redis, rabbitmq, the gateway and invoice clients, the
 * billing core and the HTTP server, then serves until SIGINT/SIGTERM.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/billing-service/internal/api"
	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/config"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/store"
	"github.com/transfa/billing-service/pkg/gatewayclient"
	"github.com/transfa/billing-service/pkg/invoiceclient"
	"github.com/transfa/billing-service/pkg/rabbitmq"
)

const referralRewardRoutingKey = "referral.reward.granted"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Warn("INTERNAL_API_KEY is not set; internal billing routes will reject every request")
	}
	if cfg.GatewaySandbox {
		logger.Warn("gateway sandbox mode enabled; unsigned webhooks are accepted")
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if cfg.MigrationsEnabled {
		if err := store.Migrate(ctx, dbpool, logger); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
	}

	guard := newSweepGuard(ctx, cfg, logger)

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("RABBITMQ_URL not set; lifecycle events will not be published")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	settings := app.Settings{
		GracePeriod:      time.Duration(cfg.GracePeriodDays) * 24 * time.Hour,
		DefaultTrialDays: cfg.DefaultTrialDays,
		SuspensionExpiry: time.Duration(cfg.SuspensionExpiryDays) * 24 * time.Hour,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts: cfg.MaxRetryAttempts,
			Schedule:    cfg.RetryBackoff,
		},
		GatewayTimeout:    time.Duration(cfg.GatewayTimeoutSeconds) * time.Second,
		WebhookStaleAfter: time.Duration(cfg.WebhookProcessingStaleSeconds) * time.Second,
		SweepLockTTL:      time.Duration(cfg.SweepLockTTLSeconds) * time.Second,
		SweepBatchLimit:   cfg.SweepBatchLimit,
		EventsExchange:    cfg.EventsExchange,
		ReferralExchange:  cfg.ReferralEventsExchange,
	}

	repository := store.NewRepository(dbpool)
	gateway := gatewayclient.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewaySecretKey, settings.GatewayTimeout)
	issuer := invoiceclient.NewClient(cfg.InvoiceServiceURL, cfg.InvoiceServiceInternalAPIKey)

	subscriptions := app.NewSubscriptionService(repository, publisher, logger, settings)
	tracker := app.NewPaymentTracker(repository, gateway, logger, settings)
	settlement := app.NewSettlement(subscriptions, repository, logger, settings)
	biller := app.NewBiller(tracker, settlement, repository, repository, issuer, logger)
	ledger := app.NewEventLedger(repository, logger, settings)
	dispatcher := app.NewWebhookDispatcher(ledger, tracker, settlement, repository, app.WebhookOptions{
		Secret:                cfg.GatewaySecretKey,
		Sandbox:               cfg.GatewaySandbox,
		RequireIdempotencyKey: cfg.WebhookRequireIdempotencyKey,
	}, logger, settings)
	sweeper := app.NewSweeper(subscriptions, biller, repository, repository, guard, logger, settings)

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq consumer unavailable; referral rewards only via internal route", "error", err)
		} else {
			defer consumer.Close()
			bindings := map[string]rabbitmq.Handler{
				referralRewardRoutingKey: subscriptions.HandleReferralReward,
			}
			if err := consumer.ConsumeWithBindings(cfg.ReferralEventsExchange, cfg.ReferralRewardQueue, bindings); err != nil {
				logger.Error("referral reward consumer start failed", "error", err)
				os.Exit(1)
			}
			logger.Info("referral reward consumer started", "queue", cfg.ReferralRewardQueue)
		}
	}

	handler := api.NewHandler(subscriptions, biller, sweeper, dispatcher, logger)
	router := api.NewRouter(handler, api.SessionAuth{
		JWKSURL:  cfg.ClerkJWKSURL,
		Audience: cfg.ClerkAudience,
		Issuer:   cfg.ClerkIssuer,
	}, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("billing service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// newSweepGuard prefers the redis lease so several instances share sweep
// locks and cancel flags, and falls back to an in-process guard.
func newSweepGuard(ctx context.Context, cfg config.Config, logger *slog.Logger) app.SweepGuard {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("REDIS_URL not set; sweep locks are local to this instance")
		return app.NewLocalSweepGuard()
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; sweep locks are local to this instance", "error", err)
		return app.NewLocalSweepGuard()
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; sweep locks are local to this instance", "error", err)
		client.Close()
		return app.NewLocalSweepGuard()
	}
	logger.Info("redis connected")
	return app.NewRedisSweepGuard(client, cfg.RedisKeyPrefix)
}
