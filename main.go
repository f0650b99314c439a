package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"settlement-service/internal/chain"
	"settlement-service/internal/config"
	"settlement-service/internal/consumer"
	"settlement-service/internal/coordinator"
	"settlement-service/internal/database"
	"settlement-service/internal/escrow"
	"settlement-service/internal/listener"
	"settlement-service/internal/logger"
	"settlement-service/internal/notify"
	"settlement-service/internal/rates"
	"settlement-service/internal/settlement"
	"settlement-service/internal/tokenize"
)

func main() {
	log := logger.New()
	cfg := config.Load()

	// Initialize database
	db, err := database.New(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	sqlDB, _ := db.DB.DB()
	defer sqlDB.Close()

	// Initialize Redis (reading intake queue)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Notification publisher (best-effort)
	var notifier notify.Notifier
	publisher, err := notify.NewPublisher(cfg.Rabbit, log)
	if err != nil {
		log.WithError(err).Warn("notification publisher unavailable, events will be dropped")
		notifier = notify.NopNotifier{}
	} else {
		defer publisher.Close()
		notifier = publisher
	}

	// Core components
	ledger := escrow.NewLedger(db.DB, log, notifier)
	rateTable := rates.NewTable(db.DB, log)
	executor := settlement.NewExecutor(
		db.DB, ledger, rateTable, notifier,
		cfg.Settlement.FeeRate, cfg.Coordinator.MaxAttempts, log,
	)
	gateway := chain.NewGatewayClient(cfg.Gateway, log)
	coord := coordinator.New(db.DB, gateway, notifier, cfg.Coordinator, log)
	confirmations := listener.New(db.DB, gateway, ledger, coord, notifier, cfg.Listener, log)
	pipeline := tokenize.New(db.DB, rdb, cfg.Tokenize, cfg.Redis, cfg.Coordinator.MaxAttempts, log)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background workers
	go rateTable.Run(ctx, cfg.Rates.RefreshInterval)
	go coord.Run(ctx)
	go confirmations.Run(ctx)
	for i := 0; i < cfg.Tokenize.Workers; i++ {
		go pipeline.Run(ctx)
	}

	// Initialize and start the match-event consumer
	rmqConsumer, err := consumer.New(cfg.Rabbit, log, executor)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize RabbitMQ consumer")
	}
	defer rmqConsumer.Close()

	if err := rmqConsumer.Start(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("consumer stopped unexpectedly")
	}

	log.Info("graceful shutdown complete")
}
