package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-billing/internal/appointment"
	"github.com/hackgods/appointment-billing/internal/config"
	"github.com/hackgods/appointment-billing/internal/db"
	"github.com/hackgods/appointment-billing/internal/events"
	"github.com/hackgods/appointment-billing/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", "event-relay"))

	log.Info("event-relay starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.RelayInterval),
		zap.Int("batch_size", cfg.RelayBatchSize),
		zap.String("exchange", cfg.EventExchange),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, "event-relay", log)
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()

	conn, err := amqp091.Dial(cfg.RabbitMQURL)
	if err != nil {
		log.Fatal("rabbitmq connection error", zap.Error(err))
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("error closing rabbitmq connection", zap.Error(err))
		}
	}()

	pub, err := events.NewPublisher(conn, cfg.EventExchange)
	if err != nil {
		log.Fatal("rabbitmq publisher error", zap.Error(err))
	}
	defer func() { _ = pub.Close() }()

	// A dropped broker connection ends the process; the supervisor restarts it
	// and unmarked events are picked up again.
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok {
			log.Error("rabbitmq connection closed", zap.String("reason", amqpErr.Reason))
			stop()
		}
	}()

	repo := appointment.NewPgRepository(pgPool)
	relay := events.NewRelay(repo, pub, log).
		WithBatchSize(cfg.RelayBatchSize).
		WithInterval(cfg.RelayInterval)

	relay.Start(rootCtx)
	log.Info("event-relay stopped")
}
