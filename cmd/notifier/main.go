package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/greenharvest/marketplace/internal/bus"
	"github.com/greenharvest/marketplace/internal/config"
	kafkax "github.com/greenharvest/marketplace/internal/kafka"
	"github.com/greenharvest/marketplace/internal/logger"
	"github.com/greenharvest/marketplace/internal/notify"
	"github.com/greenharvest/marketplace/internal/orders"
	"github.com/greenharvest/marketplace/internal/postgres"
	"github.com/greenharvest/marketplace/internal/redisx"
	"github.com/greenharvest/marketplace/internal/users"
)

// The notifier consumes the order event stream off Kafka and drives the same
// dispatcher the api can run in-process. Consumer groups handle scale-out;
// a redis key per event id keeps redelivery from double-mailing.

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	zl, err := logger.New(cfg.ServiceName + "-notifier")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, 4)
	if err != nil {
		zl.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	var mailer notify.Mailer
	if cfg.SMTPHost != "" {
		mailer, err = notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
		if err != nil {
			zl.Fatal("smtp mailer", zap.Error(err))
		}
	} else {
		mailer = &notify.LogMailer{Logger: zl}
	}
	d := &notify.Dispatcher{
		Mailer:     mailer,
		Users:      &users.PostgresDirectory{DB: db},
		AdminEmail: cfg.AdminEmail,
		Logger:     zl,
	}

	group := getenv("NOTIFIER_GROUP", "notifier-svc")
	workers := getint("NOTIFIER_WORKERS", 4)

	handle := func(next bus.Handler) kafkax.Handler {
		return func(ctx context.Context, m kafkago.Message) error {
			var env orders.Envelope
			if err := json.Unmarshal(m.Value, &env); err != nil {
				zl.Error("drop undecodable event", zap.Error(err))
				return nil // poison message, commit and move on
			}
			oe, err := kafkax.UnwrapPayload[orders.OrderEvent](env.Payload)
			if err != nil {
				zl.Error("drop undecodable event", zap.Error(err))
				return nil
			}
			seen, err := firstDelivery(ctx, rdb, env)
			if err != nil {
				return err // retriable, leave uncommitted
			}
			if !seen {
				zl.Debug("duplicate event skipped", zap.String("event_id", env.EventID))
				return nil
			}
			next(ctx, bus.Event{Topic: env.EventType, At: env.OccurredAt, Payload: oe})
			return nil
		}
	}

	for _, c := range []struct {
		topic   string
		handler kafkax.Handler
	}{
		{orders.KafkaTopicCreated, handle(d.HandleOrderCreated)},
		{orders.KafkaTopicUpdated, handle(d.HandleOrderUpdated)},
	} {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, c.topic, workers, zl)
		go func(topic string, cons *kafkax.Consumer, h kafkax.Handler) {
			zl.Info("notifier consumer started",
				zap.String("group", group),
				zap.String("topic", topic),
				zap.Int("workers", workers))
			if err := cons.Start(ctx, h); err != nil && ctx.Err() == nil {
				zl.Error("consumer exit", zap.String("topic", topic), zap.Error(err))
				cancel()
			}
		}(c.topic, cons, c.handler)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	zl.Info("shutting down notifier")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

// firstDelivery claims the event id. The Exists read is a fast path; the
// SetNX makes the claim atomic across notifier replicas sharing the redis
// instance.
func firstDelivery(ctx context.Context, rdb *redis.Client, env orders.Envelope) (bool, error) {
	key := fmt.Sprintf(redisx.KeyDedup, env.EventType, env.EventID)
	if seen, err := redisx.Exists(ctx, rdb, key); err == nil && seen {
		return false, nil
	}
	return rdb.SetNX(ctx, key, "1", redisx.TTLDedup).Result()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
