package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/greenharvest/marketplace/internal/bus"
	"github.com/greenharvest/marketplace/internal/cache"
	"github.com/greenharvest/marketplace/internal/catalog"
	"github.com/greenharvest/marketplace/internal/checkout"
	"github.com/greenharvest/marketplace/internal/config"
	"github.com/greenharvest/marketplace/internal/httpx"
	"github.com/greenharvest/marketplace/internal/inventory"
	kafkax "github.com/greenharvest/marketplace/internal/kafka"
	"github.com/greenharvest/marketplace/internal/logger"
	"github.com/greenharvest/marketplace/internal/notify"
	"github.com/greenharvest/marketplace/internal/orders"
	"github.com/greenharvest/marketplace/internal/postgres"
	"github.com/greenharvest/marketplace/internal/realtime"
	"github.com/greenharvest/marketplace/internal/redisx"
	"github.com/greenharvest/marketplace/internal/users"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	zl, err := logger.New(cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, 10)
	if err != nil {
		zl.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cc := cache.NewRedis(rdb)

	// Stores
	products := &catalog.PostgresStore{DB: db}
	directory := &users.PostgresDirectory{DB: db}
	partners := &users.PostgresPartners{DB: db}
	repo := &orders.PostgresRepo{DB: db}

	// Event bus with its subscribers: websocket hub, kafka relay, and the
	// in-process notification dispatcher when no separate notifier runs.
	b := bus.New(zl)

	hub := realtime.NewHub(zl)
	hub.Subscribe(b)

	pCreated := kafkax.NewProducer(cfg.KafkaBrokers, orders.KafkaTopicCreated, 1024, zl)
	pCreated.Start(ctx)
	pUpdated := kafkax.NewProducer(cfg.KafkaBrokers, orders.KafkaTopicUpdated, 1024, zl)
	pUpdated.Start(ctx)
	relay := &orders.Relay{Created: pCreated, Updated: pUpdated, Producer: cfg.ServiceName}
	relay.Subscribe(b)

	if cfg.NotifyMode == "inprocess" {
		var mailer notify.Mailer
		if cfg.SMTPHost != "" {
			mailer, err = notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.MailFrom)
			if err != nil {
				zl.Fatal("smtp mailer", zap.Error(err))
			}
		} else {
			mailer = &notify.LogMailer{Logger: zl}
		}
		d := &notify.Dispatcher{Mailer: mailer, Users: directory, AdminEmail: cfg.AdminEmail, Logger: zl}
		d.Subscribe(b)
	}

	// Service & handler
	svc := &orders.Service{
		Repo:      repo,
		Checkout:  checkout.NewStore(cc, products),
		Inventory: inventory.NewService(cc, products, zl),
		Products:  products,
		Partners:  partners,
		Bus:       b,
		Cache:     cc,
		Logger:    zl,
	}
	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Orders:       svc,
		Products:     products,
		Hub:          hub,
		Logger:       zl,
		PaymentDelay: cfg.PaymentDelay,
	}
	oh.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		zl.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zl.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)

	b.Wait() // let in-flight subscribers finish

	pCreated.Close() // close inbox -> flush & close writer
	pUpdated.Close()
	cancel() // stop producer loops
	pCreated.WaitClosed()
	pUpdated.WaitClosed()
}
