package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Bed-guy/newshop/internal/auditworker"
	"github.com/Bed-guy/newshop/internal/config"
	kafkax "github.com/Bed-guy/newshop/internal/kafka"
	"github.com/Bed-guy/newshop/internal/orders"
	"github.com/Bed-guy/newshop/internal/postgres"
	"github.com/Bed-guy/newshop/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.LockTimeout)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &auditworker.Service{
		Sink:        &orders.Repo{DB: db},
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-auditworker",
	}

	group := getenv("AUDIT_GROUP", "audit-worker")
	workers := mustAtoi(os.Getenv("AUDIT_WORKERS"), "4")

	topics := []string{
		orders.TopicOrderCreated,
		orders.TopicOrderPaid,
		orders.TopicOrderStatusChanged,
	}
	for _, topic := range topics {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topic, workers)
		go func(topic string) {
			log.Printf("audit consumer started: group=%s topic=%s workers=%d", group, topic, workers)
			if err := cons.Start(ctx, svc.HandleEvent); err != nil {
				log.Printf("consumer exit (%s): %v", topic, err)
				cancel()
			}
		}(topic)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Println("shutting down consumers...")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}
