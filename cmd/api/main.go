package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/Bed-guy/newshop/internal/config"
	"github.com/Bed-guy/newshop/internal/httpx"
	kafkax "github.com/Bed-guy/newshop/internal/kafka"
	"github.com/Bed-guy/newshop/internal/orders"
	"github.com/Bed-guy/newshop/internal/postgres"
	"github.com/Bed-guy/newshop/internal/redisx"
)

func main() {
	memory := flag.Bool("memory", false, "run on the in-memory store (no Postgres/Redis/Kafka), for local development")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	oh := &httpx.OrdersHandler{Service: cfg.ServiceName}
	var producers []*kafkax.Producer

	if *memory {
		mem := seedMemStore()
		oh.Engine = orders.NewEngine(mem, mem)
		oh.Lifecycle = orders.NewController(mem, mem, mem)
		oh.Store = mem
		log.Println("running on in-memory store")
	} else {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.LockTimeout)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer db.Close()

		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()

		repo := &orders.Repo{DB: db}
		oh.Engine = orders.NewEngine(repo, repo)
		oh.Lifecycle = orders.NewController(repo, repo, repo)
		oh.Store = repo
		oh.Redis = rdb

		oh.Created = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024)
		oh.Paid = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024)
		oh.StatusChanged = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024)
		producers = []*kafkax.Producer{oh.Created, oh.Paid, oh.StatusChanged}
		for _, p := range producers {
			p.Start(ctx)
		}
	}
	oh.Lifecycle.RestockOnCancel = cfg.RestockOnCancel

	router := httpx.NewRouter()
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	for _, p := range producers {
		p.Close()
	}
	cancel()
	for _, p := range producers {
		p.WaitClosed()
	}
}

// seedMemStore loads a couple of demo products so -memory mode can take
// orders out of the box.
func seedMemStore() *orders.MemStore {
	mem := orders.NewMemStore()
	now := time.Now().UTC()
	mem.PutProduct(orders.Product{
		ID: "p-1", MerchantID: "m-1", CategoryID: "c-1", Name: "demo keyboard",
		Price: decimal.RequireFromString("19.99"), Stock: 100, CreatedAt: now, UpdatedAt: now,
	})
	mem.PutProduct(orders.Product{
		ID: "p-2", MerchantID: "m-1", CategoryID: "c-1", Name: "demo mouse",
		Price: decimal.RequireFromString("9.50"), Stock: 100, CreatedAt: now, UpdatedAt: now,
	})
	return mem
}
