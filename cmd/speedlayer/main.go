// The speedlayer service consumes samples from the bus, maintains the
// real-time set, and keeps the incremental hourly aggregates fresh.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/urbanpulse/pipeline/go/bus/pubsubbus"
	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/metrics"
	"github.com/urbanpulse/pipeline/go/plog"
	"github.com/urbanpulse/pipeline/go/speed"
	"github.com/urbanpulse/pipeline/go/store/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		plog.Fatalf("Invalid configuration: %s", err)
	}
	if cfg.DatabaseURL == "" {
		plog.Fatal("DATABASE_URL is required.")
	}
	if cfg.PubSubProject == "" {
		plog.Fatal("PUBSUB_PROJECT is required.")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := sqlstore.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		plog.Fatalf("Failed to connect to the database: %s", err)
	}
	if err := sqlstore.ApplySchema(ctx, pool); err != nil {
		plog.Fatalf("Failed to apply schema: %s", err)
	}
	st := sqlstore.New(pool)

	consumer, err := pubsubbus.NewConsumer(ctx, cfg.PubSubProject, cfg.BusTopic, cfg.BusSubscription, cfg.FanoutConcurrency)
	if err != nil {
		plog.Fatalf("Failed to create consumer: %s", err)
	}

	metrics.Serve(cfg.PromPort, func() error {
		return st.Ping(context.Background())
	})

	go func() {
		<-ctx.Done()
		time.AfterFunc(cfg.ShutdownDeadline, func() {
			plog.Fatal("Shutdown deadline exceeded, exiting.")
		})
	}()

	processor := speed.New(cfg, st)
	processor.StartEviction(ctx)
	if err := processor.Run(ctx, consumer); err != nil && ctx.Err() == nil {
		plog.Fatalf("Consumer failed: %s", err)
	}

	plog.Info("Shutting down.")
	pool.Close()
}
