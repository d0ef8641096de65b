// The poller service polls the traffic and air-quality feeds for every
// monitored location, publishes the samples onto the bus, and appends them to
// the raw log.
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
	"github.com/urbanpulse/pipeline/go/poller"
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

	publisher, err := pubsubbus.NewPublisher(ctx, cfg.PubSubProject, cfg.BusTopic)
	if err != nil {
		plog.Fatalf("Failed to create publisher: %s", err)
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

	poller.NewFromConfig(cfg, publisher, st).Start(ctx)

	plog.Info("Shutting down, flushing publisher.")
	publisher.Stop()
	pool.Close()
}
