// The batchtasks service runs the batch layer: the hourly authoritative
// rebuild, the daily summaries, and the peak-hour analysis, each on its
// local-time schedule.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/urbanpulse/pipeline/go/batch"
	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/metrics"
	"github.com/urbanpulse/pipeline/go/plog"
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

	metrics.Serve(cfg.PromPort, func() error {
		return st.Ping(context.Background())
	})

	go func() {
		<-ctx.Done()
		time.AfterFunc(cfg.ShutdownDeadline, func() {
			plog.Fatal("Shutdown deadline exceeded, exiting.")
		})
	}()

	batch.NewScheduler(batch.NewAggregator(cfg, st)).Start(ctx)

	plog.Info("Shutting down.")
	pool.Close()
}
