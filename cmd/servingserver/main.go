// The servingserver service exposes the read-only JSON API over the unified
// view, the hourly series, the peak summary, and the recent aggregates.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/urbanpulse/pipeline/go/config"
	"github.com/urbanpulse/pipeline/go/metrics"
	"github.com/urbanpulse/pipeline/go/plog"
	"github.com/urbanpulse/pipeline/go/serving"
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
	st := sqlstore.New(pool)

	metrics.Serve(cfg.PromPort, func() error {
		return st.Ping(context.Background())
	})

	server := &http.Server{
		Addr:    cfg.ServingPort,
		Handler: serving.New(cfg, st).Router(),
	}
	go func() {
		plog.Infof("Serving on %s", cfg.ServingPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			plog.Fatalf("Server failed: %s", err)
		}
	}()

	<-ctx.Done()
	plog.Info("Shutting down.")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		plog.Errorf("Graceful shutdown failed: %s", err)
	}
	pool.Close()
}
