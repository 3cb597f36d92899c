package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // For pprof profiling
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade_sync/internal/app"
	"trade_sync/internal/engine"
	"trade_sync/internal/infra"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	cfg := bootstrap.Config
	logger := bootstrap.Logger

	settings, err := bootstrap.Settings()
	if err != nil {
		slog.Error("❌ Failed to load settings", slog.Any("error", err))
		os.Exit(1)
	}

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// 3. Diagnostics Server (pprof + metrics), localhost only
	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/metrics", infra.MetricsHandler(bootstrap.Registry))
	diag := &http.Server{Addr: cfg.Diagnostics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		slog.Info("🕵️ Diagnostics server started", slog.String("addr", diag.Addr))
		if err := diag.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return diag.Shutdown(shutdownCtx)
	})

	// 4. Dispatcher (single writer of application state) and the session
	dispatcher := engine.NewDispatcher(engine.ConfigFrom(cfg), logger, nil)
	session := app.NewSession(cfg, dispatcher, bootstrap.Storage, app.LogNotifier{Log: logger}, logger, bootstrap.Metrics)

	// 5. Connect the last used account and run until a signal or a failure
	g.Go(func() error {
		return session.Run(ctx, settings)
	})

	err = g.Wait()
	slog.Info("👋 Shutting down gracefully...")
	if err != nil {
		slog.Error("❌ Trade Sync stopped with error", slog.Any("error", err))
		stop()
		bootstrap.Close()
		os.Exit(1)
	}
}
