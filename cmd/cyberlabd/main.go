package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cyberlab/internal/api"
	"cyberlab/internal/broker"
	"cyberlab/internal/catalog"
	"cyberlab/internal/config"
	"cyberlab/internal/provisioner"
	"cyberlab/internal/registry"
	"cyberlab/internal/sweeper"
)

func main() {
	cfgPath := flag.String("config", "", "path to cyberlab.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("load challenge catalog", "error", err)
		os.Exit(1)
	}
	logger.Info("challenge catalog loaded", "challenges", cat.Len())

	reg, err := registry.New(cfg.DBPath)
	if err != nil {
		logger.Error("open registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov := provisioner.New(ctx, cfg, logger)
	defer prov.Close()

	bkr := broker.New(reg, prov, cat, cfg.ProvisionTimeout, logger)

	swp := sweeper.New(reg, prov, bkr, cfg.SweepInterval, cfg.MaxInstanceAge, logger)
	go swp.Run(ctx)

	srv := api.NewServer(cfg, bkr, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen, "simulated", prov.Simulated())
	fmt.Fprintf(os.Stderr, "\n  cyberlab broker ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
