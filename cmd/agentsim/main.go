package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/agentsim"
	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	sim := agentsim.New(agentsim.Config{
		APIKey:     cfg.AgentAPIKey,
		SampleRate: cfg.PlaybackSampleRate,
		Logger:     logger.Named("agentsim"),
	})
	httpServer := &http.Server{
		Addr:    cfg.AgentSimBindAddr,
		Handler: sim.Router(),
	}

	go func() {
		logger.Info("simulated agent listening", zap.String("addr", cfg.AgentSimBindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete", zap.Int64("turns", sim.Turns()))
}
