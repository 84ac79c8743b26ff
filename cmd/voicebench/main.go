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

	"github.com/ent0n29/voicebench/internal/config"
	"github.com/ent0n29/voicebench/internal/device"
	"github.com/ent0n29/voicebench/internal/device/pa"
	"github.com/ent0n29/voicebench/internal/engine"
	"github.com/ent0n29/voicebench/internal/history"
	"github.com/ent0n29/voicebench/internal/httpapi"
	"github.com/ent0n29/voicebench/internal/logging"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/playback"
	"github.com/ent0n29/voicebench/internal/profile"
	"github.com/ent0n29/voicebench/internal/session"
	"github.com/ent0n29/voicebench/internal/transport"
	"github.com/ent0n29/voicebench/internal/vad"
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

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("history store init failed", zap.Error(err))
	}
	defer store.Close()
	writer := history.NewWriter(store, history.WriterOptions{
		Logger:    logger.Named("history"),
		OnFailure: func(string) { metrics.AgentError("history") },
		RedactPII: cfg.HistoryRedactPII,
	})
	defer writer.Close()

	catalog, err := profile.Load(cfg.ProfilePath, cfg.InteractionMode, cfg.BargeInEnabled)
	if err != nil {
		logger.Fatal("profile catalog load failed", zap.Error(err))
	}

	source, sink, closeSink, err := openDevices(cfg, logger)
	if err != nil {
		logger.Fatal("audio device init failed", zap.Error(err))
	}
	defer closeSink()

	controller, err := engine.New(engine.Options{
		Source: source,
		Sink:   sink,
		Dialer: engine.WebsocketDialer(transport.Dialer{
			URL:       cfg.AgentWSURL,
			APIKey:    cfg.AgentAPIKey,
			KeepAlive: cfg.KeepAliveInterval,
			Logger:    logger.Named("transport"),
		}),
		Profiles: catalog,
		Sessions: session.NewManager(),
		History:  writer,
		Metrics:  metrics,
		Logger:   logger.Named("engine"),
		VAD: vad.Config{
			SilenceThreshold:    cfg.VADSilenceThreshold,
			SpeakingThreshold:   cfg.VADSpeakingThreshold,
			SilenceDuration:     cfg.VADSilenceDuration,
			MinSpeakingDuration: cfg.VADMinSpeakingDuration,
			DebounceFrames:      cfg.VADDebounceFrames,
		},
		CaptureSampleRate: cfg.CaptureSampleRate,
		CaptureGain:       cfg.CaptureGain,
		Playback:          playback.Config{SampleRate: cfg.PlaybackSampleRate, Tick: cfg.PlaybackTick},
		BargeIn:           cfg.BargeInEnabled,
		Mode:              cfg.InteractionMode,
		ConnectTimeout:    cfg.ConnectTimeout,
		ResponseWAVDir:    cfg.ResponseWAVDir,
	})
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := controller.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", zap.Error(err))
		}
	}()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case err := <-controller.Errors():
				logger.Warn("session error", zap.Error(err))
			}
		}
	}()

	api := httpapi.New(cfg, controller, store, metrics, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("agent", cfg.AgentWSURL),
			zap.String("audio_device", cfg.AudioDevice),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	runCancel()
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		logger.Warn("engine did not stop before shutdown deadline")
	}

	logger.Info("shutdown complete")
}

// openDevices picks the capture source and playback sink for AUDIO_DEVICE.
func openDevices(cfg config.Config, logger *zap.Logger) (device.Source, playback.Sink, func(), error) {
	noop := func() {}
	switch cfg.AudioDevice {
	case "portaudio":
		speaker, err := pa.OpenSpeaker(cfg.PlaybackSampleRate, cfg.PlaybackTick)
		if err != nil {
			return nil, nil, noop, err
		}
		mic := pa.Microphone{SampleRate: cfg.CaptureSampleRate, Frame: cfg.CaptureFrame, Logger: logger.Named("microphone")}
		return mic, speaker, func() { _ = speaker.Close() }, nil
	case "wav":
		src, err := device.NewWAV(cfg.CaptureWAVPath, cfg.CaptureSampleRate, cfg.CaptureFrame)
		if err != nil {
			return nil, nil, noop, err
		}
		return src, device.Discard{}, noop, nil
	default:
		return device.Silence{SampleRate: cfg.CaptureSampleRate, Frame: cfg.CaptureFrame}, device.Discard{}, noop, nil
	}
}
