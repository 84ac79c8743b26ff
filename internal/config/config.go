package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice interaction bench.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	AgentWSURL        string
	AgentAPIKey       string
	KeepAliveInterval time.Duration
	ConnectTimeout    time.Duration

	ProfilePath string
	ProfileName string

	InteractionMode string
	BargeInEnabled  bool

	VADSilenceThreshold    float64
	VADSpeakingThreshold   float64
	VADSilenceDuration     time.Duration
	VADMinSpeakingDuration time.Duration
	VADDebounceFrames      int

	CaptureSampleRate  int
	CaptureFrame       time.Duration
	CaptureGain        float64
	PlaybackSampleRate int
	PlaybackTick       time.Duration

	AudioDevice    string
	CaptureWAVPath string
	ResponseWAVDir string

	DatabaseURL      string
	HistoryRedactPII bool

	AgentSimBindAddr string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8090"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicebench"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		AgentWSURL:       envOrDefault("AGENT_WS_URL", "ws://127.0.0.1:8091/v1/agent/ws"),
		AgentAPIKey:      stringsTrimSpace("AGENT_API_KEY"),
		ProfilePath:      stringsTrimSpace("PROFILE_PATH"),
		ProfileName:      envOrDefault("PROFILE_NAME", "default"),
		InteractionMode:  strings.ToLower(envOrDefault("INTERACTION_MODE", "realtime")),
		AudioDevice:      strings.ToLower(envOrDefault("AUDIO_DEVICE", "portaudio")),
		CaptureWAVPath:   stringsTrimSpace("CAPTURE_WAV_PATH"),
		ResponseWAVDir:   stringsTrimSpace("RESPONSE_WAV_DIR"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		AgentSimBindAddr: envOrDefault("AGENTSIM_BIND_ADDR", ":8091"),

		ShutdownTimeout:   15 * time.Second,
		KeepAliveInterval: 15 * time.Second,
		ConnectTimeout:    10 * time.Second,
		BargeInEnabled:    true,

		// Hysteresis band: speech must clear 0.22 to start, fall to 0.15 to count as silence.
		VADSilenceThreshold:    0.15,
		VADSpeakingThreshold:   0.22,
		VADSilenceDuration:     time.Second,
		VADMinSpeakingDuration: 500 * time.Millisecond,
		VADDebounceFrames:      4,

		CaptureSampleRate:  16000,
		CaptureFrame:       30 * time.Millisecond,
		CaptureGain:        1,
		PlaybackSampleRate: 24000,
		PlaybackTick:       20 * time.Millisecond,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.KeepAliveInterval, err = durationFromEnv("AGENT_KEEPALIVE_INTERVAL", cfg.KeepAliveInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("AGENT_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryRedactPII, err = boolFromEnv("HISTORY_REDACT_PII", cfg.HistoryRedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInEnabled, err = boolFromEnv("BARGE_IN_ENABLED", cfg.BargeInEnabled)
	if err != nil {
		return Config{}, err
	}

	cfg.VADSilenceThreshold, err = floatFromEnv("VAD_SILENCE_THRESHOLD", cfg.VADSilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSpeakingThreshold, err = floatFromEnv("VAD_SPEAKING_THRESHOLD", cfg.VADSpeakingThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceDuration, err = durationFromEnv("VAD_SILENCE_DURATION", cfg.VADSilenceDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSpeakingDuration, err = durationFromEnv("VAD_MIN_SPEAKING_DURATION", cfg.VADMinSpeakingDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.VADDebounceFrames, err = intFromEnv("VAD_DEBOUNCE_FRAMES", cfg.VADDebounceFrames)
	if err != nil {
		return Config{}, err
	}

	cfg.CaptureSampleRate, err = intFromEnv("CAPTURE_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureFrame, err = durationFromEnv("CAPTURE_FRAME", cfg.CaptureFrame)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureGain, err = floatFromEnv("CAPTURE_GAIN", cfg.CaptureGain)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackSampleRate, err = intFromEnv("PLAYBACK_SAMPLE_RATE", cfg.PlaybackSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackTick, err = durationFromEnv("PLAYBACK_TICK", cfg.PlaybackTick)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.InteractionMode {
	case "realtime", "staged":
	default:
		return fmt.Errorf("INTERACTION_MODE must be realtime|staged, got %q", cfg.InteractionMode)
	}
	switch cfg.AudioDevice {
	case "portaudio", "silence":
	case "wav":
		if cfg.CaptureWAVPath == "" {
			return fmt.Errorf("CAPTURE_WAV_PATH is required when AUDIO_DEVICE=wav")
		}
	default:
		return fmt.Errorf("AUDIO_DEVICE must be portaudio|wav|silence, got %q", cfg.AudioDevice)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json|console, got %q", cfg.LogFormat)
	}
	if strings.TrimSpace(cfg.AgentWSURL) == "" {
		return fmt.Errorf("AGENT_WS_URL is required")
	}
	if cfg.VADSilenceThreshold <= 0 || cfg.VADSpeakingThreshold >= 1 {
		return fmt.Errorf("VAD thresholds must lie in (0,1)")
	}
	if cfg.VADSilenceThreshold >= cfg.VADSpeakingThreshold {
		return fmt.Errorf("VAD_SILENCE_THRESHOLD must be below VAD_SPEAKING_THRESHOLD")
	}
	if cfg.VADDebounceFrames < 1 {
		return fmt.Errorf("VAD_DEBOUNCE_FRAMES must be >= 1")
	}
	if cfg.VADSilenceDuration <= 0 || cfg.VADMinSpeakingDuration <= 0 {
		return fmt.Errorf("VAD durations must be positive")
	}
	if cfg.CaptureSampleRate <= 0 || cfg.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if cfg.CaptureFrame < 5*time.Millisecond {
		return fmt.Errorf("CAPTURE_FRAME must be at least 5ms")
	}
	if cfg.CaptureGain <= 0 {
		return fmt.Errorf("CAPTURE_GAIN must be positive")
	}
	if cfg.PlaybackTick <= 0 {
		return fmt.Errorf("PLAYBACK_TICK must be positive")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("AGENT_CONNECT_TIMEOUT must be positive")
	}
	if cfg.KeepAliveInterval < time.Second {
		return fmt.Errorf("AGENT_KEEPALIVE_INTERVAL must be at least 1s")
	}
	return nil
}

// CaptureFrameSamples is the number of mono samples per captured frame.
func (cfg Config) CaptureFrameSamples() int {
	return int(int64(cfg.CaptureSampleRate) * int64(cfg.CaptureFrame) / int64(time.Second))
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
