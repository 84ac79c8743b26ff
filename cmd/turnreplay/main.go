package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/device"
	"github.com/ent0n29/voicebench/internal/engine"
	"github.com/ent0n29/voicebench/internal/latency"
	"github.com/ent0n29/voicebench/internal/logging"
	"github.com/ent0n29/voicebench/internal/profile"
	"github.com/ent0n29/voicebench/internal/reliability"
	"github.com/ent0n29/voicebench/internal/transport"
)

const (
	captureRate  = 16000
	captureFrame = 30 * time.Millisecond
)

type options struct {
	agentURL     string
	apiKey       string
	profilePath  string
	profileName  string
	mode         string
	wavPath      string
	toneDuration time.Duration
	turns        int
	turnTimeout  time.Duration
	interTurn    time.Duration
	manualEnd    bool
	attempts     int
	verbose      bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "turnreplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "turnreplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("turnreplay", flag.ContinueOnError)
	fs.StringVar(&opts.agentURL, "agent-url", "ws://127.0.0.1:8091/v1/agent/ws", "agent websocket URL")
	fs.StringVar(&opts.apiKey, "api-key", os.Getenv("AGENT_API_KEY"), "agent bearer key")
	fs.StringVar(&opts.profilePath, "profiles", "", "YAML profile catalog (builtin when empty)")
	fs.StringVar(&opts.profileName, "profile", "", "profile to connect with (catalog default when empty)")
	fs.StringVar(&opts.mode, "mode", "realtime", "interaction mode of the builtin profile (realtime|staged)")
	fs.StringVar(&opts.wavPath, "wav", "", "16kHz PCM16 WAV replayed as each user turn (a tone when empty)")
	fs.DurationVar(&opts.toneDuration, "tone", 1200*time.Millisecond, "length of the synthetic utterance")
	fs.IntVar(&opts.turns, "turns", 5, "number of turns to replay")
	fs.DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for each turn to finish")
	fs.DurationVar(&opts.interTurn, "inter-turn", 200*time.Millisecond, "delay between turns")
	fs.IntVar(&opts.attempts, "connect-attempts", 3, "connect attempts before giving up on a retryable failure")
	fs.BoolVar(&opts.manualEnd, "manual-end", false, "end each turn explicitly instead of waiting for silence")
	fs.BoolVar(&opts.verbose, "verbose", false, "log engine activity to stderr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.agentURL = strings.TrimSpace(opts.agentURL)
	opts.mode = strings.ToLower(strings.TrimSpace(opts.mode))
	switch {
	case opts.agentURL == "":
		return options{}, fmt.Errorf("agent-url is required")
	case opts.turns <= 0:
		return options{}, fmt.Errorf("turns must be > 0")
	case opts.attempts <= 0:
		return options{}, fmt.Errorf("connect-attempts must be > 0")
	case opts.mode != "realtime" && opts.mode != "staged":
		return options{}, fmt.Errorf("mode must be realtime|staged, got %q", opts.mode)
	case opts.wavPath == "" && opts.toneDuration < 100*time.Millisecond:
		return options{}, fmt.Errorf("tone must be at least 100ms")
	}
	if opts.turnTimeout < time.Second {
		opts.turnTimeout = time.Second
	}
	if opts.interTurn < 0 {
		opts.interTurn = 0
	}
	return opts, nil
}

func loadUtterance(opts options) ([]byte, error) {
	if opts.wavPath == "" {
		return audio.SineTone(220, captureRate, opts.toneDuration, 0.5), nil
	}
	pcm, sr, err := audio.ReadWAVPCM16File(opts.wavPath)
	if err != nil {
		return nil, err
	}
	if sr != captureRate {
		return nil, fmt.Errorf("wav sample rate %d, want %d", sr, captureRate)
	}
	return pcm, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	utterance, err := loadUtterance(opts)
	if err != nil {
		return fmt.Errorf("load utterance: %w", err)
	}
	catalog, err := profile.Load(opts.profilePath, opts.mode, true)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = logging.New("debug", "console"); err != nil {
			return err
		}
	}

	src := device.NewScripted(captureRate, captureFrame)
	controller, err := engine.New(engine.Options{
		Source: src,
		Dialer: engine.WebsocketDialer(transport.Dialer{
			URL:       opts.agentURL,
			APIKey:    opts.apiKey,
			KeepAlive: 5 * time.Second,
			Logger:    logger,
		}),
		Profiles:          catalog,
		Logger:            logger,
		CaptureSampleRate: captureRate,
		BargeIn:           true,
		Mode:              opts.mode,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = controller.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	policy := reliability.Policy{
		Attempts: opts.attempts,
		Base:     250 * time.Millisecond,
		Cap:      4 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			fmt.Fprintf(out, "turnreplay: connect attempt %d failed: %v (retrying in %s)\n", attempt, err, wait)
		},
	}
	if err := reliability.Retry(runCtx, policy, func(ctx context.Context) error {
		return controller.Connect(ctx, opts.profileName)
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = controller.Disconnect(context.Background()) }()

	snap := controller.Snapshot()
	fmt.Fprintf(out, "turnreplay: session=%s profile=%s mode=%s turns=%d utterance=%s\n",
		snap.SessionID, snap.Profile, snap.Mode, opts.turns, audio.Duration(len(utterance), captureRate))

	for i := 1; i <= opts.turns; i++ {
		src.Play(utterance)
		if opts.manualEnd {
			if err := waitState(runCtx, controller, engine.StateListening, func(s engine.Snapshot) bool {
				return src.Remaining() == 0
			}, opts.turnTimeout); err != nil {
				return fmt.Errorf("turn %d: %w", i, err)
			}
			if err := controller.EndTurn(runCtx); err != nil {
				return fmt.Errorf("turn %d: end turn: %w", i, err)
			}
		}
		if err := waitState(runCtx, controller, engine.StateListening, func(s engine.Snapshot) bool {
			return s.Turns >= i
		}, opts.turnTimeout); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
		snap := controller.Snapshot()
		if snap.LastLatency != nil {
			fmt.Fprintf(out, "turn %d: %s\n", i, formatBreakdown(*snap.LastLatency))
		}
		if i < opts.turns && opts.interTurn > 0 {
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case <-time.After(opts.interTurn):
			}
		}
	}

	fmt.Fprintf(out, "summary: %s\n", formatSummary(controller.Snapshot().Stats))
	return nil
}

var errSessionFailed = errors.New("session failed")

// waitState blocks until the controller is in want and ok accepts the
// snapshot. Leaving the session fails the wait.
func waitState(ctx context.Context, c *engine.Controller, want engine.State, ok func(engine.Snapshot) bool, timeout time.Duration) error {
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		snap := c.Snapshot()
		switch snap.State {
		case want:
			if ok(snap) {
				return nil
			}
		case engine.StateError, engine.StateIdle:
			return fmt.Errorf("%w: %s", errSessionFailed, snap.LastError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out after %s in state %s", timeout, snap.State)
		case <-updates:
		case <-poll.C:
		}
	}
}

func formatBreakdown(b latency.Breakdown) string {
	parts := []string{fmt.Sprintf("total=%.1fms", b.TotalMS), "source=" + string(b.Source)}
	add := func(name string, v *float64) {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%.1fms", name, *v))
		}
	}
	add("response", b.TimeToResponseMS)
	add("first_audio", b.TimeToFirstAudioMS)
	add("stt", b.STTMS)
	add("llm_ttft", b.LLMTTFTMS)
	add("tts_ttfb", b.TTSTTFBMS)
	add("realtime", b.RealtimeMS)
	return strings.Join(parts, " ")
}

func formatSummary(s latency.Summary) string {
	if s.Samples == 0 {
		return "no samples"
	}
	return fmt.Sprintf("samples=%d min=%.1fms avg=%.1fms p50=%.1fms p95=%.1fms max=%.1fms",
		s.Samples, s.MinMS, s.AvgMS, s.P50MS, s.P95MS, s.MaxMS)
}
