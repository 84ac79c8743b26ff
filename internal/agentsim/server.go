// Package agentsim is a simulated conversational agent speaking the duplex
// protocol. It answers every end of turn with a canned reply and a tone.
package agentsim

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/protocol"
)

const writeTimeout = 10 * time.Second

type Config struct {
	APIKey string
	// ThinkDelay elapses between end_turn and response_started.
	ThinkDelay time.Duration
	// ChunkInterval paces response audio chunks.
	ChunkInterval time.Duration
	Chunks        int
	ChunkDuration time.Duration
	SampleRate    int
	ToneHz        int
	Reply         string
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Chunks <= 0 {
		c.Chunks = 3
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 100 * time.Millisecond
	}
	if c.ChunkInterval < 0 {
		c.ChunkInterval = 0
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.ToneHz <= 0 {
		c.ToneHz = 440
	}
	if strings.TrimSpace(c.Reply) == "" {
		c.Reply = "Sure, here is a short answer."
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type Server struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
	active   atomic.Int64
	turns    atomic.Int64
}

func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","active_sessions":%d,"turns":%d}`, s.active.Load(), s.turns.Load())
	})
	r.Get("/v1/agent/ws", s.handleWS)
	return r
}

// Turns is the number of responses completed across all sessions.
func (s *Server) Turns() int64 { return s.turns.Load() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.active.Add(1)
	defer s.active.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &simSession{
		id:       uuid.NewString(),
		cfg:      s.cfg,
		server:   s,
		mode:     protocol.ModeRealtime,
		outbound: make(chan any, 64),
		logger:   s.logger,
	}
	sess.logger = s.logger.With(zap.String("session_id", sess.id))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(ctx, conn)
		cancel()
	}()

	sess.send(ctx, protocol.Connected{Type: protocol.TypeConnected, SessionID: sess.id})
	sess.logger.Info("agent session opened")

	conn.SetReadLimit(4 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.BinaryMessage {
			sess.onAudio(ctx, data)
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			sess.send(ctx, protocol.Error{Type: protocol.TypeError, Message: err.Error()})
			continue
		}
		sess.onControl(ctx, msg)
	}

	cancel()
	sess.stopResponse()
	<-writerDone
	sess.logger.Info("agent session closed")
}

type simSession struct {
	id       string
	cfg      Config
	server   *Server
	logger   *zap.Logger
	outbound chan any

	// Read-loop owned.
	mode        string
	configured  bool
	inTurn      bool
	turnBytes   int
	turnRate    uint32
	cancelReply context.CancelFunc
	replyDone   chan struct{}
	mu          sync.Mutex
}

func (s *simSession) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("agent write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *simSession) send(ctx context.Context, msg any) bool {
	select {
	case s.outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *simSession) onAudio(ctx context.Context, frame []byte) {
	rate, pcm, err := protocol.DecodeAudioFrame(frame)
	if err != nil {
		s.send(ctx, protocol.Error{Type: protocol.TypeError, Message: err.Error()})
		return
	}
	if !s.inTurn {
		s.inTurn = true
		s.turnBytes = 0
		s.send(ctx, protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
	}
	s.turnRate = rate
	s.turnBytes += len(pcm)
}

func (s *simSession) onControl(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.Config:
		s.mode = m.Mode
		s.configured = true
		s.logger.Debug("session configured", zap.String("mode", m.Mode), zap.Bool("barge_in", m.BargeIn))
	case protocol.EndTurn:
		if !s.configured {
			s.send(ctx, protocol.Error{Type: protocol.TypeError, Message: "end_turn before config"})
			return
		}
		heard := audio.Duration(s.turnBytes, int(s.turnRate))
		if s.inTurn {
			s.send(ctx, protocol.SpeechEnded{Type: protocol.TypeSpeechEnded})
		}
		s.inTurn = false
		s.turnBytes = 0
		if s.replying() {
			return
		}
		s.startResponse(ctx, heard, time.Now())
	case protocol.Interrupt:
		if s.stopResponse() {
			s.logger.Debug("response cut short by client")
		}
		s.send(ctx, protocol.Interrupted{Type: protocol.TypeInterrupted})
	case protocol.Ping:
		s.send(ctx, protocol.Pong{Type: protocol.TypePong, TSMs: m.TSMs})
	}
}

func (s *simSession) replying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyDone == nil {
		return false
	}
	select {
	case <-s.replyDone:
		return false
	default:
		return true
	}
}

func (s *simSession) startResponse(parent context.Context, heard time.Duration, endTurnAt time.Time) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.mu.Lock()
	if s.cancelReply != nil {
		s.cancelReply()
	}
	s.cancelReply, s.replyDone = cancel, done
	s.mu.Unlock()

	mode := s.mode
	go func() {
		defer close(done)
		if err := s.respond(ctx, mode, heard, endTurnAt); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("response aborted", zap.Error(err))
		}
	}()
}

// stopResponse cancels an in-flight response and waits for it to stop
// writing. It reports whether a response was cut short.
func (s *simSession) stopResponse() bool {
	s.mu.Lock()
	cancel, done := s.cancelReply, s.replyDone
	s.cancelReply, s.replyDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	select {
	case <-done:
		cancel()
		return false
	default:
	}
	cancel()
	<-done
	return true
}

func (s *simSession) respond(ctx context.Context, mode string, heard time.Duration, endTurnAt time.Time) error {
	if err := sleep(ctx, s.cfg.ThinkDelay); err != nil {
		return err
	}
	stt := time.Since(endTurnAt)
	if !s.send(ctx, protocol.ResponseStarted{Type: protocol.TypeResponseStarted}) {
		return ctx.Err()
	}
	s.send(ctx, protocol.Transcript{
		Type:    protocol.TypeTranscript,
		Text:    fmt.Sprintf("heard %.1f seconds of audio", heard.Seconds()),
		IsFinal: true,
	})
	llmStart := time.Now()
	for i, word := range strings.Fields(s.cfg.Reply) {
		if i > 0 {
			word = " " + word
		}
		if !s.send(ctx, protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: word}) {
			return ctx.Err()
		}
	}
	llm := time.Since(llmStart)

	ttsStart := time.Now()
	var tts time.Duration
	tone := audio.SineTone(s.cfg.ToneHz, s.cfg.SampleRate, s.cfg.ChunkDuration, 0.2)
	chunk := base64.StdEncoding.EncodeToString(tone)
	for i := 0; i < s.cfg.Chunks; i++ {
		if i > 0 {
			if err := sleep(ctx, s.cfg.ChunkInterval); err != nil {
				return err
			}
		}
		if !s.send(ctx, protocol.Audio{Type: protocol.TypeAudio, Audio: chunk}) {
			return ctx.Err()
		}
		if i == 0 {
			tts = time.Since(ttsStart)
		}
	}

	total := msValue(time.Since(endTurnAt))
	report := &protocol.LatencyReport{TotalMS: &total}
	if mode == protocol.ModeStaged {
		report.STTMS = msPtr(stt)
		report.LLMTTFTMS = msPtr(llm)
		report.TTSTTFBMS = msPtr(tts)
	} else {
		report.RealtimeMS = msPtr(stt + llm + tts)
	}
	if !s.send(ctx, protocol.ResponseEnded{Type: protocol.TypeResponseEnded, Latency: report}) {
		return ctx.Err()
	}
	s.server.turns.Add(1)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func msValue(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func msPtr(d time.Duration) *float64 {
	v := msValue(d)
	return &v
}
