// Package engine runs the turn-taking state machine that connects capture,
// voice activity detection, the agent stream and playback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/device"
	"github.com/ent0n29/voicebench/internal/history"
	"github.com/ent0n29/voicebench/internal/ingress"
	"github.com/ent0n29/voicebench/internal/latency"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/playback"
	"github.com/ent0n29/voicebench/internal/profile"
	"github.com/ent0n29/voicebench/internal/protocol"
	"github.com/ent0n29/voicebench/internal/session"
	"github.com/ent0n29/voicebench/internal/transport"
	"github.com/ent0n29/voicebench/internal/vad"
)

var (
	ErrAlreadyConnected = errors.New("session already active")
	ErrNotConnected     = errors.New("no active session")
	ErrNotListening     = errors.New("end of turn requires the listening state")
	ErrBargeInDisabled  = errors.New("barge-in is disabled for this session")
	ErrConnectTimeout   = errors.New("agent did not confirm the session in time")
	ErrTransport        = errors.New("agent transport failed")
	ErrAgent            = errors.New("agent reported an error")
	ErrCaptureLost      = errors.New("audio capture ended")
	ErrDisconnected     = errors.New("disconnected")
	ErrStopped          = errors.New("controller stopped")
)

const (
	initiatorClient = "client"
	initiatorAgent  = "agent"

	defaultConnectTimeout = 10 * time.Second
)

// Stream is the established duplex connection to the agent.
type Stream interface {
	SendJSON(v any) error
	SendBinary(b []byte) error
	Close() error
}

// Dialer opens a Stream that delivers inbound frames to recv.
type Dialer interface {
	Dial(ctx context.Context, recv transport.Receiver) (Stream, error)
}

type websocketDialer struct {
	d transport.Dialer
}

// WebsocketDialer adapts the websocket transport to Dialer.
func WebsocketDialer(d transport.Dialer) Dialer {
	return websocketDialer{d: d}
}

func (w websocketDialer) Dial(ctx context.Context, recv transport.Receiver) (Stream, error) {
	conn, err := w.d.Dial(ctx, recv)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Options struct {
	Source   device.Source
	Sink     playback.Sink
	Dialer   Dialer
	Profiles *profile.Catalog
	Sessions *session.Manager
	History  *history.Writer
	Metrics  *observability.Metrics
	Logger   *zap.Logger

	// Scheduler and Now drive every timer and timestamp; tests substitute a
	// manual clock.
	Scheduler vad.Scheduler
	Now       func() time.Time

	VAD               vad.Config
	CaptureSampleRate int
	CaptureGain       float64
	Playback          playback.Config
	BargeIn           bool
	Mode              string
	ConnectTimeout    time.Duration
	// ResponseWAVDir, when set, receives one WAV file per agent response.
	ResponseWAVDir string
}

type pendingSession struct {
	profile profile.Profile
	bargeIn bool
}

type activeSession struct {
	id       string
	remoteID string
	profile  profile.Profile
	bargeIn  bool
}

// Controller is the single writer of all session state. Intents and
// asynchronous notifications are serialized through one event loop.
type Controller struct {
	logger   *zap.Logger
	metrics  *observability.Metrics
	sched    vad.Scheduler
	now      func() time.Time
	source   device.Source
	dialer   Dialer
	profiles *profile.Catalog
	sessions *session.Manager
	history  *history.Writer

	gate     *ingress.Gate
	vad      *vad.Detector
	recorder *latency.Recorder
	playback *playback.Queue

	gain           float64
	defaultBargeIn bool
	connectTimeout time.Duration
	responseWAVDir string
	playbackRate   int

	events  chan event
	stopped chan struct{}
	running atomic.Bool
	curGen  atomic.Uint64
	errs    chan error

	snap    atomic.Pointer[Snapshot]
	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	// Owned by the loop goroutine.
	state          State
	gen            uint64
	sessCtx        context.Context
	sessCancel     context.CancelFunc
	acquiring      bool
	capture        device.Capture
	stream         Stream
	connectTimer   vad.Timer
	pendingConnect chan error
	pending        pendingSession
	early          *protocol.Connected
	active         activeSession
	lastSessionID  string
	turn           turnState
	turnsDone      int
	responses      int
	volume         float64
	remoteSpeech   bool
	discarding     bool
	lastLatency    *latency.Breakdown
	lastError      string
}

func New(opts Options) (*Controller, error) {
	if opts.Source == nil {
		return nil, errors.New("engine: capture source is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("engine: dialer is required")
	}
	if opts.Sink == nil {
		opts.Sink = device.Discard{}
	}
	if opts.Profiles == nil {
		opts.Profiles = profile.Builtin(opts.Mode, opts.BargeIn)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = vad.SystemScheduler
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CaptureGain <= 0 {
		opts.CaptureGain = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	c := &Controller{
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		sched:          opts.Scheduler,
		now:            opts.Now,
		source:         opts.Source,
		dialer:         opts.Dialer,
		profiles:       opts.Profiles,
		sessions:       opts.Sessions,
		history:        opts.History,
		gain:           opts.CaptureGain,
		defaultBargeIn: opts.BargeIn,
		connectTimeout: opts.ConnectTimeout,
		responseWAVDir: opts.ResponseWAVDir,
		events:         make(chan event, 256),
		stopped:        make(chan struct{}),
		errs:           make(chan error, 16),
		subs:           make(map[int]chan Snapshot),
		state:          StateIdle,
	}
	c.recorder = latency.NewRecorder()
	c.playback = playback.NewQueue(opts.Playback, opts.Sink, opts.Logger.Named("playback"))
	c.playbackRate = opts.Playback.SampleRate
	if c.playbackRate <= 0 {
		c.playbackRate = 24000
	}

	vcfg := opts.VAD
	if vcfg == (vad.Config{}) {
		vcfg = vad.DefaultConfig()
	}
	c.vad = vad.New(vcfg, opts.Scheduler, func(vadGen uint64) {
		c.post(context.Background(), silenceElapsed{gen: c.curGen.Load(), vadGen: vadGen})
	})
	c.gate = ingress.New(ingress.Config{
		SampleRate:        opts.CaptureSampleRate,
		SpeakingThreshold: c.vad.Config().SpeakingThreshold,
	})
	c.publish()
	return c, nil
}

// Run processes events until ctx ends. Any live session is torn down on
// return.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("engine: controller already running")
	}
	c.playback.Start(ctx)
	defer func() {
		c.teardown()
		c.endSession("controller stopped")
		c.resolveConnect(ErrStopped)
		c.setState(StateIdle)
		c.publish()
		close(c.stopped)
		c.playback.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		}
	}
}

// Connect opens a session with the named profile and blocks until the agent
// confirms it or establishment fails.
func (c *Controller) Connect(ctx context.Context, profileName string) error {
	return c.request(ctx, func(reply chan error) event {
		return connectIntent{profile: profileName, reply: reply}
	})
}

// Disconnect tears down any session and returns to idle.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) event { return disconnectIntent{reply: reply} })
}

// EndTurn signals the end of the user's turn without waiting for silence.
func (c *Controller) EndTurn(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) event { return endTurnIntent{reply: reply} })
}

// Interrupt cuts the agent's response short. It is a no-op unless the agent
// is speaking.
func (c *Controller) Interrupt(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) event { return interruptIntent{reply: reply} })
}

func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate snapshots.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- c.Snapshot()

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Errors surfaces failures that ended or prevented a session. Errors are
// dropped when nobody drains the channel.
func (c *Controller) Errors() <-chan error {
	return c.errs
}

// Turns lists the finalized turns of the current or most recent session.
func (c *Controller) Turns() ([]session.Turn, error) {
	id := c.Snapshot().SessionID
	if id == "" {
		return nil, nil
	}
	return c.sessions.Turns(id)
}

// LatencyWindow summarizes recent per-segment turn latency.
func (c *Controller) LatencyWindow() observability.TurnSegmentSnapshot {
	return c.metrics.TurnSegments()
}

func (c *Controller) Profiles() *profile.Catalog { return c.profiles }

func (c *Controller) Sessions() *session.Manager { return c.sessions }

func (c *Controller) request(ctx context.Context, mk func(chan error) event) error {
	reply := make(chan error, 1)
	select {
	case c.events <- mk(reply):
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Controller) post(ctx context.Context, ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-c.stopped:
		return false
	}
}

func (c *Controller) handle(ev event) {
	switch e := ev.(type) {
	case connectIntent:
		c.onConnect(e)
	case disconnectIntent:
		c.onDisconnect(e)
	case endTurnIntent:
		c.reply(e.reply, c.onEndTurn())
	case interruptIntent:
		c.reply(e.reply, c.onInterrupt())
	case deviceAcquired:
		c.onDeviceAcquired(e)
	case streamDialed:
		c.onStreamDialed(e)
	case frameCaptured:
		c.onFrame(e)
	case captureEnded:
		if e.gen == c.gen && (c.state == StateConnecting || c.state.live()) {
			c.failSession(ErrCaptureLost)
		}
	case inboundEvent:
		c.route(e)
	case streamClosed:
		if e.gen == c.gen {
			c.metrics.AgentError("transport")
			c.failSession(fmt.Errorf("%w: %v", ErrTransport, e.err))
		}
	case silenceElapsed:
		c.onSilence(e)
	case connectTimedOut:
		if e.gen == c.gen && c.state == StateConnecting {
			c.metrics.AgentError("connect_timeout")
			c.abortEstablish(ErrConnectTimeout)
		}
	}
}

func (c *Controller) onConnect(e connectIntent) {
	if c.acquiring || c.state == StateConnecting || c.state.live() {
		c.reply(e.reply, ErrAlreadyConnected)
		return
	}
	p, err := c.profiles.Get(e.profile)
	if err != nil {
		c.reply(e.reply, err)
		return
	}

	c.bumpGen()
	c.sessCtx, c.sessCancel = context.WithCancel(context.Background())
	c.acquiring = true
	c.pendingConnect = e.reply
	c.pending = pendingSession{profile: p, bargeIn: p.BargeInEnabled(c.defaultBargeIn)}
	c.lastError = ""
	c.setState(StateIdle)

	gen, ctx := c.gen, c.sessCtx
	go func() {
		capture, err := c.source.Open(ctx)
		if !c.post(ctx, deviceAcquired{gen: gen, capture: capture, err: err}) && capture != nil {
			_ = capture.Close()
		}
	}()
}

func (c *Controller) onDeviceAcquired(e deviceAcquired) {
	if e.gen != c.gen || !c.acquiring {
		if e.capture != nil {
			_ = e.capture.Close()
		}
		return
	}
	c.acquiring = false
	if e.err != nil {
		c.metrics.AgentError("device")
		c.abortEstablish(fmt.Errorf("acquire capture device: %w", e.err))
		return
	}

	c.capture = e.capture
	c.setState(StateConnecting)

	gen, ctx, capture := c.gen, c.sessCtx, e.capture
	go func() {
		for f := range capture.Frames() {
			if !c.post(ctx, frameCaptured{gen: gen, frame: f}) {
				return
			}
		}
		c.post(ctx, captureEnded{gen: gen})
	}()
	go func() {
		stream, err := c.dialer.Dial(ctx, receiver{c: c, gen: gen, ctx: ctx})
		if !c.post(ctx, streamDialed{gen: gen, stream: stream, err: err}) && stream != nil {
			_ = stream.Close()
		}
	}()
	c.connectTimer = c.sched.AfterFunc(c.connectTimeout, func() {
		c.post(ctx, connectTimedOut{gen: gen})
	})
}

func (c *Controller) onStreamDialed(e streamDialed) {
	if e.gen != c.gen || c.state != StateConnecting {
		if e.stream != nil {
			_ = e.stream.Close()
		}
		return
	}
	if e.err != nil {
		c.metrics.AgentError("dial")
		c.abortEstablish(fmt.Errorf("connect to agent: %w", e.err))
		return
	}
	c.stream = e.stream
	if early := c.early; early != nil {
		c.early = nil
		c.onConnected(*early)
	}
}

func (c *Controller) onConnected(m protocol.Connected) {
	if c.state != StateConnecting {
		c.logger.Debug("ignoring connected outside connecting", zap.String("state", string(c.state)))
		return
	}
	// The agent may confirm before the dial result reaches the loop.
	if c.stream == nil {
		c.early = &m
		return
	}
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}

	p := c.pending
	cfg := protocol.NewConfig(p.profile.Mode, p.profile.Provider, p.profile.SystemPrompt, p.profile.Roles, p.bargeIn)
	if err := c.sendControl(protocol.TypeConfig, cfg); err != nil {
		c.abortEstablish(fmt.Errorf("%w: send config: %v", ErrTransport, err))
		return
	}

	sess := c.sessions.Create(session.CreateRequest{
		Profile:      p.profile.Name,
		Mode:         p.profile.Mode,
		Provider:     p.profile.Provider,
		SystemPrompt: p.profile.SystemPrompt,
		Roles:        p.profile.Roles,
		BargeIn:      p.bargeIn,
	})
	_ = c.sessions.SetRemoteID(sess.ID, m.SessionID)
	if saved, err := c.sessions.Get(sess.ID); err == nil {
		c.history.SaveSession(*saved)
	}

	c.active = activeSession{id: sess.ID, remoteID: m.SessionID, profile: p.profile, bargeIn: p.bargeIn}
	c.lastSessionID = sess.ID
	c.turnsDone = 0
	c.responses = 0
	c.lastLatency = nil
	c.recorder.Clear()
	c.metrics.SessionOpened()
	c.metrics.SessionEvent("connected")
	c.logger.Info("agent session established",
		zap.String("session_id", sess.ID),
		zap.String("remote_session_id", m.SessionID),
		zap.String("profile", p.profile.Name),
		zap.Bool("barge_in", p.bargeIn),
	)

	c.enterListening()
	c.resolveConnect(nil)
}

func (c *Controller) onDisconnect(e disconnectIntent) {
	c.teardown()
	c.endSession("")
	c.resolveConnect(ErrDisconnected)
	c.setState(StateIdle)
	c.reply(e.reply, nil)
}

func (c *Controller) onEndTurn() error {
	if !c.state.live() {
		return ErrNotConnected
	}
	if c.state != StateListening {
		return ErrNotListening
	}
	c.signalEndTurn("manual")
	return nil
}

func (c *Controller) onInterrupt() error {
	if c.state != StateSpeaking {
		return nil
	}
	if !c.active.bargeIn {
		return ErrBargeInDisabled
	}
	c.cutResponse(initiatorClient)
	return nil
}

func (c *Controller) onFrame(e frameCaptured) {
	if e.gen != c.gen {
		return
	}
	at := e.frame.At
	if at.IsZero() {
		at = c.now()
	}
	level := audio.Level(e.frame.Samples, c.gain)
	c.volume = level

	if c.state == StateListening {
		obs := c.vad.Observe(level, at)
		if obs.SpeechConfirmed {
			c.recorder.Mark(latency.SpeakingStarted, obs.SpeakingStartedAt)
			c.logger.Debug("speech confirmed", zap.String("session_id", c.active.id))
		}
	}

	allowed := c.gate.Allow(c.state.live() && c.stream != nil, c.state == StateListening, level)
	c.metrics.IngressFrame(allowed)
	if !allowed {
		return
	}
	if err := c.stream.SendBinary(c.gate.Frame(e.frame.Samples)); err != nil {
		c.logger.Debug("audio frame send failed", zap.Error(err))
	}
}

func (c *Controller) onSilence(e silenceElapsed) {
	if e.gen != c.gen || c.state != StateListening {
		return
	}
	if c.vad.Expire(e.vadGen, c.now()) {
		c.signalEndTurn("vad")
	}
}

func (c *Controller) signalEndTurn(trigger string) {
	if err := c.sendControl(protocol.TypeEndTurn, protocol.NewEndTurn()); err != nil {
		c.failSession(fmt.Errorf("%w: send end_turn: %v", ErrTransport, err))
		return
	}
	c.recorder.Mark(latency.EndTurnSent, c.now())
	c.vad.Cancel()
	c.setState(StateProcessing)
	c.metrics.SessionEvent("end_turn_" + trigger)
}

// cutResponse stops playback and closes the current turn as interrupted.
func (c *Controller) cutResponse(initiator string) {
	dropped := c.playback.Stop()
	if initiator == initiatorClient {
		if err := c.sendControl(protocol.TypeInterrupt, protocol.NewInterrupt()); err != nil {
			c.failSession(fmt.Errorf("%w: send interrupt: %v", ErrTransport, err))
			return
		}
		// Response data still in flight belongs to the cancelled response.
		c.discarding = true
	}
	c.metrics.Interruption(initiator)
	c.logger.Info("response interrupted",
		zap.String("session_id", c.active.id),
		zap.String("initiator", initiator),
		zap.Int("dropped_chunks", dropped),
	)
	c.finishTurn(nil, true)
}

func (c *Controller) finishTurn(report *protocol.LatencyReport, interrupted bool) {
	now := c.now()
	timing := c.recorder.Timing()
	var b latency.Breakdown
	if interrupted {
		b = c.recorder.Cut(now)
	} else {
		b = c.recorder.Finish(report, now)
	}
	c.metrics.ObserveTurn(b)
	if interrupted {
		c.metrics.ObserveIndicator("interrupted")
	}
	c.lastLatency = &b

	user, agent := c.turn.transcript(), c.turn.response
	if user != "" || agent != "" {
		turn, err := c.sessions.AppendTurn(c.active.id, session.Turn{
			UserTranscript: user,
			AgentText:      agent,
			Interrupted:    interrupted,
			StartedAt:      turnStart(timing, now),
			EndedAt:        now,
			Latency:        b,
		})
		if err != nil {
			c.logger.Warn("turn not recorded", zap.String("session_id", c.active.id), zap.Error(err))
		} else {
			c.turnsDone = turn.Number
			c.history.SaveTurn(turn)
			if saved, err := c.sessions.Get(c.active.id); err == nil {
				c.history.SaveSession(*saved)
			}
		}
	}
	c.logger.Info("turn finalized",
		zap.String("session_id", c.active.id),
		zap.Bool("interrupted", interrupted),
		zap.String("latency_source", string(b.Source)),
		zap.Float64("total_ms", b.TotalMS),
	)

	c.responses++
	if c.responseWAVDir != "" && len(c.turn.audio) > 0 {
		path := filepath.Join(c.responseWAVDir, fmt.Sprintf("%s-response-%03d.wav", c.active.id, c.responses))
		pcm, rate, logger := c.turn.audio, c.playbackRate, c.logger
		go func() {
			if err := audio.WriteWAVPCM16LEFile(path, pcm, rate); err != nil {
				logger.Warn("response audio not saved", zap.String("path", path), zap.Error(err))
			}
		}()
	}

	c.enterListening()
}

func turnStart(t latency.TurnTiming, fallback time.Time) time.Time {
	for _, m := range []latency.Milestone{latency.SpeakingStarted, latency.EndTurnSent, latency.ResponseStarted} {
		if v, ok := t.Get(m); ok {
			return v
		}
	}
	return fallback
}

func (c *Controller) enterListening() {
	c.vad.Reset()
	c.recorder.Reset()
	c.turn = turnState{}
	c.setState(StateListening)
}

// failSession handles an unrecoverable error. Before the agent confirms the
// session the attempt is abandoned to idle; afterwards the session ends in
// the error state.
func (c *Controller) failSession(err error) {
	if !c.state.live() {
		c.abortEstablish(err)
		return
	}
	c.teardown()
	c.endSession(err.Error())
	c.setState(StateError)
	c.fail(err)
}

func (c *Controller) abortEstablish(err error) {
	c.teardown()
	c.setState(StateIdle)
	c.fail(err)
	c.resolveConnect(err)
}

// teardown releases every session resource. Timers go first so no stale
// callback can act, playback stops before the devices and stream close.
func (c *Controller) teardown() {
	c.vad.Cancel()
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.bumpGen()
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	c.playback.Stop()
	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			c.logger.Debug("capture close failed", zap.Error(err))
		}
		c.capture = nil
	}
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			c.logger.Debug("stream close failed", zap.Error(err))
		}
		c.stream = nil
	}
	c.acquiring = false
	c.early = nil
	c.discarding = false
	c.remoteSpeech = false
	c.volume = 0
	c.turn = turnState{}
}

func (c *Controller) endSession(reason string) {
	if c.active.id == "" {
		return
	}
	if ended, err := c.sessions.End(c.active.id, reason); err == nil {
		c.history.SaveSession(*ended)
	}
	c.metrics.SessionClosed()
	c.metrics.SessionEvent("ended")
	c.logger.Info("agent session ended", zap.String("session_id", c.active.id), zap.String("reason", reason))
	c.active = activeSession{}
}

func (c *Controller) fail(err error) {
	c.lastError = err.Error()
	c.logger.Warn("session failure", zap.String("state", string(c.state)), zap.Error(err))
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Controller) resolveConnect(err error) {
	if c.pendingConnect == nil {
		return
	}
	c.reply(c.pendingConnect, err)
	c.pendingConnect = nil
}

// reply publishes before answering so callers observe the resulting state.
func (c *Controller) reply(ch chan error, err error) {
	c.publish()
	ch <- err
}

func (c *Controller) sendControl(kind protocol.MessageType, v any) error {
	if c.stream == nil {
		return ErrNotConnected
	}
	if err := c.stream.SendJSON(v); err != nil {
		return err
	}
	c.metrics.WSMessage("outbound", string(kind))
	return nil
}

func (c *Controller) bumpGen() {
	c.gen++
	c.curGen.Store(c.gen)
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state transition",
		zap.String("from", string(c.state)),
		zap.String("to", string(s)),
		zap.String("session_id", c.active.id),
	)
	c.state = s
}

func (c *Controller) publish() {
	vs := c.vad.State()
	s := &Snapshot{
		State:           c.state,
		Connected:       c.state.live(),
		SessionID:       c.lastSessionID,
		RemoteSessionID: c.active.remoteID,
		Profile:         c.active.profile.Name,
		Mode:            c.active.profile.Mode,
		BargeIn:         c.active.bargeIn,
		Transcript:      c.turn.transcript(),
		TranscriptFinal: c.turn.final(),
		Response:        c.turn.response,
		Volume:          c.volume,
		VAD:             vs.Class,
		UserSpoke:       vs.HasSpoken,
		RemoteSpeech:    c.remoteSpeech,
		PlaybackQueued:  c.playback.Len(),
		Turns:           c.turnsDone,
		Timing:          c.recorder.Timing(),
		LastLatency:     c.lastLatency,
		Stats:           c.recorder.Stats(),
		Ingress:         c.gate.Stats(),
		LastError:       c.lastError,
		UpdatedAt:       c.now(),
	}
	c.snap.Store(s)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *s:
		default:
		}
	}
}
