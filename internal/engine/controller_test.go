package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/device"
	"github.com/ent0n29/voicebench/internal/history"
	"github.com/ent0n29/voicebench/internal/latency"
	"github.com/ent0n29/voicebench/internal/observability"
	"github.com/ent0n29/voicebench/internal/playback"
	"github.com/ent0n29/voicebench/internal/protocol"
	"github.com/ent0n29/voicebench/internal/transport"
	"github.com/ent0n29/voicebench/internal/vad/vadtest"
)

const (
	frameStep = 30 * time.Millisecond
	waitFor   = 2 * time.Second
	pollEvery = time.Millisecond
)

type fakeCapture struct {
	mu     sync.Mutex
	ch     chan device.Frame
	closed bool
}

func (c *fakeCapture) Frames() <-chan device.Frame { return c.ch }

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	return nil
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeCapture) push(f device.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- f:
		return true
	default:
		return false
	}
}

type fakeSource struct {
	mu       sync.Mutex
	err      error
	captures []*fakeCapture
}

func (s *fakeSource) Open(context.Context) (device.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c := &fakeCapture{ch: make(chan device.Frame, 64)}
	s.captures = append(s.captures, c)
	return c, nil
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) current() *fakeCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures[len(s.captures)-1]
}

type fakeStream struct {
	mu     sync.Mutex
	sent   []json.RawMessage
	frames int
	closed bool
}

func (s *fakeStream) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.sent = append(s.sent, b)
	return nil
}

func (s *fakeStream) SendBinary([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.frames++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) types() []protocol.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(s.sent))
	for _, raw := range s.sent {
		var env protocol.Envelope
		_ = json.Unmarshal(raw, &env)
		out = append(out, env.Type)
	}
	return out
}

func (s *fakeStream) first() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[0]
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer confirms the session from inside Dial when remoteID is set, so
// the confirmation reaches the loop before the dial result does.
type fakeDialer struct {
	mu       sync.Mutex
	remoteID string
	err      error
	recvs    []transport.Receiver
	streams  []*fakeStream
}

func (d *fakeDialer) Dial(_ context.Context, recv transport.Receiver) (Stream, error) {
	d.mu.Lock()
	err, id := d.err, d.remoteID
	s := &fakeStream{}
	d.recvs = append(d.recvs, recv)
	d.streams = append(d.streams, s)
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if id != "" {
		recv.Receive(jsonMessage(protocol.Connected{Type: protocol.TypeConnected, SessionID: id}))
	}
	return s, nil
}

func (d *fakeDialer) set(remoteID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteID, d.err = remoteID, err
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *fakeDialer) recv() transport.Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recvs[len(d.recvs)-1]
}

func (d *fakeDialer) stream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

func jsonMessage(v any) transport.Message {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return transport.Message{Data: b}
}

type harness struct {
	t       *testing.T
	c       *Controller
	sched   *vadtest.Scheduler
	src     *fakeSource
	dialer  *fakeDialer
	metrics *observability.Metrics
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		sched:   vadtest.NewScheduler(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		src:     &fakeSource{},
		dialer:  &fakeDialer{remoteID: "remote-1"},
		metrics: observability.NewMetricsWith(prometheus.NewRegistry(), "test"),
	}
	opts := Options{
		Source:            h.src,
		Dialer:            h.dialer,
		Metrics:           h.metrics,
		Scheduler:         h.sched,
		Now:               h.sched.Now,
		CaptureSampleRate: 16000,
		// A long tick keeps queued response audio observable.
		Playback: playback.Config{SampleRate: 24000, Tick: time.Hour},
		BargeIn:  true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Errorf("controller did not stop")
		}
	})
	return h
}

func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.c.Connect(context.Background(), ""))
	require.Equal(h.t, StateListening, h.c.Snapshot().State)
}

// feed pushes n frames at level, waiting for each to be processed before the
// clock moves on.
func (h *harness) feed(level float64, n int) {
	h.t.Helper()
	capture := h.src.current()
	for i := 0; i < n; i++ {
		ing := h.c.Snapshot().Ingress
		before := ing.Sent + ing.Dropped
		require.True(h.t, capture.push(device.Frame{Samples: audio.Constant(480, level), At: h.sched.Now()}))
		require.Eventually(h.t, func() bool {
			ing := h.c.Snapshot().Ingress
			return ing.Sent+ing.Dropped == before+1
		}, waitFor, pollEvery)
		h.sched.Advance(frameStep)
	}
}

func (h *harness) agent(v any) {
	h.dialer.recv().Receive(jsonMessage(v))
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.c.Snapshot().State == want }, waitFor, pollEvery,
		"state never reached %s", want)
}

func (h *harness) inbound(kind protocol.MessageType) float64 {
	return testutil.ToFloat64(h.metrics.WSMessages.WithLabelValues("inbound", string(kind)))
}

func (h *harness) waitInbound(kind protocol.MessageType, n float64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.inbound(kind) == n }, waitFor, pollEvery)
}

// speakThenEndTurn drives the controller into processing with a manual end
// of turn after a short utterance.
func (h *harness) speakThenEndTurn() {
	h.t.Helper()
	h.feed(0.5, 6)
	require.NoError(h.t, h.c.EndTurn(context.Background()))
	require.Equal(h.t, StateProcessing, h.c.Snapshot().State)
}

func toneChunk() protocol.Audio {
	pcm := audio.SineTone(440, 24000, 100*time.Millisecond, 0.3)
	return protocol.Audio{Type: protocol.TypeAudio, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func TestConnectSendsConfigAfterConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	s := h.dialer.stream()
	var cfg protocol.Config
	require.NoError(t, json.Unmarshal(s.first(), &cfg))
	assert.Equal(t, protocol.TypeConfig, cfg.Type)
	assert.Equal(t, protocol.ModeRealtime, cfg.Mode)
	assert.True(t, cfg.BargeIn)

	snap := h.c.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, "remote-1", snap.RemoteSessionID)
	assert.NotEmpty(t, snap.SessionID)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ActiveSessions))
}

func TestConversationTurnEndsOnSilence(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.feed(0.5, 20)
	assert.True(t, h.c.Snapshot().UserSpoke)
	h.feed(0, 40)
	h.waitState(StateProcessing)
	assert.Contains(t, h.dialer.stream().types(), protocol.TypeEndTurn)

	h.agent(protocol.ResponseStarted{Type: protocol.TypeResponseStarted})
	h.agent(protocol.Transcript{Type: protocol.TypeTranscript, Text: "hello there", IsFinal: true})
	h.agent(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "Hi"})
	h.agent(toneChunk())
	h.waitInbound(protocol.TypeAudio, 1)
	snap := h.c.Snapshot()
	assert.Equal(t, StateSpeaking, snap.State)
	assert.Equal(t, "hello there", snap.Transcript)
	assert.True(t, snap.TranscriptFinal)
	assert.Equal(t, "Hi", snap.Response)
	assert.Equal(t, 1, snap.PlaybackQueued)

	total := 420.0
	h.agent(protocol.ResponseEnded{Type: protocol.TypeResponseEnded, Latency: &protocol.LatencyReport{TotalMS: &total}})
	h.waitState(StateListening)

	snap = h.c.Snapshot()
	assert.Equal(t, 1, snap.Turns)
	require.NotNil(t, snap.LastLatency)
	assert.Equal(t, latency.SourceRemote, snap.LastLatency.Source)
	assert.Equal(t, 420.0, snap.LastLatency.TotalMS)
	assert.Equal(t, 1, snap.Stats.Samples)
	assert.Empty(t, snap.Response, "turn text is cleared for the next turn")
	assert.False(t, snap.UserSpoke, "detector is reset on entering listening")

	turns, err := h.c.Turns()
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello there", turns[0].UserTranscript)
	assert.Equal(t, "Hi", turns[0].AgentText)
	assert.False(t, turns[0].Interrupted)
	require.NotNil(t, turns[0].Latency.TimeToFirstAudioMS)
}

func TestShortSpikeDoesNotEndTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.feed(0.5, 3)
	h.feed(0, 60)
	assert.Equal(t, StateListening, h.c.Snapshot().State)
	assert.NotContains(t, h.dialer.stream().types(), protocol.TypeEndTurn)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestResumedSpeechKeepsTurnOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.feed(0.5, 20)
	h.feed(0, 20)
	h.feed(0.5, 10)
	h.feed(0, 20)
	assert.Equal(t, StateListening, h.c.Snapshot().State)

	h.feed(0, 20)
	h.waitState(StateProcessing)
	ends := 0
	for _, typ := range h.dialer.stream().types() {
		if typ == protocol.TypeEndTurn {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

func TestSilentFramesAreGatedOutsideListening(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.speakThenEndTurn()

	s := h.dialer.stream()
	s.mu.Lock()
	before := s.frames
	s.mu.Unlock()

	h.feed(0, 5)
	h.feed(0.6, 2)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, before+2, s.frames, "only loud frames pass while processing")
}

func TestClientInterruptDiscardsLateResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.speakThenEndTurn()

	h.agent(protocol.ResponseStarted{Type: protocol.TypeResponseStarted})
	h.agent(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "partial"})
	h.agent(toneChunk())
	h.waitInbound(protocol.TypeAudio, 1)
	require.Equal(t, StateSpeaking, h.c.Snapshot().State)

	require.NoError(t, h.c.Interrupt(context.Background()))
	snap := h.c.Snapshot()
	assert.Equal(t, StateListening, snap.State)
	assert.Equal(t, 0, snap.PlaybackQueued)
	require.NotNil(t, snap.LastLatency)
	assert.Equal(t, latency.SourceLocal, snap.LastLatency.Source)
	assert.Equal(t, 0, snap.Stats.Samples, "interrupted turns stay out of session stats")
	assert.Contains(t, h.dialer.stream().types(), protocol.TypeInterrupt)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Interruptions.WithLabelValues("client")))

	h.agent(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "late"})
	h.agent(toneChunk())
	h.agent(protocol.ResponseEnded{Type: protocol.TypeResponseEnded})
	h.agent(protocol.Interrupted{Type: protocol.TypeInterrupted})
	h.waitInbound(protocol.TypeInterrupted, 1)

	snap = h.c.Snapshot()
	assert.Equal(t, StateListening, snap.State)
	assert.Empty(t, snap.Response)
	assert.Equal(t, 0, snap.PlaybackQueued)

	turns, err := h.c.Turns()
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Interrupted)
	assert.Equal(t, "partial", turns[0].AgentText)
}

func TestAgentInterruptFinalizesTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.speakThenEndTurn()

	h.agent(protocol.TextDelta{Type: protocol.TypeTextDelta, Text: "implicit"})
	h.waitState(StateSpeaking)
	h.agent(protocol.Interrupted{Type: protocol.TypeInterrupted})
	h.waitState(StateListening)

	assert.NotContains(t, h.dialer.stream().types(), protocol.TypeInterrupt)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Interruptions.WithLabelValues("agent")))
	turns, err := h.c.Turns()
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Interrupted)
}

func TestInterruptOutsideSpeakingIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Interrupt(context.Background()))
	assert.Equal(t, StateIdle, h.c.Snapshot().State)

	h.connect()
	require.NoError(t, h.c.Interrupt(context.Background()))
	require.NoError(t, h.c.Interrupt(context.Background()))
	assert.Equal(t, StateListening, h.c.Snapshot().State)
	assert.NotContains(t, h.dialer.stream().types(), protocol.TypeInterrupt)
}

func TestInterruptRejectedWhenBargeInDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BargeIn = false })
	h.connect()
	h.speakThenEndTurn()
	h.agent(protocol.ResponseStarted{Type: protocol.TypeResponseStarted})
	h.waitState(StateSpeaking)

	err := h.c.Interrupt(context.Background())
	assert.ErrorIs(t, err, ErrBargeInDisabled)
	assert.Equal(t, StateSpeaking, h.c.Snapshot().State)
	assert.NotContains(t, h.dialer.stream().types(), protocol.TypeInterrupt)
}

func TestEndTurnRequiresListening(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.c.EndTurn(context.Background()), ErrNotConnected)

	h.connect()
	h.speakThenEndTurn()
	assert.ErrorIs(t, h.c.EndTurn(context.Background()), ErrNotListening)
}

func TestConnectWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	assert.ErrorIs(t, h.c.Connect(context.Background(), ""), ErrAlreadyConnected)
	assert.Equal(t, StateListening, h.c.Snapshot().State)
}

func TestUnknownProfileIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	err := h.c.Connect(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
}

func TestPermissionDeniedReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.src.fail(device.ErrPermissionDenied)

	err := h.c.Connect(context.Background(), "")
	require.ErrorIs(t, err, device.ErrPermissionDenied)

	snap := h.c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.NotEmpty(t, snap.LastError)
	select {
	case got := <-h.c.Errors():
		assert.ErrorIs(t, got, device.ErrPermissionDenied)
	default:
		t.Fatal("error was not surfaced")
	}
}

func TestDialFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.set("", errors.New("connection refused"))

	err := h.c.Connect(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	require.Eventually(t, h.src.current().isClosed, waitFor, pollEvery, "capture is released")
}

func TestConnectTimesOutWithoutConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.set("", nil)

	errc := make(chan error, 1)
	go func() { errc <- h.c.Connect(context.Background(), "") }()
	h.waitState(StateConnecting)
	require.Eventually(t, func() bool { return h.sched.Pending() == 1 }, waitFor, pollEvery)

	h.sched.Advance(defaultConnectTimeout)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnectTimeout)
	case <-time.After(waitFor):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	require.Eventually(t, func() bool {
		return h.dialer.dialed() == 1 && h.dialer.stream().isClosed()
	}, waitFor, pollEvery)
}

func TestTransportDropEntersErrorAndAllowsReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	first := h.c.Snapshot().SessionID

	h.dialer.recv().Closed(errors.New("connection reset"))
	h.waitState(StateError)

	snap := h.c.Snapshot()
	assert.False(t, snap.Connected)
	assert.Contains(t, snap.LastError, "connection reset")
	assert.True(t, h.dialer.stream().isClosed())

	sess, err := h.c.Sessions().Get(first)
	require.NoError(t, err)
	assert.NotNil(t, sess.EndedAt)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.ActiveSessions))

	h.dialer.set("remote-2", nil)
	h.connect()
	assert.NotEqual(t, first, h.c.Snapshot().SessionID)
	assert.Empty(t, h.c.Snapshot().LastError)
}

func TestAgentErrorEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.agent(protocol.Error{Type: protocol.TypeError, Message: "quota exceeded"})
	h.waitState(StateError)
	assert.Contains(t, h.c.Snapshot().LastError, "quota exceeded")
}

func TestStaleSessionEventsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	stale := h.dialer.recv()

	require.NoError(t, h.c.Disconnect(context.Background()))
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	h.dialer.set("remote-2", nil)
	h.connect()

	stale.Receive(jsonMessage(protocol.ResponseStarted{Type: protocol.TypeResponseStarted}))
	stale.Closed(errors.New("old socket closed"))

	h.agent(protocol.Pong{Type: protocol.TypePong})
	h.waitInbound(protocol.TypePong, 1)
	assert.Equal(t, StateListening, h.c.Snapshot().State)
	assert.Equal(t, float64(0), h.inbound(protocol.TypeResponseStarted))
}

func TestMalformedEventsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.dialer.recv().Receive(transport.Message{Data: []byte(`{"type":"mystery"}`)})
	h.dialer.recv().Receive(transport.Message{Data: []byte(`{not json`)})
	h.dialer.recv().Receive(transport.Message{Binary: true, Data: []byte{1}})
	h.agent(protocol.Pong{Type: protocol.TypePong})
	h.waitInbound(protocol.TypePong, 1)
	assert.Equal(t, StateListening, h.c.Snapshot().State)
}

func TestRemoteSpeechHintsAreAdvisory(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.agent(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted})
	h.waitInbound(protocol.TypeSpeechStarted, 1)
	assert.True(t, h.c.Snapshot().RemoteSpeech)

	h.agent(protocol.SpeechEnded{Type: protocol.TypeSpeechEnded})
	h.waitInbound(protocol.TypeSpeechEnded, 1)
	snap := h.c.Snapshot()
	assert.False(t, snap.RemoteSpeech)
	assert.Equal(t, StateListening, snap.State)
}

func TestDisconnectPersistsSession(t *testing.T) {
	store := history.NewInMemoryStore()
	writer := history.NewWriter(store, history.WriterOptions{})
	h := newHarness(t, func(o *Options) { o.History = writer })
	h.connect()
	h.speakThenEndTurn()
	h.agent(protocol.TextDelta{Type: protocol.TypeTextDelta, Delta: "ok"})
	h.agent(protocol.ResponseEnded{Type: protocol.TypeResponseEnded})
	h.waitState(StateListening)
	require.NoError(t, h.c.Disconnect(context.Background()))
	writer.Close()

	sessions, err := store.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].EndedAt)
	assert.Equal(t, 1, sessions[0].TurnCount)

	turns, err := store.ListTurns(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "ok", turns[0].AgentText)
}

func TestSubscribersSeeLatestSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	ch, cancel := h.c.Subscribe()
	defer cancel()

	h.connect()
	require.Eventually(t, func() bool {
		select {
		case s := <-ch:
			return s.State == StateListening
		default:
			return false
		}
	}, waitFor, pollEvery)
}
