package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/latency"
	"github.com/ent0n29/voicebench/internal/protocol"
	"github.com/ent0n29/voicebench/internal/transport"
)

// audioChunk is a decoded response audio payload from either a JSON audio
// event or a binary frame.
type audioChunk struct {
	pcm        []byte
	sampleRate uint32
}

// receiver decodes inbound frames on the transport goroutine and posts them
// to the loop tagged with the session generation.
type receiver struct {
	c   *Controller
	gen uint64
	ctx context.Context
}

func (r receiver) Receive(m transport.Message) {
	kind, msg, err := decodeInbound(m)
	r.c.post(r.ctx, inboundEvent{gen: r.gen, kind: kind, msg: msg, err: err})
}

func (r receiver) Closed(err error) {
	r.c.post(r.ctx, streamClosed{gen: r.gen, err: err})
}

func decodeInbound(m transport.Message) (protocol.MessageType, any, error) {
	if m.Binary {
		rate, pcm, err := protocol.DecodeAudioFrame(m.Data)
		if err != nil {
			return protocol.TypeAudio, nil, err
		}
		return protocol.TypeAudio, audioChunk{pcm: pcm, sampleRate: rate}, nil
	}

	msg, err := protocol.ParseServerEvent(m.Data)
	if err != nil {
		return "", nil, err
	}
	if a, ok := msg.(protocol.Audio); ok {
		pcm, err := base64.StdEncoding.DecodeString(a.Audio)
		if err != nil {
			return protocol.TypeAudio, nil, fmt.Errorf("invalid audio: %w", err)
		}
		return protocol.TypeAudio, audioChunk{pcm: pcm}, nil
	}
	return messageTypeOf(msg), msg, nil
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.Connected:
		return m.Type
	case protocol.SpeechStarted:
		return m.Type
	case protocol.SpeechEnded:
		return m.Type
	case protocol.Transcript:
		return m.Type
	case protocol.ResponseStarted:
		return m.Type
	case protocol.TextDelta:
		return m.Type
	case protocol.ResponseEnded:
		return m.Type
	case protocol.Interrupted:
		return m.Type
	case protocol.Error:
		return m.Type
	case protocol.Pong:
		return m.Type
	case protocol.Config:
		return m.Type
	case protocol.EndTurn:
		return m.Type
	case protocol.Interrupt:
		return m.Type
	case protocol.Ping:
		return m.Type
	default:
		return ""
	}
}

// route dispatches one inbound event. It runs on the loop goroutine.
func (c *Controller) route(e inboundEvent) {
	if e.gen != c.gen {
		return
	}
	if e.err != nil {
		if errors.Is(e.err, protocol.ErrUnsupportedType) {
			c.logger.Debug("ignoring unknown agent event", zap.Error(e.err))
		} else {
			c.logger.Warn("ignoring malformed agent event", zap.Error(e.err))
		}
		return
	}
	c.metrics.WSMessage("inbound", string(e.kind))

	switch m := e.msg.(type) {
	case protocol.Connected:
		c.onConnected(m)
	case protocol.SpeechStarted:
		c.remoteSpeech = true
	case protocol.SpeechEnded:
		c.remoteSpeech = false
	case protocol.Transcript:
		if c.state.live() {
			c.turn.addTranscript(m)
		}
	case protocol.ResponseStarted:
		c.discarding = false
		if c.state == StateListening || c.state == StateProcessing {
			c.beginResponse()
		}
	case protocol.TextDelta:
		if c.acceptResponseData() {
			c.turn.response += m.Content()
		}
	case audioChunk:
		if c.acceptResponseData() {
			c.onAudio(m)
		}
	case protocol.ResponseEnded:
		if c.discarding {
			return
		}
		if c.state == StateSpeaking || c.state == StateProcessing {
			c.finishTurn(m.Report(), false)
		}
	case protocol.Interrupted:
		if c.discarding {
			c.discarding = false
			return
		}
		if c.state == StateSpeaking {
			c.cutResponse(initiatorAgent)
		}
	case protocol.Error:
		c.metrics.AgentError("agent")
		c.failSession(fmt.Errorf("%w: %s", ErrAgent, m.Message))
	case protocol.Pong:
	default:
		c.logger.Debug("unrouted agent event", zap.String("type", string(e.kind)))
	}
}

// acceptResponseData reports whether text or audio belongs to a live
// response, starting one implicitly when the agent skipped response_started.
func (c *Controller) acceptResponseData() bool {
	if c.discarding {
		return false
	}
	if c.state == StateProcessing {
		c.beginResponse()
	}
	return c.state == StateSpeaking
}

func (c *Controller) beginResponse() {
	c.recorder.Mark(latency.ResponseStarted, c.now())
	c.vad.Cancel()
	c.setState(StateSpeaking)
}

func (c *Controller) onAudio(m audioChunk) {
	if m.sampleRate != 0 && int(m.sampleRate) != c.playbackRate {
		c.logger.Debug("agent audio sample rate differs from playback",
			zap.Uint32("sample_rate", m.sampleRate), zap.Int("playback_rate", c.playbackRate))
	}
	now := c.now()
	if c.recorder.Mark(latency.FirstAudio, now) {
		if sent, ok := c.recorder.Timing().Get(latency.EndTurnSent); ok {
			c.metrics.ObserveFirstAudioLatency(now.Sub(sent))
		}
	}
	c.playback.Enqueue(m.pcm)
	if c.responseWAVDir != "" {
		c.turn.audio = append(c.turn.audio, m.pcm...)
	}
}

// turnState is the transient text and audio of the turn in progress.
type turnState struct {
	finals   []string
	partial  string
	response string
	audio    []byte
}

func (t *turnState) addTranscript(m protocol.Transcript) {
	text := strings.TrimSpace(m.Text)
	if !m.IsFinal {
		t.partial = text
		return
	}
	if text != "" {
		t.finals = append(t.finals, text)
	}
	t.partial = ""
}

func (t *turnState) transcript() string {
	parts := t.finals
	if t.partial != "" {
		parts = append(parts[:len(parts):len(parts)], t.partial)
	}
	return strings.Join(parts, " ")
}

func (t *turnState) final() bool {
	return t.partial == "" && len(t.finals) > 0
}
