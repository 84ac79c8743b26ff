package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies JSON payload variants on the duplex stream.
type MessageType string

// Client -> agent control messages.
const (
	TypeConfig    MessageType = "config"
	TypeEndTurn   MessageType = "end_turn"
	TypeInterrupt MessageType = "interrupt"
	TypePing      MessageType = "ping"
)

// Agent -> client events.
const (
	TypeConnected       MessageType = "connected"
	TypeSpeechStarted   MessageType = "speech_started"
	TypeSpeechEnded     MessageType = "speech_ended"
	TypeTranscript      MessageType = "transcript"
	TypeResponseStarted MessageType = "response_started"
	TypeTextDelta       MessageType = "text_delta"
	TypeAudio           MessageType = "audio"
	TypeResponseEnded   MessageType = "response_ended"
	TypeInterrupted     MessageType = "interrupted"
	TypeError           MessageType = "error"
	TypePong            MessageType = "pong"
)

// Interaction modes carried in the config message.
const (
	ModeRealtime = "realtime"
	ModeStaged   = "staged"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ProviderConfig selects the remote providers and voice for a session.
type ProviderConfig struct {
	STT      string `json:"stt,omitempty" yaml:"stt"`
	LLM      string `json:"llm,omitempty" yaml:"llm"`
	TTS      string `json:"tts,omitempty" yaml:"tts"`
	Realtime string `json:"realtime,omitempty" yaml:"realtime"`
	Voice    string `json:"voice,omitempty" yaml:"voice"`
	Model    string `json:"model,omitempty" yaml:"model"`
}

type RoleLabels struct {
	User  string `json:"user,omitempty" yaml:"user"`
	Agent string `json:"agent,omitempty" yaml:"agent"`
}

type Config struct {
	Type         MessageType    `json:"type"`
	Mode         string         `json:"mode"`
	Provider     ProviderConfig `json:"provider"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Roles        RoleLabels     `json:"roles"`
	BargeIn      bool           `json:"barge_in"`
}

type EndTurn struct {
	Type MessageType `json:"type"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type Connected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type SpeechStarted struct {
	Type MessageType `json:"type"`
}

type SpeechEnded struct {
	Type MessageType `json:"type"`
}

type Transcript struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

type ResponseStarted struct {
	Type MessageType `json:"type"`
}

// TextDelta carries incremental agent text. Providers populate either field.
type TextDelta struct {
	Type  MessageType `json:"type"`
	Delta string      `json:"delta,omitempty"`
	Text  string      `json:"text,omitempty"`
}

// Content returns the incremental text, preferring Delta.
func (m TextDelta) Content() string {
	if m.Delta != "" {
		return m.Delta
	}
	return m.Text
}

// Audio carries one base64 PCM16LE response chunk.
type Audio struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

// LatencyReport is the agent's own segment breakdown for a turn, in milliseconds.
type LatencyReport struct {
	TotalMS    *float64 `json:"total_ms,omitempty"`
	STTMS      *float64 `json:"stt_ms,omitempty"`
	LLMTTFTMS  *float64 `json:"llm_ttft_ms,omitempty"`
	TTSTTFBMS  *float64 `json:"tts_ttfb_ms,omitempty"`
	RealtimeMS *float64 `json:"realtime_ms,omitempty"`
}

// Empty reports whether the agent supplied no figure at all.
func (r *LatencyReport) Empty() bool {
	return r == nil || (r.TotalMS == nil && r.STTMS == nil && r.LLMTTFTMS == nil && r.TTSTTFBMS == nil && r.RealtimeMS == nil)
}

type ResponseEnded struct {
	Type      MessageType    `json:"type"`
	Latency   *LatencyReport `json:"latency,omitempty"`
	LatencyMS *float64       `json:"latency_ms,omitempty"`
}

// Report folds the flat latency_ms form into a LatencyReport. It returns nil
// when the agent supplied neither form.
func (m ResponseEnded) Report() *LatencyReport {
	if !m.Latency.Empty() {
		r := *m.Latency
		if r.TotalMS == nil && m.LatencyMS != nil {
			v := *m.LatencyMS
			r.TotalMS = &v
		}
		return &r
	}
	if m.LatencyMS != nil {
		v := *m.LatencyMS
		return &LatencyReport{TotalMS: &v}
	}
	return nil
}

type Interrupted struct {
	Type MessageType `json:"type"`
}

type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

func NewConfig(mode string, provider ProviderConfig, systemPrompt string, roles RoleLabels, bargeIn bool) Config {
	return Config{
		Type:         TypeConfig,
		Mode:         mode,
		Provider:     provider,
		SystemPrompt: systemPrompt,
		Roles:        roles,
		BargeIn:      bargeIn,
	}
}

func NewEndTurn() EndTurn     { return EndTurn{Type: TypeEndTurn} }
func NewInterrupt() Interrupt { return Interrupt{Type: TypeInterrupt} }
func NewPing(tsMs int64) Ping { return Ping{Type: TypePing, TSMs: tsMs} }

// ParseServerEvent decodes one agent -> client JSON event. Unknown types
// return ErrUnsupportedType so callers can skip them.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSpeechStarted:
		return SpeechStarted{Type: env.Type}, nil
	case TypeSpeechEnded:
		return SpeechEnded{Type: env.Type}, nil
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseStarted:
		return ResponseStarted{Type: env.Type}, nil
	case TypeTextDelta:
		var msg TextDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudio:
		var msg Audio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid audio: empty payload")
		}
		return msg, nil
	case TypeResponseEnded:
		var msg ResponseEnded
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeInterrupted:
		return Interrupted{Type: env.Type}, nil
	case TypeError:
		var msg Error
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Message == "" {
			msg.Message = "agent reported an error"
		}
		return msg, nil
	case TypePong:
		var msg Pong
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseClientMessage decodes one client -> agent JSON control message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConfig:
		var msg Config
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Mode != ModeRealtime && msg.Mode != ModeStaged {
			return nil, fmt.Errorf("invalid config: unknown mode %q", msg.Mode)
		}
		return msg, nil
	case TypeEndTurn:
		return NewEndTurn(), nil
	case TypeInterrupt:
		return NewInterrupt(), nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
