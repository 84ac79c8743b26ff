package engine

import (
	"time"

	"github.com/ent0n29/voicebench/internal/ingress"
	"github.com/ent0n29/voicebench/internal/latency"
	"github.com/ent0n29/voicebench/internal/vad"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// live reports whether the agent session is established.
func (s State) live() bool {
	switch s {
	case StateListening, StateProcessing, StateSpeaking:
		return true
	default:
		return false
	}
}

// Snapshot is a read-only copy of the controller state published to
// observers after every transition.
type Snapshot struct {
	State           State              `json:"state"`
	Connected       bool               `json:"connected"`
	SessionID       string             `json:"session_id,omitempty"`
	RemoteSessionID string             `json:"remote_session_id,omitempty"`
	Profile         string             `json:"profile,omitempty"`
	Mode            string             `json:"mode,omitempty"`
	BargeIn         bool               `json:"barge_in"`
	Transcript      string             `json:"transcript"`
	TranscriptFinal bool               `json:"transcript_final"`
	Response        string             `json:"response"`
	Volume          float64            `json:"volume"`
	VAD             vad.Classification `json:"vad"`
	UserSpoke       bool               `json:"user_spoke"`
	RemoteSpeech    bool               `json:"remote_speech"`
	PlaybackQueued  int                `json:"playback_queued"`
	Turns           int                `json:"turns"`
	Timing          latency.TurnTiming `json:"timing"`
	LastLatency     *latency.Breakdown `json:"last_latency,omitempty"`
	Stats           latency.Summary    `json:"stats"`
	Ingress         ingress.Stats      `json:"ingress"`
	LastError       string             `json:"last_error,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
