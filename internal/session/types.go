package session

import (
	"time"

	"github.com/ent0n29/voicebench/internal/latency"
	"github.com/ent0n29/voicebench/internal/protocol"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// CreateRequest carries the configuration a session is opened with.
type CreateRequest struct {
	Profile      string                  `json:"profile"`
	Mode         string                  `json:"mode"`
	Provider     protocol.ProviderConfig `json:"provider"`
	SystemPrompt string                  `json:"system_prompt"`
	Roles        protocol.RoleLabels     `json:"roles"`
	BargeIn      bool                    `json:"barge_in"`
}

// Session is one logical connection to the conversational agent.
type Session struct {
	ID       string `json:"session_id"`
	RemoteID string `json:"remote_session_id,omitempty"`
	CreateRequest
	Status            Status     `json:"status"`
	TurnCount         int        `json:"turn_count"`
	InterruptionCount int        `json:"interruption_count"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// Turn is one finalized user-utterance and agent-response pair. It is never
// modified after being appended.
type Turn struct {
	SessionID      string            `json:"session_id"`
	Number         int               `json:"turn"`
	UserTranscript string            `json:"user_transcript,omitempty"`
	AgentText      string            `json:"agent_text,omitempty"`
	Interrupted    bool              `json:"interrupted"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        time.Time         `json:"ended_at"`
	Latency        latency.Breakdown `json:"latency"`
}
