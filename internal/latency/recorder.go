// Package latency timestamps turn milestones and derives per-turn and
// session-level latency figures.
package latency

import (
	"sync"
	"time"

	"github.com/ent0n29/voicebench/internal/protocol"
)

type Milestone int

const (
	SpeakingStarted Milestone = iota
	EndTurnSent
	ResponseStarted
	FirstAudio
	ResponseEnded
	milestoneCount
)

func (m Milestone) String() string {
	switch m {
	case SpeakingStarted:
		return "speaking_started"
	case EndTurnSent:
		return "end_turn_sent"
	case ResponseStarted:
		return "response_started"
	case FirstAudio:
		return "first_audio"
	case ResponseEnded:
		return "response_ended"
	default:
		return "unknown"
	}
}

// TurnTiming holds the five milestones of one turn. A zero time is unset.
type TurnTiming struct {
	SpeakingStartedAt time.Time `json:"speaking_started_at"`
	EndTurnSentAt     time.Time `json:"end_turn_sent_at"`
	ResponseStartedAt time.Time `json:"response_started_at"`
	FirstAudioAt      time.Time `json:"first_audio_at"`
	ResponseEndedAt   time.Time `json:"response_ended_at"`
}

func (t *TurnTiming) slot(m Milestone) *time.Time {
	switch m {
	case SpeakingStarted:
		return &t.SpeakingStartedAt
	case EndTurnSent:
		return &t.EndTurnSentAt
	case ResponseStarted:
		return &t.ResponseStartedAt
	case FirstAudio:
		return &t.FirstAudioAt
	case ResponseEnded:
		return &t.ResponseEndedAt
	default:
		return nil
	}
}

// Get returns the milestone time and whether it is set.
func (t TurnTiming) Get(m Milestone) (time.Time, bool) {
	p := t.slot(m)
	if p == nil || p.IsZero() {
		return time.Time{}, false
	}
	return *p, true
}

// Monotonic reports whether every set milestone is no earlier than the set
// milestones before it.
func (t TurnTiming) Monotonic() bool {
	var prev time.Time
	for m := SpeakingStarted; m < milestoneCount; m++ {
		v, ok := t.Get(m)
		if !ok {
			continue
		}
		if v.Before(prev) {
			return false
		}
		prev = v
	}
	return true
}

type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
	SourceNone   Source = "none"
)

// Breakdown is the derived latency of one turn in milliseconds. Nil segments
// were not observed.
type Breakdown struct {
	Source             Source   `json:"source"`
	TotalMS            float64  `json:"total_ms"`
	TimeToResponseMS   *float64 `json:"time_to_response_ms,omitempty"`
	TimeToFirstAudioMS *float64 `json:"time_to_first_audio_ms,omitempty"`
	STTMS              *float64 `json:"stt_ms,omitempty"`
	LLMTTFTMS          *float64 `json:"llm_ttft_ms,omitempty"`
	TTSTTFBMS          *float64 `json:"tts_ttfb_ms,omitempty"`
	RealtimeMS         *float64 `json:"realtime_ms,omitempty"`
}

// Recorder is safe for concurrent use, though the controller is its only
// writer.
type Recorder struct {
	mu     sync.Mutex
	timing TurnTiming
	totals []float64
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Mark records m at now unless it is already set. The stored time is clamped
// between the set neighbours so the timing stays monotonic. It reports whether
// the milestone was recorded.
func (r *Recorder) Mark(m Milestone, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mark(m, now)
}

func (r *Recorder) mark(m Milestone, now time.Time) bool {
	p := r.timing.slot(m)
	if p == nil || !p.IsZero() {
		return false
	}
	for prev := SpeakingStarted; prev < m; prev++ {
		if v, ok := r.timing.Get(prev); ok && now.Before(v) {
			now = v
		}
	}
	for next := m + 1; next < milestoneCount; next++ {
		if v, ok := r.timing.Get(next); ok && now.After(v) {
			now = v
		}
	}
	*p = now
	return true
}

func (r *Recorder) Timing() TurnTiming {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timing
}

// Finish closes the turn at now. A non-empty remote report is preferred over
// locally measured segments. The turn total joins the session list only when
// one could be established.
func (r *Recorder) Finish(remote *protocol.LatencyReport, now time.Time) Breakdown {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.finish(remote, now)
	if out.Source != SourceNone {
		r.totals = append(r.totals, out.TotalMS)
	}
	return out
}

// Cut closes a turn whose response was interrupted. Its shortened total is
// reported but kept out of the session stats.
func (r *Recorder) Cut(now time.Time) Breakdown {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finish(nil, now)
}

func (r *Recorder) finish(remote *protocol.LatencyReport, now time.Time) Breakdown {

	r.mark(ResponseEnded, now)
	t := r.timing

	out := Breakdown{Source: SourceNone}
	base, hasBase := t.Get(EndTurnSent)
	if hasBase {
		if v, ok := t.Get(ResponseStarted); ok {
			out.TimeToResponseMS = msPtr(v.Sub(base))
		}
		if v, ok := t.Get(FirstAudio); ok {
			out.TimeToFirstAudioMS = msPtr(v.Sub(base))
		}
		end, _ := t.Get(ResponseEnded)
		out.TotalMS = ms(end.Sub(base))
		out.Source = SourceLocal
	}

	if !remote.Empty() {
		out.STTMS = copyPtr(remote.STTMS)
		out.LLMTTFTMS = copyPtr(remote.LLMTTFTMS)
		out.TTSTTFBMS = copyPtr(remote.TTSTTFBMS)
		out.RealtimeMS = copyPtr(remote.RealtimeMS)
		if remote.TotalMS != nil {
			out.TotalMS = round2(*remote.TotalMS)
			out.Source = SourceRemote
		} else if hasBase {
			out.Source = SourceRemote
		}
	}

	return out
}

// Reset clears the live turn timing. Session totals are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timing = TurnTiming{}
}

// Clear drops the timing and all session totals.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timing = TurnTiming{}
	r.totals = nil
}

// Stats recomputes the session summary over every finished turn.
func (r *Recorder) Stats() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summarize(r.totals)
}

func ms(d time.Duration) float64 {
	return round2(float64(d) / float64(time.Millisecond))
}

func msPtr(d time.Duration) *float64 {
	v := ms(d)
	return &v
}

func copyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := round2(*p)
	return &v
}
