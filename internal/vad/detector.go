// Package vad decides when a user's turn has ended from a stream of input
// volume samples, using a hysteresis band, a frame debounce and a single-shot
// silence timer.
package vad

import (
	"time"
)

// Classification is the detector's current view of the input.
type Classification string

const (
	Silent       Classification = "silent"
	Transitional Classification = "transitional"
	Speaking     Classification = "speaking"
)

// Config holds the tunable thresholds. Zero fields take the defaults.
type Config struct {
	SilenceThreshold    float64
	SpeakingThreshold   float64
	SilenceDuration     time.Duration
	MinSpeakingDuration time.Duration
	DebounceFrames      int
}

func DefaultConfig() Config {
	return Config{
		SilenceThreshold:    0.15,
		SpeakingThreshold:   0.22,
		SilenceDuration:     time.Second,
		MinSpeakingDuration: 500 * time.Millisecond,
		DebounceFrames:      4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = def.SilenceThreshold
	}
	if c.SpeakingThreshold <= 0 {
		c.SpeakingThreshold = def.SpeakingThreshold
	}
	if c.SpeakingThreshold < c.SilenceThreshold {
		c.SpeakingThreshold = c.SilenceThreshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = def.SilenceDuration
	}
	if c.MinSpeakingDuration <= 0 {
		c.MinSpeakingDuration = def.MinSpeakingDuration
	}
	if c.DebounceFrames <= 0 {
		c.DebounceFrames = def.DebounceFrames
	}
	return c
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers. The callback runs on the scheduler's goroutine and
// must only hand off, never touch detector state.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler arms timers on the runtime clock.
var SystemScheduler Scheduler = systemScheduler{}

// State is a read-only copy of the per-turn detector state.
type State struct {
	Class             Classification
	FramesAbove       int
	RunStartedAt      time.Time
	SpeakingStartedAt time.Time
	LastSpeechAt      time.Time
	HasSpoken         bool
	EndSignaled       bool
	TimerPending      bool
}

// Observation is the outcome of one volume sample.
type Observation struct {
	Class Classification
	// SpeechConfirmed is set on the first debounced confirmation of the turn.
	SpeechConfirmed   bool
	SpeakingStartedAt time.Time
	TimerArmed        bool
}

// Detector is not safe for concurrent use; it is owned by one event loop.
type Detector struct {
	cfg      Config
	sched    Scheduler
	onExpire func(gen uint64)

	st    State
	timer Timer
	gen   uint64
}

// New builds a detector. onExpire receives the generation of an expired
// silence timer; the owner feeds it back through Expire on its own goroutine.
func New(cfg Config, sched Scheduler, onExpire func(gen uint64)) *Detector {
	if sched == nil {
		sched = SystemScheduler
	}
	if onExpire == nil {
		onExpire = func(uint64) {}
	}
	return &Detector{
		cfg:      cfg.withDefaults(),
		sched:    sched,
		onExpire: onExpire,
		st:       State{Class: Silent},
	}
}

func (d *Detector) Config() Config { return d.cfg }

// State returns a copy of the current turn state.
func (d *Detector) State() State {
	st := d.st
	st.TimerPending = d.timer != nil
	return st
}

// Observe consumes one volume sample captured at now.
func (d *Detector) Observe(volume float64, now time.Time) Observation {
	var obs Observation

	switch {
	case volume > d.cfg.SpeakingThreshold:
		if d.st.FramesAbove == 0 {
			d.st.RunStartedAt = now
		}
		d.st.FramesAbove++
		d.st.LastSpeechAt = now
		d.Cancel()

		if d.st.FramesAbove >= d.cfg.DebounceFrames {
			d.st.Class = Speaking
			if !d.st.HasSpoken {
				d.st.HasSpoken = true
				d.st.SpeakingStartedAt = d.st.RunStartedAt
				obs.SpeechConfirmed = true
				obs.SpeakingStartedAt = d.st.SpeakingStartedAt
			}
		} else if d.st.Class != Speaking {
			d.st.Class = Transitional
		}

	case volume > d.cfg.SilenceThreshold:
		// Dead band: keep a confirmed utterance alive through soft dips.
		if d.st.Class == Speaking {
			d.st.LastSpeechAt = now
		}

	default:
		d.st.FramesAbove = 0
		d.st.Class = Silent
		if d.timer == nil && d.endEligible() {
			d.arm()
			obs.TimerArmed = true
		}
	}

	obs.Class = d.st.Class
	return obs
}

// Expire re-validates an expired silence timer at fire time. It returns true
// exactly once per turn, when the end of turn should be signaled.
func (d *Detector) Expire(gen uint64, now time.Time) bool {
	if d.timer == nil || gen != d.gen {
		return false
	}
	d.timer = nil

	if d.st.FramesAbove > 0 || !d.endEligible() {
		return false
	}
	if now.Sub(d.st.LastSpeechAt) < d.cfg.SilenceDuration {
		return false
	}
	d.st.EndSignaled = true
	return true
}

// Cancel stops a pending silence timer. A callback already in flight is
// rendered stale by the generation bump.
func (d *Detector) Cancel() {
	if d.timer == nil {
		return
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
}

// Reset cancels the timer and clears all per-turn state.
func (d *Detector) Reset() {
	d.Cancel()
	d.st = State{Class: Silent}
}

func (d *Detector) endEligible() bool {
	if !d.st.HasSpoken || d.st.EndSignaled {
		return false
	}
	return d.st.LastSpeechAt.Sub(d.st.SpeakingStartedAt) >= d.cfg.MinSpeakingDuration
}

func (d *Detector) arm() {
	d.gen++
	gen := d.gen
	d.timer = d.sched.AfterFunc(d.cfg.SilenceDuration, func() {
		d.onExpire(gen)
	})
}
