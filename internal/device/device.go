// Package device acquires audio capture streams and playback sinks.
package device

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned when the capture device cannot be acquired.
var ErrPermissionDenied = errors.New("audio capture permission denied")

// Frame is one captured block of mono PCM16 samples.
type Frame struct {
	Samples []int16
	At      time.Time
}

// Capture is a live capture stream. Frames are handed off on a channel so the
// capture callback never touches consumer state.
type Capture interface {
	Frames() <-chan Frame
	Close() error
}

// Source acquires a capture stream.
type Source interface {
	Open(ctx context.Context) (Capture, error)
}

// Discard is a playback sink that drops audio.
type Discard struct{}

func (Discard) Write([]byte) error { return nil }
