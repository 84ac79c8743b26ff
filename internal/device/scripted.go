package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/voicebench/internal/audio"
)

// Scripted is a paced capture source that emits queued utterances frame by
// frame and silence in between. It stands in for a microphone in replay runs.
type Scripted struct {
	SampleRate int
	Frame      time.Duration

	mu      sync.Mutex
	pending []int16
	opened  bool
}

func NewScripted(sampleRate int, frame time.Duration) *Scripted {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if frame <= 0 {
		frame = 30 * time.Millisecond
	}
	return &Scripted{SampleRate: sampleRate, Frame: frame}
}

// NewWAV loads a PCM16 WAV file and queues it once. The file must match the
// capture sample rate.
func NewWAV(path string, sampleRate int, frame time.Duration) (*Scripted, error) {
	pcm, sr, err := audio.ReadWAVPCM16File(path)
	if err != nil {
		return nil, err
	}
	if sr != sampleRate {
		return nil, errors.New("wav sample rate does not match capture sample rate")
	}
	s := NewScripted(sampleRate, frame)
	s.Play(pcm)
	return s, nil
}

// Play queues PCM16LE audio behind anything not yet emitted.
func (s *Scripted) Play(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, audio.BytesToSamples(pcm)...)
}

// Remaining is the number of queued samples not yet emitted.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scripted) samplesPerFrame() int {
	n := int(int64(s.SampleRate) * int64(s.Frame) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Scripted) next() []int16 {
	n := s.samplesPerFrame()
	out := make([]int16, n)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := copy(out, s.pending)
	s.pending = s.pending[k:]
	return out
}

func (s *Scripted) Open(ctx context.Context) (Capture, error) {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return nil, errors.New("scripted source already open")
	}
	s.opened = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c := &tickerCapture{frames: make(chan Frame, 8), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		defer close(c.frames)
		defer func() {
			s.mu.Lock()
			s.opened = false
			s.mu.Unlock()
		}()
		ticker := time.NewTicker(s.Frame)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case c.frames <- Frame{Samples: s.next(), At: now}:
				default:
					// Consumer is behind; drop rather than stall the clock.
				}
			}
		}
	}()
	return c, nil
}

// Silence is a capture source that emits only silent frames.
type Silence struct {
	SampleRate int
	Frame      time.Duration
}

func (s Silence) Open(ctx context.Context) (Capture, error) {
	return NewScripted(s.SampleRate, s.Frame).Open(ctx)
}

type tickerCapture struct {
	frames chan Frame
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (c *tickerCapture) Frames() <-chan Frame { return c.frames }

func (c *tickerCapture) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}
