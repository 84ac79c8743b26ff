// Package pa binds capture and playback to the default PortAudio devices.
package pa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/device"
)

// Microphone opens the default input device as a mono capture source.
type Microphone struct {
	SampleRate int
	Frame      time.Duration
	Logger     *zap.Logger
}

func (m Microphone) Open(ctx context.Context) (device.Capture, error) {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrPermissionDenied, err)
	}

	n := int(int64(m.SampleRate) * int64(m.Frame) / int64(time.Second))
	in := make([]int16, n)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.SampleRate), n, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", device.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", device.ErrPermissionDenied, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &capture{frames: make(chan device.Frame, 8), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		defer close(c.frames)
		defer func() {
			_ = stream.Stop()
			_ = stream.Close()
			_ = portaudio.Terminate()
		}()
		if err := device.ReadLoop(ctx, in, m.Frame, stream.Read, c.frames); err != nil {
			logger.Warn("microphone capture lost", zap.Error(err))
		}
	}()
	return c, nil
}

type capture struct {
	frames chan device.Frame
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (c *capture) Frames() <-chan device.Frame { return c.frames }

func (c *capture) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}

// Speaker writes PCM16 mono to the default output device. Each Write blocks
// until the device has accepted the audio.
type Speaker struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	out    []int16
}

func OpenSpeaker(sampleRate int, tick time.Duration) (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("init portaudio: %w", err)
	}
	n := int(int64(sampleRate) * int64(tick) / int64(time.Second))
	out := make([]int16, n)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), n, out)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	return &Speaker{stream: stream, out: out}, nil
}

func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := audio.BytesToSamples(pcm)
	for len(samples) > 0 {
		k := copy(s.out, samples)
		for i := k; i < len(s.out); i++ {
			s.out[i] = 0
		}
		samples = samples[k:]
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("portaudio write: %w", err)
		}
	}
	return nil
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.stream.Stop()
	err := s.stream.Close()
	_ = portaudio.Terminate()
	return err
}
