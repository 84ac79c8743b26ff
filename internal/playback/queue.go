// Package playback renders streamed response audio in arrival order and
// supports an immediate flush for interruption.
package playback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink consumes PCM16LE mono audio. Write may block for up to the duration
// of the audio it receives.
type Sink interface {
	Write(pcm []byte) error
}

// Flusher is implemented by sinks holding device-side buffers that should be
// discarded on Stop.
type Flusher interface {
	Flush() error
}

type Config struct {
	SampleRate int
	Tick       time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.Tick <= 0 {
		c.Tick = 20 * time.Millisecond
	}
	return c
}

// Queue buffers chunks and hands a fixed tick's worth of audio to the sink on
// every pump, crossing chunk boundaries so playback has no gaps.
type Queue struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger

	mu     sync.Mutex
	chunks [][]byte
	offset int // bytes of chunks[0] already played
	played uint64
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewQueue(cfg Config, sink Sink, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		logger: logger,
	}
}

// Enqueue appends a chunk. Odd-length chunks are truncated to whole samples.
func (q *Queue) Enqueue(pcm []byte) {
	n := len(pcm) &^ 1
	if n == 0 {
		return
	}
	chunk := make([]byte, n)
	copy(chunk, pcm[:n])

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.chunks = append(q.chunks, chunk)
}

// Stop discards every queued and partially played chunk and returns how many
// were dropped.
func (q *Queue) Stop() int {
	q.mu.Lock()
	dropped := len(q.chunks)
	q.chunks = nil
	q.offset = 0
	q.mu.Unlock()

	if f, ok := q.sink.(Flusher); ok && dropped > 0 {
		if err := f.Flush(); err != nil {
			q.logger.Warn("playback sink flush failed", zap.Error(err))
		}
	}
	return dropped
}

// Len is the number of chunks not yet fully played.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

func (q *Queue) Playing() bool {
	return q.Len() > 0
}

// PlayedBytes is the running total handed to the sink.
func (q *Queue) PlayedBytes() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.played
}

// TickBytes is how much audio one pump delivers.
func (q *Queue) TickBytes() int {
	n := int(int64(q.cfg.SampleRate) * int64(q.cfg.Tick) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n * 2
}

// Pump delivers up to one tick of audio to the sink and returns the number of
// bytes written.
func (q *Queue) Pump() int {
	buf := q.take(q.TickBytes())
	if len(buf) == 0 {
		return 0
	}
	if err := q.sink.Write(buf); err != nil {
		q.logger.Warn("playback sink write failed", zap.Error(err), zap.Int("bytes", len(buf)))
	}
	return len(buf)
}

func (q *Queue) take(want int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []byte
	for want > 0 && len(q.chunks) > 0 {
		head := q.chunks[0][q.offset:]
		n := len(head)
		if n > want {
			n = want
		}
		out = append(out, head[:n]...)
		want -= n
		q.offset += n
		if q.offset >= len(q.chunks[0]) {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.offset = 0
		}
	}
	q.played += uint64(len(out))
	return out
}

// Start paces Pump on the configured tick until ctx ends or Close is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.cancel != nil || q.closed {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(q.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Pump()
			}
		}
	}()
}

// Close stops the pacing loop and drops pending audio. The queue accepts no
// further chunks.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	q.Stop()
}
