package playback

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recordingSink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	writes  [][]byte
	flushes int
	err     error
}

func (s *recordingSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), pcm...))
	s.buf.Write(pcm)
	return s.err
}

func (s *recordingSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *recordingSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// 1kHz with a 2ms tick gives 2 samples (4 bytes) per pump.
var smallTick = Config{SampleRate: 1000, Tick: 2 * time.Millisecond}

func TestPumpCrossesChunkBoundaries(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(smallTick, sink, nil)
	require.Equal(t, 4, q.TickBytes())

	q.Enqueue([]byte{1, 1, 2, 2, 3, 3})
	q.Enqueue([]byte{4, 4, 5, 5})

	assert.Equal(t, 4, q.Pump())
	assert.Equal(t, 2, q.Len(), "first chunk is only partially played")
	assert.Equal(t, 4, q.Pump())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 2, q.Pump())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Pump())

	assert.Equal(t, [][]byte{{1, 1, 2, 2}, {3, 3, 4, 4}, {5, 5}}, sink.writes)
	assert.Equal(t, uint64(10), q.PlayedBytes())
}

func TestStopDropsPendingAudio(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(smallTick, sink, nil)
	q.Enqueue([]byte{1, 1, 2, 2, 3, 3})
	q.Enqueue([]byte{4, 4})
	q.Pump()

	assert.Equal(t, 2, q.Stop())
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Playing())
	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, 0, q.Pump())

	assert.Equal(t, 0, q.Stop(), "stopping an empty queue is a no-op")
	assert.Equal(t, 1, sink.flushes)
}

func TestOddChunkIsTruncatedToWholeSamples(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(smallTick, sink, nil)
	q.Enqueue([]byte{9})
	q.Enqueue([]byte{1, 2, 3})
	assert.Equal(t, 1, q.Len())
	q.Pump()
	assert.Equal(t, []byte{1, 2}, sink.Bytes())
}

func TestSinkErrorDoesNotStall(t *testing.T) {
	sink := &recordingSink{err: errors.New("device gone")}
	q := NewQueue(smallTick, sink, nil)
	q.Enqueue([]byte{1, 1, 2, 2, 3, 3, 4, 4})
	q.Pump()
	q.Pump()
	assert.Equal(t, 0, q.Len())
}

func TestStartPacesUntilDrained(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(Config{SampleRate: 1000, Tick: time.Millisecond}, sink, nil)
	q.Start(context.Background())
	defer q.Close()

	pcm := bytes.Repeat([]byte{7, 0}, 20)
	q.Enqueue(pcm)
	require.Eventually(t, func() bool { return bytes.Equal(sink.Bytes(), pcm) }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestCloseRejectsFurtherChunks(t *testing.T) {
	q := NewQueue(smallTick, &recordingSink{}, nil)
	q.Start(context.Background())
	q.Enqueue([]byte{1, 1})
	q.Close()

	q.Enqueue([]byte{2, 2})
	assert.Equal(t, 0, q.Len())
}

func TestPlaybackPreservesArrivalOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sink := &recordingSink{}
		q := NewQueue(smallTick, sink, nil)

		var want []byte
		n := rapid.IntRange(1, 12).Draw(t, "chunks")
		for i := 0; i < n; i++ {
			samples := rapid.IntRange(1, 9).Draw(t, "samples")
			chunk := make([]byte, samples*2)
			for j := range chunk {
				chunk[j] = byte(i*16 + j)
			}
			want = append(want, chunk...)
			q.Enqueue(chunk)
		}
		for q.Pump() > 0 {
		}
		if !bytes.Equal(sink.Bytes(), want) {
			t.Fatalf("played %v, want %v", sink.Bytes(), want)
		}
	})
}
