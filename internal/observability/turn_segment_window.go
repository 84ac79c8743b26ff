package observability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicebench/internal/latency"
)

type TurnSegmentStats struct {
	Segment string `json:"segment"`
	latency.Summary
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnSegmentSnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Segments    []TurnSegmentStats `json:"segments"`
	Indicators  []TurnIndicator    `json:"indicators,omitempty"`
}

// turnSegmentWindow keeps the last maxSamples values of each segment across
// sessions.
type turnSegmentWindow struct {
	mu         sync.RWMutex
	maxSamples int
	segments   map[string]*turnSegmentBuffer
	indicators map[string]int
}

type turnSegmentBuffer struct {
	values []float64
	next   int
	filled bool
}

func newTurnSegmentWindow(maxSamples int) *turnSegmentWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &turnSegmentWindow{
		maxSamples: maxSamples,
		segments:   make(map[string]*turnSegmentBuffer),
		indicators: make(map[string]int),
	}
}

func (w *turnSegmentWindow) Observe(segment string, ms float64) {
	if segment == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.segments[segment]
	if !ok {
		buf = &turnSegmentBuffer{values: make([]float64, w.maxSamples)}
		w.segments[segment] = buf
	}
	buf.values[buf.next] = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

// ordered returns the buffered samples oldest first.
func (b *turnSegmentBuffer) ordered() []float64 {
	if !b.filled {
		out := make([]float64, b.next)
		copy(out, b.values[:b.next])
		return out
	}
	out := make([]float64, 0, len(b.values))
	out = append(out, b.values[b.next:]...)
	return append(out, b.values[:b.next]...)
}

func (w *turnSegmentWindow) Snapshot() TurnSegmentSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.segments))
	for segment := range w.segments {
		keys = append(keys, segment)
	}
	sort.Strings(keys)

	segments := make([]TurnSegmentStats, 0, len(keys))
	for _, segment := range keys {
		samples := w.segments[segment].ordered()
		if len(samples) == 0 {
			continue
		}
		segments = append(segments, TurnSegmentStats{
			Segment:     segment,
			Summary:     latency.Summarize(samples),
			TargetP95MS: segmentTargetP95MS(segment),
		})
	}

	indicatorKeys := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorKeys = append(indicatorKeys, name)
	}
	sort.Strings(indicatorKeys)
	indicators := make([]TurnIndicator, 0, len(indicatorKeys))
	for _, name := range indicatorKeys {
		if count := w.indicators[name]; count > 0 {
			indicators = append(indicators, TurnIndicator{Name: name, Count: count})
		}
	}

	return TurnSegmentSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Segments:    segments,
		Indicators:  indicators,
	}
}

func (w *turnSegmentWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnSegmentWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.segments = make(map[string]*turnSegmentBuffer)
	w.indicators = make(map[string]int)
}

func segmentTargetP95MS(segment string) float64 {
	switch segment {
	case "time_to_response":
		return 900
	case "time_to_first_audio":
		return 1400
	case "total":
		return 3200
	default:
		return 0
	}
}
