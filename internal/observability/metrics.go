package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/voicebench/internal/latency"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	IngressFrames     *prometheus.CounterVec
	AgentErrors       *prometheus.CounterVec
	Interruptions     *prometheus.CounterVec
	TurnLatency       *prometheus.HistogramVec
	FirstAudioLatency prometheus.Histogram

	segments *turnSegmentWindow
}

// NewMetrics registers instruments with the default registry. Use
// NewMetricsWith in tests to avoid duplicate registration.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected agent sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Duplex stream messages by direction and type.",
		}, []string{"direction", "type"}),
		IngressFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_frames_total",
			Help:      "Captured audio frames by gate decision.",
		}, []string{"decision"}),
		AgentErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_errors_total",
			Help:      "Agent and transport errors by source.",
		}, []string{"source"}),
		Interruptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Interrupted responses by initiator.",
		}, []string{"initiator"}),
		TurnLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Per-turn latency segments in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3000, 5000},
		}, []string{"segment"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from end of turn to first agent audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		segments: newTurnSegmentWindow(256),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) IngressFrame(sent bool) {
	if m == nil {
		return
	}
	decision := "dropped"
	if sent {
		decision = "sent"
	}
	m.IngressFrames.WithLabelValues(decision).Inc()
}

func (m *Metrics) AgentError(source string) {
	if m == nil {
		return
	}
	m.AgentErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) Interruption(initiator string) {
	if m == nil {
		return
	}
	m.Interruptions.WithLabelValues(initiator).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// ObserveTurn records every segment present in a finished turn.
func (m *Metrics) ObserveTurn(b latency.Breakdown) {
	if m == nil || b.Source == latency.SourceNone {
		return
	}
	m.observeSegment("total", &b.TotalMS)
	m.observeSegment("time_to_response", b.TimeToResponseMS)
	m.observeSegment("time_to_first_audio", b.TimeToFirstAudioMS)
	m.observeSegment("stt", b.STTMS)
	m.observeSegment("llm_ttft", b.LLMTTFTMS)
	m.observeSegment("tts_ttfb", b.TTSTTFBMS)
	m.observeSegment("realtime", b.RealtimeMS)
}

func (m *Metrics) observeSegment(segment string, v *float64) {
	if v == nil {
		return
	}
	m.TurnLatency.WithLabelValues(segment).Observe(*v)
	m.segments.Observe(segment, *v)
}

// ObserveIndicator counts a notable per-turn occurrence by name.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.segments.ObserveIndicator(name)
}

// TurnSegments summarizes the rolling per-segment latency window.
func (m *Metrics) TurnSegments() TurnSegmentSnapshot {
	if m == nil {
		return TurnSegmentSnapshot{}
	}
	return m.segments.Snapshot()
}

func (m *Metrics) ResetTurnSegments() {
	if m == nil {
		return
	}
	m.segments.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
