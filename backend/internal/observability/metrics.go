package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the bridge's Prometheus metrics.
//
// It tracks:
//   - active bridges and why they closed
//   - engine reconnect attempts and their outcome
//   - audio bytes routed per direction and dropped chunks
//   - telephony frames per track
//   - transcript persistence failures
//   - fallback turns by outcome
//
// All methods are safe on a nil *Metrics so components can run without it.
type Metrics struct {
	// ActiveBridges is the number of live bridges
	ActiveBridges prometheus.Gauge

	// BridgesClosed counts closed bridges.
	// Labels: reason
	BridgesClosed *prometheus.CounterVec

	// BridgeDuration measures bridge lifetime in seconds
	BridgeDuration prometheus.Histogram

	// ReconnectAttempts counts engine reconnects.
	// Labels: outcome (success|failure|exhausted)
	ReconnectAttempts *prometheus.CounterVec

	// AudioBytes counts PCM bytes routed through bridges.
	// Labels: direction (inbound|outbound)
	AudioBytes *prometheus.CounterVec

	// AudioDropped counts chunks dropped by the bridge.
	// Labels: direction, reason
	AudioDropped *prometheus.CounterVec

	// TelephonyFrames counts media frames received.
	// Labels: track
	TelephonyFrames *prometheus.CounterVec

	// PersistFailures counts failed transcript writes
	PersistFailures prometheus.Counter

	// FallbackTurns counts turn-based pipeline runs.
	// Labels: outcome (reply|no_speech|apology)
	FallbackTurns *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on the default /metrics
// handler; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveBridges: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicebridge_active_bridges",
				Help: "Current number of live telephony/engine bridges",
			},
		),

		BridgesClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_bridges_closed_total",
				Help: "Total number of closed bridges by reason",
			},
			[]string{"reason"},
		),

		BridgeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicebridge_bridge_duration_seconds",
				Help:    "Lifetime of bridges in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),

		ReconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_engine_reconnects_total",
				Help: "Total number of engine reconnect attempts by outcome",
			},
			[]string{"outcome"},
		),

		AudioBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_audio_bytes_total",
				Help: "Total PCM bytes routed by direction",
			},
			[]string{"direction"},
		),

		AudioDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_audio_dropped_total",
				Help: "Total audio chunks dropped by direction and reason",
			},
			[]string{"direction", "reason"},
		),

		TelephonyFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_telephony_frames_total",
				Help: "Total telephony media frames received by track",
			},
			[]string{"track"},
		),

		PersistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "voicebridge_persist_failures_total",
				Help: "Total failed transcript/telemetry writes",
			},
		),

		FallbackTurns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_fallback_turns_total",
				Help: "Total turn-based pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// BridgeOpened records a new live bridge.
func (m *Metrics) BridgeOpened() {
	if m == nil {
		return
	}
	m.ActiveBridges.Inc()
}

// BridgeClosed records a bridge teardown and its lifetime.
func (m *Metrics) BridgeClosed(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveBridges.Dec()
	m.BridgesClosed.WithLabelValues(reason).Inc()
	m.BridgeDuration.Observe(lifetime.Seconds())
}

// Reconnect records the outcome of one engine reconnect attempt.
func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(outcome).Inc()
}

// AudioRouted adds n bytes to the given direction.
func (m *Metrics) AudioRouted(direction string, n int) {
	if m == nil {
		return
	}
	m.AudioBytes.WithLabelValues(direction).Add(float64(n))
}

// AudioDrop records one dropped chunk.
func (m *Metrics) AudioDrop(direction, reason string) {
	if m == nil {
		return
	}
	m.AudioDropped.WithLabelValues(direction, reason).Inc()
}

// FrameReceived records one telephony media frame.
func (m *Metrics) FrameReceived(track string) {
	if m == nil {
		return
	}
	m.TelephonyFrames.WithLabelValues(track).Inc()
}

// PersistFailed records a failed transcript write.
func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

// FallbackTurn records one turn-based pipeline run.
func (m *Metrics) FallbackTurn(outcome string) {
	if m == nil {
		return
	}
	m.FallbackTurns.WithLabelValues(outcome).Inc()
}
