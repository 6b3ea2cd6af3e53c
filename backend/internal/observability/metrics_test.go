package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_BridgeLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.BridgeOpened()
	m.BridgeOpened()
	m.BridgeClosed("stop event", 30*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveBridges))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgesClosed.WithLabelValues("stop event")))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.AudioRouted("inbound", 640)
	m.AudioRouted("inbound", 640)
	m.AudioDrop("inbound", "not_ready")
	m.FrameReceived("inbound")
	m.Reconnect("failure")
	m.PersistFailed()
	m.FallbackTurn("no_speech")

	assert.Equal(t, 1280.0, testutil.ToFloat64(m.AudioBytes.WithLabelValues("inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AudioDropped.WithLabelValues("inbound", "not_ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TelephonyFrames.WithLabelValues("inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbackTurns.WithLabelValues("no_speech")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BridgeOpened()
		m.BridgeClosed("x", time.Second)
		m.AudioRouted("outbound", 10)
		m.AudioDrop("outbound", "send_failed")
		m.FrameReceived("outbound")
		m.Reconnect("success")
		m.PersistFailed()
		m.FallbackTurn("reply")
	})
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances on separate registries must not collide
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
