package rtp

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PacketSent("s1", 160)
	m.PacketSent("s1", 160)
	m.PacketReceived("s1")
	m.DecodeError("s1", "rtcp", LengthMismatch)
	m.Collision("s1")
	m.ImpairmentDecision("s1", "dropped")
	m.ReportSent("s1", "sr")
	m.ReportReceived("s1", "rr")
	m.TransportError("s1", "send")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsSent.WithLabelValues("s1")))
	assert.Equal(t, 320.0, testutil.ToFloat64(m.octetsSent.WithLabelValues("s1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsReceived.WithLabelValues("s1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors.WithLabelValues("s1", "rtcp", "length_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.collisions.WithLabelValues("s1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.impairment.WithLabelValues("s1", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reportsSent.WithLabelValues("s1", "sr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reportsReceived.WithLabelValues("s1", "rr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportErrors.WithLabelValues("s1", "send")))
}

func TestMetricsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	state := feed(NewSourceState(0xCAFE, 8000), []uint16{1, 2, 4})
	m.ObserveSource("s1", state, QualityReport{Score: 75})
	m.ObserveRTT("s1", 150*time.Millisecond)
	m.ObserveOneWayDelay("s1", 0xCAFE, 50*time.Millisecond)
	m.SessionStarted()
	m.SessionStarted()
	m.SessionStopped()

	assert.Equal(t, 0.25, testutil.ToFloat64(m.fractionLost.WithLabelValues("s1", "0000cafe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cumulativeLost.WithLabelValues("s1", "0000cafe")))
	assert.Equal(t, 75.0, testutil.ToFloat64(m.qualityScore.WithLabelValues("s1", "0000cafe")))
	assert.Equal(t, 0.15, testutil.ToFloat64(m.rtt.WithLabelValues("s1")))
	assert.Equal(t, 0.05, testutil.ToFloat64(m.oneWayDelay.WithLabelValues("s1", "0000cafe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))

	assert.Equal(t, 1, testutil.CollectAndCount(m.rttHistogram))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PacketSent("s", 1)
		m.PacketReceived("s")
		m.DecodeError("s", "rtp", MalformedHeader)
		m.Collision("s")
		m.ImpairmentDecision("s", "scheduled")
		m.ReportSent("s", "rr")
		m.ReportReceived("s", "sr")
		m.ObserveSource("s", SourceState{}, QualityReport{})
		m.ObserveRTT("s", time.Millisecond)
		m.ObserveOneWayDelay("s", 1, time.Millisecond)
		m.TransportError("s", "receive")
		m.SessionStarted()
		m.SessionStopped()
	})
}
