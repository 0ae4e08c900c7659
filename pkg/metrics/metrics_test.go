package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestNewRegistersEveryInstrumentExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestRecordersAreNilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordPacketSent("video")
		m.RecordRetransmit("video")
		m.RecordLost("video", 3)
		m.RecordNackReceived()
		m.RecordNackAnswered(2)
		m.RecordPLISent()
		m.RecordFIRSent()
		m.RecordKeyframeCoalesced()
		m.RecordForwardLatency("video", 0.01)
		m.RecordForwardJitter("video", 0.001)
		m.SetRetransmitBufferSize("video", 10)
		m.SetAllocatedBitrate("c1", 100_000)
		m.SetAvailableBandwidth(1_000_000)
		m.ObserveFeedbackEncodeDuration(0.0001)
	})
}

func TestRecordLostIgnoresNonPositiveCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordLost("video", 0)
	m.RecordLost("video", -1)
	require.Zero(t, counterValue(t, m.packetsLost.WithLabelValues("video")))

	m.RecordLost("video", 5)
	require.Equal(t, float64(5), counterValue(t, m.packetsLost.WithLabelValues("video")))
}

func TestSetAvailableBandwidthOverwritesPreviousValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetAvailableBandwidth(500_000)
	require.Equal(t, float64(500_000), gaugeValue(t, m.availableBandwidth))

	m.SetAvailableBandwidth(200_000)
	require.Equal(t, float64(200_000), gaugeValue(t, m.availableBandwidth))
}

func TestRecordNackAnsweredAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordNackAnswered(2)
	m.RecordNackAnswered(3)
	require.Equal(t, float64(5), counterValue(t, m.nacksAnswered))
}
