// Package metrics exposes the send-side core's Prometheus instruments.
// Components take a *Metrics instance (or nil, which every recorder method
// tolerates) rather than reaching for package-level globals, so multiple
// cores can register against independent registries in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter/gauge/histogram the core records against.
type Metrics struct {
	packetsSent       *prometheus.CounterVec
	packetsRetransmit *prometheus.CounterVec
	packetsLost       *prometheus.CounterVec
	nacksReceived     prometheus.Counter
	nacksAnswered     prometheus.Counter
	pliSent           prometheus.Counter
	firSent           prometheus.Counter
	keyframeCoalesced prometheus.Counter

	forwardLatency *prometheus.HistogramVec
	forwardJitter  *prometheus.HistogramVec

	retransmitBufferSize *prometheus.GaugeVec
	allocatedBitrate     *prometheus.GaugeVec
	availableBandwidth   prometheus.Gauge

	feedbackEncodeDuration prometheus.Histogram
}

// New creates the instrument set and registers it against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// concurrent tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfu_core",
			Name:      "packets_sent_total",
			Help:      "RTP packets forwarded to a consumer, by media kind.",
		}, []string{"kind"}),
		packetsRetransmit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfu_core",
			Name:      "packets_retransmitted_total",
			Help:      "RTP packets resent from the retransmission buffer in answer to a NACK.",
		}, []string{"kind"}),
		packetsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sfu_core",
			Name:      "packets_lost_total",
			Help:      "RTP packets declared lost by a receive stream's loss tracker.",
		}, []string{"kind"}),
		nacksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu_core",
			Name:      "nacks_received_total",
			Help:      "RTCP NACK packets received from a consumer.",
		}),
		nacksAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu_core",
			Name:      "nacks_answered_total",
			Help:      "Individual sequence numbers successfully retransmitted in answer to a NACK.",
		}),
		pliSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu_core",
			Name:      "pli_sent_total",
			Help:      "Picture loss indications sent upstream to a producer.",
		}),
		firSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu_core",
			Name:      "fir_sent_total",
			Help:      "Full intra requests sent upstream to a producer.",
		}),
		keyframeCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sfu_core",
			Name:      "keyframe_requests_coalesced_total",
			Help:      "Keyframe requests suppressed because one was already in flight within the debounce window.",
		}),
		forwardLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sfu_core",
			Name:      "forward_latency_seconds",
			Help:      "Time a packet spends between arrival at the receive stream and departure to a consumer.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"kind"}),
		forwardJitter: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sfu_core",
			Name:      "forward_jitter_seconds",
			Help:      "Standard deviation of forward latency over the reporting window.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"kind"}),
		retransmitBufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sfu_core",
			Name:      "retransmit_buffer_items",
			Help:      "Current item count of a send stream's retransmission buffer.",
		}, []string{"kind"}),
		allocatedBitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sfu_core",
			Name:      "allocated_bitrate_bps",
			Help:      "Bitrate last allocated to a consumer by the bitrate allocator.",
		}, []string{"consumer"}),
		availableBandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sfu_core",
			Name:      "available_bandwidth_bps",
			Help:      "Most recent bandwidth estimate the allocator is distributing against.",
		}),
		feedbackEncodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sfu_core",
			Name:      "tcc_feedback_encode_seconds",
			Help:      "Wall time spent serializing a single transport-wide congestion control feedback packet.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.packetsSent, m.packetsRetransmit, m.packetsLost,
			m.nacksReceived, m.nacksAnswered, m.pliSent, m.firSent, m.keyframeCoalesced,
			m.forwardLatency, m.forwardJitter,
			m.retransmitBufferSize, m.allocatedBitrate, m.availableBandwidth,
			m.feedbackEncodeDuration,
		)
	}
	return m
}

func (m *Metrics) RecordPacketSent(kind string) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRetransmit(kind string) {
	if m == nil {
		return
	}
	m.packetsRetransmit.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordLost(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.packetsLost.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) RecordNackReceived() {
	if m == nil {
		return
	}
	m.nacksReceived.Inc()
}

func (m *Metrics) RecordNackAnswered(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.nacksAnswered.Add(float64(count))
}

func (m *Metrics) RecordPLISent() {
	if m == nil {
		return
	}
	m.pliSent.Inc()
}

func (m *Metrics) RecordFIRSent() {
	if m == nil {
		return
	}
	m.firSent.Inc()
}

func (m *Metrics) RecordKeyframeCoalesced() {
	if m == nil {
		return
	}
	m.keyframeCoalesced.Inc()
}

func (m *Metrics) RecordForwardLatency(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.forwardLatency.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) RecordForwardJitter(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.forwardJitter.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) SetRetransmitBufferSize(kind string, n int) {
	if m == nil {
		return
	}
	m.retransmitBufferSize.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) SetAllocatedBitrate(consumerID string, bps int64) {
	if m == nil {
		return
	}
	m.allocatedBitrate.WithLabelValues(consumerID).Set(float64(bps))
}

func (m *Metrics) SetAvailableBandwidth(bps int64) {
	if m == nil {
		return
	}
	m.availableBandwidth.Set(float64(bps))
}

func (m *Metrics) ObserveFeedbackEncodeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.feedbackEncodeDuration.Observe(seconds)
}
