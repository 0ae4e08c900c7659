// Package consumer implements the four per-consumer layer-selection state
// machines that sit between a producer's incoming RTP stream(s) and the
// transport's outgoing stream: SimpleConsumer forwards one stream verbatim
// (besides SSRC/sequence rewriting), SimulcastConsumer and SvcConsumer pick
// one spatial/temporal layer out of several and rewrite accordingly, and
// PipeConsumer forwards every incoming stream simultaneously with no layer
// selection at all (router-to-router relaying).
package consumer

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/relaysfu/sfu-core/pkg/rtppkt"
)

// Kind mirrors the media kind distinction streamsend/streamrecv already
// make; audio consumers never participate in bitrate allocation.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

// Listener receives the side effects a consumer produces while forwarding:
// packets to actually write to the transport, retransmissions, and
// requests that flow back to the producer side (keyframe asks, a hint that
// this consumer needs nothing until further notice).
type Listener interface {
	OnConsumerSendRtpPacket(c interface{}, pkt *rtppkt.Packet)
	OnConsumerRetransmitRtpPacket(c interface{}, pkt *rtppkt.Packet)
	OnConsumerKeyFrameRequested(c interface{}, mappedSSRC uint32)
	OnConsumerSendRtcpPacket(c interface{}, pkt rtcp.Packet)
	OnConsumerNeedZeroBitrate(c interface{})
}

// ProducerStream is the subset of a producer's incoming-stream state a
// layer-selecting consumer needs: its current delivery score (fed into
// ConsumerScore notifications) and the bitrate it is delivering, either in
// aggregate (SimpleConsumer, temporal-layer-0 query) or for one specific
// temporal layer (Simulcast/SVC layer search). A producer stream that
// hasn't received anything recently reports zero for both.
//
// This is deliberately a narrower contract than RtpStreamRecv's full
// per-(spatial,temporal) TransmissionCounter matrix (see DESIGN.md): a
// single rolling bitrate estimate per temporal layer is enough to drive
// IncreaseLayer's affordability search without requiring every caller to
// carry the full matrix type.
type ProducerStream interface {
	Score() uint8
	Bitrate(now time.Time) uint32
	LayerBitrate(now time.Time, temporalLayer int8) uint32
	// SenderReportAnchor returns the NTP time (ms since Unix epoch) and RTP
	// timestamp of the most recent Sender Report this stream has received,
	// used by SimulcastConsumer's cross-stream timestamp alignment. ok is
	// false before the first SR arrives.
	SenderReportAnchor() (ntpMs int64, ts uint32, ok bool)
}

// SvcProducerStream extends ProducerStream for a producer whose codec
// multiplexes every spatial layer through a single RTP stream (VP9 K-SVC) —
// unlike Simulcast's array of independent per-spatial-layer streams, an SVC
// producer has exactly one ProducerStream that GetDesiredBitrate and
// IncreaseLayer must index by both spatial and temporal layer. A
// ProducerStream that doesn't implement this is treated as single-layer
// (spatial 0 only), matching an unlayered stream's LayerBitrate fallback.
type SvcProducerStream interface {
	ProducerStream
	// SpatialLayerBitrate reports spatialLayer's own bitrate in isolation
	// (spatial layers are not additive under K-SVC — only one flows at a
	// time), used by GetDesiredBitrate's per-layer scan.
	SpatialLayerBitrate(now time.Time, spatialLayer int8) uint32
	// SpatialTemporalBitrate reports the cumulative bitrate of temporal
	// layers 0..temporalLayer within spatialLayer, used by IncreaseLayer's
	// (spatial, temporal) affordability search.
	SpatialTemporalBitrate(now time.Time, spatialLayer, temporalLayer int8) uint32
}

// Activity tracks the three independent reasons a consumer stops
// forwarding: the consumer itself was paused, its producer was paused, or
// the owning transport isn't connected yet. IsActive requires all three to
// be clear, mirroring mediasoup's Consumer::IsActive.
type Activity struct {
	Paused             bool
	ProducerPaused     bool
	TransportConnected bool
}

func (a Activity) IsActive() bool {
	return a.TransportConnected && !a.Paused && !a.ProducerPaused
}

// popcount16 counts set bits in a NACK bitmask; shared by any consumer-level
// NACK bookkeeping.
func popcount16(v uint16) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}
