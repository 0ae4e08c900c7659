package consumer

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/relaysfu/sfu-core/pkg/codec"
	"github.com/relaysfu/sfu-core/pkg/metrics"
	"github.com/relaysfu/sfu-core/pkg/rtppkt"
	"github.com/relaysfu/sfu-core/pkg/seq"
	"github.com/relaysfu/sfu-core/pkg/streamsend"

	"github.com/livekit/protocol/logger"
)

// bweDowngradeSuppressWindow is how long IncreaseLayer avoids offering a
// spatial layer above the one a recent BWE-driven downgrade left this
// consumer at, to stop a marginal link from bouncing between two layers.
const bweDowngradeSuppressWindow = 10 * time.Second

// maxSwitchExtraOffsetMs bounds the extra RTP-timestamp offset a spatial
// layer switch may apply to keep outgoing timestamps monotone; beyond this
// a keyframe is requested instead and the switch is deferred (once).
const maxSwitchExtraOffsetMs = 75

// assumedFrameIntervalMs backstops the extra-offset calculation with a
// single frame's worth of time at a nominal 30fps, matching the value the
// teacher's own switch-smoothing logic uses.
const assumedFrameIntervalMs = 33

// simulcastState is the layer-selection state vector a SimulcastConsumer
// advances as producer streams come and go and the allocator reassigns
// bandwidth.
type simulcastState struct {
	preferredSpatial, preferredTemporal   int8
	targetSpatial, targetTemporal         int8
	currentSpatial, currentTemporal       int8
	provisionalSpatial, provisionalTemporal int8
	tsReferenceSpatial                    int8
}

// SimulcastParams configures a Simulcast consumer.
type SimulcastParams struct {
	SSRC           uint32
	MappedSSRC     uint32
	PayloadType    uint8
	ClockRate      uint32
	CNAME          string
	UseNack        bool
	HasRtx         bool
	RtxPayloadType uint8
	RtxSSRC        uint32
	RtxStartSeq    uint16

	SupportedPayloadTypes map[uint8]bool
	Priority              uint8
	MaxBitrate            uint32
	TemporalLayers        int8

	PreferredSpatial, PreferredTemporal int8
	TsReferenceSpatial                  int8

	// Codec/CodecContext rewrite this consumer's selected temporal layer
	// in place; nil means every admitted packet is forwarded unmodified
	// (a codec without a descriptor handler still participates in spatial
	// layer selection, just without temporal dropping).
	Codec        codec.Handler
	CodecContext codec.Context

	// ProducerStreams is indexed by spatial layer; a nil entry means that
	// layer isn't currently being produced.
	ProducerStreams []ProducerStream

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Simulcast picks one of several independently-encoded spatial streams (and
// one temporal sub-layer within it) to forward, switching only on a
// keyframe and re-anchoring RTP timestamps across the switch so the
// decoder never observes time moving backward.
type Simulcast struct {
	params   SimulcastParams
	listener Listener
	stream   *streamsend.Stream
	activity Activity

	state simulcastState

	syncRequired                bool
	keyFrameForTsOffsetRequested bool
	lastSentPacketHasMarker     bool
	tsOffset                    uint32
	lastBweDowngradeAt          time.Time

	rtpSeq seq.Manager[uint16]

	managingBitrate bool
}

// NewSimulcast constructs a Simulcast consumer and its owned RtpStreamSend.
func NewSimulcast(params SimulcastParams, listener Listener) *Simulcast {
	sc := &Simulcast{
		params:       params,
		listener:     listener,
		syncRequired: true,
		state: simulcastState{
			preferredSpatial:    params.PreferredSpatial,
			preferredTemporal:   params.PreferredTemporal,
			targetSpatial:       -1,
			targetTemporal:      -1,
			currentSpatial:      -1,
			currentTemporal:     -1,
			provisionalSpatial:  -1,
			provisionalTemporal: -1,
			tsReferenceSpatial:  params.TsReferenceSpatial,
		},
	}
	sc.rtpSeq = *seq.NewManager[uint16](0xFFFF)

	sc.stream = streamsend.New(streamsend.Params{
		SSRC:        params.SSRC,
		PayloadType: params.PayloadType,
		ClockRate:   params.ClockRate,
		Kind:        streamsend.KindVideo,
		CNAME:       params.CNAME,
		UseNack:     params.UseNack,
		Logger:      params.Logger,
		Metrics:     params.Metrics,
	}, sc)
	if params.HasRtx {
		sc.stream.SetRtx(params.RtxPayloadType, params.RtxSSRC, params.RtxStartSeq)
	}
	return sc
}

func (sc *Simulcast) OnRtpStreamRetransmitPacket(_ *streamsend.Stream, pkt *rtppkt.Packet) {
	sc.listener.OnConsumerRetransmitRtpPacket(sc, pkt)
}

func (sc *Simulcast) IsActive() bool { return sc.activity.IsActive() }

// SetTargetLayers updates the allocator-chosen target; the switch itself
// only takes effect once a matching keyframe arrives on spatialLayer
// (handled lazily inside SendRtpPacket).
func (sc *Simulcast) SetTargetLayers(spatial, temporal int8) {
	sc.state.targetSpatial = spatial
	sc.state.targetTemporal = temporal
}

// SendRtpPacket forwards one packet from one of this consumer's producer
// spatial-layer streams. spatialLayer identifies which producer stream pkt
// came from.
func (sc *Simulcast) SendRtpPacket(pkt *rtppkt.Packet, spatialLayer int8, isKeyFrame bool, now time.Time) {
	if !sc.IsActive() || sc.state.targetTemporal < 0 {
		return
	}
	if !sc.params.SupportedPayloadTypes[pkt.Header.PayloadType] {
		return
	}

	shouldSwitch := false
	switch {
	case sc.state.currentSpatial != sc.state.targetSpatial && spatialLayer == sc.state.targetSpatial:
		if !isKeyFrame {
			return
		}
		shouldSwitch = true
		sc.syncRequired = true
	case spatialLayer != sc.state.currentSpatial:
		return
	}

	if sc.syncRequired && !isKeyFrame {
		return
	}

	isSyncPacket := sc.syncRequired
	if isSyncPacket {
		if !sc.syncOnSwitch(pkt, spatialLayer, shouldSwitch, now) {
			return
		}
	}

	if !sc.processPayload(pkt, shouldSwitch) {
		sc.rtpSeq.Drop(pkt.SequenceNumber())
		return
	}

	if shouldSwitch {
		sc.state.currentSpatial = sc.state.targetSpatial
		sc.stream.ResetScore(10)
	}

	outSeq, ok := sc.rtpSeq.Input(pkt.SequenceNumber())
	if !ok {
		return
	}
	outTs := pkt.Timestamp() - sc.tsOffset

	origSSRC, origSeq, origTs := pkt.Header.SSRC, pkt.Header.SequenceNumber, pkt.Header.Timestamp
	pkt.Header.SSRC = sc.params.SSRC
	pkt.Header.SequenceNumber = outSeq
	pkt.Header.Timestamp = outTs

	sc.stream.ReceivePacket(pkt, now)
	if sc.rtpSeq.GetMaxOutput() == outSeq {
		sc.lastSentPacketHasMarker = pkt.Header.Marker
	}
	sc.listener.OnConsumerSendRtpPacket(sc, pkt)

	pkt.Header.SSRC, pkt.Header.SequenceNumber, pkt.Header.Timestamp = origSSRC, origSeq, origTs
}

// processPayload runs the codec handler (if any) and applies VP9's marker
// override (if the handler supports it); it reports whether the packet
// should be forwarded.
func (sc *Simulcast) processPayload(pkt *rtppkt.Packet, shouldSwitch bool) bool {
	if sc.params.Codec == nil {
		return true
	}
	desc, err := sc.params.Codec.Parse(pkt.Payload)
	if err != nil || desc == nil {
		return false
	}
	if shouldSwitch {
		sc.params.CodecContext.SetTargetTemporalLayer(sc.state.targetTemporal)
		sc.params.CodecContext.SetCurrentTemporalLayer(int8(desc.TemporalLayer()))
	}
	if !sc.params.Codec.Process(sc.params.CodecContext, pkt.Payload, desc) {
		return false
	}
	if mr, ok := sc.params.Codec.(codec.MarkerRewriter); ok {
		if marker, override := mr.RewriteMarker(desc, uint8(sc.state.currentSpatial)); override {
			pkt.Header.Marker = marker
		}
	}
	return true
}

// syncOnSwitch anchors the sequence and timestamp spaces when (re)starting
// forwarding at spatialLayer. It returns false if the switch must be
// deferred (a keyframe was just requested to shrink the needed offset) —
// the caller should drop the current packet in that case.
func (sc *Simulcast) syncOnSwitch(pkt *rtppkt.Packet, spatialLayer int8, switching bool, now time.Time) bool {
	var tsOffset uint32

	if spatialLayer != sc.state.tsReferenceSpatial {
		tsOffset = sc.crossStreamTsOffset(spatialLayer)
	}

	if switching {
		if maxTs, ok := sc.stream.MaxPacketTimestamp(); ok && pkt.Timestamp()-tsOffset <= maxTs {
			maxExtra := uint32(maxSwitchExtraOffsetMs * sc.params.ClockRate / 1000)
			extra := maxTs - pkt.Timestamp() + tsOffset + uint32(assumedFrameIntervalMs*sc.params.ClockRate/1000)

			switch {
			case sc.keyFrameForTsOffsetRequested && extra > maxExtra:
				extra = 1
			case !sc.keyFrameForTsOffsetRequested && extra > maxExtra:
				sc.requestKeyFrameForTargetSpatial()
				sc.keyFrameForTsOffsetRequested = true
				return false
			}
			if extra > 0 {
				tsOffset -= extra
			}
		}
	}

	sc.tsOffset = tsOffset

	skip := uint16(2)
	if sc.lastSentPacketHasMarker {
		skip = 1
	}
	sc.rtpSeq.Sync(pkt.SequenceNumber() - skip)
	if sc.params.CodecContext != nil {
		sc.params.CodecContext.SyncRequired()
	}

	sc.syncRequired = false
	sc.keyFrameForTsOffsetRequested = false
	return true
}

// crossStreamTsOffset computes the NTP-anchored RTP timestamp offset
// between spatialLayer's producer stream and the ts-reference stream, from
// each one's most recent Sender Report.
func (sc *Simulcast) crossStreamTsOffset(spatialLayer int8) uint32 {
	streams := sc.params.ProducerStreams
	if int(sc.state.tsReferenceSpatial) >= len(streams) || int(spatialLayer) >= len(streams) {
		return 0
	}
	ref := streams[sc.state.tsReferenceSpatial]
	target := streams[spatialLayer]
	if ref == nil || target == nil {
		return 0
	}
	ntpRef, tsRef, okRef := ref.SenderReportAnchor()
	ntpTarget, tsTarget, okTarget := target.SenderReportAnchor()
	if !okRef || !okTarget {
		return 0
	}
	diffMs := ntpTarget - ntpRef
	diffTs := diffMs * int64(sc.params.ClockRate) / 1000
	newTs := int64(tsTarget) - diffTs
	return uint32(newTs - int64(tsRef))
}

func (sc *Simulcast) requestKeyFrameForTargetSpatial() {
	sc.listener.OnConsumerKeyFrameRequested(sc, sc.params.MappedSSRC)
}

// GetBitratePriority reports zero while inactive; Simulcast always
// participates in BWE when active since it's always video.
func (sc *Simulcast) GetBitratePriority() uint8 {
	if !sc.IsActive() {
		return 0
	}
	return sc.params.Priority
}

// IncreaseLayer searches (spatial, temporal) pairs from the current
// provisional target upward for the first one this stream's current
// bitrate can afford, deducting the provisional layer's own consumption
// when moving to a higher spatial layer's base (temporal 0) since spatial
// layers are independently encoded, not additive like SVC.
func (sc *Simulcast) IncreaseLayer(bitrate uint32, considerLoss bool, now time.Time) uint32 {
	if !sc.IsActive() {
		return 0
	}
	if sc.state.provisionalSpatial == sc.state.preferredSpatial &&
		sc.state.provisionalTemporal == sc.state.preferredTemporal {
		return 0
	}

	virtualBitrate := bitrate
	if considerLoss {
		loss := sc.stream.LossPercentage()
		switch {
		case loss < 2:
			virtualBitrate = uint32(1.08 * float64(bitrate))
		case loss > 10:
			virtualBitrate = uint32((1 - 0.5*(loss/100)) * float64(bitrate))
		}
	}

	suppressUpgrade := !sc.lastBweDowngradeAt.IsZero() && now.Sub(sc.lastBweDowngradeAt) < bweDowngradeSuppressWindow

	var required uint32
	bestSpatial, bestTemporal := int8(-1), int8(-1)

searchLoop:
	for s := int8(0); int(s) < len(sc.params.ProducerStreams); s++ {
		if s < sc.state.provisionalSpatial {
			continue
		}
		if suppressUpgrade && sc.state.provisionalSpatial > -1 && s > sc.state.currentSpatial {
			break
		}
		stream := sc.params.ProducerStreams[s]
		if stream == nil {
			continue
		}
		if !sc.canSwitchToSpatial(s) {
			continue
		}

		for t := int8(0); t < sc.params.TemporalLayers; t++ {
			if s == sc.state.provisionalSpatial && t <= sc.state.provisionalTemporal {
				continue
			}

			req := stream.LayerBitrate(now, t)
			if req > 0 && t == 0 && sc.state.provisionalSpatial > -1 && s > sc.state.provisionalSpatial {
				provStream := sc.params.ProducerStreams[sc.state.provisionalSpatial]
				if provStream != nil {
					provReq := provStream.LayerBitrate(now, sc.state.provisionalTemporal)
					if req > provReq {
						req -= provReq
					} else {
						req = 1
					}
				}
			}

			if req > 0 {
				bestSpatial, bestTemporal, required = s, t, req
				break searchLoop
			}
		}

		if s >= sc.state.preferredSpatial {
			break
		}
	}

	if required == 0 || required > virtualBitrate {
		return 0
	}

	sc.state.provisionalSpatial = bestSpatial
	sc.state.provisionalTemporal = bestTemporal

	switch {
	case required <= bitrate:
		return required
	case required <= virtualBitrate:
		return bitrate
	default:
		return required
	}
}

// canSwitchToSpatial reports whether spatial is a legal switch target: the
// producer stream must exist. Richer gating (minimum dwell time before a
// layer is trusted) belongs to the producer-stream implementation, not
// here.
func (sc *Simulcast) canSwitchToSpatial(spatial int8) bool {
	return int(spatial) < len(sc.params.ProducerStreams) && sc.params.ProducerStreams[spatial] != nil
}

// ApplyLayers commits the provisional target chosen by the most recent
// IncreaseLayer calls, resetting provisional state for the next pass and
// recording a downgrade timestamp when this looks like a BWE-driven
// step-down from an established, at-or-below-preferred layer.
func (sc *Simulcast) ApplyLayers(now time.Time, activeSince time.Time) {
	spatial, temporal := sc.state.provisionalSpatial, sc.state.provisionalTemporal
	sc.state.provisionalSpatial, sc.state.provisionalTemporal = -1, -1

	if spatial == sc.state.targetSpatial && temporal == sc.state.targetTemporal {
		return
	}
	sc.SetTargetLayers(spatial, temporal)

	const bweDowngradeMinActive = 8 * time.Second
	if !activeSince.IsZero() && now.Sub(activeSince) > bweDowngradeMinActive &&
		sc.state.targetSpatial < sc.state.currentSpatial &&
		sc.state.currentSpatial <= sc.state.preferredSpatial {
		sc.lastBweDowngradeAt = now
	}
}

// GetDesiredBitrate reports what the currently targeted layer would cost,
// or the preferred layer's cost if nothing is targeted yet.
func (sc *Simulcast) GetDesiredBitrate(now time.Time) uint32 {
	if !sc.IsActive() {
		return 0
	}
	spatial, temporal := sc.state.targetSpatial, sc.state.targetTemporal
	if spatial < 0 {
		spatial, temporal = sc.state.preferredSpatial, sc.state.preferredTemporal
	}
	if int(spatial) >= len(sc.params.ProducerStreams) {
		return 0
	}
	stream := sc.params.ProducerStreams[spatial]
	if stream == nil {
		return 0
	}
	desired := stream.LayerBitrate(now, temporal)
	if sc.params.MaxBitrate > desired {
		desired = sc.params.MaxBitrate
	}
	return desired
}

func (sc *Simulcast) GetRtcp(now time.Time) []rtcp.Packet {
	sr := sc.stream.GetRtcpSenderReport(now)
	if sr == nil {
		return nil
	}
	packets := []rtcp.Packet{sr}
	if cname := sc.stream.CNAME(); cname != "" {
		packets = append(packets, &rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{{
				Source: sr.SSRC,
				Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: cname}},
			}},
		})
	}
	if ssrc, lastRR, dlrr, ok := sc.stream.XRDelaySinceLastRR(now); ok {
		packets = append(packets, &rtcp.ExtendedReport{
			SenderSSRC: sr.SSRC,
			Reports: []rtcp.ReportBlock{
				&rtcp.DLRRReportBlock{Reports: []rtcp.DLRRReport{{SSRC: ssrc, LastRR: lastRR, DLRR: dlrr}}},
			},
		})
	}
	return packets
}

func (sc *Simulcast) ReceiveNack(pid uint16, bitmask uint16, now time.Time) {
	if !sc.IsActive() {
		return
	}
	sc.stream.ReceiveNack(pid, bitmask, now)
}

func (sc *Simulcast) ReceiveKeyFrameRequest() {
	if sc.IsActive() {
		sc.requestKeyFrameForTargetSpatial()
	}
}

func (sc *Simulcast) ReceiveRtcpReceiverReport(rr rtcp.ReceptionReport, now time.Time) {
	sc.stream.ReceiveRtcpReceiverReport(rr, now)
}

func (sc *Simulcast) ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp uint64, now time.Time) {
	sc.stream.ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp, now)
}

func (sc *Simulcast) Score() uint8 { return sc.stream.Score() }

func (sc *Simulcast) ProducerScore() uint8 {
	if int(sc.state.currentSpatial) >= len(sc.params.ProducerStreams) || sc.state.currentSpatial < 0 {
		return 0
	}
	stream := sc.params.ProducerStreams[sc.state.currentSpatial]
	if stream == nil {
		return 0
	}
	return stream.Score()
}

func (sc *Simulcast) RTT() time.Duration { return sc.stream.RTT() }

func (sc *Simulcast) TransportConnected() {
	sc.activity.TransportConnected = true
	sc.syncRequired = true
	if sc.IsActive() {
		sc.requestKeyFrameForTargetSpatial()
	}
}

func (sc *Simulcast) TransportDisconnected() {
	sc.activity.TransportConnected = false
	sc.stream.Pause()
}

func (sc *Simulcast) Paused() {
	sc.activity.Paused = true
	sc.stream.Pause()
	sc.listener.OnConsumerNeedZeroBitrate(sc)
}

func (sc *Simulcast) Resumed() {
	sc.activity.Paused = false
	sc.syncRequired = true
	if sc.IsActive() {
		sc.requestKeyFrameForTargetSpatial()
	}
}

func (sc *Simulcast) ProducerPaused() { sc.activity.ProducerPaused = true }

func (sc *Simulcast) ProducerResumed() {
	sc.activity.ProducerPaused = false
	sc.syncRequired = true
}
