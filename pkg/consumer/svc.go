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

// svcState mirrors simulcastState's layer-selection vector, minus the
// cross-stream timestamp-offset bookkeeping Simulcast needs and SVC
// doesn't: K-SVC multiplexes every spatial layer through the one producer
// stream, so there is no timestamp space to realign across a switch.
type svcState struct {
	preferredSpatial, preferredTemporal     int8
	targetSpatial, targetTemporal           int8
	currentSpatial, currentTemporal         int8
	provisionalSpatial, provisionalTemporal int8
}

// SvcParams configures an Svc consumer.
type SvcParams struct {
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
	SpatialLayers         int8
	TemporalLayers        int8

	PreferredSpatial, PreferredTemporal int8

	// Codec/CodecContext gate and rewrite layers in place; for VP9 K-SVC
	// this is the only admission mechanism SVC has (there's no per-layer
	// producer stream to route packets away from in the first place).
	Codec        codec.Handler
	CodecContext codec.Context

	// ProducerStream is the single incoming stream carrying every spatial
	// and temporal layer; implementing SvcProducerStream lets
	// IncreaseLayer/GetDesiredBitrate query per-(spatial,temporal)
	// bitrate. A plain ProducerStream is treated as spatial layer 0 only.
	ProducerStream ProducerStream

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Svc picks a (spatial, temporal) layer pair out of a single K-SVC-encoded
// producer stream and forwards it, relying entirely on the codec's payload
// descriptor (VP9's TargetSpatial/temporal gating) to admit or drop each
// packet — unlike Simulcast, there's no separate producer stream per
// spatial layer to route around, and no RTP timestamp space to realign.
type Svc struct {
	params   SvcParams
	listener Listener
	stream   *streamsend.Stream
	activity Activity

	state svcState

	syncRequired       bool
	lastBweDowngradeAt time.Time
	activeSince        time.Time

	rtpSeq seq.Manager[uint16]
}

// NewSvc constructs an Svc consumer and its owned RtpStreamSend.
func NewSvc(params SvcParams, listener Listener) *Svc {
	sc := &Svc{
		params:       params,
		listener:     listener,
		syncRequired: true,
		state: svcState{
			preferredSpatial:    params.PreferredSpatial,
			preferredTemporal:   params.PreferredTemporal,
			targetSpatial:       -1,
			targetTemporal:      -1,
			currentSpatial:      -1,
			currentTemporal:     -1,
			provisionalSpatial:  -1,
			provisionalTemporal: -1,
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

func (sc *Svc) OnRtpStreamRetransmitPacket(_ *streamsend.Stream, pkt *rtppkt.Packet) {
	sc.listener.OnConsumerRetransmitRtpPacket(sc, pkt)
}

func (sc *Svc) IsActive() bool { return sc.activity.IsActive() }

// SetTargetLayers updates the allocator-chosen target and pushes the new
// target spatial layer into the codec context immediately — unlike
// Simulcast there's no per-spatial producer stream to wait on, so the
// codec's own admission gate (ctx.TargetSpatial) does the routing.
func (sc *Svc) SetTargetLayers(spatial, temporal int8) {
	sc.state.targetSpatial = spatial
	sc.state.targetTemporal = temporal
	if sw, ok := sc.params.CodecContext.(codec.SpatialLayerSwitcher); ok {
		sw.SetTargetSpatial(uint8(spatial))
	}
	if sc.params.CodecContext != nil {
		sc.params.CodecContext.SetTargetTemporalLayer(temporal)
	}
}

// SendRtpPacket forwards one packet from the single K-SVC producer stream.
// isKeyFrame is supplied by the caller (already determined from the
// producer-side codec parse) rather than re-derived here.
func (sc *Svc) SendRtpPacket(pkt *rtppkt.Packet, isKeyFrame bool, now time.Time) {
	if !sc.IsActive() {
		return
	}
	if sc.state.targetSpatial < 0 || sc.state.targetTemporal < 0 {
		return
	}
	if !sc.params.SupportedPayloadTypes[pkt.Header.PayloadType] {
		return
	}
	if sc.syncRequired && !isKeyFrame {
		return
	}
	if len(pkt.Payload) == 0 {
		sc.rtpSeq.Drop(pkt.SequenceNumber())
		return
	}

	isSyncPacket := sc.syncRequired
	if isSyncPacket {
		sc.rtpSeq.Sync(pkt.SequenceNumber() - 1)
		if sc.params.CodecContext != nil {
			sc.params.CodecContext.SyncRequired()
		}
		sc.syncRequired = false
	}

	if !sc.processPayload(pkt) {
		sc.rtpSeq.Drop(pkt.SequenceNumber())
		return
	}

	outSeq, ok := sc.rtpSeq.Input(pkt.SequenceNumber())
	if !ok {
		return
	}

	origSSRC, origSeq := pkt.Header.SSRC, pkt.Header.SequenceNumber
	pkt.Header.SSRC = sc.params.SSRC
	pkt.Header.SequenceNumber = outSeq

	sc.stream.ReceivePacket(pkt, now)
	sc.listener.OnConsumerSendRtpPacket(sc, pkt)

	pkt.Header.SSRC, pkt.Header.SequenceNumber = origSSRC, origSeq
}

// processPayload runs the codec handler's layer gate and, where supported,
// its marker override; it reports whether the packet should be forwarded.
// Unlike Simulcast there is no separate spatial-layer producer stream to
// drop the packet at — the codec's own descriptor is the only admission
// mechanism K-SVC has.
func (sc *Svc) processPayload(pkt *rtppkt.Packet) bool {
	if sc.params.Codec == nil {
		return true
	}
	desc, err := sc.params.Codec.Parse(pkt.Payload)
	if err != nil || desc == nil {
		return false
	}
	if !sc.params.Codec.Process(sc.params.CodecContext, pkt.Payload, desc) {
		return false
	}
	if mr, ok := sc.params.Codec.(codec.MarkerRewriter); ok {
		if marker, override := mr.RewriteMarker(desc, uint8(sc.state.targetSpatial)); override {
			pkt.Header.Marker = marker
		}
	}
	return true
}

// GetBitratePriority reports zero while inactive; SVC always participates
// in BWE when active since it's always video.
func (sc *Svc) GetBitratePriority() uint8 {
	if !sc.IsActive() {
		return 0
	}
	return sc.params.Priority
}

// IncreaseLayer searches (spatial, temporal) pairs from the current
// provisional target upward for the first one the producer stream's
// current bitrate can afford, deducting the provisional layer's own
// consumption when moving to temporal 0 of a higher spatial layer since
// K-SVC's spatial layers are each independently decodable base layers.
func (sc *Svc) IncreaseLayer(bitrate uint32, considerLoss bool, now time.Time) uint32 {
	if !sc.IsActive() {
		return 0
	}
	if sc.params.ProducerStream == nil || sc.params.ProducerStream.Score() == 0 {
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
	for s := int8(0); s < sc.params.SpatialLayers; s++ {
		if suppressUpgrade && sc.state.provisionalSpatial > -1 && s > sc.state.currentSpatial {
			break
		}
		if s < sc.state.provisionalSpatial {
			continue
		}

		for t := int8(0); t < sc.params.TemporalLayers; t++ {
			if s == sc.state.provisionalSpatial && t <= sc.state.provisionalTemporal {
				continue
			}

			req := sc.layerBitrate(now, s, t)
			if req > 0 && t == 0 && sc.state.provisionalSpatial > -1 && s > sc.state.provisionalSpatial {
				provReq := sc.layerBitrate(now, sc.state.provisionalSpatial, sc.state.provisionalTemporal)
				if req > provReq {
					req -= provReq
				} else {
					req = 1
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

// layerBitrate queries the producer stream's per-(spatial,temporal)
// bitrate, falling back to spatial-layer-0-only semantics for a stream
// that doesn't implement SvcProducerStream.
func (sc *Svc) layerBitrate(now time.Time, spatial, temporal int8) uint32 {
	if svc, ok := sc.params.ProducerStream.(SvcProducerStream); ok {
		return svc.SpatialTemporalBitrate(now, spatial, temporal)
	}
	if spatial != 0 {
		return 0
	}
	return sc.params.ProducerStream.LayerBitrate(now, temporal)
}

// ApplyLayers commits the provisional target chosen by the most recent
// IncreaseLayer calls, resetting provisional state for the next pass and
// recording a downgrade timestamp when this looks like a BWE-driven
// step-down from an established, at-or-below-preferred layer.
func (sc *Svc) ApplyLayers(now time.Time) {
	spatial, temporal := sc.state.provisionalSpatial, sc.state.provisionalTemporal
	sc.state.provisionalSpatial, sc.state.provisionalTemporal = -1, -1

	if !sc.IsActive() {
		return
	}
	if spatial == sc.state.targetSpatial && temporal == sc.state.targetTemporal {
		return
	}
	sc.SetTargetLayers(spatial, temporal)

	const bweDowngradeMinActive = 8 * time.Second
	if !sc.activeSince.IsZero() && now.Sub(sc.activeSince) > bweDowngradeMinActive &&
		sc.state.targetSpatial < sc.state.currentSpatial &&
		sc.state.currentSpatial <= sc.state.preferredSpatial {
		sc.lastBweDowngradeAt = now
	}
}

// GetDesiredBitrate reports what forwarding would cost under the producer
// stream's current delivery: for a K-SVC producer, the highest of any
// individual spatial layer's own bitrate (spatial layers aren't additive,
// so summing them would overstate the cost); for a non-SVC-aware stream,
// its plain aggregate bitrate.
func (sc *Svc) GetDesiredBitrate(now time.Time) uint32 {
	if !sc.IsActive() || sc.params.ProducerStream == nil {
		return 0
	}

	var desired uint32
	if svc, ok := sc.params.ProducerStream.(SvcProducerStream); ok {
		for s := sc.params.SpatialLayers - 1; s >= 0; s-- {
			if rate := svc.SpatialLayerBitrate(now, s); rate > desired {
				desired = rate
			}
		}
	} else {
		desired = sc.params.ProducerStream.Bitrate(now)
	}

	if sc.params.MaxBitrate > desired {
		desired = sc.params.MaxBitrate
	}
	return desired
}

func (sc *Svc) GetRtcp(now time.Time) []rtcp.Packet {
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

func (sc *Svc) ReceiveNack(pid uint16, bitmask uint16, now time.Time) {
	if !sc.IsActive() {
		return
	}
	sc.stream.ReceiveNack(pid, bitmask, now)
}

func (sc *Svc) requestKeyFrame() {
	sc.listener.OnConsumerKeyFrameRequested(sc, sc.params.MappedSSRC)
}

func (sc *Svc) ReceiveKeyFrameRequest() {
	if sc.IsActive() {
		sc.requestKeyFrame()
	}
}

func (sc *Svc) ReceiveRtcpReceiverReport(rr rtcp.ReceptionReport, now time.Time) {
	sc.stream.ReceiveRtcpReceiverReport(rr, now)
}

func (sc *Svc) ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp uint64, now time.Time) {
	sc.stream.ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp, now)
}

func (sc *Svc) Score() uint8 { return sc.stream.Score() }

func (sc *Svc) ProducerScore() uint8 {
	if sc.params.ProducerStream == nil {
		return 0
	}
	return sc.params.ProducerStream.Score()
}

func (sc *Svc) RTT() time.Duration { return sc.stream.RTT() }

func (sc *Svc) TransportConnected() {
	sc.activity.TransportConnected = true
	sc.syncRequired = true
	sc.activeSince = time.Now()
	if sc.IsActive() {
		sc.requestKeyFrame()
	}
}

func (sc *Svc) TransportDisconnected() {
	sc.activity.TransportConnected = false
	sc.stream.Pause()
}

func (sc *Svc) Paused() {
	sc.activity.Paused = true
	sc.stream.Pause()
	sc.listener.OnConsumerNeedZeroBitrate(sc)
}

func (sc *Svc) Resumed() {
	sc.activity.Paused = false
	sc.syncRequired = true
	if sc.IsActive() {
		sc.requestKeyFrame()
	}
}

func (sc *Svc) ProducerPaused() { sc.activity.ProducerPaused = true }

func (sc *Svc) ProducerResumed() {
	sc.activity.ProducerPaused = false
	sc.syncRequired = true
}
