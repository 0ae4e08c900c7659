package consumer

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/relaysfu/sfu-core/pkg/metrics"
	"github.com/relaysfu/sfu-core/pkg/rtppkt"
	"github.com/relaysfu/sfu-core/pkg/seq"
	"github.com/relaysfu/sfu-core/pkg/streamsend"

	"github.com/livekit/protocol/logger"
)

// SimpleParams configures a Simple consumer: the negotiated single encoding
// it forwards, plus the producer-stream handle it consults for bitrate
// reporting.
type SimpleParams struct {
	Kind Kind

	SSRC           uint32
	MappedSSRC     uint32 // the producer-side ssrc used when asking for a keyframe
	PayloadType    uint8
	ClockRate      uint32
	CNAME          string
	UseNack        bool
	HasRtx         bool
	RtxPayloadType uint8
	RtxSSRC        uint32
	RtxStartSeq    uint16

	KeyFrameSupported     bool
	SupportedPayloadTypes map[uint8]bool
	Priority              uint8
	MaxBitrate            uint32

	// DTXFilter runs ahead of sequence rewriting and reports whether a
	// packet should be dropped as a codec-level decision (e.g. Opus DTX
	// comfort-noise frames); nil means every payload-type-admitted packet
	// is forwarded.
	DTXFilter func(payload []byte) bool

	ProducerStream ProducerStream

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Simple is the stateless-over-layers consumer: it owns exactly one
// outgoing RtpStreamSend and forwards a producer's single stream verbatim
// apart from SSRC and sequence-number rewriting. Audio consumers and video
// consumers alike use this type; only the BWE participation methods branch
// on Kind.
type Simple struct {
	params   SimpleParams
	listener Listener
	stream   *streamsend.Stream
	activity Activity

	keyFrameSupported bool
	syncRequired      bool
	rtpSeq            seq.Manager[uint16]

	managingBitrate bool
}

// NewSimple constructs a Simple consumer and its owned RtpStreamSend.
func NewSimple(params SimpleParams, listener Listener) *Simple {
	s := &Simple{
		params:            params,
		listener:          listener,
		keyFrameSupported: params.KeyFrameSupported,
		syncRequired:      true,
	}
	s.rtpSeq = *seq.NewManager[uint16](0xFFFF)

	kind := streamsend.KindAudio
	if params.Kind == KindVideo {
		kind = streamsend.KindVideo
	}
	s.stream = streamsend.New(streamsend.Params{
		SSRC:        params.SSRC,
		PayloadType: params.PayloadType,
		ClockRate:   params.ClockRate,
		Kind:        kind,
		CNAME:       params.CNAME,
		UseNack:     params.UseNack,
		Logger:      params.Logger,
		Metrics:     params.Metrics,
	}, s)
	if params.HasRtx {
		s.stream.SetRtx(params.RtxPayloadType, params.RtxSSRC, params.RtxStartSeq)
	}
	return s
}

// OnRtpStreamRetransmitPacket implements streamsend.Listener, relaying a
// resend decision up to the consumer's own listener.
func (s *Simple) OnRtpStreamRetransmitPacket(_ *streamsend.Stream, pkt *rtppkt.Packet) {
	s.listener.OnConsumerRetransmitRtpPacket(s, pkt)
}

func (s *Simple) IsActive() bool { return s.activity.IsActive() }

// SendRtpPacket forwards one producer packet: drops it if inactive, if the
// payload type isn't negotiated for this consumer, or if the DTX filter
// rejects it; otherwise syncs the sequence space on the first packet after
// a (re)sync point — gated on a keyframe when the codec supports them —
// rewrites ssrc/seq, records it in the retransmission buffer, and restores
// the original header fields afterward so a packet shared with sibling
// consumers is left untouched.
func (s *Simple) SendRtpPacket(pkt *rtppkt.Packet, isKeyFrame bool, now time.Time) {
	if !s.IsActive() {
		return
	}

	if !s.params.SupportedPayloadTypes[pkt.Header.PayloadType] {
		return
	}

	if s.params.DTXFilter != nil && s.params.DTXFilter(pkt.Payload) {
		s.rtpSeq.Drop(pkt.SequenceNumber())
		return
	}

	if s.syncRequired && s.keyFrameSupported && !isKeyFrame {
		return
	}

	isSyncPacket := s.syncRequired
	if isSyncPacket {
		s.rtpSeq.Sync(pkt.SequenceNumber() - 1)
		s.syncRequired = false
	}

	outSeq, ok := s.rtpSeq.Input(pkt.SequenceNumber())
	if !ok {
		return
	}

	origSSRC := pkt.Header.SSRC
	origSeq := pkt.Header.SequenceNumber

	pkt.Header.SSRC = s.params.SSRC
	pkt.Header.SequenceNumber = outSeq

	s.stream.ReceivePacket(pkt, now)
	s.listener.OnConsumerSendRtpPacket(s, pkt)

	pkt.Header.SSRC = origSSRC
	pkt.Header.SequenceNumber = origSeq
}

// GetRtcp assembles this consumer's outgoing compound RTCP: SR, an SDES
// CNAME chunk, and an XR DLRR sub-block once a Receiver Reference Time has
// been seen.
func (s *Simple) GetRtcp(now time.Time) []rtcp.Packet {
	sr := s.stream.GetRtcpSenderReport(now)
	if sr == nil {
		return nil
	}
	packets := []rtcp.Packet{sr}

	if cname := s.stream.CNAME(); cname != "" {
		packets = append(packets, &rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{{
				Source: sr.SSRC,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: cname},
				},
			}},
		})
	}

	if ssrc, lastRR, dlrr, ok := s.stream.XRDelaySinceLastRR(now); ok {
		packets = append(packets, &rtcp.ExtendedReport{
			SenderSSRC: sr.SSRC,
			Reports: []rtcp.ReportBlock{
				&rtcp.DLRRReportBlock{
					Reports: []rtcp.DLRRReport{{SSRC: ssrc, LastRR: lastRR, DLRR: dlrr}},
				},
			},
		})
	}

	return packets
}

// ReceiveNack answers an incoming NACK through the owned stream, a no-op
// while inactive.
func (s *Simple) ReceiveNack(pid uint16, bitmask uint16, now time.Time) {
	if !s.IsActive() {
		return
	}
	s.stream.ReceiveNack(pid, bitmask, now)
}

// ReceiveKeyFrameRequest asks the producer side for a keyframe whenever
// the consumer is active, regardless of which RTCP message (PLI/FIR)
// triggered it — that distinction matters to the producer stream's own
// counters, not to this consumer.
func (s *Simple) ReceiveKeyFrameRequest() {
	if s.IsActive() {
		s.RequestKeyFrame()
	}
}

// RequestKeyFrame asks this consumer's listener to request a keyframe from
// the producer stream mapped to mappedSSRC. Audio never needs one.
func (s *Simple) RequestKeyFrame() {
	if s.params.Kind != KindVideo {
		return
	}
	s.listener.OnConsumerKeyFrameRequested(s, s.params.MappedSSRC)
}

func (s *Simple) ReceiveRtcpReceiverReport(rr rtcp.ReceptionReport, now time.Time) {
	s.stream.ReceiveRtcpReceiverReport(rr, now)
}

func (s *Simple) ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp uint64, now time.Time) {
	s.stream.ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp, now)
}

// Score returns this consumer's own RtpStreamSend delivery score.
func (s *Simple) Score() uint8 { return s.stream.Score() }

// ProducerScore returns the producer stream's delivery score, or zero if
// none is attached (e.g. the producer stream hasn't been wired yet).
func (s *Simple) ProducerScore() uint8 {
	if s.params.ProducerStream == nil {
		return 0
	}
	return s.params.ProducerStream.Score()
}

func (s *Simple) RTT() time.Duration { return s.stream.RTT() }

// GetBitratePriority reports this consumer's BWE priority: audio consumers
// and inactive/paused video consumers never compete for bandwidth.
func (s *Simple) GetBitratePriority() uint8 {
	if s.params.Kind != KindVideo || !s.IsActive() {
		return 0
	}
	return s.params.Priority
}

// IncreaseLayer is honest about SimpleConsumer's limits: it has no layers
// to choose between, so it reports the producer's own current bitrate
// (capped to the allocator's offered budget) and never revisits that
// choice more than once per allocation pass.
func (s *Simple) IncreaseLayer(bitrate uint32, _ bool, now time.Time) uint32 {
	if s.params.Kind != KindVideo || !s.IsActive() {
		return 0
	}
	if s.managingBitrate {
		return 0
	}
	s.managingBitrate = true

	if s.params.ProducerStream == nil {
		return 0
	}
	desired := s.params.ProducerStream.Bitrate(now)
	if desired < bitrate {
		return desired
	}
	return bitrate
}

// ApplyLayers commits nothing (SimpleConsumer doesn't play the layer-switch
// game) beyond resetting the per-pass IncreaseLayer guard.
func (s *Simple) ApplyLayers() { s.managingBitrate = false }

// GetDesiredBitrate reports the producer's current bitrate, or the
// negotiated max bitrate if that's higher.
func (s *Simple) GetDesiredBitrate(now time.Time) uint32 {
	if s.params.Kind != KindVideo || !s.IsActive() {
		return 0
	}
	var desired uint32
	if s.params.ProducerStream != nil {
		desired = s.params.ProducerStream.Bitrate(now)
	}
	if s.params.MaxBitrate > desired {
		desired = s.params.MaxBitrate
	}
	return desired
}

func (s *Simple) TransportConnected() {
	s.activity.TransportConnected = true
	s.syncRequired = true
	if s.IsActive() {
		s.RequestKeyFrame()
	}
}

func (s *Simple) TransportDisconnected() {
	s.activity.TransportConnected = false
	s.stream.Pause()
}

func (s *Simple) Paused() {
	s.activity.Paused = true
	s.stream.Pause()
	if s.params.Kind == KindVideo {
		s.listener.OnConsumerNeedZeroBitrate(s)
	}
}

func (s *Simple) Resumed() {
	s.activity.Paused = false
	s.syncRequired = true
	if s.IsActive() {
		s.RequestKeyFrame()
	}
}

func (s *Simple) ProducerPaused() { s.activity.ProducerPaused = true }

func (s *Simple) ProducerResumed() {
	s.activity.ProducerPaused = false
	s.syncRequired = true
}
