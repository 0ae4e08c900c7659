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

// PipeEncoding describes one of a pipe consumer's forwarded streams: its
// own outgoing SSRC and the producer-side mapped SSRC packets arrive
// tagged with.
type PipeEncoding struct {
	SSRC           uint32
	MappedSSRC     uint32
	HasRtx         bool
	RtxPayloadType uint8
	RtxSSRC        uint32
	RtxStartSeq    uint16
}

// PipeParams configures a Pipe consumer.
type PipeParams struct {
	PayloadType           uint8
	ClockRate             uint32
	CNAME                 string
	UseNack               bool
	KeyFrameSupported     bool
	SupportedPayloadTypes map[uint8]bool
	Encodings             []PipeEncoding

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// pipeStream bundles one forwarded encoding's own RtpStreamSend, sequence
// rewriter, and resync flag.
type pipeStream struct {
	ssrc         uint32
	stream       *streamsend.Stream
	rtpSeq       seq.Manager[uint16]
	syncRequired bool
}

// Pipe forwards every one of a producer's streams simultaneously with no
// layer selection at all — router-to-router relaying, where the remote
// side does its own consumer-side layer selection. Unlike Simple/Simulcast
// it owns one RtpStreamSend per producer stream, keyed by mapped SSRC, and
// never participates in bitrate allocation.
type Pipe struct {
	params   PipeParams
	listener Listener
	activity Activity

	streams map[uint32]*pipeStream // keyed by producer mapped SSRC
}

// NewPipe constructs a Pipe consumer and one RtpStreamSend per encoding.
func NewPipe(params PipeParams, listener Listener) *Pipe {
	p := &Pipe{
		params:   params,
		listener: listener,
		streams:  make(map[uint32]*pipeStream, len(params.Encodings)),
	}
	for _, enc := range params.Encodings {
		ps := &pipeStream{ssrc: enc.SSRC, syncRequired: true}
		ps.rtpSeq = *seq.NewManager[uint16](0xFFFF)
		ps.stream = streamsend.New(streamsend.Params{
			SSRC:        enc.SSRC,
			PayloadType: params.PayloadType,
			ClockRate:   params.ClockRate,
			Kind:        streamsend.KindVideo,
			CNAME:       params.CNAME,
			UseNack:     params.UseNack,
			Logger:      params.Logger,
			Metrics:     params.Metrics,
		}, p)
		if enc.HasRtx {
			ps.stream.SetRtx(enc.RtxPayloadType, enc.RtxSSRC, enc.RtxStartSeq)
		}
		p.streams[enc.MappedSSRC] = ps
	}
	return p
}

func (p *Pipe) OnRtpStreamRetransmitPacket(_ *streamsend.Stream, pkt *rtppkt.Packet) {
	p.listener.OnConsumerRetransmitRtpPacket(p, pkt)
}

func (p *Pipe) IsActive() bool { return p.activity.IsActive() }

// SendRtpPacket forwards one packet from the producer stream identified by
// mappedSSRC; every encoding gets the exact same admission/rewrite logic
// independently, with no cross-encoding layer choice.
func (p *Pipe) SendRtpPacket(pkt *rtppkt.Packet, mappedSSRC uint32, isKeyFrame bool, now time.Time) {
	if !p.IsActive() {
		return
	}
	if !p.params.SupportedPayloadTypes[pkt.Header.PayloadType] {
		return
	}
	ps, ok := p.streams[mappedSSRC]
	if !ok {
		return
	}
	if ps.syncRequired && p.params.KeyFrameSupported && !isKeyFrame {
		return
	}
	if len(pkt.Payload) == 0 {
		ps.rtpSeq.Drop(pkt.SequenceNumber())
		return
	}

	if ps.syncRequired {
		ps.rtpSeq.Sync(pkt.SequenceNumber() - 1)
		ps.syncRequired = false
	}

	outSeq, ok := ps.rtpSeq.Input(pkt.SequenceNumber())
	if !ok {
		return
	}

	origSSRC, origSeq := pkt.Header.SSRC, pkt.Header.SequenceNumber
	pkt.Header.SSRC = ps.ssrc
	pkt.Header.SequenceNumber = outSeq

	ps.stream.ReceivePacket(pkt, now)
	p.listener.OnConsumerSendRtpPacket(p, pkt)

	pkt.Header.SSRC, pkt.Header.SequenceNumber = origSSRC, origSeq
}

// GetBitratePriority, IncreaseLayer, ApplyLayers and GetDesiredBitrate are
// all no-ops: a pipe consumer forwards everything unconditionally and
// never plays the bandwidth-allocation game.
func (p *Pipe) GetBitratePriority() uint8                             { return 0 }
func (p *Pipe) IncreaseLayer(bitrate uint32, considerLoss bool) uint32 { return 0 }
func (p *Pipe) ApplyLayers()                                           {}
func (p *Pipe) GetDesiredBitrate(now time.Time) uint32                 { return 0 }

// GetRtcp collects one compound packet's worth of SR/SDES/XR per forwarded
// stream into a single slice the transport can send as one report burst.
func (p *Pipe) GetRtcp(now time.Time) []rtcp.Packet {
	var packets []rtcp.Packet
	for _, ps := range p.streams {
		sr := ps.stream.GetRtcpSenderReport(now)
		if sr == nil {
			continue
		}
		packets = append(packets, sr)
		if cname := ps.stream.CNAME(); cname != "" {
			packets = append(packets, &rtcp.SourceDescription{
				Chunks: []rtcp.SourceDescriptionChunk{{
					Source: sr.SSRC,
					Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: cname}},
				}},
			})
		}
		if ssrc, lastRR, dlrr, ok := ps.stream.XRDelaySinceLastRR(now); ok {
			packets = append(packets, &rtcp.ExtendedReport{
				SenderSSRC: sr.SSRC,
				Reports: []rtcp.ReportBlock{
					&rtcp.DLRRReportBlock{Reports: []rtcp.DLRRReport{{SSRC: ssrc, LastRR: lastRR, DLRR: dlrr}}},
				},
			})
		}
	}
	return packets
}

// ReceiveNack routes a NACK to the one encoding it names; unlike Simple/
// Simulcast/Svc, Pipe needs the target SSRC since it owns several streams.
func (p *Pipe) ReceiveNack(ssrc uint32, pid uint16, bitmask uint16, now time.Time) {
	if !p.IsActive() {
		return
	}
	for _, ps := range p.streams {
		if ps.ssrc == ssrc {
			ps.stream.ReceiveNack(pid, bitmask, now)
			return
		}
	}
}

// ReceiveKeyFrameRequest asks the producer to refresh every forwarded
// encoding, since a pipe's downstream consumer may need any of them
// resynced regardless of which one a PLI/FIR named.
func (p *Pipe) ReceiveKeyFrameRequest() {
	if !p.IsActive() {
		return
	}
	for mappedSSRC := range p.streams {
		p.listener.OnConsumerKeyFrameRequested(p, mappedSSRC)
	}
}

func (p *Pipe) ReceiveRtcpReceiverReport(ssrc uint32, rr rtcp.ReceptionReport, now time.Time) {
	for _, ps := range p.streams {
		if ps.ssrc == ssrc {
			ps.stream.ReceiveRtcpReceiverReport(rr, now)
			return
		}
	}
}

func (p *Pipe) ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp uint64, now time.Time) {
	for _, ps := range p.streams {
		ps.stream.ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp, now)
	}
}

// Score reports the worst of every forwarded stream's delivery score —
// conservative, matching the C++ NeedWorstRemoteFractionLost pattern of
// surfacing the weakest encoding rather than an average.
func (p *Pipe) Score() uint8 {
	var worst uint8 = 10
	for _, ps := range p.streams {
		if s := ps.stream.Score(); s < worst {
			worst = s
		}
	}
	return worst
}

// RTT reports the highest RTT across every forwarded stream.
func (p *Pipe) RTT() time.Duration {
	var worst time.Duration
	for _, ps := range p.streams {
		if rtt := ps.stream.RTT(); rtt > worst {
			worst = rtt
		}
	}
	return worst
}

func (p *Pipe) TransportConnected() {
	p.activity.TransportConnected = true
	for _, ps := range p.streams {
		ps.syncRequired = true
	}
	if p.IsActive() {
		p.requestAllKeyFrames()
	}
}

func (p *Pipe) TransportDisconnected() {
	p.activity.TransportConnected = false
	for _, ps := range p.streams {
		ps.stream.Pause()
	}
}

func (p *Pipe) Paused() {
	p.activity.Paused = true
	for _, ps := range p.streams {
		ps.stream.Pause()
	}
	p.listener.OnConsumerNeedZeroBitrate(p)
}

func (p *Pipe) Resumed() {
	p.activity.Paused = false
	for _, ps := range p.streams {
		ps.syncRequired = true
	}
	if p.IsActive() {
		p.requestAllKeyFrames()
	}
}

func (p *Pipe) ProducerPaused() { p.activity.ProducerPaused = true }

func (p *Pipe) ProducerResumed() {
	p.activity.ProducerPaused = false
	for _, ps := range p.streams {
		ps.syncRequired = true
	}
}

func (p *Pipe) requestAllKeyFrames() {
	for mappedSSRC := range p.streams {
		p.listener.OnConsumerKeyFrameRequested(p, mappedSSRC)
	}
}
