// Package streamsend implements the per-outgoing-stream state a consumer
// writes RTP through: a retransmission buffer answering NACKs, SR/XR
// emission, RTT/score tracking from incoming Receiver Reports, and RTX
// re-encoding of resent packets.
package streamsend

import (
	"math"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"go.uber.org/atomic"

	"github.com/relaysfu/sfu-core/pkg/metrics"
	"github.com/relaysfu/sfu-core/pkg/retransmit"
	"github.com/relaysfu/sfu-core/pkg/rtcputil"
	"github.com/relaysfu/sfu-core/pkg/rtppkt"
	"github.com/relaysfu/sfu-core/pkg/seq"

	"github.com/livekit/protocol/logger"
)

// defaultRTT is used to gate retransmission-debounce decisions before any
// Receiver Report has supplied a measured RTT.
const defaultRTT = 100 * time.Millisecond

// maxRequestedPackets is the NACK bitmask width (16 bits) plus its own
// packet ID.
const maxRequestedPackets = 17

// Kind distinguishes the two TTL policies a retransmission buffer is sized
// against.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Params configures a Stream for one outgoing SSRC.
type Params struct {
	SSRC        uint32
	PayloadType uint8
	ClockRate   uint32
	Kind        Kind
	Mid         string
	CNAME       string
	UseNack     bool
	MaxItems    int

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Listener receives packets a Stream decides to retransmit.
type Listener interface {
	OnRtpStreamRetransmitPacket(s *Stream, pkt *rtppkt.Packet)
}

// Stream is the send-side counterpart of a forwarded RTP stream: one per
// consumer encoding. It owns the retransmission buffer (if NACK is
// negotiated), tracks RTT/score from incoming RRs, and answers NACKs.
type Stream struct {
	params   Params
	listener Listener
	buffer   *retransmit.Buffer // nil when NACK is disabled

	hasRTX        bool
	rtxPayloadType uint8
	rtxSSRC       uint32
	rtxSeq        uint16

	packetCount atomic.Uint64
	octetCount  atomic.Uint64

	maxPacketAt time.Time
	maxPacketTs uint32

	// seqTracker extends the raw 16-bit sequence number of every forwarded
	// packet into a cycle-counted 32-bit value, so GetRtcpSenderReport's
	// caller and stats consumers can compute a span across however many
	// wraps the stream has lived through instead of just the latest 16-bit
	// value.
	seqTracker *seq.WrapAround[uint16, uint32]

	lastSenderReportAt time.Time
	lastSenderReportTs uint32

	lastRRReceivedAt  time.Time
	lastRRTimestamp   uint32 // compact NTP of the RR's "last SR" echo

	rtt    time.Duration
	hasRTT bool

	packetsLost  uint32
	fractionLost uint8

	nackCount       uint32
	nackPacketCount uint32

	packetsRetransmitted uint64
	packetsRepaired      uint64

	sentPriorScore          uint64
	lostPriorScore          uint64
	repairedPriorScore      uint64
	retransmittedPriorScore uint64

	score uint8

	closeOnce sync.Once
	closed    core.Fuse
}

// New constructs a Stream. If params.UseNack is set a retransmission buffer
// is allocated sized by the stream's media kind (matching the 2000ms video /
// 1000ms audio TTL policy).
func New(params Params, listener Listener) *Stream {
	s := &Stream{
		params:     params,
		listener:   listener,
		score:      10,
		seqTracker: seq.NewWrapAround[uint16, uint32](),
		closed:     core.NewFuse(),
	}
	if params.UseNack {
		delay := retransmit.MaxDelayAudio
		if params.Kind == KindVideo {
			delay = retransmit.MaxDelayVideo
		}
		maxItems := params.MaxItems
		if maxItems <= 0 {
			maxItems = retransmit.DefaultMaxItems
		}
		s.buffer = retransmit.New(maxItems, delay, params.ClockRate)
	}
	return s
}

// SetRtx enables RTX re-encoding of resent packets on this stream, seeding
// rtxSeq from a caller-supplied starting value (the teacher draws this from
// a CSPRNG at the transport level; Stream just accepts whatever it's given).
func (s *Stream) SetRtx(payloadType uint8, ssrc uint32, startSeq uint16) {
	s.hasRTX = true
	s.rtxPayloadType = payloadType
	s.rtxSSRC = ssrc
	s.rtxSeq = startSeq
}

// ReceivePacket records a freshly forwarded packet: stores it in the
// retransmission buffer (if enabled) and updates transmission counters. pkt
// is retained for the duration the buffer holds it; callers should not
// mutate it afterward.
func (s *Stream) ReceivePacket(pkt *rtppkt.Packet, arrival time.Time) {
	if s.buffer != nil {
		s.buffer.Insert(pkt.Retain())
		if s.params.Metrics != nil {
			s.params.Metrics.SetRetransmitBufferSize(s.params.Kind.String(), s.buffer.Len())
		}
	}

	s.packetCount.Inc()
	s.octetCount.Add(uint64(len(pkt.Payload)))
	s.seqTracker.Update(pkt.SequenceNumber())

	if s.maxPacketAt.IsZero() || seq.IsSeqHigherThan(pkt.Timestamp(), s.maxPacketTs, 0xFFFFFFFF) {
		s.maxPacketAt = arrival
		s.maxPacketTs = pkt.Timestamp()
	}

	if s.params.Metrics != nil {
		s.params.Metrics.RecordPacketSent(s.params.Kind.String())
	}
}

// ReceiveNack answers one NACK item ({pid, bitmask}), resending any
// candidate packet that is both present in the buffer and was not already
// resent within the last RTT. Returns the number of packets actually
// resent, for the caller to fold into its own counters.
func (s *Stream) ReceiveNack(pid uint16, bitmask uint16, now time.Time) int {
	s.nackCount++
	s.nackPacketCount += uint32(popcount16(bitmask)) + 1

	if s.buffer == nil {
		return 0
	}
	if s.params.Metrics != nil {
		s.params.Metrics.RecordNackReceived()
	}

	rtt := s.rtt
	if rtt <= 0 {
		rtt = defaultRTT
	}

	sent := 0
	currentSeq := pid
	requested := true
	firstPacketSent := false
	isFirstPacket := true

	for requested || bitmask != 0 {
		if requested && s.tryResend(currentSeq, now, rtt) {
			sent++
			if isFirstPacket {
				firstPacketSent = true
			}
		}

		requested = bitmask&1 != 0
		bitmask >>= 1
		currentSeq++
		isFirstPacket = false
	}

	if !firstPacketSent {
		s.params.Logger.Debugw("could not resend first requested packet", "pid", pid)
	}
	return sent
}

func (s *Stream) tryResend(sn uint16, now time.Time, rtt time.Duration) bool {
	pkt, resentAt, sentTimes := s.buffer.GetWithHistory(sn)
	if pkt == nil {
		return false
	}
	if !resentAt.IsZero() && now.Sub(resentAt) <= rtt {
		return false
	}

	if s.hasRTX {
		s.rtxSeq++
		pkt = rtxEncode(pkt, s.rtxPayloadType, s.rtxSSRC, s.rtxSeq)
	}

	s.buffer.MarkResent(sn, now)
	s.listener.OnRtpStreamRetransmitPacket(s, pkt)

	s.packetsRetransmitted++
	if sentTimes == 0 {
		s.packetsRepaired++
	}
	if s.params.Metrics != nil {
		s.params.Metrics.RecordRetransmit(s.params.Kind.String())
		s.params.Metrics.RecordNackAnswered(1)
	}
	return true
}

// rtxEncode builds the RFC 4588 RTX encapsulation: original 16-bit sequence
// number prepended to the payload, RTX payload type and SSRC, a fresh RTX
// sequence number in the header.
func rtxEncode(pkt *rtppkt.Packet, payloadType uint8, ssrc uint32, rtxSeq uint16) *rtppkt.Packet {
	return pkt.EncodeRtx(payloadType, ssrc, rtxSeq)
}

func popcount16(v uint16) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// ReceiveRtcpReceiverReport folds in an incoming RR: recomputes RTT from the
// compact-NTP (now - dlsr - lastSR) identity, and runs the delivery score
// update.
func (s *Stream) ReceiveRtcpReceiverReport(rr rtcp.ReceptionReport, now time.Time) {
	nowCompact := rtcputil.ToNtpTime(now).Compact()

	lastSR := rr.LastSenderReport
	dlsr := rr.Delay
	var rtt uint32
	if lastSR != 0 && dlsr != 0 && nowCompact > dlsr+lastSR {
		rtt = nowCompact - dlsr - lastSR
	}

	s.rtt = time.Duration(rtt>>16)*time.Second + time.Duration(float64(rtt&0xFFFF)/65536*float64(time.Second))
	if s.rtt > 0 {
		s.hasRTT = true
	}

	s.packetsLost = rr.TotalLost
	s.fractionLost = rr.FractionLost

	s.updateScore()
}

func (s *Stream) updateScore() {
	totalSent := s.packetCount.Load()
	sent := totalSent - s.sentPriorScore
	s.sentPriorScore = totalSent

	var lost uint64
	totalLost := uint64(s.packetsLost)
	if totalLost >= s.lostPriorScore {
		lost = totalLost - s.lostPriorScore
	}
	s.lostPriorScore = totalLost

	totalRepaired := s.packetsRepaired
	repaired := totalRepaired - s.repairedPriorScore
	s.repairedPriorScore = totalRepaired

	totalRetransmitted := s.packetsRetransmitted
	retransmitted := totalRetransmitted - s.retransmittedPriorScore
	s.retransmittedPriorScore = totalRetransmitted

	if sent == 0 {
		s.score = 10
		return
	}
	if lost > sent {
		lost = sent
	}
	if repaired > lost {
		repaired = lost
	}

	repairedRatio := float64(repaired) / float64(sent)
	repairedWeight := math.Pow(1/(repairedRatio+1), 4)
	if retransmitted > 0 {
		repairedWeight *= float64(repaired) / float64(retransmitted)
	}

	lostWeighted := float64(lost) - float64(repaired)*repairedWeight
	deliveredRatio := (float64(sent) - lostWeighted) / float64(sent)
	s.score = uint8(math.Round(math.Pow(deliveredRatio, 4) * 10))
}

// Score returns the stream's current delivery score in [0,10].
func (s *Stream) Score() uint8 { return s.score }

// MaxPacketTimestamp returns the RTP timestamp of the most recently
// forwarded packet, used by SimulcastConsumer's cross-stream timestamp
// alignment to detect a switch that would otherwise move time backward. ok
// is false before any packet has been forwarded.
func (s *Stream) MaxPacketTimestamp() (uint32, bool) {
	if s.maxPacketAt.IsZero() {
		return 0, false
	}
	return s.maxPacketTs, true
}

// ExtendedHighestSequenceNumber returns the highest sequence number
// forwarded so far, extended with the stream's observed wrap count. ok is
// false before any packet has been forwarded.
func (s *Stream) ExtendedHighestSequenceNumber() (seqNum uint32, ok bool) {
	if s.maxPacketAt.IsZero() {
		return 0, false
	}
	return s.seqTracker.GetExtendedHighest(), true
}

// LossPercentage returns the most recently reported fraction-lost value
// (RFC 3550's 8-bit fixed-point fraction) as a percentage in [0,100].
func (s *Stream) LossPercentage() float64 {
	return float64(s.fractionLost) / 256 * 100
}

// RTT returns the last RTT measured from a Receiver Report, or zero if none
// has been received yet.
func (s *Stream) RTT() time.Duration { return s.rtt }

// ResetScore sets the delivery score back to its initial value and clears
// the prior-interval counters the next UpdateScore call diffs against, so a
// consumer that just switched spatial layers doesn't inherit the old
// layer's loss history.
func (s *Stream) ResetScore(score uint8) {
	s.score = score
	s.sentPriorScore = s.packetCount.Load()
	s.lostPriorScore = uint64(s.packetsLost)
	s.repairedPriorScore = s.packetsRepaired
	s.retransmittedPriorScore = s.packetsRetransmitted
}

// GetRtcpSenderReport builds an SR extrapolating the RTP timestamp of "now"
// from the newest forwarded packet's timestamp and clock rate.
func (s *Stream) GetRtcpSenderReport(now time.Time) *rtcp.SenderReport {
	if s.packetCount.Load() == 0 {
		return nil
	}

	ntp := rtcputil.ToNtpTime(now)
	diff := now.Sub(s.maxPacketAt)
	diffTs := uint32(diff.Seconds() * float64(s.params.ClockRate))

	s.lastSenderReportAt = now
	s.lastSenderReportTs = s.maxPacketTs + diffTs

	return &rtcp.SenderReport{
		SSRC:        s.params.SSRC,
		NTPTime:     uint64(ntp),
		RTPTime:     s.lastSenderReportTs,
		PacketCount: uint32(s.packetCount.Load()),
		OctetCount:  uint32(s.octetCount.Load()),
	}
}

// ReceiveRtcpXrReceiverReferenceTime records the NTP timestamp of an
// incoming XR Receiver Reference Time block, needed to build this stream's
// next DLRR sub-block.
func (s *Stream) ReceiveRtcpXrReceiverReferenceTime(ntpTimestamp uint64, now time.Time) {
	s.lastRRReceivedAt = now
	s.lastRRTimestamp = rtcputil.NTPTime(ntpTimestamp).Compact()
}

// XRDelaySinceLastRR reports this stream's SSRC, the last RR NTP timestamp
// it recorded, and the delay since then, for the caller to fold into an XR
// DLRR report block. ok is false if no Receiver Reference Time has been
// received yet.
func (s *Stream) XRDelaySinceLastRR(now time.Time) (ssrc uint32, lastRR uint32, dlrr uint32, ok bool) {
	if s.lastRRReceivedAt.IsZero() {
		return 0, 0, 0, false
	}
	return s.params.SSRC, s.lastRRTimestamp, rtcputil.DLSR(now.Sub(s.lastRRReceivedAt)), true
}

// CNAME returns the stream's CNAME for SDES chunk construction.
func (s *Stream) CNAME() string { return s.params.CNAME }

// Pause clears the retransmission buffer; a paused consumer has nothing
// worth resending once it resumes at a new sync point.
func (s *Stream) Pause() {
	if s.buffer != nil {
		s.buffer.Clear()
	}
}

// Close tears down the retransmission buffer and marks the stream closed.
// Safe to call more than once, including concurrently; only the first call
// has any effect — a Transport tearing down many consumers in parallel must
// be able to call this without its own synchronization.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.Pause()
		s.closed.Break()
	})
}

// Done returns a channel closed once Close has run, for a caller that needs
// to wait on this stream's teardown alongside other select cases.
func (s *Stream) Done() <-chan struct{} {
	return s.closed.Watch()
}
