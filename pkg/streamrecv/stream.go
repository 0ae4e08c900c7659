// Package streamrecv implements the per-incoming-stream state a producer's
// forwarded RTP flows through before a consumer ever sees it: RFC 3550
// sequence/cycle tracking and jitter, NACK generation for lost sequence
// numbers, keyframe-request fallback and coalescing, the inactivity timer,
// and RR/SR-derived RTT and delivery-score accounting.
package streamrecv

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"golang.org/x/sync/singleflight"

	"github.com/relaysfu/sfu-core/pkg/metrics"
	"github.com/relaysfu/sfu-core/pkg/rtcputil"
	"github.com/relaysfu/sfu-core/pkg/rtppkt"

	"github.com/livekit/protocol/logger"
)

// DefaultPLIMinInterval bounds how often RequestKeyFrame actually emits an
// RTCP packet; callers within the window are coalesced onto the in-flight
// request rather than triggering a second one.
const DefaultPLIMinInterval = 500 * time.Millisecond

// Inactivity timeouts, checked against wall-clock time on every event-loop
// tick rather than a dedicated per-stream timer (this module runs on the
// single cooperative loop, so "restart a timer" becomes "remember the last
// packet's arrival time and compare it on the next tick").
const (
	InactivityTimeout    = 1500 * time.Millisecond
	InactivityTimeoutDtx = 5000 * time.Millisecond
)

// RFC 3550 Appendix A.1 sequence-validity thresholds.
const (
	rtpSeqMod   = 1 << 16
	maxDropout  = 3000
	maxMisorder = 1500
	minSequential = 2
)

// maxNackTimes bounds how many times a single sequence number is NACKed
// before giving up on retransmission and requesting a keyframe instead.
const maxNackTimes = 3

// maxNackCache bounds how many outstanding lost sequence numbers are
// tracked at once; older entries are dropped rather than grown without
// bound when loss is severe.
const maxNackCache = 500

// Kind labels a receive stream as audio or video in its metrics; the
// inactivity-timeout policy is chosen by Params.UseDtx, not by Kind.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

// Params configures a Stream for one incoming SSRC.
type Params struct {
	SSRC        uint32
	PayloadType uint8
	ClockRate   uint32
	Kind        Kind
	Mid         string

	UseNack bool
	UsePli  bool
	UseFir  bool
	UseDtx  bool

	HasRtx      bool
	RtxSSRC     uint32
	RtxPayload  uint8

	// PLIMinInterval bounds how often RequestKeyFrame emits a real RTCP
	// packet. Zero selects DefaultPLIMinInterval.
	PLIMinInterval time.Duration

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Listener receives the side effects a Stream decides to produce: NACK
// requests for the producer, keyframe requests, and generic RTCP feedback
// packets (PLI/FIR) that must be sent back to the producer.
type Listener interface {
	OnStreamNackRequired(s *Stream, items []NackItem)
	OnStreamKeyFrameRequired(s *Stream)
	OnStreamSendRtcpPacket(s *Stream, pkt rtcp.Packet)
}

// NackItem is one {pid, bitmask} pair ready for RTCP NACK serialization.
type NackItem struct {
	PacketID uint16
	Bitmask  uint16
}

// Stream is the receive-side counterpart of a forwarded RTP stream.
type Stream struct {
	params   Params
	listener Listener

	// RFC 3550 Appendix A.1 state.
	baseSeq    uint16
	maxSeq     uint16
	badSeq     uint32
	cycles     uint32
	received   uint64
	probation  int
	initSeqSet bool

	receivedPrior uint64
	expectedPrior uint64

	packetsLost      uint32
	fractionLost     uint8
	reportedLost     uint32

	transit int64
	jitter  float64

	lastPacketAt time.Time
	inactive     bool

	lastSRReceivedAt time.Time
	lastSRNtp        uint32 // compact NTP extracted from SR
	lastSRNtpMs      int64  // full NTP time, ms since Unix epoch
	lastSRRtpTs      uint32
	hasSR            bool

	rate       rateCalculator
	layerRates [8]rateCalculator
	layerRatesUsed bool

	// spatialRates/spatialTemporalRates back SpatialLayerBitrate and
	// SpatialTemporalBitrate for K-SVC producers, where every spatial
	// layer's packets arrive on this one stream rather than on a
	// sibling Stream per layer (see consumer.SvcProducerStream).
	spatialRates         [8]rateCalculator
	spatialTemporalRates [8][8]rateCalculator
	spatialRatesUsed     bool

	rtt    time.Duration
	hasRTT bool

	nacks nackList

	packetsRepaired      uint64
	packetsRetransmitted uint64

	expectedPriorScore   uint64
	receivedPriorScore   uint64
	repairedPriorScore   uint64
	retransmittedPriorScore uint64

	nackCount       uint32
	nackPacketCount uint32
	pliCount        uint32
	firCount        uint32
	firSeqNumber    uint8

	keyFrameRequests  singleflight.Group
	lastKeyFrameSentAt time.Time

	score uint8

	closeOnce sync.Once
	closed    core.Fuse
}

// New constructs a Stream with an initial perfect score; the score drops to
// 0 automatically the first time the inactivity timeout elapses without a
// packet.
func New(params Params, listener Listener) *Stream {
	return &Stream{params: params, listener: listener, score: 10, closed: core.NewFuse()}
}

// Close tears down the stream's NACK/keyframe-coalescing state and marks it
// closed. Safe to call more than once; only the first call has any effect,
// matching the one-shot-stop semantics a transport needs when a producer
// goes away while several consumers still hold a reference to this stream.
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

// ReceivePacket folds in a freshly arrived RTP packet: RFC 3550 cycle
// tracking, NACK-gap detection, jitter, and inactivity-timer reset. Returns
// false if the packet failed the sequence-validity check and should be
// discarded by the caller.
func (s *Stream) ReceivePacket(pkt *rtppkt.Packet, now time.Time) bool {
	if !s.updateSeq(pkt.SequenceNumber()) {
		return false
	}

	if s.params.UseNack {
		if wasNacked := s.nackReceivePacket(pkt.SequenceNumber(), now, false); wasNacked {
			s.packetsRetransmitted++
			s.packetsRepaired++
		}
	}

	s.calculateJitter(pkt.Timestamp(), now)
	s.rate.Update(len(pkt.Raw()), now)

	if s.inactive {
		s.inactive = false
		s.resetScore(10)
	}
	s.lastPacketAt = now

	if s.params.Metrics != nil {
		kind := "video"
		if s.params.Kind == KindAudio {
			kind = "audio"
		}
		s.params.Metrics.RecordPacketSent(kind)
	}

	return true
}

// ReceiveRtxPacket folds in a packet recovered via RTX: it is attributed to
// the original sequence number's slot in the NACK generator so the gap it
// fills is recognized as repaired rather than as a brand-new arrival.
func (s *Stream) ReceiveRtxPacket(originalSeq uint16, now time.Time) bool {
	if !s.updateSeq(originalSeq) {
		return false
	}
	s.packetsRetransmitted++
	if recovered := s.nackReceivePacket(originalSeq, now, true); recovered {
		s.packetsRepaired++
	}
	if s.inactive {
		s.inactive = false
		s.resetScore(10)
	}
	s.lastPacketAt = now
	return true
}

// updateSeq implements RFC 3550 Appendix A.1's UpdateSeq: cycle-count
// tracking with dropout/misorder/bad-sequence-resync thresholds. This
// algorithm is not specific to any one stack; it is the RFC's own reference
// pseudocode, ported essentially verbatim.
func (s *Stream) updateSeq(seq uint16) bool {
	if !s.initSeqSet {
		s.initSeqSet = true
		s.baseSeq = seq
		s.maxSeq = seq
		s.badSeq = rtpSeqMod + 1
		s.received = 0
		s.cycles = 0
		s.received++
		return true
	}

	if s.probation > 0 {
		if seq == s.maxSeq+1 {
			s.probation--
			s.maxSeq = seq
			if s.probation == 0 {
				s.received++
				return true
			}
		} else {
			s.probation = minSequential - 1
			s.maxSeq = seq
		}
		return false
	}

	// udelta is deliberately computed as a wrapping uint16 subtraction, not a
	// signed difference: RFC 3550's reference implementation relies on the
	// wraparound to fold "jumped far forward" and "jumped far backward" into
	// the same bad-sequence branch.
	udelta := uint32(seq - s.maxSeq)

	switch {
	case udelta < maxDropout:
		if seq < s.maxSeq {
			s.cycles += rtpSeqMod
		}
		s.maxSeq = seq

	case udelta <= rtpSeqMod-maxMisorder:
		if uint32(seq) == s.badSeq {
			s.baseSeq = seq
			s.maxSeq = seq
			s.badSeq = rtpSeqMod + 1
		} else {
			s.badSeq = (uint32(seq) + 1) & (rtpSeqMod - 1)
			return false
		}

	default:
		// Duplicate or misordered packet within tolerance: accept for loss
		// accounting but don't move maxSeq.
	}

	s.received++
	return true
}

func (s *Stream) expectedPackets() uint64 {
	return uint64(s.cycles) + uint64(s.maxSeq) - uint64(s.baseSeq) + 1
}

// calculateJitter implements the RFC 3550 section 6.4.1 recursive jitter
// estimator.
func (s *Stream) calculateJitter(rtpTimestamp uint32, now time.Time) {
	if s.params.ClockRate == 0 {
		return
	}
	arrival := now.UnixMilli()
	transit := arrival - int64(rtpTimestamp)*1000/int64(s.params.ClockRate)

	if s.transit == 0 {
		s.transit = transit
		return
	}

	d := transit - s.transit
	s.transit = transit
	if d < 0 {
		d = -d
	}
	s.jitter += (1.0 / 16.0) * (float64(d) - s.jitter)
}

// Jitter returns the current RFC 3550 jitter estimate in RTP clock ticks.
func (s *Stream) Jitter() uint32 { return uint32(s.jitter) }

// CheckInactivity is driven by the owner's event-loop tick: if no packet
// has arrived within the configured timeout, the stream is marked inactive
// and its score drops to zero.
func (s *Stream) CheckInactivity(now time.Time) {
	if s.lastPacketAt.IsZero() || s.inactive {
		return
	}
	timeout := InactivityTimeout
	if s.params.UseDtx {
		timeout = InactivityTimeoutDtx
	}
	if now.Sub(s.lastPacketAt) < timeout {
		return
	}
	s.inactive = true
	s.resetScore(0)
}

func (s *Stream) resetScore(score uint8) {
	s.score = score
	s.expectedPriorScore = s.expectedPackets()
	s.receivedPriorScore = s.received
	s.repairedPriorScore = s.packetsRepaired
	s.retransmittedPriorScore = s.packetsRetransmitted
}

// Score returns the stream's current delivery score in [0,10].
func (s *Stream) Score() uint8 { return s.score }

// UpdateScore recomputes the delivery score from the interval since the
// last call, using the receive-side weighting (repairedRatio divides by
// packets received, not packets sent).
func (s *Stream) UpdateScore() {
	totalExpected := s.expectedPackets()
	expected := totalExpected - s.expectedPriorScore
	s.expectedPriorScore = totalExpected

	totalReceived := s.received
	received := totalReceived - s.receivedPriorScore
	s.receivedPriorScore = totalReceived

	var lost uint64
	if expected >= received {
		lost = expected - received
	}

	totalRepaired := s.packetsRepaired
	repaired := totalRepaired - s.repairedPriorScore
	s.repairedPriorScore = totalRepaired

	totalRetransmitted := s.packetsRetransmitted
	retransmitted := totalRetransmitted - s.retransmittedPriorScore
	s.retransmittedPriorScore = totalRetransmitted

	if s.inactive {
		return
	}
	if expected == 0 {
		s.score = 10
		return
	}
	if lost > received {
		lost = received
	}

	if repaired > lost {
		if s.params.HasRtx {
			over := repaired - lost
			repaired = lost
			if retransmitted > over {
				retransmitted -= over
			} else {
				retransmitted = 0
			}
		} else {
			lost = repaired
		}
	}

	if received == 0 {
		s.score = 0
		return
	}

	repairedRatio := float64(repaired) / float64(received)
	repairedWeight := math.Pow(1/(repairedRatio+1), 4)
	if retransmitted > 0 {
		repairedWeight *= float64(repaired) / float64(retransmitted)
	}

	lostWeighted := float64(lost) - float64(repaired)*repairedWeight
	deliveredRatio := (float64(received) - lostWeighted) / float64(received)
	s.score = uint8(math.Round(math.Pow(deliveredRatio, 4) * 10))
}

// GetRtcpReceiverReport builds an RR from the current loss/jitter/RTT
// state, folding in expectedInterval-based fraction-lost computation.
func (s *Stream) GetRtcpReceiverReport(now time.Time) *rtcp.ReceptionReport {
	totalExpected := s.expectedPackets()

	var packetsLost uint32
	if totalExpected > s.received {
		packetsLost = uint32(totalExpected - s.received)
	}

	expectedInterval := totalExpected - s.expectedPrior
	s.expectedPrior = totalExpected

	receivedInterval := s.received - s.receivedPrior
	s.receivedPrior = s.received

	lostInterval := int64(expectedInterval) - int64(receivedInterval)

	if expectedInterval == 0 || lostInterval <= 0 {
		s.fractionLost = 0
	} else {
		s.fractionLost = uint8(math.Round(float64(lostInterval<<8) / float64(expectedInterval)))
	}

	s.reportedLost += packetsLost - s.packetsLost
	s.packetsLost = packetsLost

	var dlsr uint32
	var lastSR uint32
	if !s.lastSRReceivedAt.IsZero() {
		dlsr = rtcputil.DLSR(now.Sub(s.lastSRReceivedAt))
		lastSR = s.lastSRNtp
	}

	return &rtcp.ReceptionReport{
		SSRC:               s.params.SSRC,
		FractionLost:       s.fractionLost,
		TotalLost:          s.reportedLost,
		LastSequenceNumber: uint32(s.cycles) | uint32(s.maxSeq),
		Jitter:             uint32(s.jitter),
		LastSenderReport:   lastSR,
		Delay:              dlsr,
	}
}

// ReceiveRtcpSenderReport folds in an incoming SR: remembers its NTP time
// (compact form) for the next RR's LastSenderReport field, then refreshes
// the delivery score.
func (s *Stream) ReceiveRtcpSenderReport(sr *rtcp.SenderReport, now time.Time) {
	s.lastSRReceivedAt = now
	ntp := rtcputil.NTPTime(sr.NTPTime)
	s.lastSRNtp = ntp.Compact()
	s.lastSRNtpMs = ntp.Time().UnixMilli()
	s.lastSRRtpTs = sr.RTPTime
	s.hasSR = true
	s.UpdateScore()
}

// SenderReportAnchor returns the NTP time (ms since Unix epoch) and RTP
// timestamp carried by the most recently received Sender Report, used by
// SimulcastConsumer to align timestamps across a spatial-layer switch. ok
// is false until the first SR arrives.
func (s *Stream) SenderReportAnchor() (ntpMs int64, ts uint32, ok bool) {
	return s.lastSRNtpMs, s.lastSRRtpTs, s.hasSR
}

// Bitrate reports the aggregate sliding-window receive bitrate across all
// temporal layers, in bits/sec.
func (s *Stream) Bitrate(now time.Time) uint32 {
	return s.rate.GetBitrate(now)
}

// LayerBitrate reports the cumulative bitrate of temporal layers 0..layer,
// matching mediasoup's GetLayerBitrate semantics (temporal layers are
// additive: forwarding layer N requires the bandwidth of every layer below
// it too). Callers that never parse a codec's temporal-layer descriptor —
// and so never call RecordTemporalLayer — get the stream's overall bitrate
// back for any non-negative layer, since an unlayered stream has exactly
// one (zero-indexed) layer.
func (s *Stream) LayerBitrate(now time.Time, layer int8) uint32 {
	if layer < 0 {
		return 0
	}
	if !s.layerRatesUsed {
		return s.rate.GetBitrate(now)
	}
	var total uint32
	for i := 0; i <= int(layer) && i < len(s.layerRates); i++ {
		total += s.layerRates[i].GetBitrate(now)
	}
	return total
}

// RecordTemporalLayer attributes size bytes to temporalLayer's own rate
// bucket, for callers that parse a codec's payload descriptor (VP8/VP9
// temporal layering) and know which layer a packet belongs to. Streams that
// never call this report LayerBitrate as their plain aggregate bitrate.
func (s *Stream) RecordTemporalLayer(temporalLayer int8, size int, now time.Time) {
	if temporalLayer < 0 || int(temporalLayer) >= len(s.layerRates) {
		return
	}
	s.layerRatesUsed = true
	s.layerRates[temporalLayer].Update(size, now)
}

// RecordSpatialLayer attributes size bytes to (spatialLayer, temporalLayer)'s
// own rate buckets, for K-SVC producers whose single stream carries every
// spatial layer. Unlike RecordTemporalLayer, spatial layers are NOT additive
// — only one is actually being produced at a time under K-SVC — so
// SpatialLayerBitrate reports each layer's own rate rather than a cumulative
// sum across lower layers.
func (s *Stream) RecordSpatialLayer(spatialLayer, temporalLayer int8, size int, now time.Time) {
	if spatialLayer < 0 || int(spatialLayer) >= len(s.spatialRates) {
		return
	}
	s.spatialRatesUsed = true
	s.spatialRates[spatialLayer].Update(size, now)
	if temporalLayer >= 0 && int(temporalLayer) < len(s.spatialTemporalRates[spatialLayer]) {
		s.spatialTemporalRates[spatialLayer][temporalLayer].Update(size, now)
	}
}

// SpatialLayerBitrate reports spatialLayer's own sliding-window bitrate in
// isolation, matching mediasoup's K-SVC GetSpatialLayerBitrate. Streams that
// never call RecordSpatialLayer report the aggregate bitrate for spatial
// layer 0 and zero for any other, since an unlayered stream has exactly one
// spatial layer.
func (s *Stream) SpatialLayerBitrate(now time.Time, spatialLayer int8) uint32 {
	if spatialLayer < 0 {
		return 0
	}
	if !s.spatialRatesUsed {
		if spatialLayer == 0 {
			return s.rate.GetBitrate(now)
		}
		return 0
	}
	if int(spatialLayer) >= len(s.spatialRates) {
		return 0
	}
	return s.spatialRates[spatialLayer].GetBitrate(now)
}

// SpatialTemporalBitrate reports the cumulative bitrate of temporal layers
// 0..temporalLayer within spatialLayer, for IncreaseLayer's (spatial,
// temporal) affordability search over a single K-SVC stream.
func (s *Stream) SpatialTemporalBitrate(now time.Time, spatialLayer, temporalLayer int8) uint32 {
	if spatialLayer < 0 || temporalLayer < 0 {
		return 0
	}
	if !s.spatialRatesUsed {
		if spatialLayer == 0 {
			return s.LayerBitrate(now, temporalLayer)
		}
		return 0
	}
	if int(spatialLayer) >= len(s.spatialTemporalRates) {
		return 0
	}
	var total uint32
	row := s.spatialTemporalRates[spatialLayer]
	for i := 0; i <= int(temporalLayer) && i < len(row); i++ {
		total += row[i].GetBitrate(now)
	}
	return total
}

// ReceiveRtcpXrDelaySinceLastRr computes RTT from an XR DLRR sub-block
// addressed to this stream, using the compact-NTP identity
// rtt = now - dlrr - lastRR.
func (s *Stream) ReceiveRtcpXrDelaySinceLastRr(lastRR, dlrr uint32, now time.Time) {
	nowCompact := rtcputil.ToNtpTime(now).Compact()

	var rtt uint32
	if lastRR != 0 && dlrr != 0 && nowCompact > dlrr+lastRR {
		rtt = nowCompact - dlrr - lastRR
	}

	s.rtt = time.Duration(rtt>>16)*time.Second + time.Duration(float64(rtt&0xFFFF)/65536*float64(time.Second))
	if s.rtt > 0 {
		s.hasRTT = true
	}
}

// RTT returns the last RTT computed from an XR DLRR exchange, or zero if
// none has been received yet.
func (s *Stream) RTT() time.Duration { return s.rtt }

// RequestKeyFrame emits a PLI or FIR packet (whichever was negotiated),
// coalescing concurrent callers (e.g. several consumers independently
// deciding they need a keyframe from the same producer stream within one
// tick) onto a single in-flight request via singleflight, then further
// throttling actual emission to PLIMinInterval.
func (s *Stream) RequestKeyFrame() {
	_, _, _ = s.keyFrameRequests.Do("keyframe", func() (interface{}, error) {
		now := time.Now()
		interval := s.params.PLIMinInterval
		if interval <= 0 {
			interval = DefaultPLIMinInterval
		}
		if !s.lastKeyFrameSentAt.IsZero() && now.Sub(s.lastKeyFrameSentAt) < interval {
			if s.params.Metrics != nil {
				s.params.Metrics.RecordKeyframeCoalesced()
			}
			return nil, nil
		}
		s.lastKeyFrameSentAt = now
		s.sendKeyFrameRequest()
		return nil, nil
	})
}

func (s *Stream) sendKeyFrameRequest() {
	switch {
	case s.params.UsePli:
		s.pliCount++
		if s.params.Metrics != nil {
			s.params.Metrics.RecordPLISent()
		}
		s.listener.OnStreamSendRtcpPacket(s, &rtcp.PictureLossIndication{
			SenderSSRC: s.params.SSRC,
			MediaSSRC:  s.params.SSRC,
		})

	case s.params.UseFir:
		s.firCount++
		s.firSeqNumber++
		if s.params.Metrics != nil {
			s.params.Metrics.RecordFIRSent()
		}
		s.listener.OnStreamSendRtcpPacket(s, &rtcp.FullIntraRequest{
			SenderSSRC: s.params.SSRC,
			FIR: []rtcp.FIREntry{
				{SSRC: s.params.SSRC, SequenceNumber: s.firSeqNumber},
			},
		})
	}
}

// Pause resets jitter and the NACK generator's outstanding state; resuming
// at a new sync point makes any pending NACK stale.
func (s *Stream) Pause() {
	s.transit = 0
	s.jitter = 0
	s.nacks = nackList{}
}

// nackReceivePacket feeds one arrived sequence number to the gap-tracking
// NACK generator, grounded on the sorted-list/bitmask design used by the
// corpus's own NACK queue. It returns true if seq was a previously
// outstanding NACK candidate that has now arrived (i.e. it was repaired).
func (s *Stream) nackReceivePacket(seqNum uint16, now time.Time, isRecovered bool) bool {
	extSeq := uint32(s.cycles) | uint32(seqNum)

	wasNacked := s.nacks.remove(extSeq)

	if !isRecovered {
		s.detectGaps(extSeq)
	}

	items, askKeyFrame := s.nacks.pairs(extSeq)
	if len(items) > 0 {
		s.nackCount++
		for _, it := range items {
			s.nackPacketCount += uint32(popcount16(it.Bitmask)) + 1
		}
		if s.params.Metrics != nil {
			s.params.Metrics.RecordNackReceived()
		}
		s.listener.OnStreamNackRequired(s, items)
	}
	if askKeyFrame {
		s.listener.OnStreamKeyFrameRequired(s)
	}

	return wasNacked
}

// detectGaps records every sequence number between the previously known
// high-water mark and extSeq (exclusive) as an outstanding NACK candidate.
func (s *Stream) detectGaps(extSeq uint32) {
	if !s.nacks.started {
		s.nacks.started = true
		s.nacks.highWater = extSeq
		return
	}
	if extSeq <= s.nacks.highWater {
		return
	}
	for missing := s.nacks.highWater + 1; missing < extSeq; missing++ {
		s.nacks.push(missing)
	}
	s.nacks.highWater = extSeq
}

func popcount16(v uint16) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

// nackEntry tracks one outstanding lost sequence number and how many times
// it has already been NACKed.
type nackEntry struct {
	sn     uint32
	nacked uint8
}

// nackList is a sorted list of outstanding lost sequence numbers, adapted
// from the corpus's sort.Search-based NACK queue.
type nackList struct {
	entries   []nackEntry
	highWater uint32
	started   bool
}

func (n *nackList) push(extSN uint32) {
	i := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].sn >= extSN })
	if i < len(n.entries) && n.entries[i].sn == extSN {
		return
	}
	n.entries = append(n.entries, nackEntry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = nackEntry{sn: extSN}

	if len(n.entries) > maxNackCache {
		n.entries = n.entries[1:]
	}
}

func (n *nackList) remove(extSN uint32) bool {
	i := sort.Search(len(n.entries), func(i int) bool { return n.entries[i].sn >= extSN })
	if i >= len(n.entries) || n.entries[i].sn != extSN {
		return false
	}
	copy(n.entries[i:], n.entries[i+1:])
	n.entries = n.entries[:len(n.entries)-1]
	return true
}

// pairs converts the outstanding NACK list into {pid, bitmask} items,
// dropping entries that have already been NACKed maxNackTimes and instead
// signaling a keyframe request for the newest such entry.
func (n *nackList) pairs(headSeq uint32) ([]NackItem, bool) {
	if len(n.entries) == 0 {
		return nil, false
	}

	askKeyFrame := false
	var cur NackItem
	haveCur := false
	var items []NackItem

	i := 0
	for _, e := range n.entries {
		if e.nacked >= maxNackTimes {
			askKeyFrame = true
			continue
		}
		// Give very recent losses (within the last 2 sequence numbers) one
		// round to arrive on their own before the first NACK.
		if int64(headSeq)-int64(e.sn) < 2 {
			n.entries[i] = e
			i++
			continue
		}

		e.nacked++
		n.entries[i] = e
		i++

		sn16 := uint16(e.sn)
		if !haveCur || sn16 > cur.PacketID+16 {
			if haveCur {
				items = append(items, cur)
			}
			cur = NackItem{PacketID: sn16}
			haveCur = true
			continue
		}
		cur.Bitmask |= 1 << (sn16 - cur.PacketID - 1)
	}
	if haveCur {
		items = append(items, cur)
	}
	n.entries = n.entries[:i]
	return items, askKeyFrame
}
