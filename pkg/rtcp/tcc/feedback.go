// Package tcc builds and parses the transport-wide congestion control
// feedback packet defined by draft-holmer-rmcat-transport-wide-cc-extensions-01
// (RTCP FMT=15, PT=205): a compact encoding of which wide sequence numbers a
// receiver saw and how far apart, in time, it saw them.
package tcc

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/rtcp"

	"github.com/relaysfu/sfu-core/pkg/seq"
)

const (
	fixedHeaderSize      = 8
	maxMissingPackets    = (1 << 13) - 1
	maxPacketStatusCount = (1 << 16) - 1
	maxPacketDelta       = (1 << 16) - 1

	// statusVectorSize is the number of packet statuses a two-bit vector
	// chunk packs per 16-bit chunk word.
	statusVectorSize = 7
)

type status uint8

const (
	statusNotReceived status = 0
	statusSmallDelta  status = 1
	statusLargeDelta  status = 2
	statusNone        status = 3
)

type receivedPacket struct {
	sequenceNumber uint16
	delta          uint16
}

// chunk is either a run-length chunk (all statuses equal) or a two-bit
// vector chunk (up to 7 heterogeneous statuses), matching the wire chunk
// type bit (bit 15 of the 16-bit chunk word).
type chunk interface {
	serialize(buf []byte) int
}

type runLengthChunk struct {
	status status
	count  int
}

func (c runLengthChunk) serialize(buf []byte) int {
	word := uint16(c.status)<<13 | uint16(c.count)&0x1FFF
	binary.BigEndian.PutUint16(buf, word)
	return 2
}

type vectorChunk struct {
	statuses [statusVectorSize]status
}

func (c vectorChunk) serialize(buf []byte) int {
	word := uint16(0x8000) | uint16(0x01)<<14
	shift := 12
	for _, s := range c.statuses {
		word |= uint16(s) << shift
		shift -= 2
	}
	binary.BigEndian.PutUint16(buf, word)
	return 2
}

type buildContext struct {
	allSameStatus bool
	currentStatus status
	statuses      []status
}

// Builder accumulates AddPacket calls into one TCC feedback packet, honoring
// the draft's base-sequence / chunk / delta layout and the 1200-byte RTCP
// size budget the caller enforces via maxRtcpPacketLen.
//
// AddPacket resolves its first call as a tentative ("pre-base") observation:
// only the second call, once it is known to be consistent with the first,
// commits a real base sequence number. This mirrors how libwebrtc's sender
// hands packets to the builder one at a time without knowing in advance
// whether the very first one it sees will end up usable as the packet's
// base.
type Builder struct {
	SenderSSRC uint32
	MediaSSRC  uint32

	hasPreBase            bool
	preBaseSequenceNumber uint16
	preReferenceTimeMs    uint64

	baseSequenceNumber  uint16
	referenceTimeMs     uint64
	packetStatusCount   int
	feedbackPacketCount uint8

	receivedPackets []receivedPacket
	chunks          []chunk
	deltas          []uint16
	lastTimestamp   uint64
	ctx             buildContext
	size            int
}

// NewBuilder constructs an empty feedback builder for one TCC report.
func NewBuilder(senderSSRC, mediaSSRC uint32, feedbackPacketCount uint8) *Builder {
	return &Builder{
		SenderSSRC:          senderSSRC,
		MediaSSRC:           mediaSSRC,
		feedbackPacketCount: feedbackPacketCount,
		ctx:                 buildContext{allSameStatus: true, currentStatus: statusNone},
	}
}

// IsFull reports whether the packet status count has reached the 16-bit
// field's maximum.
func (b *Builder) IsFull() bool {
	return b.packetStatusCount == maxPacketStatusCount
}

// AddPacket records that wideSeqNumber was received at timestampMs (a
// monotonic milliseconds clock shared across all packets fed to this
// builder). It returns false if the packet cannot fit in this report (too
// many intervening missing packets, too large a delta, or the 1200-byte
// budget would be exceeded) — the caller should flush the current report
// and start a new one with this same packet as its first entry.
func (b *Builder) AddPacket(wideSeqNumber uint16, timestampMs uint64, maxRtcpPacketLen int) bool {
	var delta uint16

	if !b.hasPreBase {
		b.hasPreBase = true
		b.preBaseSequenceNumber = wideSeqNumber
		b.preReferenceTimeMs = timestampMs
		return true
	}

	switch {
	case len(b.receivedPackets) == 0 && wideSeqNumber != b.preBaseSequenceNumber+1:
		// Not adjacent to the tentative base: the tentative pair can't
		// become the real base, so it becomes this packet instead.
		b.preBaseSequenceNumber = wideSeqNumber
		b.preReferenceTimeMs = timestampMs
		return true

	case len(b.receivedPackets) == 0:
		if !checkDelta(b.preReferenceTimeMs, timestampMs) {
			b.preBaseSequenceNumber = wideSeqNumber
			b.preReferenceTimeMs = timestampMs
			return true
		}
		b.baseSequenceNumber = b.preBaseSequenceNumber
		b.referenceTimeMs = b.preReferenceTimeMs
		// The base packet's own delta is measured from the reference time
		// as serialized, which is truncated to 64ms units.
		baseDelta := uint16((b.preReferenceTimeMs % 64) * 1000 / 250)
		b.fillChunk(b.preBaseSequenceNumber-1, b.preBaseSequenceNumber, baseDelta)
		b.receivedPackets = append(b.receivedPackets, receivedPacket{sequenceNumber: b.preBaseSequenceNumber, delta: baseDelta})
		delta = uint16((timestampMs - b.preReferenceTimeMs) * 1000 / 250)
		b.fillChunk(b.preBaseSequenceNumber, wideSeqNumber, delta)

	default:
		last := b.receivedPackets[len(b.receivedPackets)-1].sequenceNumber
		if seq.IsSeqLowerThan(wideSeqNumber, last, 0xFFFF) {
			// Stale relative to the highest seen so far; ignore but don't
			// fail the call (matches libwebrtc's lenient behavior here).
			return true
		}
		if !checkMissingPackets(last, wideSeqNumber) {
			return false
		}
		if !checkDelta(b.lastTimestamp, timestampMs) {
			return false
		}
		if !b.checkSize(maxRtcpPacketLen) {
			return false
		}
		if b.lastTimestamp == timestampMs {
			delta = 0
		} else {
			delta = uint16((timestampMs - b.lastTimestamp) * 1000 / 250)
		}
		b.fillChunk(last, wideSeqNumber, delta)
	}

	b.lastTimestamp = timestampMs
	b.receivedPackets = append(b.receivedPackets, receivedPacket{sequenceNumber: wideSeqNumber, delta: delta})
	return true
}

func checkMissingPackets(previous, next uint16) bool {
	missing := int(next) - int(previous) - 1
	if missing < 0 {
		missing += 1 << 16
	}
	return missing <= maxMissingPackets
}

func checkDelta(previousMs, nextMs uint64) bool {
	deltaMs := nextMs - previousMs
	delta := deltaMs * 1000 / 250
	return delta <= maxPacketDelta
}

func (b *Builder) checkSize(maxRtcpPacketLen int) bool {
	size := b.GetSize()
	size += 2 + 2*statusVectorSize
	size += (-size) & 3
	return size <= maxRtcpPacketLen
}

// fillChunk folds in the gap (if any) between previousSequenceNumber and
// sequenceNumber as NotReceived entries, then the received entry itself,
// flushing run-length or two-bit-vector chunks as the pending window fills.
// A pending run of identical statuses is kept open (it may become an
// arbitrarily long run-length chunk); it is only flushed when the status
// changes or the window reaches 7 heterogeneous entries.
func (b *Builder) fillChunk(previousSequenceNumber, sequenceNumber uint16, delta uint16) {
	missingPackets := int(sequenceNumber) - int(previousSequenceNumber) - 1
	if missingPackets < 0 {
		missingPackets += 1 << 16
	}

	if missingPackets > 0 {
		b.flushIfStatusChanges(statusNotReceived)

		represented := 0
		for i := 0; i < missingPackets && len(b.ctx.statuses) < statusVectorSize; i++ {
			b.appendStatus(statusNotReceived, 0)
			represented++
		}
		missingPackets -= represented

		if missingPackets != 0 {
			b.flushVector()
			b.flushRunLength(statusNotReceived, missingPackets)
		} else if len(b.ctx.statuses) == statusVectorSize && !b.ctx.allSameStatus {
			b.flushVector()
		}
	}

	var st status
	if delta <= 255 {
		st = statusSmallDelta
	} else {
		st = statusLargeDelta
	}
	b.flushIfStatusChanges(st)
	b.appendStatus(st, delta)

	if len(b.ctx.statuses) < statusVectorSize {
		return
	}
	if len(b.ctx.statuses) == statusVectorSize && !b.ctx.allSameStatus {
		b.flushVector()
	}
}

// flushIfStatusChanges closes out a same-status run once it has reached the
// vector window size and the next entry would break the run, so the closed
// run can be encoded as one run-length chunk instead of spilling into a
// vector chunk.
func (b *Builder) flushIfStatusChanges(next status) {
	if len(b.ctx.statuses) >= statusVectorSize && b.ctx.allSameStatus && next != b.ctx.currentStatus {
		b.flushRunLength(b.ctx.currentStatus, len(b.ctx.statuses))
	}
}

func (b *Builder) appendStatus(st status, delta uint16) {
	if len(b.ctx.statuses) == 0 {
		b.ctx.allSameStatus = true
	} else if st != b.ctx.currentStatus {
		b.ctx.allSameStatus = false
	}
	b.ctx.currentStatus = st
	b.ctx.statuses = append(b.ctx.statuses, st)
	if st != statusNotReceived {
		b.deltas = append(b.deltas, delta)
		if st == statusSmallDelta {
			b.size++
		} else {
			b.size += 2
		}
	}
}

func (b *Builder) flushRunLength(st status, count int) {
	if count == 0 {
		return
	}
	b.chunks = append(b.chunks, runLengthChunk{status: st, count: count})
	b.packetStatusCount += count
	b.size += 2
	b.ctx.statuses = b.ctx.statuses[:0]
}

func (b *Builder) flushVector() {
	if len(b.ctx.statuses) == 0 {
		return
	}
	var v vectorChunk
	copy(v.statuses[:], b.ctx.statuses)
	b.chunks = append(b.chunks, v)
	b.packetStatusCount += statusVectorSize
	b.size += 2
	b.ctx.statuses = b.ctx.statuses[:0]
}

// GetSize reports the packet's current serialized size in bytes, including
// 32-bit padding, for callers enforcing an outer RTCP compound-packet budget.
func (b *Builder) GetSize() int {
	size := 12 /* FB header incl. common header */ + fixedHeaderSize + b.size
	// Pending statuses become one run-length chunk per run when Serialize
	// flushes them.
	if n := len(b.ctx.statuses); n > 0 {
		runs := 1
		for i := 1; i < n; i++ {
			if b.ctx.statuses[i] != b.ctx.statuses[i-1] {
				runs++
			}
		}
		size += 2 * runs
	}
	size += (-size) & 3
	return size
}

// Serialize writes the complete TCC feedback packet (common header, FB
// header, base/count/reference-time/fb-count, chunks, deltas, padding) into
// buf, which must be at least GetSize() bytes, and returns the number of
// bytes written.
func (b *Builder) Serialize(buf []byte) int {
	// flush any pending partial chunk before sizing/serializing
	if len(b.ctx.statuses) > 0 {
		if b.ctx.allSameStatus {
			b.flushRunLength(b.ctx.currentStatus, len(b.ctx.statuses))
		} else {
			st := b.ctx.statuses[0]
			count := 0
			for _, s := range b.ctx.statuses {
				if s == st {
					count++
					continue
				}
				b.flushRunLength(st, count)
				st = s
				count = 1
			}
			b.flushRunLength(st, count)
		}
	}

	writeCommonHeader(buf, b)

	offset := 12
	binary.BigEndian.PutUint16(buf[offset:], b.baseSequenceNumber)
	offset += 2
	packetStatusCountOffset := offset
	offset += 2

	referenceTime := uint32((b.referenceTimeMs / 64) & 0xFFFFFF)
	put3Bytes(buf[offset:], referenceTime)
	offset += 3

	buf[offset] = b.feedbackPacketCount
	offset++

	for _, c := range b.chunks {
		offset += c.serialize(buf[offset:])
	}

	for _, d := range b.deltas {
		if d <= 255 {
			buf[offset] = byte(d)
			offset++
		} else {
			binary.BigEndian.PutUint16(buf[offset:], d)
			offset += 2
		}
	}

	binary.BigEndian.PutUint16(buf[packetStatusCountOffset:], uint16(b.packetStatusCount))

	padding := (-offset) & 3
	for i := 0; i < padding; i++ {
		buf[offset+i] = 0
	}
	offset += padding

	return offset
}

func put3Bytes(buf []byte, v uint32) {
	buf[0] = byte(v >> 16)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v)
}

// PacketResult is one wide sequence number's outcome as decoded by Parse:
// whether the receiver saw it at all and, if so, how long after the
// previous received packet (in whichever of this report or an earlier one)
// it arrived.
type PacketResult struct {
	SequenceNumber uint16
	Received       bool
	Delta          time.Duration
}

// Feedback is the decoded form of one TCC feedback packet: the header
// fields plus one PacketResult per wide sequence number the report covers,
// in ascending sequence order starting at BaseSequenceNumber.
type Feedback struct {
	SenderSSRC          uint32
	MediaSSRC           uint32
	BaseSequenceNumber  uint16
	PacketStatusCount   uint16
	ReferenceTimeMs     uint64
	FeedbackPacketCount uint8
	Results             []PacketResult
}

// Parse decodes a TCC feedback packet produced by Builder.Serialize (or any
// other draft-holmer-rmcat-transport-wide-cc-extensions-01-compliant
// sender). It delegates the header/chunk/delta wire decoding to
// rtcp.TransportLayerCC.Unmarshal, then walks the decoded chunks in order to
// reconstruct one PacketResult per sequence number, matching the pairing
// AddPacket/fillChunk produced when the report was built.
func Parse(data []byte) (*Feedback, error) {
	var packet rtcp.TransportLayerCC
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("tcc: parse: %w", err)
	}

	fb := &Feedback{
		SenderSSRC:          packet.SenderSSRC,
		MediaSSRC:           packet.MediaSSRC,
		BaseSequenceNumber:  packet.BaseSequenceNumber,
		PacketStatusCount:   packet.PacketStatusCount,
		ReferenceTimeMs:     uint64(packet.ReferenceTime) * 64,
		FeedbackPacketCount: packet.FbPktCount,
		Results:             make([]PacketResult, 0, packet.PacketStatusCount),
	}

	deltaIdx := 0
	nextDelta := func() time.Duration {
		if deltaIdx >= len(packet.RecvDeltas) {
			return 0
		}
		d := packet.RecvDeltas[deltaIdx]
		deltaIdx++
		return time.Duration(d.Delta) * time.Microsecond
	}

	sequenceNumber := packet.BaseSequenceNumber
	appendResult := func(symbol uint16) {
		result := PacketResult{SequenceNumber: sequenceNumber}
		if symbol != rtcp.TypeTCCPacketNotReceived {
			result.Received = true
			result.Delta = nextDelta()
		}
		fb.Results = append(fb.Results, result)
		sequenceNumber++
	}

	for _, c := range packet.PacketChunks {
		switch chunk := c.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < chunk.RunLength; i++ {
				appendResult(chunk.PacketStatusSymbol)
			}
		case *rtcp.StatusVectorChunk:
			for _, symbol := range chunk.SymbolList {
				appendResult(symbol)
			}
		default:
			return nil, fmt.Errorf("tcc: parse: unsupported chunk type %T", c)
		}
	}

	return fb, nil
}

// writeCommonHeader fills in the RTCP common header + feedback-packet
// header (V=2, P=0, FMT=15, PT=205, length, sender/media SSRC).
func writeCommonHeader(buf []byte, b *Builder) {
	const (
		version = 2
		fmtTCC  = 15
		ptTCC   = 205
	)
	length := uint16(b.GetSize()/4 - 1)
	buf[0] = (version << 6) | fmtTCC
	buf[1] = ptTCC
	binary.BigEndian.PutUint16(buf[2:], length)
	binary.BigEndian.PutUint32(buf[4:], b.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:], b.MediaSSRC)
}
