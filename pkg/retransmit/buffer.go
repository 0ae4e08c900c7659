// Package retransmit implements the bounded retransmission window a send
// stream keeps so it can answer NACKs without re-asking the producer for
// packets it already forwarded once.
package retransmit

import (
	"time"

	"github.com/gammazero/deque"
	"github.com/relaysfu/sfu-core/pkg/rtppkt"
	"github.com/relaysfu/sfu-core/pkg/seq"
)

// DefaultMaxItems bounds the number of slots (including blanks) the buffer
// will hold regardless of age, matching the send-side budget this component
// is sized against.
const DefaultMaxItems = 2500

// MaxDelay is the per-media-kind age bound: a packet whose timestamp is more
// than this far behind the newest stored packet, measured in RTP clock
// ticks converted through the stream's clock rate, is evicted even if the
// item count is under MaxItems.
const (
	MaxDelayVideo = 2000 * time.Millisecond
	MaxDelayAudio = 1000 * time.Millisecond
)

// item is a single retransmission slot. A nil *item in the deque
// represents a blank (gap) slot — a sequence number known to exist but
// never stored, e.g. because it arrived out of the buffer's size budget.
type item struct {
	packet    *rtppkt.Packet
	sequence  uint16
	timestamp uint32

	resentAt  time.Time
	sentTimes int
}

// Buffer is an ordered, gap-tolerant window of recently sent packets indexed
// by sequence number. It is not safe for concurrent use; the owning stream
// serializes access through the cooperative event loop.
type Buffer struct {
	maxItems  int
	maxDelay  time.Duration
	clockRate uint32

	items    deque.Deque[*item]
	startSeq uint16
}

// New constructs a Buffer bounded by maxItems slots and maxDelay of RTP
// timestamp age, using clockRate to convert timestamp ticks to wall time.
func New(maxItems int, maxDelay time.Duration, clockRate uint32) *Buffer {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Buffer{
		maxItems:  maxItems,
		maxDelay:  maxDelay,
		clockRate: clockRate,
	}
}

// Get returns the stored packet for seq, or nil if it is outside the window
// or was never stored (a blank slot).
func (b *Buffer) Get(sn uint16) *rtppkt.Packet {
	it := b.getItem(sn)
	if it == nil {
		return nil
	}
	return it.packet
}

func (b *Buffer) getItem(sn uint16) *item {
	if b.items.Len() == 0 {
		return nil
	}
	if seq.IsSeqLowerThan(sn, b.startSeq, 0xFFFF) {
		return nil
	}
	idx := int(sn - b.startSeq)
	if idx > b.items.Len()-1 {
		return nil
	}
	return b.items.At(idx)
}

func (b *Buffer) oldest() *item {
	if b.items.Len() == 0 {
		return nil
	}
	return b.getItem(b.startSeq)
}

func (b *Buffer) newest() *item {
	if b.items.Len() == 0 {
		return nil
	}
	return b.getItem(b.startSeq + uint16(b.items.Len()-1))
}

// Insert tries to store pkt in the buffer. It assumes the packet's sequence
// number is plausible relative to the buffer's current contents; packets
// that are too old, or whose timestamp does not fit the buffer's monotone
// timestamp-vs-sequence invariant, are silently discarded (the caller has
// nothing useful to do with a discarded retransmission candidate).
func (b *Buffer) Insert(pkt *rtppkt.Packet) {
	sn := pkt.SequenceNumber()
	ts := pkt.Timestamp()

	if b.items.Len() == 0 {
		b.items.PushBack(&item{packet: pkt, sequence: sn, timestamp: ts})
		b.startSeq = sn
		return
	}

	b.clearTooOld()
	if b.items.Len() == 0 {
		b.items.PushBack(&item{packet: pkt, sequence: sn, timestamp: ts})
		b.startSeq = sn
		return
	}

	oldest := b.oldest()
	newest := b.newest()

	switch {
	case seq.IsSeqHigherThan(sn, newest.sequence, 0xFFFF):
		if seq.IsSeqLowerThan(ts, newest.timestamp, 0xFFFFFFFF) {
			return // higher seq but lower timestamp: inconsistent, drop
		}
		numBlank := int(sn - newest.sequence - 1)
		if b.items.Len()+numBlank+1 > b.maxItems {
			numRemove := b.items.Len() + numBlank + 1 - b.maxItems
			if numRemove > b.items.Len()-1 {
				b.Clear()
				numBlank = 0
				b.startSeq = sn
			} else {
				b.removeFromFrontAtLeast(numRemove)
			}
		}
		for i := 0; i < numBlank; i++ {
			b.items.PushBack(nil)
		}
		b.items.PushBack(&item{packet: pkt, sequence: sn, timestamp: ts})

	case seq.IsSeqLowerThan(sn, oldest.sequence, 0xFFFF):
		if b.isTooOld(ts, newest.timestamp) {
			return
		}
		if seq.IsSeqHigherThan(ts, oldest.timestamp, 0xFFFFFFFF) {
			return // lower seq but higher timestamp: inconsistent, drop
		}
		numBlank := int(oldest.sequence - sn - 1)
		if b.items.Len()+numBlank+1 > b.maxItems {
			return // would exceed budget to extend backwards; discard
		}
		for i := 0; i < numBlank; i++ {
			b.items.PushFront(nil)
		}
		b.items.PushFront(&item{packet: pkt, sequence: sn, timestamp: ts})
		b.startSeq = sn

	default:
		if existing := b.getItem(sn); existing != nil {
			return // duplicate slot already filled
		}
		idx := int(sn - b.startSeq)
		for i := idx - 1; i >= 0; i-- {
			older := b.items.At(i)
			if older == nil {
				continue
			}
			if ts >= older.timestamp {
				break
			}
			return
		}
		for i := idx + 1; i < b.items.Len(); i++ {
			newer := b.items.At(i)
			if newer == nil {
				continue
			}
			if ts <= newer.timestamp {
				break
			}
			return
		}
		b.items.Set(idx, &item{packet: pkt, sequence: sn, timestamp: ts})
	}
}

// Clear empties the buffer, releasing every held packet reference.
func (b *Buffer) Clear() {
	for b.items.Len() > 0 {
		if it := b.items.PopFront(); it != nil {
			it.packet.Release()
		}
	}
	b.startSeq = 0
}

func (b *Buffer) removeOldest() {
	if b.items.Len() == 0 {
		return
	}
	if it := b.items.PopFront(); it != nil {
		it.packet.Release()
	}
	b.startSeq++
	for b.items.Len() > 0 && b.items.Front() == nil {
		b.items.PopFront()
		b.startSeq++
	}
	if b.items.Len() == 0 {
		b.startSeq = 0
	}
}

func (b *Buffer) removeFromFrontAtLeast(numItems int) {
	target := b.items.Len() - numItems
	for b.items.Len() > target {
		b.removeOldest()
	}
}

func (b *Buffer) clearTooOld() {
	newest := b.newest()
	if newest == nil {
		return
	}
	for {
		oldest := b.oldest()
		if oldest == nil {
			return
		}
		if b.isTooOld(oldest.timestamp, newest.timestamp) {
			b.removeOldest()
			continue
		}
		return
	}
}

func (b *Buffer) isTooOld(timestamp, newestTimestamp uint32) bool {
	if seq.IsSeqHigherThan(timestamp, newestTimestamp, 0xFFFFFFFF) {
		return false
	}
	diff := newestTimestamp - timestamp
	if b.clockRate == 0 {
		return false
	}
	age := time.Duration(diff) * time.Second / time.Duration(b.clockRate)
	return age > b.maxDelay
}

// GetWithHistory returns the stored packet for sn along with its
// retransmission history (the wall-clock time it was last resent, zero if
// never, and how many times it has been resent), for a send stream's
// RTT-debounced NACK response.
func (b *Buffer) GetWithHistory(sn uint16) (*rtppkt.Packet, time.Time, int) {
	it := b.getItem(sn)
	if it == nil {
		return nil, time.Time{}, 0
	}
	return it.packet, it.resentAt, it.sentTimes
}

// MarkResent records that sn was resent at t, for RTT-debounced throttling
// of subsequent NACKs requesting the same sequence number.
func (b *Buffer) MarkResent(sn uint16, t time.Time) {
	it := b.getItem(sn)
	if it == nil {
		return
	}
	it.resentAt = t
	it.sentTimes++
}

// Len reports how many slots (including blanks) the buffer currently holds.
func (b *Buffer) Len() int { return b.items.Len() }

// StartSeq reports the sequence number of the oldest slot, valid only when
// Len() > 0.
func (b *Buffer) StartSeq() uint16 { return b.startSeq }
