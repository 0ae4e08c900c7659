// Package seq rewrites a sequence number space that may contain gaps (due to
// packets being dropped before retransmission or padding/probe packets being
// discarded) into a dense, monotonically increasing output space, the way an
// RTX-capable send path must so a downstream receiver never observes a hole
// that the core itself introduced.
package seq

// Unsigned is the set of sequence/picture-ID widths this package rewrites.
// Go generics have no way to recover std::numeric_limits<T>::max() from a
// type parameter, so maxValue below is supplied by the constructor instead of
// derived from T.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32
}

// Manager rewrites an input sequence space with gaps into a dense output
// space. It is not safe for concurrent use; callers serialize access through
// their own single-threaded dispatch (see pkg/eventloop).
type Manager[T Unsigned] struct {
	maxValue T

	base      T
	maxOutput T
	maxInput  T
	started   bool
	dropped   []T // ascending, kept small by Input's pruning pass
}

// NewManager constructs a Manager for a sequence space whose values wrap at
// maxValue (e.g. 0xFFFF for RFC 3550 sequence numbers, 0xFF for an 8-bit
// picture ID).
func NewManager[T Unsigned](maxValue T) *Manager[T] {
	return &Manager[T]{maxValue: maxValue}
}

// IsSeqLowerThan reports whether lhs precedes rhs in a wrapped sequence space
// bounded by maxValue, i.e. the shorter forward distance from lhs to rhs does
// not exceed half the space.
func IsSeqLowerThan[T Unsigned](lhs, rhs, maxValue T) bool {
	return ((rhs > lhs) && (rhs-lhs <= maxValue/2)) ||
		((lhs > rhs) && (lhs-rhs > maxValue/2))
}

// IsSeqHigherThan is the complement of IsSeqLowerThan (strict, with lhs==rhs
// false in both).
func IsSeqHigherThan[T Unsigned](lhs, rhs, maxValue T) bool {
	return ((lhs > rhs) && (lhs-rhs <= maxValue/2)) ||
		((rhs > lhs) && (rhs-lhs > maxValue/2))
}

func (m *Manager[T]) isSeqLowerThan(lhs, rhs T) bool  { return IsSeqLowerThan(lhs, rhs, m.maxValue) }
func (m *Manager[T]) isSeqHigherThan(lhs, rhs T) bool { return IsSeqHigherThan(lhs, rhs, m.maxValue) }

// Sync anchors the output space so that a following Input(input+1) call
// produces maxOutput+1, discarding any pending drop records. Used when a
// stream restarts (e.g. after a long gap) and prior ordering guarantees no
// longer apply.
func (m *Manager[T]) Sync(input T) {
	m.base = m.maxOutput - input
	m.maxInput = input
	m.dropped = m.dropped[:0]
}

// Offset shifts the base by the given amount, used when an external actor
// (e.g. a consumer resuming after a pause) needs to nudge the output space
// without a full Sync.
func (m *Manager[T]) Offset(offset T) {
	m.base += offset
}

// Drop records that an input value will never be passed to Input, so the
// output space can be contracted by one when Input later passes that point.
// A drop older than the highest input seen so far is ignored — it can no
// longer affect the base.
func (m *Manager[T]) Drop(input T) {
	if !m.isSeqHigherThan(input, m.maxInput) {
		return
	}
	// keep `dropped` sorted ascending in this wrapped space; insertion is
	// linear but the set is pruned aggressively by Input so it stays small.
	idx := len(m.dropped)
	for i, v := range m.dropped {
		if m.isSeqLowerThan(input, v) {
			idx = i
			break
		}
		if v == input {
			return
		}
	}
	m.dropped = append(m.dropped, m.maxValue)
	copy(m.dropped[idx+1:], m.dropped[idx:])
	m.dropped[idx] = input
}

// Input maps input into the output space, returning false if input was
// previously recorded as dropped (it must not be forwarded).
func (m *Manager[T]) Input(input T) (output T, ok bool) {
	base := m.base

	if len(m.dropped) > 0 {
		// prune drop records older than input - maxValue/2: they can no
		// longer be queried and would otherwise grow this slice forever.
		cutoff := input - m.maxValue/2
		prunedFrom := 0
		for prunedFrom < len(m.dropped) && m.isSeqLowerThan(m.dropped[prunedFrom], cutoff) {
			prunedFrom++
		}
		removed := prunedFrom
		m.dropped = m.dropped[prunedFrom:]
		m.base -= T(removed)

		// count drop records strictly before input to adjust base, and
		// reject input outright if it is itself a recorded drop.
		before := 0
		for before < len(m.dropped) && m.isSeqLowerThan(m.dropped[before], input) {
			before++
		}
		if before < len(m.dropped) && m.dropped[before] == input {
			return 0, false
		}
		base = m.base - T(before)
	}

	output = input + base

	if !m.started {
		m.started = true
		m.maxInput, m.maxOutput = input, output
		return output, true
	}

	idelta := input - m.maxInput
	odelta := output - m.maxOutput

	if idelta < m.maxValue/2 {
		m.maxInput = input
	}
	if odelta < m.maxValue/2 {
		m.maxOutput = output
	}

	return output, true
}

// GetMaxInput returns the highest input value admitted so far.
func (m *Manager[T]) GetMaxInput() T { return m.maxInput }

// GetMaxOutput returns the highest output value produced so far.
func (m *Manager[T]) GetMaxOutput() T { return m.maxOutput }
