package seq

import "unsafe"

// extendable is the set of widths WrapAround tracks (RTP sequence numbers
// are 16-bit, RTP timestamps are 32-bit).
type extendable interface {
	~uint16 | ~uint32
}

// extended is the wider integer an extendable value's cycle-counted form is
// expressed in.
type extended interface {
	~uint32 | ~uint64
}

// WrapAround extends a wrapping counter (sequence number or timestamp) into
// a monotonically comparable wide value by tracking how many times it has
// cycled, and re-anchors its notion of "start" when a very out-of-order
// value arrives before the stream has seen a full cycle.
type WrapAround[T extendable, ET extended] struct {
	fullRange ET

	initialized bool
	start       T
	highest     T
	cycles      int
}

// NewWrapAround constructs a tracker for a counter of width T.
func NewWrapAround[T extendable, ET extended]() *WrapAround[T, ET] {
	var t T
	return &WrapAround[T, ET]{
		fullRange: 1 << (unsafe.Sizeof(t) * 8),
	}
}

// Seed copies another tracker's state, used when a consumer takes over an
// already-running stream's position (e.g. after a layer switch).
func (w *WrapAround[T, ET]) Seed(from *WrapAround[T, ET]) {
	w.initialized = from.initialized
	w.start = from.start
	w.highest = from.highest
	w.cycles = from.cycles
}

// UpdateResult reports how Update classified the new value.
type UpdateResult[ET extended] struct {
	IsRestart          bool
	PreExtendedStart   ET // valid only if IsRestart
	PreExtendedHighest ET
	ExtendedVal        ET
}

// Update folds val into the tracker, returning its wide, cycle-aware
// extension and whether the tracker's start had to be re-anchored.
func (w *WrapAround[T, ET]) Update(val T) (result UpdateResult[ET]) {
	if !w.initialized {
		result.PreExtendedHighest = ET(val) - 1
		result.ExtendedVal = ET(val)

		w.start = val
		w.highest = val
		w.initialized = true
		return
	}

	result.PreExtendedHighest = w.GetExtendedHighest()

	gap := val - w.highest
	if gap == 0 || gap > T(w.fullRange>>1) {
		// duplicate or out-of-order
		result.IsRestart, result.PreExtendedStart, result.ExtendedVal = w.maybeAdjustStart(val)
		return
	}

	// in-order
	if val < w.highest {
		w.cycles++
	}
	w.highest = val

	result.ExtendedVal = ET(w.cycles)*w.fullRange + ET(val)
	return
}

// ResetHighest forcibly sets the highest-seen value without altering cycles,
// used after a Sync-style discontinuity elsewhere in the pipeline.
func (w *WrapAround[T, ET]) ResetHighest(val T) {
	w.highest = val
}

// GetStart returns the raw (non-extended) first value seen.
func (w *WrapAround[T, ET]) GetStart() T { return w.start }

// GetExtendedStart returns the first value seen, extended to ET.
func (w *WrapAround[T, ET]) GetExtendedStart() ET { return ET(w.start) }

// GetHighest returns the raw (non-extended) highest value seen.
func (w *WrapAround[T, ET]) GetHighest() T { return w.highest }

// GetExtendedHighest returns the highest value seen, in cycle-extended form.
func (w *WrapAround[T, ET]) GetExtendedHighest() ET {
	return ET(w.cycles)*w.fullRange + ET(w.highest)
}

func (w *WrapAround[T, ET]) maybeAdjustStart(val T) (isRestart bool, preExtendedStart ET, extendedVal ET) {
	isWrapBack := func() bool {
		return ET(w.highest) < (w.fullRange>>1) && ET(val) >= (w.fullRange>>1)
	}

	cycles := w.cycles
	totalNum := w.GetExtendedHighest() - w.GetExtendedStart() + 1
	if totalNum > (w.fullRange >> 1) {
		if isWrapBack() {
			cycles--
		}
		extendedVal = ET(cycles)*w.fullRange + ET(val)
		return
	}

	if val-w.start > T(w.fullRange>>1) {
		// out-of-order relative to the existing start: re-anchor
		isRestart = true
		preExtendedStart = w.GetExtendedStart()

		if val > w.highest {
			w.cycles = 1
			cycles = 0
		}
		w.start = val
	} else if isWrapBack() {
		cycles--
	}
	extendedVal = ET(cycles)*w.fullRange + ET(val)
	return
}
