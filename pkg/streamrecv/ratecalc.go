package streamrecv

import "time"

// rateCalcWindow and rateCalcBuckets control the sliding-window bitrate
// estimate: total bytes received over the last window, bucketed at
// sub-window granularity so old traffic ages out smoothly rather than all
// at once. Mirrors mediasoup's RateCalculator (per-layer GetBitrate),
// reimplemented rather than ported since its header isn't in the retrieved
// pack — only call sites (TransmissionCounter::GetBitrate) are.
const (
	rateCalcWindow  = 2500 * time.Millisecond
	rateCalcBuckets = 10
	rateCalcBucketWidth = rateCalcWindow / rateCalcBuckets
)

// rateCalculator is a ring of fixed-width time buckets, each accumulating
// bytes seen during that slice; GetBitrate sums whichever buckets still fall
// within the window and reports bits/sec.
type rateCalculator struct {
	bucketStart [rateCalcBuckets]time.Time
	bucketBytes [rateCalcBuckets]uint64
}

func (r *rateCalculator) Update(size int, now time.Time) {
	idx := r.bucketIndex(now)
	if r.bucketStart[idx].IsZero() || now.Sub(r.bucketStart[idx]) >= rateCalcBucketWidth {
		r.bucketStart[idx] = now
		r.bucketBytes[idx] = 0
	}
	r.bucketBytes[idx] += uint64(size)
}

func (r *rateCalculator) GetBitrate(now time.Time) uint32 {
	var total uint64
	for i := range r.bucketStart {
		if r.bucketStart[i].IsZero() {
			continue
		}
		if now.Sub(r.bucketStart[i]) > rateCalcWindow {
			continue
		}
		total += r.bucketBytes[i]
	}
	if total == 0 {
		return 0
	}
	return uint32(total * 8 * uint64(time.Second) / uint64(rateCalcWindow))
}

func (r *rateCalculator) bucketIndex(now time.Time) int {
	return int(now.UnixNano()/int64(rateCalcBucketWidth)) % rateCalcBuckets
}
