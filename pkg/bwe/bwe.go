// Package bwe adapts an external bandwidth estimator into the narrow shape
// the bitrate allocator needs. Computing the estimate (GCC, REMB, TWCC-CC)
// is explicitly out of scope for the send-side core; this package only
// reads one, matching pion/interceptor's cc.BandwidthEstimator surface so a
// real GCC implementation can be plugged in without adapting its API.
package bwe

import gcc "github.com/pion/interceptor/pkg/gcc"

// estimatorSatisfiedByGCC is a compile-time check that pion/interceptor's
// real GCC estimator actually has the shape Estimator assumes, so this
// package's narrower interface can't silently drift from the library it
// exists to accept without a build failure here first.
var _ Estimator = (*gcc.SendSideBWE)(nil)

// Estimator is the subset of pion/interceptor's cc.BandwidthEstimator that
// the allocator consumes: a current target bitrate, and a way to be told
// when it changes so the allocator can react between its own polling ticks
// instead of waiting for the next one.
type Estimator interface {
	// GetTargetBitrate returns the estimator's most recent bitrate estimate,
	// in bits per second.
	GetTargetBitrate() int

	// OnTargetBitrateChange registers a callback invoked whenever the
	// estimate changes. Only the most recently registered callback fires;
	// callers that need multiple listeners should fan out themselves.
	OnTargetBitrateChange(f func(bitrateBps int))
}

// Static wraps a fixed bitrate as an Estimator, for tests and for deployments
// that cap available bandwidth by policy instead of active measurement.
type Static struct {
	bitrateBps int
	onChange   func(int)
}

func NewStatic(bitrateBps int) *Static {
	return &Static{bitrateBps: bitrateBps}
}

func (s *Static) GetTargetBitrate() int { return s.bitrateBps }

func (s *Static) OnTargetBitrateChange(f func(bitrateBps int)) { s.onChange = f }

// Set updates the fixed bitrate and fires the registered callback, letting
// tests simulate a bandwidth estimator pushing a new measurement.
func (s *Static) Set(bitrateBps int) {
	s.bitrateBps = bitrateBps
	if s.onChange != nil {
		s.onChange(bitrateBps)
	}
}
