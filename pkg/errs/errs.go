// Package errs defines the error taxonomy shared by the send-side core:
// cheap sentinel reasons for expected per-packet discards, versus
// stack-wrapped typed errors for conditions that indicate a caller or
// internal invariant violation worth investigating.
package errs

import "github.com/pkg/errors"

// Sentinel discard reasons. These are compared with errors.Is and logged at
// debug level without a captured stack — they happen routinely (an
// out-of-window NACK, a retransmission that already expired) and are not
// exceptional.
var (
	ErrPacketTooOld        = errors.New("packet discarded: too old for retransmission window")
	ErrPacketDropped       = errors.New("packet discarded: sequence previously marked dropped")
	ErrPacketDuplicate     = errors.New("packet discarded: duplicate sequence number")
	ErrPacketOutOfWindow   = errors.New("packet discarded: sequence outside NACK buffer bounds")
	ErrLayerUnavailable    = errors.New("requested spatial/temporal layer unavailable")
	ErrKeyFrameNotRequired = errors.New("keyframe already requested within the current debounce window")
)

// TypeError indicates a malformed or unexpected wire value (e.g. a
// truncated RTCP packet). It carries a stack trace for post-mortem
// debugging since it should not occur in ordinary operation.
type TypeError struct {
	cause error
}

func NewTypeError(format string, args ...interface{}) error {
	return &TypeError{cause: errors.Errorf(format, args...)}
}

func (e *TypeError) Error() string { return "type error: " + e.cause.Error() }
func (e *TypeError) Unwrap() error { return e.cause }

// AssertionViolated indicates an internal invariant the core itself is
// responsible for maintaining was violated (e.g. a retransmission buffer
// exceeding its configured maximum). Always wrapped with a stack trace.
type AssertionViolated struct {
	cause error
}

func NewAssertionViolated(format string, args ...interface{}) error {
	return &AssertionViolated{cause: errors.Errorf(format, args...)}
}

func (e *AssertionViolated) Error() string { return "assertion violated: " + e.cause.Error() }
func (e *AssertionViolated) Unwrap() error { return e.cause }

// Wrap adds file/line stack context to err, for the rarer paths (config
// validation, construction) where the extra cost of capturing a stack is
// acceptable.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}
