// Package codec holds the payload-descriptor contract that Simulcast and
// SVC consumers rewrite through: a per-packet parser that classifies a
// packet's spatial/temporal layer and keyframe-ness, and a per-consumer
// Process step that rewrites (or drops) the payload to match whatever layer
// that consumer currently has selected.
//
// A SimpleConsumer or PipeConsumer never touches this package — they
// forward a producer's single stream unmodified aside from SSRC/sequence
// rewriting.
package codec

import "github.com/pion/webrtc/v3"

// LayerAny marks a Preferences field as "no ceiling" — forward whatever
// layer arrives rather than gating on it.
const LayerAny uint8 = 0xFF

// Preferences pins a consumer's desired output layer ceiling, consulted by
// a Handler's Process step.
type Preferences struct {
	SpatialLayer  uint8
	TemporalLayer uint8
}

// Context carries the per-consumer rewriting state a Handler consults and
// mutates while processing a sequence of packets: VP8's rolling
// pictureId/TL0PICIDX managers, VP9/H264's current-vs-target temporal
// layer, and the one-shot "the next admitted packet starts a fresh layer
// run" flag every switch sets.
type Context interface {
	// SyncRequired marks that the next packet accepted by Process should
	// reset any rolling rewrite state (picture ID continuity, temporal
	// layer bookkeeping) as if this were the first packet ever seen.
	SyncRequired()
	SetTargetTemporalLayer(layer int8)
	SetCurrentTemporalLayer(layer int8)
	CurrentTemporalLayer() int8
	Preferences() Preferences
}

// Descriptor is a parsed, codec-specific payload descriptor for one packet.
type Descriptor interface {
	SpatialLayer() uint8
	TemporalLayer() uint8
	IsKeyFrame() bool
}

// Handler parses and rewrites one codec's payload descriptor in place.
// Implementations are not safe for concurrent use; one Handler instance is
// owned by exactly one consumer's Process call site.
type Handler interface {
	// Parse extracts a Descriptor from payload without mutating it. A
	// malformed or unrecognized payload returns a nil Descriptor together
	// with a non-nil error — the caller's response is always the same (drop
	// the packet), and the error carries the detail for diagnostics.
	Parse(payload []byte) (Descriptor, error)

	// Process rewrites payload in place for forwarding under ctx's current
	// layer selection and reports whether the packet should be forwarded
	// at all (false means the packet belongs to a layer the consumer isn't
	// sending and must be dropped).
	Process(ctx Context, payload []byte, desc Descriptor) (forward bool)

	// Restore undoes Process's in-place rewrite so a payload buffer shared
	// with a sibling consumer (or the retransmission buffer) is left as it
	// arrived.
	Restore(payload []byte, desc Descriptor)
}

// MarkerRewriter is implemented by handlers (VP9's K-SVC mode) that need to
// override the RTP marker bit based on layer state rather than passing the
// producer's own marker bit through unchanged.
type MarkerRewriter interface {
	RewriteMarker(desc Descriptor, currentSpatialLayer uint8) (marker bool, override bool)
}

// SpatialLayerSwitcher is implemented by a Context (VP9's K-SVC mode) that
// tracks a target spatial layer separately from the temporal layer every
// Context tracks; SvcConsumer calls SetTargetSpatial as it switches layers.
type SpatialLayerSwitcher interface {
	SetTargetSpatial(layer uint8)
}

// CanBeKeyFrame reports whether mimeType's codec carries keyframe
// information a SimpleConsumer/SimulcastConsumer can gate resync on. Audio
// codecs and codecs this package has no descriptor handler for return
// false, matching the teacher's "unsupported codec never blocks on a
// keyframe" behavior.
func CanBeKeyFrame(mimeType string) bool {
	switch mimeType {
	case webrtc.MimeTypeVP8, webrtc.MimeTypeVP9, webrtc.MimeTypeH264:
		return true
	default:
		return false
	}
}
