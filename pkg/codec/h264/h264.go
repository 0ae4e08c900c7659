// Package h264 provides the minimal H264 payload inspection a
// SimulcastConsumer needs: keyframe detection (frame-marking extension when
// negotiated, NAL-type parsing as a fallback) and temporal-layer admission
// via the frame-marking TID field. H264 carries no picture ID or TL0PICIDX
// analogue, so unlike VP8 there is no rolling rewrite state to keep
// continuous — Process only ever admits or drops.
package h264

import (
	"github.com/relaysfu/sfu-core/pkg/codec"
)

const (
	nalTypeSTAPA   = 24
	nalTypeFUA     = 28
	nalTypeIDR     = 5
	fuaStartBit    = 0x80
)

// Descriptor reports one packet's NAL-derived classification. H264
// simulcast (one encoding per spatial resolution, no temporal sub-layering
// without the frame-marking extension) means TemporalLayer is 0 unless a
// frame-marking RTP header extension supplied one.
type Descriptor struct {
	Keyframe      bool
	HasFrameMark  bool
	TemporalID    uint8
}

func (d *Descriptor) SpatialLayer() uint8  { return 0 }
func (d *Descriptor) TemporalLayer() uint8 { return d.TemporalID }
func (d *Descriptor) IsKeyFrame() bool     { return d.Keyframe }

// Parse classifies payload's NAL unit(s). frameMarkingTID, frameMarkingSet
// carry the frame-marking RTP header extension's temporal ID when the
// offerer negotiated it; callers without that extension pass
// frameMarkingSet=false and Parse falls back to NAL-type inspection alone.
func Parse(payload []byte, frameMarkingTID uint8, frameMarkingSet bool) (*Descriptor, error) {
	d := &Descriptor{}
	if frameMarkingSet {
		d.HasFrameMark = true
		d.TemporalID = frameMarkingTID
	}
	if len(payload) == 0 {
		return d, nil
	}

	nalType := payload[0] & 0x1F
	switch nalType {
	case nalTypeIDR:
		d.Keyframe = true
	case nalTypeSTAPA:
		// A STAP-A aggregates multiple NALs; a keyframe aggregate carries
		// an IDR as one of its entries. Scan the embedded NAL headers.
		offset := 1
		for offset+2 <= len(payload) {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset >= len(payload) {
				break
			}
			if payload[offset]&0x1F == nalTypeIDR {
				d.Keyframe = true
				break
			}
			offset += size
		}
	case nalTypeFUA:
		if len(payload) >= 2 && payload[1]&fuaStartBit != 0 && payload[1]&0x1F == nalTypeIDR {
			d.Keyframe = true
		}
	}

	return d, nil
}

// Context is the per-consumer H264 admission state: just the temporal
// ceiling, since H264 has no picture-ID continuity to maintain.
type Context struct {
	syncRequired bool
	targetTL     int8
	currentTL    int8
	preferences  codec.Preferences
}

func NewContext() *Context {
	return &Context{syncRequired: true, targetTL: -1, currentTL: -1}
}

func (c *Context) SyncRequired()                     { c.syncRequired = true }
func (c *Context) SetTargetTemporalLayer(layer int8)  { c.targetTL = layer }
func (c *Context) SetCurrentTemporalLayer(layer int8) { c.currentTL = layer }
func (c *Context) CurrentTemporalLayer() int8         { return c.currentTL }
func (c *Context) Preferences() codec.Preferences     { return c.preferences }
func (c *Context) SetPreferences(p codec.Preferences) { c.preferences = p }

// Handler implements codec.Handler for H264. Frame-marking state lives on
// the RTP header extension, outside the payload this interface sees, so
// Handler.Parse never reports a temporal layer; callers that have the
// extension call the package-level Parse with its TID instead.
type Handler struct{}

func (Handler) Parse(payload []byte) (codec.Descriptor, error) {
	d, err := Parse(payload, 0, false)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Process admits payload unless its frame-marking temporal ID exceeds
// ctx's target; H264 has nothing to rewrite in place.
func (Handler) Process(context codec.Context, payload []byte, descriptor codec.Descriptor) bool {
	ctx, ok := context.(*Context)
	if !ok {
		return true
	}
	d, ok := descriptor.(*Descriptor)
	if !ok {
		return true
	}
	if d.HasFrameMark && int8(d.TemporalID) > ctx.targetTL {
		return false
	}
	return true
}

// Restore is a no-op: H264 Process never mutates payload.
func (Handler) Restore(payload []byte, descriptor codec.Descriptor) {}
