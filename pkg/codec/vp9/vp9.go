// Package vp9 parses and rewrites the VP9 payload descriptor for K-SVC
// forwarding: a SvcConsumer admits only the spatial layer it currently
// targets (upgrading requires a keyframe) and must set the RTP marker bit
// itself on the last packet of that layer's frame, since the producer's own
// marker bit marks the end of the whole superframe, not of one spatial
// layer within it.
package vp9

import (
	"github.com/pkg/errors"

	"github.com/relaysfu/sfu-core/pkg/codec"
	"github.com/relaysfu/sfu-core/pkg/seq"
)

const pictureIDMax uint16 = 0x7FFF

// Descriptor is one packet's parsed VP9 payload descriptor (non-flexible
// mode; flexible-mode reference-index lists are not modeled since this
// router only ever selects one spatial/temporal layer to forward, never
// reassembles multiple reference chains).
type Descriptor struct {
	I, P, L, F, B, E, V bool

	HasPictureID    bool
	PictureID       uint16
	pictureIDOffset int

	HasLayerIndices bool
	SpatialID       uint8
	TemporalID      uint8
	SwitchingUp     bool
	InterLayerDep   bool
	layerOffset     int

	HasTL0PictureIndex bool
	TL0PictureIndex    uint8
	tl0Offset          int
}

func (d *Descriptor) SpatialLayer() uint8  { return d.SpatialID }
func (d *Descriptor) TemporalLayer() uint8 { return d.TemporalID }
func (d *Descriptor) IsKeyFrame() bool     { return !d.P && d.B && d.SpatialID == 0 }

// Parse extracts a Descriptor from a non-flexible-mode VP9 payload.
func Parse(payload []byte) (*Descriptor, error) {
	if len(payload) < 1 {
		return nil, errors.New("vp9: empty payload")
	}
	d := &Descriptor{}
	b := payload[0]
	d.I = b&0x80 != 0
	d.P = b&0x40 != 0
	d.L = b&0x20 != 0
	d.F = b&0x10 != 0
	d.B = b&0x08 != 0
	d.E = b&0x04 != 0
	d.V = b&0x02 != 0

	offset := 0

	if d.I {
		offset++
		if len(payload) < offset+1 {
			return nil, errors.New("vp9: truncated pictureId byte")
		}
		b = payload[offset]
		if b&0x80 != 0 {
			offset++
			if len(payload) < offset+1 {
				return nil, errors.New("vp9: truncated two-byte pictureId")
			}
			d.pictureIDOffset = offset - 1
			d.PictureID = uint16(b&0x7F)<<8 | uint16(payload[offset])
		} else {
			d.pictureIDOffset = offset
			d.PictureID = uint16(b & 0x7F)
		}
		d.HasPictureID = true
	}

	if d.L {
		offset++
		if len(payload) < offset+1 {
			return nil, errors.New("vp9: truncated layer-indices byte")
		}
		b = payload[offset]
		d.layerOffset = offset
		d.TemporalID = (b >> 5) & 0x07
		d.SwitchingUp = b&0x10 != 0
		d.SpatialID = (b >> 1) & 0x07
		d.InterLayerDep = b&0x01 != 0
		d.HasLayerIndices = true

		if !d.F {
			offset++
			if len(payload) < offset+1 {
				return nil, errors.New("vp9: truncated TL0PICIDX byte")
			}
			d.tl0Offset = offset
			d.TL0PictureIndex = payload[offset]
			d.HasTL0PictureIndex = true
		}
	}

	return d, nil
}

// Context is the per-consumer VP9 rewrite state.
type Context struct {
	pictureID seq.Manager[uint16]

	syncRequired bool
	targetTL     int8
	currentTL    int8
	preferences  codec.Preferences

	// TargetSpatial is the K-SVC spatial layer this consumer currently
	// forwards; set by the owning SvcConsumer as it switches layers.
	TargetSpatial uint8
}

func NewContext() *Context {
	c := &Context{syncRequired: true, targetTL: -1, currentTL: -1}
	c.pictureID = *seq.NewManager[uint16](pictureIDMax)
	return c
}

func (c *Context) SyncRequired()                     { c.syncRequired = true }
func (c *Context) SetTargetTemporalLayer(layer int8)  { c.targetTL = layer }
func (c *Context) SetCurrentTemporalLayer(layer int8) { c.currentTL = layer }
func (c *Context) CurrentTemporalLayer() int8         { return c.currentTL }
func (c *Context) Preferences() codec.Preferences     { return c.preferences }
func (c *Context) SetPreferences(p codec.Preferences) { c.preferences = p }

// SetTargetSpatial implements codec.SpatialLayerSwitcher.
func (c *Context) SetTargetSpatial(layer uint8) { c.TargetSpatial = layer }

// Handler implements codec.Handler and codec.MarkerRewriter for VP9.
type Handler struct{}

func (Handler) Parse(payload []byte) (codec.Descriptor, error) {
	d, err := Parse(payload)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Process admits packets at ctx.TargetSpatial only (K-SVC: spatial layers
// are independently decodable, so no lower-layer forwarding is needed the
// way simulcast's temporal-layer dropping requires), dropping every packet
// of another spatial layer that isn't a keyframe (the inter-layer
// dependency bit is not consulted), and rewriting pictureId for continuity.
func (Handler) Process(context codec.Context, payload []byte, descriptor codec.Descriptor) bool {
	ctx, ok := context.(*Context)
	if !ok {
		return true
	}
	d, ok := descriptor.(*Descriptor)
	if !ok {
		return true
	}

	if d.HasLayerIndices && d.SpatialID != ctx.TargetSpatial {
		if !d.IsKeyFrame() {
			return false
		}
	}

	if ctx.syncRequired && d.HasPictureID {
		ctx.pictureID.Sync(d.PictureID - 1)
		ctx.syncRequired = false
	}

	if d.HasPictureID {
		out, ok := ctx.pictureID.Input(d.PictureID)
		if !ok {
			return false
		}
		rewritePictureID(payload, d, out)
	}

	return true
}

func rewritePictureID(payload []byte, d *Descriptor, out uint16) {
	off := d.pictureIDOffset
	if off+1 >= len(payload) {
		return
	}
	payload[off] = byte(out>>8) | 0x80
	payload[off+1] = byte(out)
}

func (Handler) Restore(payload []byte, descriptor codec.Descriptor) {
	d, ok := descriptor.(*Descriptor)
	if !ok || !d.HasPictureID {
		return
	}
	rewritePictureID(payload, d, d.PictureID)
}

// RewriteMarker reports the marker bit a SvcConsumer should send: true only
// on a packet that both ends its layer frame (E bit) and belongs to the
// spatial layer currently being forwarded, since the producer's own marker
// bit marks the end of the whole superframe rather than of one layer.
func (Handler) RewriteMarker(descriptor codec.Descriptor, currentSpatialLayer uint8) (marker bool, override bool) {
	d, ok := descriptor.(*Descriptor)
	if !ok {
		return false, false
	}
	return d.E && d.SpatialID == currentSpatialLayer, true
}
