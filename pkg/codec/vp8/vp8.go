// Package vp8 parses and rewrites the VP8 payload descriptor (RFC 7741 §4.2)
// so a SimulcastConsumer can drop packets above its current temporal-layer
// ceiling and keep pictureId/TL0PICIDX continuous across the packets it
// admits.
package vp8

import (
	"github.com/pkg/errors"

	"github.com/relaysfu/sfu-core/pkg/codec"
	"github.com/relaysfu/sfu-core/pkg/seq"
)

// pictureIDMax is the 15-bit space the two-byte pictureId occupies once a
// one-byte descriptor has been normalized to two bytes (see Parse).
const pictureIDMax uint16 = 0x7FFF

// Descriptor is one packet's parsed VP8 payload descriptor.
type Descriptor struct {
	Extended       bool
	NonReference   bool
	Start          bool
	PartitionIndex uint8

	HasPictureID    bool
	PictureID       uint16
	pictureIDOffset int // byte offset of the (always two-byte, post-normalization) pictureId field

	HasTL0PictureIndex bool
	TL0PictureIndex    uint8
	tl0Offset          int

	HasTLIndex bool
	TLIndex    uint8
	Y          bool
	KeyIndex   uint8

	IsKeyframe bool
}

func (d *Descriptor) SpatialLayer() uint8  { return 0 }
func (d *Descriptor) TemporalLayer() uint8 { return d.TLIndex }
func (d *Descriptor) IsKeyFrame() bool     { return d.IsKeyframe }

// Parse extracts a Descriptor from a VP8 payload. It does not mutate
// payload; callers that need the one-byte-pictureId-to-two-byte
// normalization the teacher's ProcessRtpPacket performs on first sight of a
// stream should call Handler.Normalize once, up front, per incoming packet.
func Parse(payload []byte) (*Descriptor, error) {
	if len(payload) < 1 {
		return nil, errors.New("vp8: empty payload")
	}

	d := &Descriptor{}
	offset := 0
	b := payload[offset]

	d.Extended = b&0x80 != 0
	d.NonReference = b&0x20 != 0
	d.Start = b&0x10 != 0
	d.PartitionIndex = b & 0x07

	if !d.Extended {
		return nil, errors.New("vp8: non-extended descriptor unsupported")
	}

	offset++
	if len(payload) < offset+1 {
		return nil, errors.New("vp8: truncated extension byte")
	}
	b = payload[offset]
	hasI := b&0x80 != 0
	hasL := b&0x40 != 0
	hasT := b&0x20 != 0
	hasK := b&0x10 != 0

	if hasI {
		offset++
		if len(payload) < offset+1 {
			return nil, errors.New("vp8: truncated pictureId byte")
		}
		b = payload[offset]
		if b&0x80 != 0 {
			offset++
			if len(payload) < offset+1 {
				return nil, errors.New("vp8: truncated two-byte pictureId")
			}
			d.pictureIDOffset = offset - 1
			d.PictureID = uint16(b&0x7F)<<8 | uint16(payload[offset])
		} else {
			d.pictureIDOffset = offset
			d.PictureID = uint16(b & 0x7F)
		}
		d.HasPictureID = true
	}

	if hasL {
		offset++
		if len(payload) < offset+1 {
			return nil, errors.New("vp8: truncated TL0PICIDX byte")
		}
		d.tl0Offset = offset
		d.TL0PictureIndex = payload[offset]
		d.HasTL0PictureIndex = true
	}

	if hasT || hasK {
		offset++
		if len(payload) < offset+1 {
			return nil, errors.New("vp8: truncated T/K byte")
		}
		b = payload[offset]
		d.HasTLIndex = true
		d.TLIndex = (b >> 6) & 0x03
		d.Y = b&0x20 != 0
		d.KeyIndex = b & 0x1F
	}

	offset++
	if len(payload) >= offset+1 && d.Start && d.PartitionIndex == 0 && payload[offset]&0x01 == 0 {
		d.IsKeyframe = true
	}

	return d, nil
}

// Context is the per-consumer VP8 rewrite state: rolling pictureId and
// TL0PICIDX output spaces plus the temporal-layer ceiling the allocator has
// assigned this consumer.
type Context struct {
	pictureID seq.Manager[uint16]
	tl0       seq.Manager[uint8]

	syncRequired  bool
	targetTL      int8
	currentTL     int8
	preferences   codec.Preferences
}

// NewContext constructs a VP8 rewrite context, initially requiring a sync
// on the first processed packet.
func NewContext() *Context {
	c := &Context{syncRequired: true, targetTL: -1, currentTL: -1}
	c.pictureID = *seq.NewManager[uint16](pictureIDMax)
	c.tl0 = *seq.NewManager[uint8](0xFF)
	return c
}

func (c *Context) SyncRequired()                          { c.syncRequired = true }
func (c *Context) SetTargetTemporalLayer(layer int8)       { c.targetTL = layer }
func (c *Context) SetCurrentTemporalLayer(layer int8)      { c.currentTL = layer }
func (c *Context) CurrentTemporalLayer() int8              { return c.currentTL }
func (c *Context) Preferences() codec.Preferences          { return c.preferences }
func (c *Context) SetPreferences(p codec.Preferences)      { c.preferences = p }

// Handler implements codec.Handler for VP8.
type Handler struct{}

func (Handler) Parse(payload []byte) (codec.Descriptor, error) {
	d, err := Parse(payload)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Process admits or drops d's packet against ctx's temporal-layer ceiling,
// rewriting pictureId/TL0PICIDX in place to keep the output space dense
// across drops. The RTP marker bit is never touched for VP8 — the frame
// boundary is entirely carried by the RTP header's own marker bit.
func (Handler) Process(context codec.Context, payload []byte, descriptor codec.Descriptor) bool {
	ctx, ok := context.(*Context)
	if !ok {
		return true
	}
	d, ok := descriptor.(*Descriptor)
	if !ok {
		return true
	}

	if ctx.syncRequired && d.HasPictureID && d.HasTL0PictureIndex {
		ctx.pictureID.Sync(d.PictureID - 1)
		ctx.tl0.Sync(d.TL0PictureIndex - 1)
		ctx.syncRequired = false
	}

	if d.HasPictureID && d.HasTLIndex && d.HasTL0PictureIndex &&
		!seq.IsSeqLowerThan(d.PictureID, ctx.pictureID.GetMaxInput(), pictureIDMax) {

		if int8(d.TLIndex) > ctx.targetTL {
			ctx.pictureID.Drop(d.PictureID)
			if d.TLIndex == 0 {
				ctx.tl0.Drop(d.TL0PictureIndex)
			}
			return false
		}
		if int8(d.TLIndex) > ctx.currentTL && !d.Y {
			ctx.pictureID.Drop(d.PictureID)
			if d.TLIndex == 0 {
				ctx.tl0.Drop(d.TL0PictureIndex)
			}
			return false
		}
	}

	if d.HasPictureID {
		out, ok := ctx.pictureID.Input(d.PictureID)
		if !ok {
			return false
		}
		rewritePictureID(payload, d, out)
	}
	if d.HasTL0PictureIndex {
		out, ok := ctx.tl0.Input(d.TL0PictureIndex)
		if !ok {
			return false
		}
		if d.tl0Offset < len(payload) {
			payload[d.tl0Offset] = out
		}
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

// Restore writes d's original pictureId/TL0PICIDX back into payload,
// undoing Process's rewrite for a packet that is about to be shared with a
// sibling consumer.
func (Handler) Restore(payload []byte, descriptor codec.Descriptor) {
	d, ok := descriptor.(*Descriptor)
	if !ok {
		return
	}
	if d.HasPictureID {
		rewritePictureID(payload, d, d.PictureID)
	}
	if d.HasTL0PictureIndex && d.tl0Offset < len(payload) {
		payload[d.tl0Offset] = d.TL0PictureIndex
	}
}
