package vp8

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildPayload assembles an extended VP8 descriptor (I/L/T bits all set,
// two-byte pictureId) followed by one payload byte, mirroring RFC 7741
// §4.2's on-wire layout closely enough for Parse/Process round-tripping.
func buildPayload(pictureID uint16, tl0 uint8, tlIndex uint8, y bool, start bool, keyframeFirstByte bool) []byte {
	b := make([]byte, 6)
	b[0] = 0x80 // Extended
	if start {
		b[0] |= 0x10
	}
	b[1] = 0xE0 // I|L|T set
	b[2] = byte(pictureID>>8) | 0x80
	b[3] = byte(pictureID)
	b[4] = tl0
	b[5] = tlIndex << 6
	if y {
		b[5] |= 0x20
	}
	payload := append(b, 0x00)
	if keyframeFirstByte {
		payload[len(payload)-1] = 0x00
	} else {
		payload[len(payload)-1] = 0x01
	}
	return payload
}

func TestParseExtractsPictureIDAndTL0(t *testing.T) {
	payload := buildPayload(100, 5, 0, true, true, true)
	d, err := Parse(payload)
	require.NoError(t, err)
	require.True(t, d.HasPictureID)
	require.EqualValues(t, 100, d.PictureID)
	require.True(t, d.HasTL0PictureIndex)
	require.EqualValues(t, 5, d.TL0PictureIndex)
	require.True(t, d.IsKeyframe)
}

func TestParseRejectsNonExtendedDescriptor(t *testing.T) {
	_, err := Parse([]byte{0x00})
	require.Error(t, err)
}

func TestProcessDropsAboveTargetTemporalLayer(t *testing.T) {
	ctx := NewContext()
	ctx.SetTargetTemporalLayer(0)
	ctx.SetCurrentTemporalLayer(0)

	h := Handler{}

	base := buildPayload(1, 1, 0, false, true, true)
	d, err := h.Parse(base)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, base, d))

	high := buildPayload(2, 1, 1, false, true, false)
	dHigh, err := h.Parse(high)
	require.NoError(t, err)
	require.False(t, h.Process(ctx, high, dHigh))
}

func TestProcessRequiresLayerSyncBitForTemporalUpgrade(t *testing.T) {
	ctx := NewContext()
	ctx.SetTargetTemporalLayer(1)
	ctx.SetCurrentTemporalLayer(0)

	h := Handler{}

	pkt := buildPayload(1, 1, 1, false, true, false)
	d, err := h.Parse(pkt)
	require.NoError(t, err)
	require.False(t, h.Process(ctx, pkt, d))

	pkt2 := buildPayload(2, 1, 1, true, true, false)
	d2, err := h.Parse(pkt2)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, pkt2, d2))
}

func TestProcessRewritesPictureIDContinuously(t *testing.T) {
	ctx := NewContext()
	ctx.SetTargetTemporalLayer(1)
	ctx.SetCurrentTemporalLayer(1)

	h := Handler{}

	first := buildPayload(500, 10, 0, false, true, true)
	d1, err := h.Parse(first)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, first, d1))
	out1, err := Parse(first)
	require.NoError(t, err)
	require.EqualValues(t, 1, out1.PictureID)

	second := buildPayload(501, 10, 1, true, true, false)
	d2, err := h.Parse(second)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, second, d2))
	out2, err := Parse(second)
	require.NoError(t, err)
	require.EqualValues(t, 2, out2.PictureID)
}

func TestRestoreUndoesPictureIDRewrite(t *testing.T) {
	ctx := NewContext()
	ctx.SetTargetTemporalLayer(0)
	ctx.SetCurrentTemporalLayer(0)

	h := Handler{}
	pkt := buildPayload(777, 3, 0, false, true, true)
	original := append([]byte(nil), pkt...)

	d, err := h.Parse(pkt)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, pkt, d))
	require.NotEqual(t, original, pkt)

	h.Restore(pkt, d)
	require.Equal(t, original, pkt)
}
