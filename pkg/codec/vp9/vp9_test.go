package vp9

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildPayload assembles a non-flexible-mode VP9 descriptor: I|L bits set
// (two-byte pictureId), a layer-indices byte, and (since F is unset) a
// TL0PICIDX byte.
func buildPayload(pictureID uint16, spatialID, temporalID uint8, end bool, begin bool, predicted bool) []byte {
	b := make([]byte, 4)
	b[0] = 0x80 | 0x20 // I|L
	if end {
		b[0] |= 0x04 // E
	}
	if begin {
		b[0] |= 0x08 // B
	}
	if predicted {
		b[0] |= 0x40 // P
	}
	b[1] = byte(pictureID>>8) | 0x80
	b[2] = byte(pictureID)
	b[3] = (temporalID&0x07)<<5 | (spatialID&0x07)<<1
	tl0 := byte(1)
	return append(b, tl0)
}

func TestParseExtractsLayerIndicesAndPictureID(t *testing.T) {
	payload := buildPayload(42, 1, 2, true, true, false)
	d, err := Parse(payload)
	require.NoError(t, err)
	require.True(t, d.HasPictureID)
	require.EqualValues(t, 42, d.PictureID)
	require.True(t, d.HasLayerIndices)
	require.EqualValues(t, 1, d.SpatialID)
	require.EqualValues(t, 2, d.TemporalID)
	require.True(t, d.E)
}

func TestIsKeyFrameRequiresSpatialZeroAndNotPredicted(t *testing.T) {
	kf := buildPayload(1, 0, 0, false, true, false)
	d, err := Parse(kf)
	require.NoError(t, err)
	require.True(t, d.IsKeyFrame())

	notKf := buildPayload(1, 0, 0, false, true, true)
	d2, err := Parse(notKf)
	require.NoError(t, err)
	require.False(t, d2.IsKeyFrame())
}

func TestProcessDropsNonTargetSpatialLayer(t *testing.T) {
	ctx := NewContext()
	ctx.TargetSpatial = 1

	h := Handler{}
	pkt := buildPayload(1, 0, 0, false, true, true) // spatial 0, predicted, not a keyframe
	d, err := h.Parse(pkt)
	require.NoError(t, err)
	require.False(t, h.Process(ctx, pkt, d))
}

func TestProcessAdmitsMatchingSpatialLayerAndRewritesPictureID(t *testing.T) {
	ctx := NewContext()
	ctx.TargetSpatial = 0

	h := Handler{}
	first := buildPayload(900, 0, 0, false, true, false)
	d1, err := h.Parse(first)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, first, d1))

	out1, err := Parse(first)
	require.NoError(t, err)
	require.EqualValues(t, 1, out1.PictureID) // continuity sync rewrites first output to 1

	second := buildPayload(901, 0, 0, true, false, false)
	d2, err := h.Parse(second)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, second, d2))
	out2, err := Parse(second)
	require.NoError(t, err)
	require.EqualValues(t, 2, out2.PictureID)
}

func TestRewriteMarkerOnlyOnEndOfMatchingSpatialLayer(t *testing.T) {
	h := Handler{}

	match := buildPayload(1, 2, 0, true, false, false)
	d, err := Parse(match)
	require.NoError(t, err)
	marker, override := h.RewriteMarker(d, 2)
	require.True(t, override)
	require.True(t, marker)

	wrongLayer := buildPayload(1, 2, 0, true, false, false)
	d2, err := Parse(wrongLayer)
	require.NoError(t, err)
	marker2, override2 := h.RewriteMarker(d2, 1)
	require.True(t, override2)
	require.False(t, marker2)
}
