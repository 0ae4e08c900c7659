package h264

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDetectsSingleNalIdrAsKeyframe(t *testing.T) {
	d, err := Parse([]byte{nalTypeIDR, 0x01, 0x02}, 0, false)
	require.NoError(t, err)
	require.True(t, d.Keyframe)
}

func TestParseDetectsNonIdrSingleNal(t *testing.T) {
	d, err := Parse([]byte{0x01, 0x01, 0x02}, 0, false) // nal type 1 = non-IDR slice
	require.NoError(t, err)
	require.False(t, d.Keyframe)
}

func TestParseScansStapAForEmbeddedIdr(t *testing.T) {
	// STAP-A: [nalType=24][size1 hi,lo][nal header=non-IDR][size2 hi,lo][nal header=IDR]
	payload := []byte{
		nalTypeSTAPA,
		0x00, 0x01, 0x01, // size 1, non-IDR NAL header
		0x00, 0x01, nalTypeIDR, // size 1, IDR NAL header
	}
	d, err := Parse(payload, 0, false)
	require.NoError(t, err)
	require.True(t, d.Keyframe)
}

func TestParseDetectsFuAIdrOnFragmentStart(t *testing.T) {
	// FU-A: [nalType=28][FU header: start bit | original type]
	payload := []byte{nalTypeFUA, fuaStartBit | nalTypeIDR, 0x00}
	d, err := Parse(payload, 0, false)
	require.NoError(t, err)
	require.True(t, d.Keyframe)
}

func TestParseIgnoresFuAWithoutStartBit(t *testing.T) {
	payload := []byte{nalTypeFUA, nalTypeIDR, 0x00} // no start bit set
	d, err := Parse(payload, 0, false)
	require.NoError(t, err)
	require.False(t, d.Keyframe)
}

func TestParseCarriesFrameMarkingWhenSupplied(t *testing.T) {
	d, err := Parse([]byte{0x01}, 2, true)
	require.NoError(t, err)
	require.True(t, d.HasFrameMark)
	require.EqualValues(t, 2, d.TemporalID)
}

func TestProcessDropsAboveTargetTemporalLayer(t *testing.T) {
	ctx := NewContext()
	ctx.SetTargetTemporalLayer(1)

	h := Handler{}
	d, err := Parse([]byte{0x01}, 2, true)
	require.NoError(t, err)
	require.False(t, h.Process(ctx, []byte{0x01}, d))
}

func TestProcessAdmitsWithinTargetTemporalLayer(t *testing.T) {
	ctx := NewContext()
	ctx.SetTargetTemporalLayer(2)

	h := Handler{}
	d, err := Parse([]byte{0x01}, 1, true)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, []byte{0x01}, d))
}

func TestProcessAdmitsWithoutFrameMarking(t *testing.T) {
	ctx := NewContext()
	ctx.SetTargetTemporalLayer(0)

	h := Handler{}
	d, err := Parse([]byte{0x01}, 0, false)
	require.NoError(t, err)
	require.True(t, h.Process(ctx, []byte{0x01}, d))
}
