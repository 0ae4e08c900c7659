package bwe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticReportsConstructedBitrate(t *testing.T) {
	s := NewStatic(300_000)
	require.Equal(t, 300_000, s.GetTargetBitrate())
}

func TestStaticSetUpdatesBitrateAndFiresCallback(t *testing.T) {
	s := NewStatic(300_000)

	var got int
	calls := 0
	s.OnTargetBitrateChange(func(bitrateBps int) {
		calls++
		got = bitrateBps
	})

	s.Set(500_000)
	require.Equal(t, 1, calls)
	require.Equal(t, 500_000, got)
	require.Equal(t, 500_000, s.GetTargetBitrate())
}

func TestStaticSetWithoutListenerDoesNotPanic(t *testing.T) {
	s := NewStatic(100_000)
	require.NotPanics(t, func() { s.Set(200_000) })
}

func TestStaticOnlyLastRegisteredCallbackFires(t *testing.T) {
	s := NewStatic(0)

	firstCalled, secondCalled := false, false
	s.OnTargetBitrateChange(func(int) { firstCalled = true })
	s.OnTargetBitrateChange(func(int) { secondCalled = true })

	s.Set(1)
	require.False(t, firstCalled)
	require.True(t, secondCalled)
}
