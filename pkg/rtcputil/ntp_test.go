package rtcputil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToNtpTimeRoundTripsThroughTime(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	ntp := ToNtpTime(now)
	back := ntp.Time()

	require.WithinDuration(t, now, back, time.Millisecond)
}

func TestToNtpTimeKnownEpochOffset(t *testing.T) {
	// exactly the NTP epoch itself should map to seconds field 0.
	ntpEpoch := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	ntp := ToNtpTime(ntpEpoch)
	require.EqualValues(t, 0, uint32(ntp>>32))
}

func TestCompactTakesMiddle32Bits(t *testing.T) {
	var full NTPTime = 0x11223344_55667788
	require.EqualValues(t, 0x33445566, full.Compact())
}

func TestDLSRClampsNegativeToZero(t *testing.T) {
	require.EqualValues(t, 0, DLSR(-5*time.Second))
}

func TestDLSRKnownValues(t *testing.T) {
	// 1.5 seconds is 1 second + half a second: (1<<16) | (0.5 * 65536).
	require.EqualValues(t, uint32(1)<<16|32768, DLSR(1500*time.Millisecond))
	require.EqualValues(t, 0, DLSR(0))
}
