package tcc

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuilderFirstCallIsTentative(t *testing.T) {
	b := NewBuilder(111, 222, 0)
	require.True(t, b.AddPacket(100, 1000, 1200))
	require.Empty(t, b.receivedPackets, "first call only seeds the pre-base, no entry yet")

	require.True(t, b.AddPacket(101, 1005, 1200))
	require.Len(t, b.receivedPackets, 2, "second call commits the base and records both entries")
	require.Equal(t, uint16(100), b.baseSequenceNumber)
}

func TestBuilderNonAdjacentSecondCallResetsPreBase(t *testing.T) {
	b := NewBuilder(111, 222, 0)
	require.True(t, b.AddPacket(100, 1000, 1200))
	// 150 is not 100+1, so it becomes the new tentative base instead of
	// committing 100 as the real base.
	require.True(t, b.AddPacket(150, 1010, 1200))
	require.Empty(t, b.receivedPackets)
	require.True(t, b.AddPacket(151, 1015, 1200))
	require.Len(t, b.receivedPackets, 2)
	require.Equal(t, uint16(150), b.baseSequenceNumber)
}

func TestBuilderSerializeRoundTripHeader(t *testing.T) {
	b := NewBuilder(111, 222, 7)
	require.True(t, b.AddPacket(1000, 0, 1200))
	require.True(t, b.AddPacket(1001, 5, 1200))
	require.True(t, b.AddPacket(1002, 10, 1200))
	require.True(t, b.AddPacket(1004, 20, 1200)) // gap at 1003: NotReceived

	buf := make([]byte, b.GetSize())
	n := b.Serialize(buf)
	require.Equal(t, b.GetSize(), n)
	require.Equal(t, 0, n%4, "RTCP packets must be 32-bit aligned")

	require.Equal(t, byte(0x80|15), buf[0]) // V=2,P=0,FMT=15
	require.Equal(t, byte(205), buf[1])     // PT=205
	require.Equal(t, uint32(111), binary.BigEndian.Uint32(buf[4:]))
	require.Equal(t, uint32(222), binary.BigEndian.Uint32(buf[8:]))
	require.Equal(t, uint16(1000), binary.BigEndian.Uint16(buf[12:]))
	require.Equal(t, byte(7), buf[19])
}

func TestParseRoundTripsBuilderOutput(t *testing.T) {
	b := NewBuilder(111, 222, 7)
	require.True(t, b.AddPacket(1000, 0, 1200))
	require.True(t, b.AddPacket(1001, 5, 1200))
	require.True(t, b.AddPacket(1002, 10, 1200))
	require.True(t, b.AddPacket(1003, 400, 1200)) // (400-10)*1000/250 = 1560 > 255: large delta

	buf := make([]byte, b.GetSize())
	n := b.Serialize(buf)
	require.Equal(t, b.GetSize(), n)

	fb, err := Parse(buf[:n])
	require.NoError(t, err)

	require.Equal(t, uint32(111), fb.SenderSSRC)
	require.Equal(t, uint32(222), fb.MediaSSRC)
	require.Equal(t, b.baseSequenceNumber, fb.BaseSequenceNumber)
	require.Equal(t, uint8(7), fb.FeedbackPacketCount)
	require.EqualValues(t, b.packetStatusCount, fb.PacketStatusCount)
	require.Len(t, fb.Results, b.packetStatusCount)

	var gotDeltas []time.Duration
	for _, r := range fb.Results {
		if r.Received {
			gotDeltas = append(gotDeltas, r.Delta)
		}
	}
	require.Len(t, gotDeltas, len(b.receivedPackets))
	for i, rp := range b.receivedPackets {
		require.Equal(t, time.Duration(rp.delta)*250*time.Microsecond, gotDeltas[i])
	}
}

func TestParseReportsNotReceivedGaps(t *testing.T) {
	b := NewBuilder(1, 2, 0)
	require.True(t, b.AddPacket(0, 0, 1200))
	require.True(t, b.AddPacket(1, 5, 1200))
	require.True(t, b.AddPacket(5, 25, 1200)) // gap: 2, 3, 4 never arrived

	buf := make([]byte, b.GetSize())
	n := b.Serialize(buf)

	fb, err := Parse(buf[:n])
	require.NoError(t, err)

	received := make(map[uint16]bool, len(fb.Results))
	for _, r := range fb.Results {
		received[r.SequenceNumber] = r.Received
	}
	require.False(t, received[2])
	require.False(t, received[3])
	require.False(t, received[4])
}

func TestParseRejectsTruncatedPacket(t *testing.T) {
	_, err := Parse([]byte{0x8f, 0xcd, 0x00})
	require.Error(t, err)
}

func TestCheckMissingPacketsWraps(t *testing.T) {
	require.True(t, checkMissingPackets(65535, 0))
	require.False(t, checkMissingPackets(0, uint16(maxMissingPackets+2)))
}

func TestBuilderRejectsWhenSizeBudgetExceeded(t *testing.T) {
	b := NewBuilder(1, 2, 0)
	require.True(t, b.AddPacket(0, 0, 1200))
	require.True(t, b.AddPacket(1, 1, 1200))
	// A 14-byte budget is smaller than the fixed headers alone, so no
	// further packet fits.
	require.False(t, b.AddPacket(2, 2, 14))
}
