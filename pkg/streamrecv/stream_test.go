package streamrecv

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/relaysfu/sfu-core/pkg/rtppkt"
)

type fakeListener struct {
	nacks       []NackItem
	keyFrames   int
	rtcpPackets []rtcp.Packet
}

func (f *fakeListener) OnStreamNackRequired(s *Stream, items []NackItem) {
	f.nacks = append(f.nacks, items...)
}

func (f *fakeListener) OnStreamKeyFrameRequired(s *Stream) {
	f.keyFrames++
}

func (f *fakeListener) OnStreamSendRtcpPacket(s *Stream, pkt rtcp.Packet) {
	f.rtcpPackets = append(f.rtcpPackets, pkt)
}

func rawPacket(t *testing.T, sn uint16, ts uint32) *rtppkt.Packet {
	t.Helper()
	raw, err := (&rtp.Packet{
		Header: rtp.Header{
			SequenceNumber: sn,
			Timestamp:      ts,
		},
		Payload: make([]byte, 16),
	}).Marshal()
	require.NoError(t, err)
	pkt, err := rtppkt.New(raw)
	require.NoError(t, err)
	return pkt
}

func TestStreamReceivePacketAcceptsInOrder(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 1, ClockRate: 90000}, listener)

	for i := uint16(0); i < 10; i++ {
		ok := s.ReceivePacket(rawPacket(t, i, uint32(i)*3000), time.Now())
		require.True(t, ok)
	}

	require.EqualValues(t, 10, s.expectedPackets())
}

func TestStreamReceivePacketDetectsGapAndGeneratesNack(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 1, ClockRate: 90000, UseNack: true}, listener)

	now := time.Now()
	require.True(t, s.ReceivePacket(rawPacket(t, 0, 0), now))
	require.True(t, s.ReceivePacket(rawPacket(t, 1, 3000), now))
	// skip 2,3,4
	require.True(t, s.ReceivePacket(rawPacket(t, 5, 15000), now))

	require.NotEmpty(t, listener.nacks)
	item := listener.nacks[0]
	require.EqualValues(t, 2, item.PacketID)
	// Sequence 3 is old enough to NACK immediately (bit 0 = seq 2+0+1 = 3);
	// sequence 4 is still within the "give it one more round" window and is
	// deferred to a later pairs() call.
	require.Equal(t, uint16(1), item.Bitmask)
}

func TestStreamUpdateSeqRejectsWildJump(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 1, ClockRate: 90000}, listener)

	require.True(t, s.updateSeq(100))
	// A jump far beyond maxMisorder/maxDropout boundaries is treated as a
	// resync candidate: the first occurrence is rejected and remembered,
	// and only a second packet continuing right where it left off (badSeq
	// == seq+1 from the first) confirms the resync.
	require.False(t, s.updateSeq(40000))
	require.True(t, s.updateSeq(40001))
}

func TestStreamJitterAccumulates(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 1, ClockRate: 90000}, listener)

	base := time.Now()
	s.calculateJitter(0, base)
	s.calculateJitter(9000, base.Add(90*time.Millisecond))
	require.NotZero(t, s.Jitter())
}

func TestStreamInactivityResetsScore(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 1, ClockRate: 90000}, listener)

	now := time.Now()
	require.True(t, s.ReceivePacket(rawPacket(t, 0, 0), now))
	require.Equal(t, uint8(10), s.Score())

	s.CheckInactivity(now.Add(2 * time.Second))
	require.Equal(t, uint8(0), s.Score())

	require.True(t, s.ReceivePacket(rawPacket(t, 1, 3000), now.Add(2*time.Second)))
	require.Equal(t, uint8(10), s.Score())
}

func TestStreamUpdateScorePenalizesUnrepairedLoss(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 1, ClockRate: 90000}, listener)

	now := time.Now()
	for _, sn := range []uint16{0, 1, 4, 5, 6, 7, 8, 9} {
		require.True(t, s.ReceivePacket(rawPacket(t, sn, uint32(sn)*3000), now))
	}

	s.UpdateScore()
	require.Less(t, s.Score(), uint8(10))
}

func TestStreamRequestKeyFrameCoalescesWithinInterval(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 1, ClockRate: 90000, UsePli: true, PLIMinInterval: 50 * time.Millisecond}, listener)

	s.RequestKeyFrame()
	s.RequestKeyFrame()
	require.Len(t, listener.rtcpPackets, 1)

	time.Sleep(60 * time.Millisecond)
	s.RequestKeyFrame()
	require.Len(t, listener.rtcpPackets, 2)
}

func TestStreamGetRtcpReceiverReport(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 42, ClockRate: 90000}, listener)

	now := time.Now()
	for i := uint16(0); i < 5; i++ {
		require.True(t, s.ReceivePacket(rawPacket(t, i, uint32(i)*3000), now))
	}

	rr := s.GetRtcpReceiverReport(now)
	require.EqualValues(t, 42, rr.SSRC)
	require.EqualValues(t, 0, rr.FractionLost)
}

func TestStreamBitrateReflectsRecentTraffic(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 7, ClockRate: 90000}, listener)

	now := time.Now()
	for i := uint16(0); i < 20; i++ {
		require.True(t, s.ReceivePacket(rawPacket(t, i, uint32(i)*3000), now))
	}

	require.Greater(t, s.Bitrate(now), uint32(0))
	// With no per-layer data ever recorded, LayerBitrate falls back to the
	// stream's aggregate rate regardless of which layer is asked for.
	require.Equal(t, s.Bitrate(now), s.LayerBitrate(now, 0))
	require.Equal(t, s.Bitrate(now), s.LayerBitrate(now, 2))
}

func TestStreamLayerBitrateIsCumulativeOnceRecorded(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 7, ClockRate: 90000}, listener)

	now := time.Now()
	s.RecordTemporalLayer(0, 1000, now)
	s.RecordTemporalLayer(1, 1000, now)

	require.Equal(t, s.LayerBitrate(now, 0), s.layerRates[0].GetBitrate(now))
	require.Greater(t, s.LayerBitrate(now, 1), s.LayerBitrate(now, 0))
}

func TestStreamSenderReportAnchorUnsetUntilFirstSR(t *testing.T) {
	listener := &fakeListener{}
	s := New(Params{SSRC: 7, ClockRate: 90000}, listener)

	_, _, ok := s.SenderReportAnchor()
	require.False(t, ok)

	s.ReceiveRtcpSenderReport(&rtcp.SenderReport{
		SSRC:    7,
		NTPTime: 0xDEADBEEFCAFEBABE,
		RTPTime: 123456,
	}, time.Now())

	ntpMs, ts, ok := s.SenderReportAnchor()
	require.True(t, ok)
	require.EqualValues(t, 123456, ts)
	require.NotZero(t, ntpMs)
}
