package streamsend

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/relaysfu/sfu-core/pkg/rtppkt"

	"github.com/livekit/protocol/logger"
)

type fakeListener struct {
	retransmitted []*rtppkt.Packet
}

func (f *fakeListener) OnRtpStreamRetransmitPacket(s *Stream, pkt *rtppkt.Packet) {
	f.retransmitted = append(f.retransmitted, pkt)
}

func buildRtpPacket(t *testing.T, sn uint16, ts uint32, ssrc uint32) *rtppkt.Packet {
	t.Helper()
	raw, err := (&rtp.Packet{
		Header: rtp.Header{
			SequenceNumber: sn,
			Timestamp:      ts,
			SSRC:           ssrc,
			PayloadType:    96,
		},
		Payload: []byte{0xAA, 0xBB, 0xCC},
	}).Marshal()
	require.NoError(t, err)
	pkt, err := rtppkt.New(raw)
	require.NoError(t, err)
	return pkt
}

func newTestStream(listener Listener, useNack bool) *Stream {
	return New(Params{
		SSRC:        500,
		PayloadType: 96,
		ClockRate:   90000,
		Kind:        KindVideo,
		CNAME:       "cname",
		UseNack:     useNack,
		Logger:      logger.GetLogger(),
	}, listener)
}

func TestReceivePacketTracksCountersAndMaxTimestamp(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, false)

	s.ReceivePacket(buildRtpPacket(t, 1, 1000, 500), time.Now())
	s.ReceivePacket(buildRtpPacket(t, 2, 2000, 500), time.Now())

	ts, ok := s.MaxPacketTimestamp()
	require.True(t, ok)
	require.EqualValues(t, 2000, ts)
}

func TestReceivePacketTracksExtendedSequenceNumberAcrossWrap(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, false)

	_, ok := s.ExtendedHighestSequenceNumber()
	require.False(t, ok)

	s.ReceivePacket(buildRtpPacket(t, 65534, 1000, 500), time.Now())
	s.ReceivePacket(buildRtpPacket(t, 65535, 2000, 500), time.Now())
	s.ReceivePacket(buildRtpPacket(t, 0, 3000, 500), time.Now())
	s.ReceivePacket(buildRtpPacket(t, 1, 4000, 500), time.Now())

	ext, ok := s.ExtendedHighestSequenceNumber()
	require.True(t, ok)
	require.EqualValues(t, 1<<16|1, ext)
}

func TestReceiveNackResendsBufferedPacket(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, true)

	pkt := buildRtpPacket(t, 10, 1000, 500)
	s.ReceivePacket(pkt, time.Now())

	sent := s.ReceiveNack(10, 0, time.Now())
	require.Equal(t, 1, sent)
	require.Len(t, listener.retransmitted, 1)
	require.EqualValues(t, 10, listener.retransmitted[0].SequenceNumber())
}

func TestReceiveNackWithoutBufferIsANoop(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, false)

	sent := s.ReceiveNack(10, 0, time.Now())
	require.Zero(t, sent)
	require.Empty(t, listener.retransmitted)
}

func TestReceiveNackDoesNotResendWithinRTTWindow(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, true)

	pkt := buildRtpPacket(t, 10, 1000, 500)
	s.ReceivePacket(pkt, time.Now())

	now := time.Now()
	require.Equal(t, 1, s.ReceiveNack(10, 0, now))
	// a second NACK for the same packet inside the default RTT window
	// must not trigger a second resend.
	require.Equal(t, 0, s.ReceiveNack(10, 0, now.Add(10*time.Millisecond)))
}

func TestReceiveNackDecodesBitmaskForSubsequentPackets(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, true)

	for sn := uint16(10); sn <= 12; sn++ {
		s.ReceivePacket(buildRtpPacket(t, sn, uint32(sn)*1000, 500), time.Now())
	}

	// bitmask bit 0 requests pid+1, bit 1 requests pid+2.
	sent := s.ReceiveNack(10, 0b11, time.Now())
	require.Equal(t, 3, sent)
}

func TestReceiveNackMissingPacketIsSkipped(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, true)

	s.ReceivePacket(buildRtpPacket(t, 10, 1000, 500), time.Now())
	// 11 was never buffered.
	sent := s.ReceiveNack(10, 0b1, time.Now())
	require.Equal(t, 1, sent)
}

func TestSetRtxEncapsulatesResentPacket(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, true)
	s.SetRtx(97, 501, 0)

	s.ReceivePacket(buildRtpPacket(t, 10, 1000, 500), time.Now())
	sent := s.ReceiveNack(10, 0, time.Now())
	require.Equal(t, 1, sent)

	require.Len(t, listener.retransmitted, 1)
	require.EqualValues(t, 97, listener.retransmitted[0].Header.PayloadType)
	require.EqualValues(t, 501, listener.retransmitted[0].Header.SSRC)
}

func TestReceiveRtcpReceiverReportUpdatesScoreOnLoss(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, false)

	for sn := uint16(0); sn < 100; sn++ {
		s.ReceivePacket(buildRtpPacket(t, sn, uint32(sn)*1000, 500), time.Now())
	}
	require.EqualValues(t, 10, s.Score())

	s.ReceiveRtcpReceiverReport(rtcp.ReceptionReport{TotalLost: 20, FractionLost: 51}, time.Now())
	require.Less(t, s.Score(), uint8(10))
	require.InDelta(t, 20, s.LossPercentage(), 1)
}

func TestResetScoreClearsHistoryForNextUpdate(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, false)

	for sn := uint16(0); sn < 10; sn++ {
		s.ReceivePacket(buildRtpPacket(t, sn, uint32(sn)*1000, 500), time.Now())
	}
	s.ReceiveRtcpReceiverReport(rtcp.ReceptionReport{TotalLost: 5, FractionLost: 10}, time.Now())
	require.Less(t, s.Score(), uint8(10))

	s.ResetScore(10)
	require.EqualValues(t, 10, s.Score())

	// the next report must diff against post-reset counters, not the
	// pre-reset ones, so a fresh layer doesn't inherit old loss history.
	for sn := uint16(10); sn < 20; sn++ {
		s.ReceivePacket(buildRtpPacket(t, sn, uint32(sn)*1000, 500), time.Now())
	}
	s.ReceiveRtcpReceiverReport(rtcp.ReceptionReport{TotalLost: 5, FractionLost: 0}, time.Now())
	require.EqualValues(t, 10, s.Score())
}

func TestGetRtcpSenderReportNilUntilFirstPacket(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, false)
	require.Nil(t, s.GetRtcpSenderReport(time.Now()))

	s.ReceivePacket(buildRtpPacket(t, 1, 1000, 500), time.Now())
	sr := s.GetRtcpSenderReport(time.Now())
	require.NotNil(t, sr)
	require.EqualValues(t, 500, sr.SSRC)
	require.EqualValues(t, 1, sr.PacketCount)
}

func TestXRDelaySinceLastRRBeforeAnyReportIsNotOk(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, false)

	_, _, _, ok := s.XRDelaySinceLastRR(time.Now())
	require.False(t, ok)

	s.ReceiveRtcpXrReceiverReferenceTime(uint64(1)<<32, time.Now())
	ssrc, _, _, ok := s.XRDelaySinceLastRR(time.Now())
	require.True(t, ok)
	require.EqualValues(t, 500, ssrc)
}

func TestPauseClearsRetransmissionBuffer(t *testing.T) {
	listener := &fakeListener{}
	s := newTestStream(listener, true)

	s.ReceivePacket(buildRtpPacket(t, 10, 1000, 500), time.Now())
	s.Pause()

	sent := s.ReceiveNack(10, 0, time.Now())
	require.Zero(t, sent)
}
