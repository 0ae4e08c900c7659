package consumer

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/relaysfu/sfu-core/pkg/rtppkt"

	"github.com/livekit/protocol/logger"
)

// fakeSvcProducerStream implements SvcProducerStream with a fixed
// per-spatial-layer bitrate table, independent per layer (not cumulative),
// mirroring K-SVC's "only one spatial layer is actually flowing" model.
type fakeSvcProducerStream struct {
	fakeProducerStream
	spatialRate map[int8]uint32
}

func (f *fakeSvcProducerStream) SpatialLayerBitrate(now time.Time, spatial int8) uint32 {
	return f.spatialRate[spatial]
}

func (f *fakeSvcProducerStream) SpatialTemporalBitrate(now time.Time, spatial, temporal int8) uint32 {
	return f.spatialRate[spatial]
}

func newTestSvc(listener *fakeListener, stream ProducerStream) *Svc {
	return NewSvc(SvcParams{
		SSRC:                  300,
		MappedSSRC:            7,
		PayloadType:           96,
		ClockRate:             90000,
		SupportedPayloadTypes: map[uint8]bool{96: true},
		Priority:              1,
		SpatialLayers:         3,
		TemporalLayers:        1,
		PreferredSpatial:      2,
		PreferredTemporal:     0,
		ProducerStream:        stream,
		Logger:                logger.GetLogger(),
	}, listener)
}

func activateSvc(sc *Svc) {
	sc.activity.TransportConnected = true
	sc.SetTargetLayers(0, 0)
}

func TestSvcDropsNonKeyframeBeforeSync(t *testing.T) {
	listener := &fakeListener{}
	sc := newTestSvc(listener, &fakeProducerStream{score: 9})
	activateSvc(sc)

	pkt := buildRtpPacket(t, 10, 1000, 500, 96, false)
	sc.SendRtpPacket(pkt, false, time.Now())
	require.Empty(t, listener.sent)
}

func TestSvcSyncsOnKeyframeAndRewritesSSRC(t *testing.T) {
	listener := &fakeListener{}
	sc := newTestSvc(listener, &fakeProducerStream{score: 9})
	activateSvc(sc)

	pkt := buildRtpPacket(t, 10, 1000, 500, 96, true)
	origSeq := pkt.Header.SequenceNumber
	sc.SendRtpPacket(pkt, true, time.Now())

	require.Len(t, listener.sent, 1)
	require.EqualValues(t, 300, listener.sent[0].SSRC)
	require.EqualValues(t, 1, listener.sent[0].SequenceNumber) // first output after Sync(seq-1) is always 1
	require.EqualValues(t, origSeq, pkt.Header.SequenceNumber) // restored
	require.EqualValues(t, 500, pkt.Header.SSRC)               // restored
}

func TestSvcDropsEmptyPayloadPacket(t *testing.T) {
	listener := &fakeListener{}
	sc := newTestSvc(listener, &fakeProducerStream{score: 9})
	activateSvc(sc)

	raw, err := (&rtp.Packet{
		Header:  rtp.Header{SequenceNumber: 1, PayloadType: 96, SSRC: 500, Marker: true},
		Payload: nil,
	}).Marshal()
	require.NoError(t, err)
	pkt, err := rtppkt.New(raw)
	require.NoError(t, err)

	sc.SendRtpPacket(pkt, true, time.Now())
	require.Empty(t, listener.sent)
}

func TestSvcGetBitratePriorityZeroWhenInactive(t *testing.T) {
	listener := &fakeListener{}
	sc := newTestSvc(listener, &fakeProducerStream{})
	require.EqualValues(t, 0, sc.GetBitratePriority())

	activateSvc(sc)
	require.EqualValues(t, 1, sc.GetBitratePriority())
}

func TestSvcGetDesiredBitrateUsesHighestSpatialLayer(t *testing.T) {
	listener := &fakeListener{}
	stream := &fakeSvcProducerStream{spatialRate: map[int8]uint32{0: 100_000, 1: 400_000, 2: 250_000}}
	sc := newTestSvc(listener, stream)
	activateSvc(sc)

	require.EqualValues(t, 400_000, sc.GetDesiredBitrate(time.Now()))
}

func TestSvcGetDesiredBitrateFallsBackToAggregateForPlainProducerStream(t *testing.T) {
	listener := &fakeListener{}
	stream := &fakeProducerStream{bitrate: 150_000}
	sc := newTestSvc(listener, stream)
	activateSvc(sc)

	require.EqualValues(t, 150_000, sc.GetDesiredBitrate(time.Now()))
}

func TestSvcIncreaseLayerPicksAffordableSpatialLayer(t *testing.T) {
	listener := &fakeListener{}
	stream := &fakeSvcProducerStream{
		fakeProducerStream: fakeProducerStream{score: 9},
		spatialRate:        map[int8]uint32{0: 100_000, 1: 500_000, 2: 900_000},
	}
	sc := newTestSvc(listener, stream)
	activateSvc(sc)

	got := sc.IncreaseLayer(100_000, false, time.Now())
	require.EqualValues(t, 100_000, got)
	require.EqualValues(t, 0, sc.state.provisionalSpatial)

	sc.ApplyLayers(time.Now())
	require.EqualValues(t, 0, sc.state.targetSpatial)
}

func TestSvcIncreaseLayerNoOpWhenAlreadyAtPreferred(t *testing.T) {
	listener := &fakeListener{}
	stream := &fakeSvcProducerStream{
		fakeProducerStream: fakeProducerStream{score: 9},
		spatialRate:        map[int8]uint32{0: 100_000, 1: 500_000, 2: 900_000},
	}
	sc := newTestSvc(listener, stream)
	activateSvc(sc)
	sc.state.provisionalSpatial = sc.state.preferredSpatial
	sc.state.provisionalTemporal = sc.state.preferredTemporal

	got := sc.IncreaseLayer(1_000_000, false, time.Now())
	require.EqualValues(t, 0, got)
}

func TestSvcIncreaseLayerZeroWhenProducerScoreIsZero(t *testing.T) {
	listener := &fakeListener{}
	stream := &fakeSvcProducerStream{
		fakeProducerStream: fakeProducerStream{score: 0},
		spatialRate:        map[int8]uint32{0: 100_000},
	}
	sc := newTestSvc(listener, stream)
	activateSvc(sc)

	got := sc.IncreaseLayer(100_000, false, time.Now())
	require.EqualValues(t, 0, got)
}

func TestSvcReceiveKeyFrameRequestForwardsToListener(t *testing.T) {
	listener := &fakeListener{}
	sc := newTestSvc(listener, &fakeProducerStream{score: 9})
	activateSvc(sc)
	listener.keyFrameAsks = 0 // activateSvc sets the flag without calling TransportConnected

	sc.ReceiveKeyFrameRequest()
	require.Equal(t, 1, listener.keyFrameAsks)
}
