package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultMatchesDocumentedBounds(t *testing.T) {
	cfg := Default()

	require.Equal(t, 2500, cfg.Retransmission.MaxItems)
	require.Equal(t, 2*time.Second, cfg.Retransmission.MaxDelayVideo)
	require.Equal(t, 1*time.Second, cfg.Retransmission.MaxDelayAudio)
	require.Equal(t, 500*time.Millisecond, cfg.PLIThrottle.MinInterval)
	require.Equal(t, 25*time.Millisecond, cfg.EventLoop.TickInterval)
	require.Equal(t, 100*time.Millisecond, cfg.Allocator.DistributeDebounce)
}

func TestDecodeEmptyBlobReturnsDefaults(t *testing.T) {
	cfg, err := Decode(nil, yaml.Unmarshal)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestDecodeOverridesOnlyNamedFields(t *testing.T) {
	blob := []byte(`
retransmission:
  max_items: 500
`)
	cfg, err := Decode(blob, yaml.Unmarshal)
	require.NoError(t, err)

	require.Equal(t, 500, cfg.Retransmission.MaxItems)
	// every field the blob didn't name keeps its default.
	require.Equal(t, DefaultRetransmissionConfig().MaxDelayVideo, cfg.Retransmission.MaxDelayVideo)
	require.Equal(t, DefaultPLIThrottleConfig(), cfg.PLIThrottle)
}

func TestDecodePropagatesUnmarshalError(t *testing.T) {
	_, err := Decode([]byte("not: [valid"), yaml.Unmarshal)
	require.Error(t, err)
}
