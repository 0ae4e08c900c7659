// Package config holds the tunables the send-side core needs. It never
// reads a file or environment variable itself — config loading is the
// caller's concern — but its types carry yaml tags so a caller can decode a
// blob it already has into them.
package config

import "time"

// RetransmissionConfig bounds a stream's retransmission buffer.
type RetransmissionConfig struct {
	MaxItems       int           `yaml:"max_items"`
	MaxDelayVideo  time.Duration `yaml:"max_delay_video"`
	MaxDelayAudio  time.Duration `yaml:"max_delay_audio"`
	NackDebounceMs uint32        `yaml:"nack_debounce_ms"`
	MaxNackRetries uint8         `yaml:"max_nack_retries"`
}

// DefaultRetransmissionConfig matches the bounds named in the send-side
// specification: a 2500-item window, video packets aged out after 2s and
// audio after 1s, a fixed 70ms NACK debounce, and at most 3 NACK retries.
func DefaultRetransmissionConfig() RetransmissionConfig {
	return RetransmissionConfig{
		MaxItems:       2500,
		MaxDelayVideo:  2 * time.Second,
		MaxDelayAudio:  1 * time.Second,
		NackDebounceMs: 70,
		MaxNackRetries: 3,
	}
}

// PLIThrottleConfig bounds how often a producer stream will be asked for a
// new keyframe.
type PLIThrottleConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
}

func DefaultPLIThrottleConfig() PLIThrottleConfig {
	return PLIThrottleConfig{MinInterval: 500 * time.Millisecond}
}

// StreamTrackerConfig controls inactivity and bitrate-sampling timing for a
// receive stream's layer trackers.
type StreamTrackerConfig struct {
	InactiveAfter      time.Duration `yaml:"inactive_after"`
	UnmuteAfter        time.Duration `yaml:"unmute_after"`
	BitrateReportCycle time.Duration `yaml:"bitrate_report_cycle"`
}

func DefaultStreamTrackerConfig() StreamTrackerConfig {
	return StreamTrackerConfig{
		InactiveAfter:      1500 * time.Millisecond,
		UnmuteAfter:        5 * time.Second,
		BitrateReportCycle: 1 * time.Second,
	}
}

// EventLoopConfig controls the cooperative scheduler's tick cadence.
type EventLoopConfig struct {
	TickInterval          time.Duration `yaml:"tick_interval"`
	RTCPCompoundMinJitter time.Duration `yaml:"rtcp_compound_min_jitter"`
	RTCPCompoundMaxJitter time.Duration `yaml:"rtcp_compound_max_jitter"`
}

func DefaultEventLoopConfig() EventLoopConfig {
	return EventLoopConfig{
		TickInterval:          25 * time.Millisecond,
		RTCPCompoundMinJitter: 500 * time.Millisecond,
		RTCPCompoundMaxJitter: 1000 * time.Millisecond,
	}
}

// AllocatorConfig controls the bitrate allocator's re-distribution trigger
// debounce.
type AllocatorConfig struct {
	DistributeDebounce time.Duration `yaml:"distribute_debounce"`
}

func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{DistributeDebounce: 100 * time.Millisecond}
}

// Config bundles every component's tunables.
type Config struct {
	Retransmission RetransmissionConfig `yaml:"retransmission"`
	PLIThrottle    PLIThrottleConfig    `yaml:"pli_throttle"`
	StreamTracker  StreamTrackerConfig  `yaml:"stream_tracker"`
	EventLoop      EventLoopConfig      `yaml:"event_loop"`
	Allocator      AllocatorConfig      `yaml:"allocator"`
}

// Default returns a Config with every component's documented defaults.
func Default() Config {
	return Config{
		Retransmission: DefaultRetransmissionConfig(),
		PLIThrottle:    DefaultPLIThrottleConfig(),
		StreamTracker:  DefaultStreamTrackerConfig(),
		EventLoop:      DefaultEventLoopConfig(),
		Allocator:      DefaultAllocatorConfig(),
	}
}

// Decode unmarshals a yaml-encoded blob the caller obtained however it
// likes (file, env, remote config service) into a Config seeded with
// defaults for any field the blob omits.
func Decode(data []byte, unmarshal func([]byte, interface{}) error) (Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
