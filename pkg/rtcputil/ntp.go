// Package rtcputil holds small RTCP-adjacent helpers shared by the stream
// send/receive packages that don't belong to any single one of them: NTP
// timestamp conversion and compact-NTP (32-bit middle-bits) arithmetic used
// by Sender Reports, Receiver Reports, and RTCP XR DLRR blocks.
package rtcputil

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// NTPTime is a 64-bit NTP timestamp: 32 bits of seconds since the NTP epoch,
// 32 bits of fractional seconds.
type NTPTime uint64

// ToNtpTime converts a wall-clock time.Time to its NTP representation.
func ToNtpTime(t time.Time) NTPTime {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return NTPTime(secs<<32 | frac)
}

// Time converts an NTPTime back to a wall-clock time.Time.
func (t NTPTime) Time() time.Time {
	secs := int64(t>>32) - ntpEpochOffset
	frac := uint64(t & 0xFFFFFFFF)
	nsec := frac * 1e9 >> 32
	return time.Unix(secs, int64(nsec))
}

// Compact returns the 32-bit compact-NTP form used in SR/RR "last SR"
// fields and XR DLRR sub-blocks: the middle 32 bits of the full 64-bit NTP
// timestamp.
func (t NTPTime) Compact() uint32 {
	return uint32(t >> 16)
}

// DLSR computes the "delay since last SR/RR" field (compact-NTP units:
// 1/65536 second) given the wall-clock time elapsed since that report was
// received.
func DLSR(since time.Duration) uint32 {
	if since < 0 {
		since = 0
	}
	ms := uint32(since.Milliseconds())
	return (ms/1000)<<16 | (ms%1000)*65536/1000
}
