// Package rtppkt provides a small reference-counted wrapper around
// pion/rtp packets so the same decoded packet can be shared between the
// live forwarding path and a stream's retransmission buffer without forcing
// a copy on every fan-out.
package rtppkt

import (
	"github.com/pion/rtp"
	"go.uber.org/atomic"
)

// Packet pairs a parsed RTP packet with the raw bytes it was decoded from
// (retransmission re-sends the original bytes, not a re-marshaled copy, to
// avoid subtly changing padding/extension layout) and a reference count so
// buffers and in-flight sends can share one instance.
type Packet struct {
	Header  rtp.Header
	Payload []byte
	raw     []byte

	refs atomic.Int32
}

// New decodes raw into a Packet with a single reference held by the caller.
func New(raw []byte) (*Packet, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, err
	}
	owned := make([]byte, len(raw))
	copy(owned, raw)
	p := &Packet{
		Header:  pkt.Header,
		Payload: pkt.Payload,
		raw:     owned,
	}
	p.refs.Store(1)
	return p, nil
}

// Retain increments the reference count and returns the same packet, for
// call-site chaining (e.g. `buf.Insert(pkt.Retain())`).
func (p *Packet) Retain() *Packet {
	p.refs.Inc()
	return p
}

// Release decrements the reference count; once it reaches zero the packet's
// backing storage is eligible for reuse by the caller's pool, if any.
// Release never frees Go memory itself (the GC does that) — it exists so
// callers can assert a packet is no longer referenced by any buffer.
func (p *Packet) Release() int32 {
	return p.refs.Dec()
}

// RefCount returns the current reference count, chiefly for tests.
func (p *Packet) RefCount() int32 {
	return p.refs.Load()
}

// Raw returns the original wire bytes this packet was parsed from.
func (p *Packet) Raw() []byte {
	return p.raw
}

// SequenceNumber is a convenience accessor used throughout the send/receive
// stream and retransmission buffer code.
func (p *Packet) SequenceNumber() uint16 { return p.Header.SequenceNumber }

// Timestamp is a convenience accessor for the RTP timestamp.
func (p *Packet) Timestamp() uint32 { return p.Header.Timestamp }

// EncodeRtx builds the RFC 4588 RTX encapsulation of p: the original
// sequence number prepended to the payload, payloadType/ssrc swapped to the
// negotiated RTX stream, and rtxSeq as the new header sequence number. The
// result is a fresh, singly-referenced Packet; p itself is untouched so it
// remains usable for a later, non-RTX-encoded lookup.
func (p *Packet) EncodeRtx(payloadType uint8, ssrc uint32, rtxSeq uint16) *Packet {
	header := p.Header
	header.PayloadType = payloadType
	header.SSRC = ssrc
	header.SequenceNumber = rtxSeq

	payload := make([]byte, 2+len(p.Payload))
	payload[0] = byte(p.SequenceNumber() >> 8)
	payload[1] = byte(p.SequenceNumber())
	copy(payload[2:], p.Payload)

	out := &Packet{Header: header, Payload: payload}
	out.refs.Store(1)
	return out
}
