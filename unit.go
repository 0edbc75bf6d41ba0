package quicmux

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// Capability identifies what kind of traffic a port carries. Capabilities
// are negotiated as opaque strings on port creation and in stream-start
// events.
type Capability string

const (
	// CapBidiStream is a bidirectional QUIC stream port.
	CapBidiStream Capability = "application/quic+stream+bidi"
	// CapUniStream is a unidirectional QUIC stream port.
	CapUniStream Capability = "application/quic+stream+uni"
	// CapDatagram is a QUIC DATAGRAM port.
	CapDatagram Capability = "application/quic+datagram"
	// CapRaw carries all tagged units between a core and its transport
	// adapter.
	CapRaw Capability = "application/quic"
)

// CapabilitySet is a bitset of capabilities, used to record what a peer
// discovered during bootstrap probing is willing to consume.
type CapabilitySet uint8

const (
	// CapSetBidi marks bidi-stream support.
	CapSetBidi CapabilitySet = 1 << iota
	// CapSetUni marks uni-stream support.
	CapSetUni
	// CapSetDatagram marks datagram support.
	CapSetDatagram
)

// capBit maps a capability string onto its bitset flag. Unknown
// capabilities map to zero.
func capBit(c Capability) CapabilitySet {
	switch c {
	case CapBidiStream:
		return CapSetBidi
	case CapUniStream:
		return CapSetUni
	case CapDatagram:
		return CapSetDatagram
	default:
		return 0
	}
}

// Has reports whether the set contains the given capability.
func (s CapabilitySet) Has(c Capability) bool {
	b := capBit(c)
	return b != 0 && s&b != 0
}

// StreamTag instructs the transport adapter to encode a unit as a QUIC
// STREAM frame. Offset is the sender's accumulated send offset before this
// payload; Final marks the last frame of the stream (its payload may be
// empty).
type StreamTag struct {
	ID     StreamID
	Offset uint64
	Length uint64
	Final  bool
}

// DatagramTag instructs the transport adapter to encode a unit as a QUIC
// DATAGRAM frame.
type DatagramTag struct {
	Length uint64
}

// Unit is a payload plus at most one tag describing how the transport
// adapter should frame it. A unit entering the Mux chain may carry no tag
// at all; the Mux synthesizes one. Exactly one of Stream and Datagram is
// set on a tagged unit.
//
// Last is the producer's end-marker on an untagged unit: when the Mux
// synthesizes the stream tag it becomes the tag's Final flag.
type Unit struct {
	Payload  []byte
	Stream   *StreamTag
	Datagram *DatagramTag
	Last     bool
}

// Tagged reports whether the unit already carries a stream or datagram tag.
func (u *Unit) Tagged() bool {
	return u.Stream != nil || u.Datagram != nil
}

// Wire kind bytes for the raw inter-stage encoding.
const (
	wireKindStream   = 0x01
	wireKindDatagram = 0x02
)

// Marshal serializes a tagged unit for the raw conduit between a core and
// its transport adapter. All integer fields are QUIC varints (RFC 9000):
//
//	stream-frame:   0x01, id varint, offset varint, length varint, final byte, payload
//	datagram-frame: 0x02, length varint, payload
//
// Untagged units cannot be marshaled; the Mux chain tags them first.
func (u *Unit) Marshal() ([]byte, error) {
	switch {
	case u.Stream != nil:
		t := u.Stream
		if !t.ID.Valid() {
			return nil, fmt.Errorf("marshal stream unit: invalid stream id %s", t.ID)
		}
		buf := make([]byte, 0, 1+4*8+1+len(u.Payload))
		buf = append(buf, wireKindStream)
		buf = quicvarint.Append(buf, uint64(t.ID))
		buf = quicvarint.Append(buf, t.Offset)
		buf = quicvarint.Append(buf, t.Length)
		if t.Final {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, u.Payload...)
		return buf, nil

	case u.Datagram != nil:
		buf := make([]byte, 0, 1+8+len(u.Payload))
		buf = append(buf, wireKindDatagram)
		buf = quicvarint.Append(buf, u.Datagram.Length)
		buf = append(buf, u.Payload...)
		return buf, nil

	default:
		return nil, fmt.Errorf("marshal unit: no tag attached")
	}
}

// Unmarshal parses the raw conduit encoding produced by Marshal. It is
// length-checked at every field; truncated input returns an error rather
// than panicking.
func (u *Unit) Unmarshal(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("unit too short: empty")
	}
	kind := data[0]
	rest := data[1:]

	switch kind {
	case wireKindStream:
		id, n, err := quicvarint.Parse(rest)
		if err != nil {
			return fmt.Errorf("parse stream id: %w", err)
		}
		rest = rest[n:]
		off, n, err := quicvarint.Parse(rest)
		if err != nil {
			return fmt.Errorf("parse offset: %w", err)
		}
		rest = rest[n:]
		length, n, err := quicvarint.Parse(rest)
		if err != nil {
			return fmt.Errorf("parse length: %w", err)
		}
		rest = rest[n:]
		if len(rest) < 1 {
			return fmt.Errorf("unit too short: missing final flag")
		}
		final := rest[0] != 0
		rest = rest[1:]
		if uint64(len(rest)) != length {
			return fmt.Errorf("stream unit length mismatch: tag says %d, payload is %d", length, len(rest))
		}
		u.Stream = &StreamTag{ID: StreamID(id), Offset: off, Length: length, Final: final}
		u.Datagram = nil
		u.Payload = rest
		return nil

	case wireKindDatagram:
		length, n, err := quicvarint.Parse(rest)
		if err != nil {
			return fmt.Errorf("parse datagram length: %w", err)
		}
		rest = rest[n:]
		if uint64(len(rest)) != length {
			return fmt.Errorf("datagram unit length mismatch: tag says %d, payload is %d", length, len(rest))
		}
		u.Datagram = &DatagramTag{Length: length}
		u.Stream = nil
		u.Payload = rest
		return nil

	default:
		return fmt.Errorf("unknown unit kind 0x%02x", kind)
	}
}
