// Package protocol implements the checksum-framed binary packets spoken on
// every link.
//
// Two header layouts share one extraction engine: the frames variant
// (tag 0x5A5A) carries application frames and tickets, the simple variant
// (tag 0xAA55) carries the greeting and keep-alive exchange. All integers
// are little-endian and the CRC16 covers the payload only.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Result classifies the outcome of the last extraction.
type Result int

const (
	// ResultOK means a packet was extracted
	ResultOK Result = iota

	// HeaderNotFound means the buffer holds no sync tag
	HeaderNotFound

	// NotEnoughForHeader means a tag was found but the header is incomplete
	NotEnoughForHeader

	// NotEnoughForBody means the header is complete but the payload is not
	NotEnoughForBody

	// BadCheckSumm means the payload does not match the header checksum
	BadCheckSumm
)

// String returns the string representation of Result.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case HeaderNotFound:
		return "header-not-found"
	case NotEnoughForHeader:
		return "not-enough-for-header"
	case NotEnoughForBody:
		return "not-enough-for-body"
	case BadCheckSumm:
		return "bad-checksum"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// NeedMoreData reports whether the caller should wait for more bytes.
func (r Result) NeedMoreData() bool {
	return r == NotEnoughForHeader || r == NotEnoughForBody
}

// Desynchronized reports whether the stream must be recovered, typically
// by resetting the connection.
func (r Result) Desynchronized() bool {
	return r == HeaderNotFound || r == BadCheckSumm
}

// Packet ids.
const (
	// NoPacketID means "unassigned"
	NoPacketID uint32 = 0

	// MaxPacketID is the wrap sentinel; generated ids stay below it
	MaxPacketID uint32 = 0x1FFFFFFF
)

// MaxPayloadSize bounds the declared payload length. Headers declaring
// more are treated as noise.
const MaxPayloadSize = 64 * 1024 * 1024

// IDGenerator yields packet ids 1, 2, ... MaxPacketID-1, 1, ... and never
// 0. It is owned by a single actor and not safe for concurrent use.
type IDGenerator struct {
	last uint32
}

// Next returns the next packet id.
func (g *IDGenerator) Next() uint32 {
	g.last++
	if g.last >= MaxPacketID {
		g.last = 1
	}
	return g.last
}

// Peek returns the id the next call to Next will yield.
func (g *IDGenerator) Peek() uint32 {
	if g.last+1 >= MaxPacketID {
		return 1
	}
	return g.last + 1
}

// Reset restarts the sequence at 1.
func (g *IDGenerator) Reset() {
	g.last = 0
}

// Header is the decoded fixed-size packet header of either variant.
type Header struct {
	Tag      uint16
	Type     uint16
	Length   uint32
	Checksum uint16
	ID       uint32
}

// Packet is one framed record.
type Packet struct {
	Header  Header
	Payload []byte

	// Created is the build or extraction time
	Created time.Time

	wire []byte
}

// ID returns the packet id.
func (p *Packet) ID() uint32 { return p.Header.ID }

// Type returns the raw packet type.
func (p *Packet) Type() uint16 { return p.Header.Type }

// Bytes returns the wire form, header followed by payload.
func (p *Packet) Bytes() []byte { return p.wire }

// Size returns the wire size in bytes.
func (p *Packet) Size() int { return len(p.wire) }

// Factory turns a byte stream into packets and builds outgoing ones.
type Factory interface {
	// Extract takes the next packet off the front of *buf. On failure it
	// returns false and LastResult tells why; *buf may have been advanced
	// past noise.
	Extract(buf *[]byte) (*Packet, bool)

	// LastResult returns the outcome of the last Extract.
	LastResult() Result

	// Build assembles a packet with the next id.
	Build(typ uint16, payload []byte) *Packet

	// BuildWithID assembles a packet reusing id.
	BuildWithID(typ uint16, id uint32, payload []byte) *Packet

	// NextPacketID allocates an id.
	NextPacketID() uint32

	// HeaderSize returns the fixed header width.
	HeaderSize() int
}

// layout describes where a variant keeps its header fields.
type layout struct {
	tag       uint16
	size      int
	typeOff   int
	typeWidth int
	lenOff    int
	crcOff    int
	idOff     int
	validType func(uint16) bool
}

func (l *layout) encode(dst []byte, h Header) {
	binary.LittleEndian.PutUint16(dst[0:], l.tag)
	if l.typeWidth == 1 {
		dst[l.typeOff] = byte(h.Type)
	} else {
		binary.LittleEndian.PutUint16(dst[l.typeOff:], h.Type)
	}
	binary.LittleEndian.PutUint32(dst[l.lenOff:], h.Length)
	binary.LittleEndian.PutUint16(dst[l.crcOff:], h.Checksum)
	binary.LittleEndian.PutUint32(dst[l.idOff:], h.ID)
}

func (l *layout) decode(src []byte) Header {
	h := Header{
		Tag:      binary.LittleEndian.Uint16(src[0:]),
		Length:   binary.LittleEndian.Uint32(src[l.lenOff:]),
		Checksum: binary.LittleEndian.Uint16(src[l.crcOff:]),
		ID:       binary.LittleEndian.Uint32(src[l.idOff:]),
	}
	if l.typeWidth == 1 {
		h.Type = uint16(src[l.typeOff])
	} else {
		h.Type = binary.LittleEndian.Uint16(src[l.typeOff:])
	}
	return h
}

// framer implements Factory for one layout.
type framer struct {
	layout
	tagBytes [2]byte
	ids      IDGenerator
	last     Result
}

func newFramer(l layout) framer {
	f := framer{layout: l}
	binary.LittleEndian.PutUint16(f.tagBytes[:], l.tag)
	return f
}

// HeaderSize returns the fixed header width.
func (f *framer) HeaderSize() int { return f.size }

// LastResult returns the outcome of the last Extract.
func (f *framer) LastResult() Result { return f.last }

// NextPacketID allocates an id.
func (f *framer) NextPacketID() uint32 { return f.ids.Next() }

// PeekPacketID returns the id NextPacketID will allocate.
func (f *framer) PeekPacketID() uint32 { return f.ids.Peek() }

// ResetPacketIDs restarts id generation, used when a link reconnects.
func (f *framer) ResetPacketIDs() { f.ids.Reset() }

// Build assembles a packet with the next id.
func (f *framer) Build(typ uint16, payload []byte) *Packet {
	return f.BuildWithID(typ, f.ids.Next(), payload)
}

// BuildWithID assembles a packet reusing id.
func (f *framer) BuildWithID(typ uint16, id uint32, payload []byte) *Packet {
	h := Header{
		Tag:      f.tag,
		Type:     typ,
		Length:   uint32(len(payload)),
		Checksum: Checksum(payload),
		ID:       id,
	}
	wire := make([]byte, f.size+len(payload))
	f.encode(wire, h)
	copy(wire[f.size:], payload)
	return &Packet{
		Header:  h,
		Payload: wire[f.size:],
		Created: time.Now(),
		wire:    wire,
	}
}

// Extract takes the next packet off the front of *buf.
func (f *framer) Extract(buf *[]byte) (*Packet, bool) {
	data := *buf
	for {
		idx := bytes.Index(data, f.tagBytes[:])
		if idx < 0 {
			// a trailing byte may be the first half of a tag
			if n := len(data); n > 0 && data[n-1] == f.tagBytes[0] {
				data = data[n-1:]
			} else {
				data = data[:0]
			}
			*buf = data
			f.last = HeaderNotFound
			return nil, false
		}
		data = data[idx:]

		if len(data) < f.size {
			*buf = data
			f.last = NotEnoughForHeader
			return nil, false
		}

		h := f.decode(data)
		if !f.validType(h.Type) || h.Length > MaxPayloadSize {
			// noise that happens to contain the tag
			data = data[1:]
			continue
		}

		total := f.size + int(h.Length)
		if len(data) < total {
			*buf = data
			f.last = NotEnoughForBody
			return nil, false
		}

		if Checksum(data[f.size:total]) != h.Checksum {
			*buf = data
			f.last = BadCheckSumm
			return nil, false
		}

		wire := make([]byte, total)
		copy(wire, data[:total])
		*buf = data[total:]
		f.last = ResultOK
		return &Packet{
			Header:  h,
			Payload: wire[f.size:],
			Created: time.Now(),
			wire:    wire,
		}, true
	}
}
