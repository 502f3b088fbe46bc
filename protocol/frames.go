package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the frames variant packet type.
type PacketType uint8

const (
	// NoTicket packets are delivered without acknowledgment
	NoTicket PacketType = iota

	// NeedsTicket packets must be acknowledged by a Ticket
	NeedsTicket

	// Ticket acknowledges a packet id
	Ticket

	packetTypeMax
)

// String returns the string representation of PacketType.
func (t PacketType) String() string {
	switch t {
	case NoTicket:
		return "no-ticket"
	case NeedsTicket:
		return "needs-ticket"
	case Ticket:
		return "ticket"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Frames variant wire constants.
const (
	FramesTag        uint16 = 0x5A5A
	FramesHeaderSize        = 13

	// FrameRecordOverhead is the length prefix of each frame in a payload
	FrameRecordOverhead = 4

	// TicketPayloadSize is the payload of a Ticket packet
	TicketPayloadSize = 4
)

var (
	ErrNotTicket       = errors.New("packet is not a ticket")
	ErrTruncatedFrames = errors.New("truncated frame record")
)

// FramesFactory builds and extracts frames variant packets:
// tag u16, type u8, length u32, checksum u16, id u32.
type FramesFactory struct {
	framer
}

// NewFramesFactory creates a FramesFactory.
func NewFramesFactory() *FramesFactory {
	return &FramesFactory{framer: newFramer(layout{
		tag:       FramesTag,
		size:      FramesHeaderSize,
		typeOff:   2,
		typeWidth: 1,
		lenOff:    3,
		crcOff:    7,
		idOff:     9,
		validType: func(t uint16) bool { return t < uint16(packetTypeMax) },
	})}
}

// BuildFrames packs frames into one packet with the next id.
func (f *FramesFactory) BuildFrames(typ PacketType, frames [][]byte) *Packet {
	return f.Build(uint16(typ), EncodeFrames(frames))
}

// BuildFramesWithID packs frames into a packet carrying id.
func (f *FramesFactory) BuildFramesWithID(typ PacketType, id uint32, frames [][]byte) *Packet {
	return f.BuildWithID(uint16(typ), id, EncodeFrames(frames))
}

// BuildTicket acknowledges ackID. The ticket itself gets a fresh id.
func (f *FramesFactory) BuildTicket(ackID uint32) *Packet {
	var payload [TicketPayloadSize]byte
	binary.LittleEndian.PutUint32(payload[:], ackID)
	return f.Build(uint16(Ticket), payload[:])
}

// PacketTypeOf returns the frames packet type of p.
func PacketTypeOf(p *Packet) PacketType {
	return PacketType(p.Header.Type)
}

// TicketID returns the id acknowledged by a Ticket packet.
func TicketID(p *Packet) (uint32, error) {
	if PacketTypeOf(p) != Ticket || len(p.Payload) < TicketPayloadSize {
		return 0, ErrNotTicket
	}
	return binary.LittleEndian.Uint32(p.Payload), nil
}

// EncodeFrames concatenates frames as u32 length-prefixed records.
func EncodeFrames(frames [][]byte) []byte {
	size := 0
	for _, fr := range frames {
		size += FrameRecordOverhead + len(fr)
	}
	out := make([]byte, 0, size)
	for _, fr := range frames {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(fr)))
		out = append(out, fr...)
	}
	return out
}

// DecodeFrames splits a payload built by EncodeFrames. The returned
// slices alias payload.
func DecodeFrames(payload []byte) ([][]byte, error) {
	var frames [][]byte
	for len(payload) > 0 {
		if len(payload) < FrameRecordOverhead {
			return frames, ErrTruncatedFrames
		}
		n := binary.LittleEndian.Uint32(payload)
		payload = payload[FrameRecordOverhead:]
		if uint64(n) > uint64(len(payload)) {
			return frames, ErrTruncatedFrames
		}
		frames = append(frames, payload[:n])
		payload = payload[n:]
	}
	return frames, nil
}
