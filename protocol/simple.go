package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// SimpleType is the simple variant packet type.
type SimpleType uint16

const (
	SimpleTicket SimpleType = iota
	SimpleHello
	SimpleWelcome
	SimpleClose
	SimpleAlive
	SimpleData

	simpleTypeMax
)

// String returns the string representation of SimpleType.
func (t SimpleType) String() string {
	switch t {
	case SimpleTicket:
		return "ticket"
	case SimpleHello:
		return "hello"
	case SimpleWelcome:
		return "welcome"
	case SimpleClose:
		return "close"
	case SimpleAlive:
		return "alive"
	case SimpleData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// Simple variant wire constants.
const (
	SimpleTag        uint16 = 0xAA55
	SimpleHeaderSize        = 14

	alivePayloadSize = 16
)

var (
	ErrNotGreeting = errors.New("packet is not a hello or welcome")
	ErrNotAlive    = errors.New("packet is not an alive")
)

// SimpleFactory builds and extracts simple variant packets:
// tag u16, length u32, checksum u16, id u32, type u16.
type SimpleFactory struct {
	framer
}

// NewSimpleFactory creates a SimpleFactory.
func NewSimpleFactory() *SimpleFactory {
	return &SimpleFactory{framer: newFramer(layout{
		tag:       SimpleTag,
		size:      SimpleHeaderSize,
		typeOff:   12,
		typeWidth: 2,
		lenOff:    2,
		crcOff:    6,
		idOff:     8,
		validType: func(t uint16) bool { return t < uint16(simpleTypeMax) },
	})}
}

// SimpleTypeOf returns the simple packet type of p.
func SimpleTypeOf(p *Packet) SimpleType {
	return SimpleType(p.Header.Type)
}

// BuildHello announces name and protocol version.
func (f *SimpleFactory) BuildHello(name, version string) *Packet {
	return f.Build(uint16(SimpleHello), greetingPayload(name, version))
}

// BuildWelcome answers a Hello.
func (f *SimpleFactory) BuildWelcome(name, version string) *Packet {
	return f.Build(uint16(SimpleWelcome), greetingPayload(name, version))
}

// BuildAlive carries the sender's wall clock and uptime.
func (f *SimpleFactory) BuildAlive(now time.Time, uptime time.Duration) *Packet {
	payload := make([]byte, alivePayloadSize)
	binary.LittleEndian.PutUint64(payload[0:], uint64(now.UnixMilli()))
	binary.LittleEndian.PutUint64(payload[8:], uint64(uptime.Milliseconds()))
	return f.Build(uint16(SimpleAlive), payload)
}

// BuildClose tells the peer the link is going away.
func (f *SimpleFactory) BuildClose(reason string) *Packet {
	return f.Build(uint16(SimpleClose), []byte(reason))
}

// BuildData wraps application bytes.
func (f *SimpleFactory) BuildData(payload []byte) *Packet {
	return f.Build(uint16(SimpleData), payload)
}

// BuildTicket acknowledges ackID.
func (f *SimpleFactory) BuildTicket(ackID uint32) *Packet {
	var payload [TicketPayloadSize]byte
	binary.LittleEndian.PutUint32(payload[:], ackID)
	return f.Build(uint16(SimpleTicket), payload[:])
}

func greetingPayload(name, version string) []byte {
	out := make([]byte, 0, len(name)+1+len(version))
	out = append(out, name...)
	out = append(out, 0)
	return append(out, version...)
}

// Greeting is the content of a Hello or Welcome packet.
type Greeting struct {
	Name string

	// Version is nil when the peer did not send one
	Version *semver.Version
}

// ParseGreeting decodes a Hello or Welcome packet.
func ParseGreeting(p *Packet) (Greeting, error) {
	switch SimpleTypeOf(p) {
	case SimpleHello, SimpleWelcome:
	default:
		return Greeting{}, ErrNotGreeting
	}

	name, rest, found := bytes.Cut(p.Payload, []byte{0})
	g := Greeting{Name: string(name)}
	if !found || len(rest) == 0 {
		return g, nil
	}
	v, err := semver.NewVersion(string(rest))
	if err != nil {
		return g, fmt.Errorf("invalid greeting version %q: %w", rest, err)
	}
	g.Version = v
	return g, nil
}

// Compatible reports whether the greeting version satisfies constraint,
// e.g. "^1.2". A greeting without version is never compatible.
func (g Greeting) Compatible(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	if g.Version == nil {
		return false, nil
	}
	return c.Check(g.Version), nil
}

// Alive is the content of an Alive packet.
type Alive struct {
	Time   time.Time
	Uptime time.Duration
}

// ParseAlive decodes an Alive packet.
func ParseAlive(p *Packet) (Alive, error) {
	if SimpleTypeOf(p) != SimpleAlive || len(p.Payload) < alivePayloadSize {
		return Alive{}, ErrNotAlive
	}
	return Alive{
		Time:   time.UnixMilli(int64(binary.LittleEndian.Uint64(p.Payload[0:]))),
		Uptime: time.Duration(binary.LittleEndian.Uint64(p.Payload[8:])) * time.Millisecond,
	}, nil
}
