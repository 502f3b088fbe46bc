package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	// CRC-16/ARC check value
	assert.Equal(t, uint16(0xBB3D), Checksum([]byte("123456789")))
	assert.Equal(t, uint16(0), Checksum(nil))

	whole := Checksum([]byte("hello world"))
	part := UpdateChecksum(Checksum([]byte("hello ")), []byte("world"))
	assert.Equal(t, whole, part)
}

func TestIDGeneratorWraps(t *testing.T) {
	var g IDGenerator
	assert.Equal(t, uint32(1), g.Next())
	assert.Equal(t, uint32(2), g.Next())

	g.last = MaxPacketID - 2
	assert.Equal(t, MaxPacketID-1, g.Next())
	assert.Equal(t, uint32(1), g.Next())

	g.Reset()
	assert.Equal(t, uint32(1), g.Next())
}

func TestIDGeneratorNeverZero(t *testing.T) {
	g := IDGenerator{last: MaxPacketID - 5}
	for i := 0; i < 20; i++ {
		id := g.Next()
		assert.NotZero(t, id)
		assert.Less(t, id, MaxPacketID)
	}
}

func factories() map[string]Factory {
	return map[string]Factory{
		"frames": NewFramesFactory(),
		"simple": NewSimpleFactory(),
	}
}

func TestRoundTripLeavesTrailingGarbage(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("x"),
		[]byte("hello, framed world"),
		bytes.Repeat([]byte{0x5A, 0xAA, 0x55}, 1000),
	}
	garbage := []byte{0x01, 0x02, 0x03, 0xFF}

	for name, f := range factories() {
		t.Run(name, func(t *testing.T) {
			for _, p := range payloads {
				pkt := f.Build(1, p)
				buf := append(append([]byte(nil), pkt.Bytes()...), garbage...)

				got, ok := f.Extract(&buf)
				require.True(t, ok, "result %s", f.LastResult())
				assert.Equal(t, ResultOK, f.LastResult())
				assert.Equal(t, len(p), len(got.Payload))
				assert.True(t, bytes.Equal(p, got.Payload))
				assert.Equal(t, pkt.ID(), got.ID())
				assert.Equal(t, pkt.Bytes(), got.Bytes())
				assert.Equal(t, garbage, buf)
			}
		})
	}
}

func TestExtractSkipsLeadingNoise(t *testing.T) {
	for name, f := range factories() {
		t.Run(name, func(t *testing.T) {
			pkt := f.Build(2, []byte("payload"))
			buf := append([]byte{0x00, 0x13, 0x37}, pkt.Bytes()...)

			got, ok := f.Extract(&buf)
			require.True(t, ok)
			assert.Equal(t, []byte("payload"), got.Payload)
			assert.Empty(t, buf)
		})
	}
}

func TestExtractCorruptionDetected(t *testing.T) {
	for name, f := range factories() {
		t.Run(name, func(t *testing.T) {
			payload := []byte("sensitive payload bytes")
			wire := f.Build(1, payload).Bytes()
			hs := f.HeaderSize()

			for i := range payload {
				buf := append([]byte(nil), wire...)
				buf[hs+i] ^= 0x01

				_, ok := f.Extract(&buf)
				assert.False(t, ok, "flipped byte %d", i)
				assert.Equal(t, BadCheckSumm, f.LastResult(), "flipped byte %d", i)
				assert.True(t, f.LastResult().Desynchronized())
				// left at the bad record
				assert.Len(t, buf, len(wire))
			}
		})
	}
}

func TestExtractPartialInput(t *testing.T) {
	for name, f := range factories() {
		t.Run(name, func(t *testing.T) {
			wire := f.Build(1, []byte("0123456789")).Bytes()
			hs := f.HeaderSize()

			buf := append([]byte(nil), wire[:hs-1]...)
			_, ok := f.Extract(&buf)
			assert.False(t, ok)
			assert.Equal(t, NotEnoughForHeader, f.LastResult())
			assert.True(t, f.LastResult().NeedMoreData())
			assert.Len(t, buf, hs-1)

			buf = append(buf, wire[hs-1:hs+3]...)
			_, ok = f.Extract(&buf)
			assert.False(t, ok)
			assert.Equal(t, NotEnoughForBody, f.LastResult())
			assert.Len(t, buf, hs+3)

			buf = append(buf, wire[hs+3:]...)
			got, ok := f.Extract(&buf)
			require.True(t, ok)
			assert.Equal(t, []byte("0123456789"), got.Payload)
		})
	}
}

func TestExtractHeaderNotFound(t *testing.T) {
	f := NewFramesFactory()
	buf := []byte{1, 2, 3, 4}
	_, ok := f.Extract(&buf)
	assert.False(t, ok)
	assert.Equal(t, HeaderNotFound, f.LastResult())
	assert.Empty(t, buf)

	// half a tag survives
	buf = []byte{1, 2, 0x5A}
	_, ok = f.Extract(&buf)
	assert.False(t, ok)
	assert.Equal(t, []byte{0x5A}, buf)
}

func TestExtractInvalidTypeIsNoise(t *testing.T) {
	f := NewFramesFactory()
	good := f.Build(uint16(NeedsTicket), []byte("ok")).Bytes()

	// a fake header with type 7 in front of a real packet
	fake := append([]byte(nil), good[:FramesHeaderSize]...)
	fake[2] = 7
	buf := append(fake, good...)

	got, ok := f.Extract(&buf)
	require.True(t, ok)
	assert.Equal(t, []byte("ok"), got.Payload)
	assert.Empty(t, buf)
}

func TestExtractMultiplePackets(t *testing.T) {
	f := NewFramesFactory()
	var buf []byte
	for _, s := range []string{"one", "two", "three"} {
		buf = append(buf, f.Build(uint16(NoTicket), []byte(s)).Bytes()...)
	}

	var got []string
	for {
		p, ok := f.Extract(&buf)
		if !ok {
			break
		}
		got = append(got, string(p.Payload))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Equal(t, HeaderNotFound, f.LastResult())
}

func TestFramesHeaderLayout(t *testing.T) {
	f := NewFramesFactory()
	p := f.BuildWithID(uint16(NeedsTicket), 0x01020304, []byte{0xAB})
	w := p.Bytes()
	require.Len(t, w, FramesHeaderSize+1)
	assert.Equal(t, []byte{0x5A, 0x5A}, w[0:2])
	assert.Equal(t, byte(NeedsTicket), w[2])
	assert.Equal(t, []byte{1, 0, 0, 0}, w[3:7])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, w[9:13])
	crc := Checksum([]byte{0xAB})
	assert.Equal(t, []byte{byte(crc), byte(crc >> 8)}, w[7:9])
}

func TestSimpleHeaderLayout(t *testing.T) {
	f := NewSimpleFactory()
	p := f.BuildWithID(uint16(SimpleAlive), 7, nil)
	w := p.Bytes()
	require.Len(t, w, SimpleHeaderSize)
	assert.Equal(t, []byte{0x55, 0xAA}, w[0:2])
	assert.Equal(t, []byte{0, 0, 0, 0}, w[2:6])
	assert.Equal(t, []byte{7, 0, 0, 0}, w[8:12])
	assert.Equal(t, []byte{byte(SimpleAlive), 0}, w[12:14])
}

func TestTicket(t *testing.T) {
	f := NewFramesFactory()
	first := f.NextPacketID()
	ticket := f.BuildTicket(42)
	assert.Equal(t, Ticket, PacketTypeOf(ticket))
	assert.Equal(t, first+1, ticket.ID())
	assert.Len(t, ticket.Payload, TicketPayloadSize)

	id, err := TicketID(ticket)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), id)

	_, err = TicketID(f.BuildFrames(NeedsTicket, nil))
	assert.ErrorIs(t, err, ErrNotTicket)
}

func TestEncodeDecodeFrames(t *testing.T) {
	frames := [][]byte{[]byte("A"), {}, []byte("CCC")}
	payload := EncodeFrames(frames)
	assert.Len(t, payload, 3*FrameRecordOverhead+4)

	got, err := DecodeFrames(payload)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("A"), got[0])
	assert.Empty(t, got[1])
	assert.Equal(t, []byte("CCC"), got[2])

	_, err = DecodeFrames(payload[:len(payload)-1])
	assert.ErrorIs(t, err, ErrTruncatedFrames)
}

func TestGreeting(t *testing.T) {
	f := NewSimpleFactory()
	g, err := ParseGreeting(f.BuildHello("station-7", "1.4.2"))
	require.NoError(t, err)
	assert.Equal(t, "station-7", g.Name)
	require.NotNil(t, g.Version)
	assert.Equal(t, "1.4.2", g.Version.String())

	ok, err := g.Compatible("^1.2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.Compatible(">= 2.0")
	require.NoError(t, err)
	assert.False(t, ok)

	g, err = ParseGreeting(f.BuildWelcome("server", ""))
	require.NoError(t, err)
	assert.Nil(t, g.Version)
	ok, err = g.Compatible("*")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ParseGreeting(f.BuildData([]byte("x")))
	assert.ErrorIs(t, err, ErrNotGreeting)
	_, err = ParseGreeting(f.BuildHello("bad", "not-a-version"))
	assert.Error(t, err)
}

func TestAlive(t *testing.T) {
	f := NewSimpleFactory()
	now := time.UnixMilli(1_700_000_000_123)
	a, err := ParseAlive(f.BuildAlive(now, 90*time.Second))
	require.NoError(t, err)
	assert.True(t, a.Time.Equal(now))
	assert.Equal(t, 90*time.Second, a.Uptime)

	_, err = ParseAlive(f.BuildClose("bye"))
	assert.ErrorIs(t, err, ErrNotAlive)
}
