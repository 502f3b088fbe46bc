// Package network binds byte-stream devices (TCP, UDP, serial ports) to
// actors.
//
// A Device is a non-blocking descriptor registered with the owning actor's
// multiplexer. It reports readiness through a DeviceListener; Handler is
// the listener that buffers traffic, extracts packets and tells the parent
// actor about connection changes. Link layers the reliable delivery queue
// on top of a Handler, Listener accepts TCP peers.
package network

import (
	"errors"
	"fmt"

	"github.com/najoast/threader/poll"
)

// ConnectionState represents the state of a device.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	ErrUnsupported  = errors.New("device is not supported on this platform")
	ErrNotConnected = errors.New("device is not connected")
	ErrCannotOpen   = errors.New("device cannot be opened")
)

// Device is a non-blocking byte device driven by a poll.Multiplexer.
// All methods are called from the owning actor's thread.
type Device interface {
	poll.Source

	// Name is the human readable address, "host:port" or a port path
	Name() string

	// State returns the connection state
	State() ConnectionState

	// Open starts connecting. Devices wrapping an accepted descriptor
	// cannot be reopened and return ErrCannotOpen.
	Open() error

	// Close releases the descriptor and moves to StateDisconnected
	Close() error

	// Read returns 0, nil when nothing is available
	Read(p []byte) (int, error)

	// Write returns the number of bytes accepted by the kernel
	Write(p []byte) (int, error)

	// SetWantWrite adds write readiness to the polled events
	SetWantWrite(want bool)

	// SetListener installs the receiver of device events
	SetListener(l DeviceListener)

	// Datagram reports whether each Read returns exactly one message
	Datagram() bool
}

// DeviceListener receives device events on the owning actor's thread.
type DeviceListener interface {
	OnStateChanged(d Device, from, to ConnectionState)
	OnReadable(d Device)
	OnWritable(d Device)
	OnError(d Device, err error)
}

// deviceBase carries the bookkeeping shared by every driver.
type deviceBase struct {
	name      string
	state     ConnectionState
	wantWrite bool
	listener  DeviceListener
	self      Device
}

func (b *deviceBase) Name() string                 { return b.name }
func (b *deviceBase) State() ConnectionState       { return b.state }
func (b *deviceBase) SetWantWrite(want bool)       { b.wantWrite = want }
func (b *deviceBase) SetListener(l DeviceListener) { b.listener = l }
func (b *deviceBase) Datagram() bool               { return false }

func (b *deviceBase) setState(to ConnectionState) {
	if to == b.state {
		return
	}
	from := b.state
	b.state = to
	if b.listener != nil {
		b.listener.OnStateChanged(b.self, from, to)
	}
}

func (b *deviceBase) readable() {
	if b.listener != nil {
		b.listener.OnReadable(b.self)
	}
}

func (b *deviceBase) writable() {
	if b.listener != nil {
		b.listener.OnWritable(b.self)
	}
}

func (b *deviceBase) fail(err error) {
	if b.listener != nil {
		b.listener.OnError(b.self, err)
	}
}

// SerialOptions configures a serial port.
type SerialOptions struct {
	// BaudRate in bits per second, 115200 by default
	BaudRate int

	// DataBits per character, 5 to 8
	DataBits int

	// Parity enables even parity
	Parity bool

	// TwoStopBits selects two stop bits instead of one
	TwoStopBits bool
}

// DefaultSerialOptions returns 115200 8N1.
func DefaultSerialOptions() SerialOptions {
	return SerialOptions{BaudRate: 115200, DataBits: 8}
}

func (o SerialOptions) withDefaults() SerialOptions {
	d := DefaultSerialOptions()
	if o.BaudRate == 0 {
		o.BaudRate = d.BaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = d.DataBits
	}
	return o
}
