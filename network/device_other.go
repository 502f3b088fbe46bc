//go:build !linux

package network

import (
	"net"
	"net/netip"
	"strconv"

	"github.com/najoast/threader/poll"
)

// unsupported is the driver stub on platforms without native drivers.
// Open always fails, so handlers keep retrying at their reconnect
// interval and report ErrUnsupported.
type unsupported struct {
	deviceBase
}

func (u *unsupported) Interest() poll.Interest { return poll.None() }
func (u *unsupported) Process(poll.Events)     {}

func (u *unsupported) Open() error {
	u.fail(ErrUnsupported)
	u.setState(StateDisconnected)
	return ErrUnsupported
}

func (u *unsupported) Close() error {
	u.setState(StateDisconnected)
	return nil
}

func (u *unsupported) Read([]byte) (int, error)  { return 0, ErrUnsupported }
func (u *unsupported) Write([]byte) (int, error) { return 0, ErrUnsupported }

// TCPSocket is not available on this platform.
type TCPSocket struct{ unsupported }

// NewTCPClient returns a stub whose Open fails with ErrUnsupported.
func NewTCPClient(host string, port int) *TCPSocket {
	s := &TCPSocket{}
	s.name = net.JoinHostPort(host, strconv.Itoa(port))
	s.self = s
	return s
}

// NewTCPSocket fails with ErrUnsupported.
func NewTCPSocket(fd int, peer string) (*TCPSocket, error) {
	return nil, ErrUnsupported
}

// UDPSocket is not available on this platform.
type UDPSocket struct{ unsupported }

// NewUDPSocket returns a stub whose Open fails with ErrUnsupported.
func NewUDPSocket(localPort int, remote string) *UDPSocket {
	s := &UDPSocket{}
	s.name = "udp:" + strconv.Itoa(localPort)
	s.self = s
	return s
}

func (s *UDPSocket) Datagram() bool           { return true }
func (s *UDPSocket) LocalPort() int           { return 0 }
func (s *UDPSocket) LastPeer() netip.AddrPort { return netip.AddrPort{} }

// SerialPort is not available on this platform.
type SerialPort struct{ unsupported }

// NewSerialPort returns a stub whose Open fails with ErrUnsupported.
func NewSerialPort(path string, opts SerialOptions) *SerialPort {
	s := &SerialPort{}
	s.name = path
	s.self = s
	return s
}

type listenSocket struct{}

func newListenSocket(int, func(int, netip.AddrPort) bool, func(error)) *listenSocket {
	return &listenSocket{}
}

func (l *listenSocket) opened() bool            { return false }
func (l *listenSocket) open() error             { return ErrUnsupported }
func (l *listenSocket) boundPort() int          { return 0 }
func (l *listenSocket) close()                  {}
func (l *listenSocket) Interest() poll.Interest { return poll.None() }
func (l *listenSocket) Process(poll.Events)     {}
