//go:build linux

package network

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/najoast/threader/poll"
)

// tcpUserTimeout bounds unacknowledged writes on client sockets, in
// milliseconds.
const tcpUserTimeout = 10000

// TCPSocket is a stream socket: either a client that connects on Open or
// a descriptor handed over by a Listener.
type TCPSocket struct {
	deviceBase
	host   string
	port   int
	fd     int
	client bool
}

// NewTCPClient creates a client socket for host:port. Nothing happens
// until Open.
func NewTCPClient(host string, port int) *TCPSocket {
	s := &TCPSocket{host: host, port: port, fd: -1, client: true}
	s.name = net.JoinHostPort(host, strconv.Itoa(port))
	s.self = s
	return s
}

// NewTCPSocket adopts a connected stream descriptor, typically one
// returned by accept. The socket starts Connected and cannot be reopened.
func NewTCPSocket(fd int, peer string) (*TCPSocket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set non-blocking mode: %w", err)
	}
	s := &TCPSocket{fd: fd}
	s.name = peer
	s.state = StateConnected
	s.self = s
	return s, nil
}

// Interest implements poll.Source.
func (s *TCPSocket) Interest() poll.Interest {
	if s.fd < 0 || s.state == StateDisconnected {
		return poll.None()
	}
	ev := poll.Readable
	if s.wantWrite || s.state == StateConnecting {
		ev |= poll.Writable
	}
	return poll.Interest{FD: s.fd, Events: ev}
}

// Open starts a non-blocking connect.
func (s *TCPSocket) Open() error {
	if !s.client {
		return ErrCannotOpen
	}
	if s.fd >= 0 {
		return nil
	}
	s.setState(StateConnecting)

	sa, family, err := resolveSockaddr(s.host, s.port)
	if err != nil {
		return s.openFailed(err)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return s.openFailed(fmt.Errorf("socket: %w", err))
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return s.openFailed(fmt.Errorf("connect %s: %w", s.name, err))
	}
	s.fd = fd
	if err == nil {
		s.established()
	}
	return nil
}

func (s *TCPSocket) openFailed(err error) error {
	s.fail(err)
	s.setState(StateDisconnected)
	return err
}

func (s *TCPSocket) established() {
	unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, tcpUserTimeout)
	s.setState(StateConnected)
}

// Close releases the descriptor.
func (s *TCPSocket) Close() error {
	if s.fd < 0 {
		s.setState(StateDisconnected)
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	s.setState(StateDisconnected)
	return err
}

// Read implements Device.
func (s *TCPSocket) Read(p []byte) (int, error) {
	return fdRead(s.fd, p)
}

// Write implements Device.
func (s *TCPSocket) Write(p []byte) (int, error) {
	return fdWrite(s.fd, p)
}

// Process implements poll.Source.
func (s *TCPSocket) Process(ev poll.Events) {
	if s.fd < 0 || s.state == StateDisconnected {
		return
	}

	if ev&(poll.Error|poll.Invalid) != 0 {
		err := socketError(s.fd)
		if err == nil {
			err = fmt.Errorf("%s: poll reported %s", s.name, ev)
		}
		s.fail(err)
		s.Close()
		return
	}

	if ev&poll.Hangup != 0 {
		// drain what the peer sent before closing
		s.readable()
		s.Close()
		return
	}

	if ev&poll.Writable != 0 {
		if s.state == StateConnecting {
			if err := socketError(s.fd); err != nil {
				s.fail(err)
				s.Close()
				return
			}
			s.established()
			if s.fd < 0 {
				return
			}
		}
		s.writable()
	}

	if ev&poll.Readable != 0 && s.fd >= 0 {
		s.readable()
	}
}

// socketError returns the pending SO_ERROR of fd.
func socketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}

func fdRead(fd int, p []byte) (int, error) {
	if fd < 0 {
		return 0, ErrNotConnected
	}
	n, err := unix.Read(fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, err
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func fdWrite(fd int, p []byte) (int, error) {
	if fd < 0 {
		return 0, ErrNotConnected
	}
	n, err := unix.Write(fd, p)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func resolveSockaddr(host string, port int) (unix.Sockaddr, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, 0, err
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return nil, 0, fmt.Errorf("cannot resolve %s", host)
	}
	return toSockaddr(netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)))
}

func toSockaddr(ap netip.AddrPort) (unix.Sockaddr, int, error) {
	ip := ap.Addr()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ip.As4()}, unix.AF_INET, nil
	}
	if ip.Is6() {
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ip.As16()}, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("unsupported address %s", ap)
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	}
	return netip.AddrPort{}
}
