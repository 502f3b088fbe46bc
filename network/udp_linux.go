//go:build linux

package network

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/najoast/threader/poll"
)

// UDPSocket is a datagram device bound to a local port. Writes go to the
// configured remote, or to the sender of the last datagram when no remote
// is set.
type UDPSocket struct {
	deviceBase
	localPort int
	remote    string
	fd        int
	peer      unix.Sockaddr
	lastPeer  netip.AddrPort
}

// NewUDPSocket creates a socket bound to localPort (0 picks one). remote
// is an optional "host:port".
func NewUDPSocket(localPort int, remote string) *UDPSocket {
	s := &UDPSocket{localPort: localPort, remote: remote, fd: -1}
	s.name = "udp:" + strconv.Itoa(localPort)
	if remote != "" {
		s.name += "->" + remote
	}
	s.self = s
	return s
}

// Datagram implements Device.
func (s *UDPSocket) Datagram() bool { return true }

// Interest implements poll.Source.
func (s *UDPSocket) Interest() poll.Interest {
	if s.fd < 0 {
		return poll.None()
	}
	ev := poll.Readable
	if s.wantWrite {
		ev |= poll.Writable
	}
	return poll.Interest{FD: s.fd, Events: ev}
}

// Open binds the socket.
func (s *UDPSocket) Open() error {
	if s.fd >= 0 {
		return nil
	}
	if s.remote != "" {
		host, port, err := net.SplitHostPort(s.remote)
		if err != nil {
			return s.openFailed(err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return s.openFailed(fmt.Errorf("bad port %q: %w", port, err))
		}
		sa, _, err := resolveSockaddr(host, p)
		if err != nil {
			return s.openFailed(err)
		}
		s.peer = sa
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return s.openFailed(fmt.Errorf("socket: %w", err))
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.localPort}); err != nil {
		unix.Close(fd)
		return s.openFailed(fmt.Errorf("bind udp port %d: %w", s.localPort, err))
	}
	s.fd = fd
	s.setState(StateConnected)
	return nil
}

func (s *UDPSocket) openFailed(err error) error {
	s.fail(err)
	s.setState(StateDisconnected)
	return err
}

// LocalPort returns the bound port, 0 when closed.
func (s *UDPSocket) LocalPort() int {
	if s.fd < 0 {
		return 0
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0
	}
	return int(fromSockaddr(sa).Port())
}

// LastPeer returns the sender of the last datagram.
func (s *UDPSocket) LastPeer() netip.AddrPort { return s.lastPeer }

// Close releases the descriptor.
func (s *UDPSocket) Close() error {
	if s.fd < 0 {
		s.setState(StateDisconnected)
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	s.setState(StateDisconnected)
	return err
}

// Read returns one datagram.
func (s *UDPSocket) Read(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, ErrNotConnected
	}
	n, from, err := unix.Recvfrom(s.fd, p, 0)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if from != nil {
		s.lastPeer = fromSockaddr(from)
		if s.remote == "" {
			s.peer = from
		}
	}
	return n, nil
}

// Write sends p as one datagram.
func (s *UDPSocket) Write(p []byte) (int, error) {
	if s.fd < 0 || s.peer == nil {
		return 0, ErrNotConnected
	}
	err := unix.Sendto(s.fd, p, 0, s.peer)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Process implements poll.Source.
func (s *UDPSocket) Process(ev poll.Events) {
	if s.fd < 0 {
		return
	}
	if ev&(poll.Error|poll.Invalid) != 0 {
		// ICMP errors on unconnected sockets are not fatal
		if err := socketError(s.fd); err != nil {
			s.fail(err)
		}
		if ev&poll.Invalid != 0 {
			s.Close()
			return
		}
	}
	if ev&poll.Writable != 0 {
		s.writable()
	}
	if ev&poll.Readable != 0 && s.fd >= 0 {
		s.readable()
	}
}
