//go:build linux

package network

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/najoast/threader/poll"
)

// listenSocket is the poll.Source behind a Listener. accept returns
// whether it took ownership of the descriptor; rejected ones are closed.
type listenSocket struct {
	port    int
	fd      int
	accept  func(fd int, peer netip.AddrPort) bool
	onError func(err error)
}

func newListenSocket(port int, accept func(int, netip.AddrPort) bool, onError func(error)) *listenSocket {
	return &listenSocket{port: port, fd: -1, accept: accept, onError: onError}
}

func (l *listenSocket) opened() bool { return l.fd >= 0 }

func (l *listenSocket) open() error {
	if l.fd >= 0 {
		return nil
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: l.port}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind port %d: %w", l.port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen port %d: %w", l.port, err)
	}
	l.fd = fd
	return nil
}

// boundPort returns the actual port, useful when listening on port 0.
func (l *listenSocket) boundPort() int {
	if l.fd < 0 {
		return 0
	}
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return 0
	}
	return int(fromSockaddr(sa).Port())
}

func (l *listenSocket) close() {
	if l.fd < 0 {
		return
	}
	unix.Close(l.fd)
	l.fd = -1
}

func (l *listenSocket) Interest() poll.Interest {
	if l.fd < 0 {
		return poll.None()
	}
	return poll.Interest{FD: l.fd, Events: poll.Readable}
}

func (l *listenSocket) Process(ev poll.Events) {
	if l.fd < 0 {
		return
	}
	if ev&(poll.Error|poll.Invalid) != 0 {
		err := socketError(l.fd)
		if err == nil {
			err = fmt.Errorf("listen port %d: poll reported %s", l.port, ev)
		}
		l.close()
		l.onError(err)
		return
	}
	if ev&poll.Readable != 0 {
		l.acceptAll()
	}
}

func (l *listenSocket) acceptAll() {
	for l.fd >= 0 {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err != nil {
			l.onError(fmt.Errorf("accept: %w", err))
			return
		}
		if !l.accept(nfd, fromSockaddr(sa)) {
			unix.Close(nfd)
		}
	}
}
