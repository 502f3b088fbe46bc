//go:build linux

package network

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/najoast/threader/poll"
)

var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

var dataBits = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// SerialPort is a tty in raw, non-blocking mode.
type SerialPort struct {
	deviceBase
	path string
	opts SerialOptions
	fd   int
}

// NewSerialPort creates a port for the device path, e.g. /dev/ttyUSB0.
func NewSerialPort(path string, opts SerialOptions) *SerialPort {
	s := &SerialPort{path: path, opts: opts.withDefaults(), fd: -1}
	s.name = path
	s.self = s
	return s
}

// Interest implements poll.Source.
func (s *SerialPort) Interest() poll.Interest {
	if s.fd < 0 {
		return poll.None()
	}
	ev := poll.Readable
	if s.wantWrite {
		ev |= poll.Writable
	}
	return poll.Interest{FD: s.fd, Events: ev}
}

// Open opens and configures the tty.
func (s *SerialPort) Open() error {
	if s.fd >= 0 {
		return nil
	}
	speed, ok := baudRates[s.opts.BaudRate]
	if !ok {
		return s.openFailed(fmt.Errorf("unsupported baud rate %d", s.opts.BaudRate))
	}
	size, ok := dataBits[s.opts.DataBits]
	if !ok {
		return s.openFailed(fmt.Errorf("unsupported data bits %d", s.opts.DataBits))
	}

	fd, err := unix.Open(s.path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return s.openFailed(fmt.Errorf("open %s: %w", s.path, err))
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return s.openFailed(fmt.Errorf("%s is not a tty: %w", s.path, err))
	}

	// cfmakeraw
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag = 0
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= size | speed | unix.CREAD | unix.CLOCAL
	if s.opts.Parity {
		t.Cflag |= unix.PARENB
	}
	if s.opts.TwoStopBits {
		t.Cflag |= unix.CSTOPB
	}
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		unix.Close(fd)
		return s.openFailed(fmt.Errorf("configure %s: %w", s.path, err))
	}

	s.fd = fd
	s.setState(StateConnected)
	return nil
}

func (s *SerialPort) openFailed(err error) error {
	s.fail(err)
	s.setState(StateDisconnected)
	return err
}

// Close releases the tty.
func (s *SerialPort) Close() error {
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
func (s *SerialPort) Read(p []byte) (int, error) {
	n, err := fdRead(s.fd, p)
	if errors.Is(err, io.EOF) {
		// a raw tty with VMIN=0 reports 0 bytes when idle
		return 0, nil
	}
	return n, err
}

// Write implements Device.
func (s *SerialPort) Write(p []byte) (int, error) {
	return fdWrite(s.fd, p)
}

// Process implements poll.Source.
func (s *SerialPort) Process(ev poll.Events) {
	if s.fd < 0 {
		return
	}
	if ev&(poll.Error|poll.Hangup|poll.Invalid) != 0 {
		s.fail(fmt.Errorf("%s: poll reported %s", s.path, ev))
		s.Close()
		return
	}
	if ev&poll.Writable != 0 {
		s.writable()
	}
	if ev&poll.Readable != 0 && s.fd >= 0 {
		s.readable()
	}
}
