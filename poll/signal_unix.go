//go:build unix

package poll

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// doorbell is a non-blocking self-pipe.
type doorbell struct {
	mu     sync.Mutex
	r, w   int
	closed bool
}

func (d *doorbell) open() error {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return fmt.Errorf("poll: pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return fmt.Errorf("poll: set nonblock: %w", err)
		}
	}
	d.r, d.w = p[0], p[1]
	return nil
}

func (d *doorbell) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *doorbell) ring() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	for {
		_, err := unix.Write(d.w, []byte{1})
		switch err {
		case nil, unix.EAGAIN:
			// a full pipe is already readable
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("poll: signal write: %w", err)
		}
	}
}

func (d *doorbell) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(d.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

func (d *doorbell) interest() Interest {
	return Interest{FD: d.r, Events: Readable}
}

func (d *doorbell) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := unix.Close(d.w)
	if e := unix.Close(d.r); err == nil {
		err = e
	}
	return err
}
