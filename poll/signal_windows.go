//go:build windows

package poll

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

// doorbell is a manual-reset event.
type doorbell struct {
	mu     sync.Mutex
	event  windows.Handle
	closed bool
}

func (d *doorbell) open() error {
	h, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return fmt.Errorf("poll: create event: %w", err)
	}
	d.event = h
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
	return windows.SetEvent(d.event)
}

func (d *doorbell) drain() {
	windows.ResetEvent(d.event)
}

func (d *doorbell) interest() Interest {
	return Interest{FD: NoFD, Handle: uintptr(d.event)}
}

func (d *doorbell) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return windows.CloseHandle(d.event)
}
