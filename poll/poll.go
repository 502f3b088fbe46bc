// Package poll implements the readiness multiplexer every actor blocks in.
//
// A Multiplexer owns a set of Sources. Each Source reports what it is
// currently interested in (a descriptor plus an event mask on POSIX
// targets, an event handle on Windows) and receives the fired events
// through Process. The OS-specific masks never leave this package.
package poll

import (
	"errors"
	"fmt"
	"time"
)

// Events is a platform independent set of readiness bits.
type Events uint32

const (
	// Readable means data can be read without blocking
	Readable Events = 1 << iota

	// Writable means data can be written without blocking
	Writable

	// Error means the descriptor reported an error condition
	Error

	// Hangup means the peer closed its side
	Hangup

	// Invalid means the descriptor is not open
	Invalid
)

// Has reports whether all bits of x are set in e.
func (e Events) Has(x Events) bool {
	return e&x == x
}

// String returns a compact representation such as "rw" or "r-eh".
func (e Events) String() string {
	if e == 0 {
		return "-"
	}
	b := make([]byte, 0, 5)
	for _, f := range []struct {
		bit Events
		c   byte
	}{{Readable, 'r'}, {Writable, 'w'}, {Error, 'e'}, {Hangup, 'h'}, {Invalid, 'n'}} {
		if e&f.bit != 0 {
			b = append(b, f.c)
		}
	}
	return string(b)
}

// NoFD marks an Interest without a descriptor.
const NoFD = -1

// Interest describes what a Source currently waits on. Sources with
// neither a descriptor nor a handle are skipped for that wait.
type Interest struct {
	// FD is the POSIX descriptor, NoFD when unused
	FD int

	// Events requested for FD
	Events Events

	// Handle is the Windows event handle, 0 when unused
	Handle uintptr
}

// None returns an Interest that is skipped by the multiplexer.
func None() Interest {
	return Interest{FD: NoFD}
}

// Source is anything a Multiplexer can wait on.
type Source interface {
	// Interest is queried before every wait.
	Interest() Interest

	// Process is called on the multiplexer's goroutine with the fired events.
	Process(ev Events)
}

// ErrClosed is returned when signalling a closed Signaler.
var ErrClosed = errors.New("poll: closed")

// ErrTooManySources is returned by Register once the platform limit of
// sources is reached.
var ErrTooManySources = errors.New("poll: too many sources")

// Multiplexer waits on registered sources. It is owned by exactly one
// goroutine and is not safe for concurrent use.
type Multiplexer struct {
	sources []Source

	// 0 means unlimited
	limit int

	// totals for statistics
	waitTime  time.Duration
	waitCount uint64

	// last failure reported by Wait
	err error

	platformState
}

// New creates an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{limit: maxSources}
}

// Register adds src. Registering an already registered source keeps a
// single entry. It fails with ErrTooManySources when the multiplexer
// already holds as many sources as the platform can wait on.
func (m *Multiplexer) Register(src Source) error {
	for i, s := range m.sources {
		if s == src {
			m.sources[i] = src
			return nil
		}
	}
	if m.limit > 0 && len(m.sources) >= m.limit {
		return fmt.Errorf("%w: limit is %d", ErrTooManySources, m.limit)
	}
	m.sources = append(m.sources, src)
	return nil
}

// Unregister removes src if present.
func (m *Multiplexer) Unregister(src Source) {
	for i, s := range m.sources {
		if s == src {
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered sources.
func (m *Multiplexer) Len() int {
	return len(m.sources)
}

// WaitTime returns the accumulated time spent blocked in Wait.
func (m *Multiplexer) WaitTime() time.Duration {
	return m.waitTime
}

// WaitCount returns how many times Wait was called.
func (m *Multiplexer) WaitCount() uint64 {
	return m.waitCount
}

// Err returns the error behind the last negative Wait result.
func (m *Multiplexer) Err() error {
	return m.err
}

// Wait blocks until at least one source is ready or timeout elapses,
// then processes every ready source. It returns the number of processed
// events, 0 on timeout and a negative value when the OS wait failed.
// Interrupted waits are retried with the remaining time.
func (m *Multiplexer) Wait(timeout time.Duration) int {
	if timeout < 0 {
		timeout = 0
	}
	m.waitCount++
	m.err = nil

	start := time.Now()
	n, err := m.wait(timeout)
	m.waitTime += time.Since(start)

	if err != nil {
		m.err = err
		return -1
	}
	return n
}
