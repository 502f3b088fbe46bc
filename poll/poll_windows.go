//go:build windows

package poll

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows"
)

// MaxHandles is the WaitForMultipleObjects limit.
const MaxHandles = 64

const maxSources = MaxHandles

type platformState struct {
	handles []windows.Handle
	active  []Source
}

func (m *Multiplexer) wait(timeout time.Duration) (int, error) {
	m.handles = m.handles[:0]
	m.active = m.active[:0]
	for _, src := range m.sources {
		in := src.Interest()
		if in.Handle == 0 {
			continue
		}
		m.handles = append(m.handles, windows.Handle(in.Handle))
		m.active = append(m.active, src)
	}

	if len(m.handles) == 0 {
		time.Sleep(timeout)
		return 0, nil
	}

	ev, err := windows.WaitForMultipleObjects(m.handles, false, uint32(timeout/time.Millisecond))
	if err != nil {
		return 0, err
	}
	switch {
	case ev == uint32(windows.WAIT_TIMEOUT):
		return 0, nil
	case ev < windows.WAIT_OBJECT_0+uint32(len(m.handles)):
		src := m.active[ev-windows.WAIT_OBJECT_0]
		for i := range m.active {
			m.active[i] = nil
		}
		src.Process(Readable)
		return 1, nil
	default:
		return 0, fmt.Errorf("poll: unexpected wait result 0x%x", ev)
	}
}
