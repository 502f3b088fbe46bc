//go:build unix

package poll

import (
	"time"

	"golang.org/x/sys/unix"
)

// poll(2) has no practical limit
const maxSources = 0

type platformState struct {
	fds    []unix.PollFd
	active []Source
}

func (m *Multiplexer) wait(timeout time.Duration) (int, error) {
	m.fds = m.fds[:0]
	m.active = m.active[:0]
	for _, src := range m.sources {
		in := src.Interest()
		if in.FD < 0 {
			continue
		}
		m.fds = append(m.fds, unix.PollFd{Fd: int32(in.FD), Events: toPollEvents(in.Events)})
		m.active = append(m.active, src)
	}

	deadline := time.Now().Add(timeout)
	var (
		n   int
		err error
	)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		n, err = unix.Poll(m.fds, ms)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	processed := 0
	for i := range m.fds {
		if m.fds[i].Revents == 0 {
			continue
		}
		m.active[i].Process(fromPollEvents(m.fds[i].Revents))
		processed++
	}
	// drop references so closed sources can be collected
	for i := range m.active {
		m.active[i] = nil
	}
	return processed, nil
}

func toPollEvents(e Events) int16 {
	var r int16
	if e&Readable != 0 {
		r |= unix.POLLIN | pollRdHup
	}
	if e&Writable != 0 {
		r |= unix.POLLOUT
	}
	return r
}

func fromPollEvents(r int16) Events {
	var e Events
	if r&unix.POLLIN != 0 {
		e |= Readable
	}
	if r&unix.POLLOUT != 0 {
		e |= Writable
	}
	if r&unix.POLLERR != 0 {
		e |= Error
	}
	if r&(unix.POLLHUP|pollRdHup) != 0 {
		e |= Hangup
	}
	if r&unix.POLLNVAL != 0 {
		e |= Invalid
	}
	return e
}
