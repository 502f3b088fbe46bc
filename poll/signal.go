package poll

import "sync/atomic"

// Signal is one of the control signals an actor accepts from other
// goroutines.
type Signal uint8

const (
	SignalTerminate Signal = iota
	SignalWakeUp
	SignalChildTerminated

	signalCount
)

// String returns the signal name.
func (s Signal) String() string {
	switch s {
	case SignalTerminate:
		return "terminate"
	case SignalWakeUp:
		return "wakeup"
	case SignalChildTerminated:
		return "child-terminated"
	default:
		return "unknown"
	}
}

// Signaler is a Source carrying control signals. Pending signals of the
// same kind coalesce, so a burst of wake-ups costs one OS notification.
// Send may be called from any goroutine; Process runs on the owner's.
type Signaler struct {
	pending atomic.Uint32
	handler func(Signal)

	doorbell
}

// NewSignaler creates a Signaler that calls handler for every delivered
// signal.
func NewSignaler(handler func(Signal)) (*Signaler, error) {
	s := &Signaler{handler: handler}
	if err := s.doorbell.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Send delivers sig to the owner. It returns ErrClosed once the
// Signaler has been closed.
func (s *Signaler) Send(sig Signal) error {
	bit := uint32(1) << sig
	for {
		old := s.pending.Load()
		if old&bit != 0 {
			return s.doorbell.check()
		}
		if s.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	return s.doorbell.ring()
}

// Interest implements Source.
func (s *Signaler) Interest() Interest {
	return s.doorbell.interest()
}

// Process implements Source. It dispatches pending signals in their
// numeric order.
func (s *Signaler) Process(Events) {
	s.doorbell.drain()
	bits := s.pending.Swap(0)
	for sig := Signal(0); sig < signalCount; sig++ {
		if bits&(1<<sig) != 0 && s.handler != nil {
			s.handler(sig)
		}
	}
}

// Close releases the OS resources. Later Sends return ErrClosed.
func (s *Signaler) Close() error {
	return s.doorbell.close()
}
