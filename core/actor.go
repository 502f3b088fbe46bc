package core

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/najoast/threader/poll"
)

// childPollInterval caps the wait while a finishing parent waits for a
// child, so IsFinished is re-checked even if a signal is missed.
const childPollInterval = 100 * time.Millisecond

// failedWaitBackoff keeps a persistently failing multiplexer from
// spinning the CPU.
const failedWaitBackoff = 10 * time.Millisecond

// actor implements the Actor and Context interfaces.
type actor struct {
	id     ActorID
	name   string
	kind   string
	hooks  Hooks
	system *system
	parent *actor
	opts   ActorOptions
	log    *slog.Logger

	state atomic.Int32 // ActorState

	queue   *Queue
	mux     *poll.Multiplexer
	signals *poll.Signaler

	// Touched only by the actor's own thread
	terminating bool
	children    []*actor
	timers      map[string]*actor
	subscribers map[string][]Actor
	nextIdle    time.Time
	nextReap    time.Time
	nextStats   time.Time

	// Statistics, readable from any goroutine
	threadID  atomic.Int64
	startedAt atomic.Int64
	aliveAt   atomic.Int64
	waitNanos atomic.Int64

	done chan struct{}
}

func newActor(s *system, hooks Hooks, opts ActorOptions) (*actor, error) {
	if hooks == nil {
		return nil, fmt.Errorf("actor hooks cannot be nil")
	}
	opts = opts.withDefaults(s.defaults)

	a := &actor{
		id:     NewActorID(),
		name:   opts.Name,
		kind:   fmt.Sprintf("%T", hooks),
		hooks:  hooks,
		system: s,
		opts:   opts,
		queue:  NewQueue(),
		mux:    poll.New(),
		timers: make(map[string]*actor),
		done:   make(chan struct{}),

		subscribers: make(map[string][]Actor),
	}
	if a.name == "" {
		a.name = a.kind
	}
	a.log = s.log.With("actor", a.name)

	signals, err := poll.NewSignaler(a.onSignal)
	if err != nil {
		return nil, fmt.Errorf("failed to create actor signals: %w", err)
	}
	a.signals = signals
	a.state.Store(int32(ActorStateCreated))
	return a, nil
}

// ID returns the unique identifier of this Actor.
func (a *actor) ID() ActorID { return a.id }

// Name returns the configured name.
func (a *actor) Name() string { return a.name }

// Kind returns the hooks type name.
func (a *actor) Kind() string { return a.kind }

// Hooks returns the behaviour the Actor was built with.
func (a *actor) Hooks() Hooks { return a.hooks }

// State returns the current lifecycle state.
func (a *actor) State() ActorState { return ActorState(a.state.Load()) }

// IsFinished reports whether the Actor reached Finished.
func (a *actor) IsFinished() bool { return a.State() == ActorStateFinished }

// Done is closed when the Actor reached Finished.
func (a *actor) Done() <-chan struct{} { return a.done }

func (a *actor) Logger() *slog.Logger           { return a.log }
func (a *actor) System() ActorSystem            { return a.system }
func (a *actor) Multiplexer() *poll.Multiplexer { return a.mux }

// Parent returns the supervising Actor or nil.
func (a *actor) Parent() Actor {
	if a.parent == nil {
		return nil
	}
	return a.parent
}

// Start moves the Actor from Created to Running and spawns its thread.
func (a *actor) Start() error {
	if !a.state.CompareAndSwap(int32(ActorStateCreated), int32(ActorStateRunning)) {
		return fmt.Errorf("%w: %s (state: %s)", ErrAlreadyStarted, a.name, a.State())
	}
	if err := a.system.register(a); err != nil {
		a.state.Store(int32(ActorStateFinished))
		close(a.done)
		a.signals.Close()
		return err
	}
	go a.run()
	return nil
}

// PostMessage queues msg and wakes the Actor.
func (a *actor) PostMessage(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("cannot post nil message")
	}
	if a.IsFinished() {
		return fmt.Errorf("%w: %s", ErrActorFinished, a.name)
	}
	a.queue.Enqueue(msg)
	return a.wake(poll.SignalWakeUp)
}

// PostMessages queues msgs in order and wakes the Actor once.
func (a *actor) PostMessages(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if a.IsFinished() {
		return fmt.Errorf("%w: %s", ErrActorFinished, a.name)
	}
	a.queue.EnqueueBatch(msgs)
	return a.wake(poll.SignalWakeUp)
}

// PostTerminate asks the Actor to finish.
func (a *actor) PostTerminate() error {
	if a.IsFinished() {
		return nil
	}
	if err := a.wake(poll.SignalTerminate); err != nil && err != ErrActorFinished {
		return err
	}
	return nil
}

func (a *actor) wake(sig poll.Signal) error {
	if err := a.signals.Send(sig); err != nil {
		if err == poll.ErrClosed {
			return ErrActorFinished
		}
		return fmt.Errorf("failed to signal actor %s: %w", a.name, err)
	}
	return nil
}

// Terminate ends the loop after the current iteration.
func (a *actor) Terminate() {
	a.terminating = true
	a.state.CompareAndSwap(int32(ActorStateRunning), int32(ActorStateFinishing))
}

// StartChild supervises child and starts it.
func (a *actor) StartChild(child Actor) error {
	c, ok := child.(*actor)
	if !ok || c.system != a.system {
		return ErrForeignActor
	}
	if a.terminating {
		return fmt.Errorf("%w: %s", ErrActorFinishing, a.name)
	}
	if c.State() != ActorStateCreated {
		return fmt.Errorf("%w: %s (state: %s)", ErrAlreadyStarted, c.name, c.State())
	}
	c.parent = a
	if err := c.Start(); err != nil {
		c.parent = nil
		return err
	}
	a.children = append(a.children, c)
	return nil
}

// Children returns the supervised children that are not reaped yet.
func (a *actor) Children() []Actor {
	out := make([]Actor, 0, len(a.children))
	for _, c := range a.children {
		out = append(out, c)
	}
	return out
}

// Stats returns current runtime statistics for this Actor.
func (a *actor) Stats() ActorStats {
	return ActorStats{
		ID:         a.id,
		ThreadID:   a.threadID.Load(),
		Name:       a.name,
		Kind:       a.kind,
		State:      a.State(),
		StartedAt:  unixNanoTime(a.startedAt.Load()),
		AliveAt:    unixNanoTime(a.aliveAt.Load()),
		WaitTime:   time.Duration(a.waitNanos.Load()),
		QueueDepth: a.queue.Len(),
		Terminated: a.IsFinished(),
	}
}

func unixNanoTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// run is the actor's private loop on its dedicated OS thread.
func (a *actor) run() {
	defer a.system.wg.Done()

	// The thread is not unlocked: it dies with the goroutine.
	runtime.LockOSThread()
	a.threadID.Store(currentThreadID())

	now := time.Now()
	a.startedAt.Store(now.UnixNano())
	a.aliveAt.Store(now.UnixNano())
	a.nextIdle = now.Add(a.opts.WaitTimeout)
	a.nextReap = now.Add(a.opts.ReapInterval)
	a.nextStats = now.Add(a.opts.StatsInterval)
	a.system.publish(a.Stats())

	if err := a.mux.Register(a.signals); err != nil {
		a.log.Error("failed to register signals", "error", err)
	}
	a.log.Debug("actor started", "thread", a.threadID.Load())

	a.safely("start", func() { a.hooks.OnStart(a) })

	for !a.terminating {
		if bw, ok := a.hooks.(BeforeWaiter); ok {
			a.safely("before-wait", func() { bw.OnBeforeWait(a) })
			if a.terminating {
				break
			}
		}
		a.waitEvents()
		a.afterWait()
	}

	a.finish()
}

func (a *actor) waitEvents() {
	timeout := time.Until(a.nextIdle)
	if timeout > a.opts.WaitTimeout {
		timeout = a.opts.WaitTimeout
	}

	n := a.mux.Wait(timeout)
	a.waitNanos.Store(int64(a.mux.WaitTime()))
	if n < 0 {
		a.log.Error("multiplexer wait failed", "error", a.mux.Err())
		time.Sleep(failedWaitBackoff)
	}

	now := time.Now()
	if a.terminating {
		return
	}
	if n == 0 || !now.Before(a.nextIdle) {
		a.safely("idle", func() { a.hooks.OnIdle(a) })
		a.nextIdle = now.Add(a.opts.WaitTimeout)
	}
}

func (a *actor) afterWait() {
	now := time.Now()
	a.aliveAt.Store(now.UnixNano())

	if !now.Before(a.nextReap) {
		a.reapChildren()
		a.nextReap = now.Add(a.opts.ReapInterval)
	}
	if !now.Before(a.nextStats) {
		a.system.publish(a.Stats())
		a.nextStats = now.Add(a.opts.StatsInterval)
	}
}

func (a *actor) finish() {
	a.state.Store(int32(ActorStateFinishing))
	a.log.Debug("actor finishing", "children", len(a.children))

	a.safely("finishing", func() { a.hooks.OnFinishing(a) })
	a.terminateChildren()
	a.processMessages()
	a.safely("finished", func() { a.hooks.OnFinished(a) })

	a.mux.Unregister(a.signals)
	a.state.Store(int32(ActorStateFinished))
	a.system.unregister(a)
	close(a.done)
	a.log.Debug("actor finished")

	if a.parent != nil {
		// the parent closes our signals when it reaps us
		a.parent.wake(poll.SignalChildTerminated)
	} else {
		a.signals.Close()
	}
}

// onSignal runs on the actor's thread from the multiplexer.
func (a *actor) onSignal(sig poll.Signal) {
	switch sig {
	case poll.SignalTerminate:
		a.Terminate()
	case poll.SignalWakeUp:
		a.processMessages()
	case poll.SignalChildTerminated:
		a.reapChildren()
	}
}

func (a *actor) processMessages() {
	for _, msg := range a.queue.DrainAll() {
		handled := false
		a.safely("message", func() { handled = a.hooks.HandleMessage(a, msg) })
		if !handled {
			a.log.Debug("unhandled message", "name", msg.Name, "type", msg.Type)
		}
	}
}

// terminateChildren stops children in reverse start order. Each child
// stops its own children first, so shutdown is depth-first.
func (a *actor) terminateChildren() {
	children := append([]*actor(nil), a.children...)
	for i := len(children) - 1; i >= 0; i-- {
		child := children[i]
		child.PostTerminate()
		a.waitChild(child)
	}
	a.reapChildren()
}

// waitChild blocks until child finished while still draining our own
// queue, so a child waiting on one of our messages cannot deadlock us.
func (a *actor) waitChild(child *actor) {
	wait := a.opts.WaitTimeout
	if wait > childPollInterval {
		wait = childPollInterval
	}
	for !child.IsFinished() {
		if a.mux.Wait(wait) < 0 {
			time.Sleep(failedWaitBackoff)
		}
	}
	<-child.done
}

func (a *actor) reapChildren() {
	if len(a.children) == 0 {
		return
	}
	var reaped []*actor
	kept := a.children[:0]
	for _, c := range a.children {
		if c.IsFinished() {
			reaped = append(reaped, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(a.children); i++ {
		a.children[i] = nil
	}
	a.children = kept

	for _, c := range reaped {
		<-c.done
		c.signals.Close()
		a.system.forget(c)
		for name, t := range a.timers {
			if t == c {
				delete(a.timers, name)
			}
		}
		if w, ok := a.hooks.(ChildWatcher); ok {
			a.safely("child-finished", func() { w.OnChildFinished(a, c) })
		}
	}
}

// safely runs a hook, turning a panic into termination of this actor.
func (a *actor) safely(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("actor hook panicked",
				"stage", stage,
				"panic", r,
				"stack", string(debug.Stack()))
			a.Terminate()
		}
	}()
	fn()
}
