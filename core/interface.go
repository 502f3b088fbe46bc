package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/najoast/threader/poll"
)

// Hooks is the behaviour of an Actor. All methods run on the actor's own
// thread. Embed NopHooks to implement only what is needed.
type Hooks interface {
	// OnStart runs once before the first wait.
	OnStart(c Context)

	// OnFinishing runs once termination was observed, before children
	// are stopped.
	OnFinishing(c Context)

	// OnFinished runs after all children finished and the queue was
	// drained for the last time.
	OnFinished(c Context)

	// OnIdle runs when a wait timed out or the idle period elapsed.
	OnIdle(c Context)

	// HandleMessage processes one queued message. It reports whether the
	// message was understood.
	HandleMessage(c Context, msg *Message) bool
}

// BeforeWaiter is implemented by hooks that refresh their interest, for
// example toggling write readiness, before every wait.
type BeforeWaiter interface {
	OnBeforeWait(c Context)
}

// ChildWatcher is implemented by hooks that want to know when a child was
// reaped.
type ChildWatcher interface {
	OnChildFinished(c Context, child Actor)
}

// NopHooks implements Hooks with no-op methods.
type NopHooks struct{}

func (NopHooks) OnStart(Context)                      {}
func (NopHooks) OnFinishing(Context)                  {}
func (NopHooks) OnFinished(Context)                   {}
func (NopHooks) OnIdle(Context)                       {}
func (NopHooks) HandleMessage(Context, *Message) bool { return false }

// Actor is the handle other goroutines hold. Only the Post methods and
// PostTerminate reach the actor; everything else is read-only.
type Actor interface {
	// ID returns the unique identifier of this Actor.
	ID() ActorID

	// Name returns the configured name.
	Name() string

	// Kind returns the hooks type name.
	Kind() string

	// State returns the current lifecycle state.
	State() ActorState

	// Start moves the Actor from Created to Running and spawns its thread.
	Start() error

	// PostMessage queues msg and wakes the Actor.
	PostMessage(msg *Message) error

	// PostMessages queues msgs in order and wakes the Actor once.
	PostMessages(msgs []*Message) error

	// PostTerminate asks the Actor to finish. It never blocks.
	PostTerminate() error

	// IsFinished reports whether the Actor reached Finished.
	IsFinished() bool

	// Done is closed when the Actor reached Finished.
	Done() <-chan struct{}

	// Hooks returns the behaviour the Actor was built with.
	Hooks() Hooks

	// Stats returns current runtime statistics for this Actor.
	Stats() ActorStats
}

// Context is the view of an Actor handed to its own hooks. Its extra
// methods must only be called from the actor's thread.
type Context interface {
	Actor

	// Logger returns the actor's logger.
	Logger() *slog.Logger

	// System returns the owning system.
	System() ActorSystem

	// Parent returns the supervising Actor or nil.
	Parent() Actor

	// Multiplexer returns the actor's multiplexer for device registration.
	Multiplexer() *poll.Multiplexer

	// StartChild supervises child and starts it.
	StartChild(child Actor) error

	// Children returns the supervised children that are not reaped yet.
	Children() []Actor

	// StartTimer starts a named timer child posting TimerMessage to this
	// actor after delay, repeatedly when repeat is set. An existing timer
	// with the same name is stopped first.
	StartTimer(name string, delay time.Duration, repeat bool) error

	// StopTimer stops the named timer.
	StopTimer(name string)

	// Subscribe sets the actors that receive messages called name
	// through Publish.
	Subscribe(name string, subscribers ...Actor)

	// Unsubscribe removes the subscribers of name.
	Unsubscribe(name string)

	// Subscribers returns the subscribers of name.
	Subscribers(name string) []Actor

	// Publish posts msg to the subscribers of its name and returns how
	// many accepted it.
	Publish(msg *Message) int

	// Terminate ends the loop after the current iteration.
	Terminate()
}

// ActorSystem is the process context shared by all actors: logger,
// registry and statistics.
type ActorSystem interface {
	// NewActor creates an Actor in the Created state.
	NewActor(hooks Hooks, opts ActorOptions) (Actor, error)

	// Spawn creates and starts a root Actor.
	Spawn(hooks Hooks, opts ActorOptions) (Actor, error)

	// Logger returns the system logger.
	Logger() *slog.Logger

	// Lookup returns live actors whose Kind equals kind.
	Lookup(kind string) []Actor

	// ByName returns the first live actor with the given name.
	ByName(name string) (Actor, bool)

	// Count returns the number of live actors.
	Count() int

	// Stats returns the last published statistics of every live actor
	// and of finished actors their parent has not reaped yet.
	Stats() []ActorStats

	// Shutdown terminates all root actors and waits until every actor
	// finished or ctx is done.
	Shutdown(ctx context.Context) error
}
