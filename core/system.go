package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// system implements the ActorSystem interface.
type system struct {
	registry *registry
	log      *slog.Logger
	defaults ActorOptions

	// closing rejects new actors once Shutdown began
	closing atomic.Bool

	// Wait group for all running actor loops
	wg sync.WaitGroup
}

// NewActorSystem creates the process context. A nil logger uses
// slog.Default().
func NewActorSystem(logger *slog.Logger, defaults ActorOptions) ActorSystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &system{
		registry: newRegistry(),
		log:      logger,
		defaults: defaults.withDefaults(DefaultActorOptions()),
	}
}

// NewActor creates an Actor in the Created state.
func (s *system) NewActor(hooks Hooks, opts ActorOptions) (Actor, error) {
	if s.closing.Load() {
		return nil, ErrSystemShutdown
	}
	a, err := newActor(s, hooks, opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Spawn creates and starts a root Actor.
func (s *system) Spawn(hooks Hooks, opts ActorOptions) (Actor, error) {
	a, err := s.NewActor(hooks, opts)
	if err != nil {
		return nil, err
	}
	if err := a.Start(); err != nil {
		return nil, fmt.Errorf("failed to start actor %s: %w", a.Name(), err)
	}
	return a, nil
}

// Logger returns the system logger.
func (s *system) Logger() *slog.Logger {
	return s.log
}

func (s *system) register(a *actor) error {
	if s.closing.Load() && a.parent == nil {
		return ErrSystemShutdown
	}
	if err := s.registry.add(a); err != nil {
		return err
	}
	s.wg.Add(1)
	return nil
}

// unregister publishes the final statistics of a finished actor.
func (s *system) unregister(a *actor) {
	s.registry.retire(a.Stats())
}

// forget drops a reaped child from the statistics.
func (s *system) forget(a *actor) {
	s.registry.forget(a.id)
}

func (s *system) publish(st ActorStats) {
	s.registry.publish(st)
}

// Lookup returns live actors whose Kind equals kind.
func (s *system) Lookup(kind string) []Actor {
	var out []Actor
	for _, a := range s.registry.list() {
		if a.kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// ByName returns the first live actor with the given name.
func (s *system) ByName(name string) (Actor, bool) {
	for _, a := range s.registry.list() {
		if a.name == name {
			return a, true
		}
	}
	return nil, false
}

// Count returns the number of live actors.
func (s *system) Count() int {
	return s.registry.count()
}

// Stats returns the last published statistics of every live actor and
// of finished actors not reaped yet.
func (s *system) Stats() []ActorStats {
	return s.registry.statistics()
}

// Shutdown terminates all root actors and waits for every actor loop.
func (s *system) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	for _, a := range s.registry.list() {
		if a.parent == nil {
			a.PostTerminate()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.registry.forgetTerminated()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d actors still running", ErrShutdownTimeout, s.Count())
	}
}
