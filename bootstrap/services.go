package bootstrap

import (
	"context"
	"errors"

	"github.com/najoast/threader/config"
	"github.com/najoast/threader/core"
)

// SystemServiceName is the service every actor service depends on.
const SystemServiceName = "actors"

// systemService shuts the actor system down when the lifecycle stops.
type systemService struct {
	system core.ActorSystem
}

func (s *systemService) Name() string                   { return SystemServiceName }
func (s *systemService) Start(context.Context) error    { return nil }
func (s *systemService) Stop(ctx context.Context) error { return s.system.Shutdown(ctx) }

func (s *systemService) Health(context.Context) (HealthStatus, error) {
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]any{"actors": s.system.Count()},
	}, nil
}

// ActorService runs a root actor for the lifetime of the application.
type ActorService struct {
	system core.ActorSystem
	hooks  core.Hooks
	opts   core.ActorOptions
	actor  core.Actor
}

// NewActorService creates a service spawning hooks as a root actor
// named opts.Name.
func NewActorService(system core.ActorSystem, hooks core.Hooks, opts core.ActorOptions) *ActorService {
	return &ActorService{system: system, hooks: hooks, opts: opts}
}

// Name returns the actor name.
func (s *ActorService) Name() string { return s.opts.Name }

// Actor returns the running actor, nil before Start.
func (s *ActorService) Actor() core.Actor { return s.actor }

// Start spawns the actor.
func (s *ActorService) Start(context.Context) error {
	actor, err := s.system.Spawn(s.hooks, s.opts)
	if err != nil {
		return err
	}
	s.actor = actor
	return nil
}

// Stop asks the actor to terminate and waits until it finished.
func (s *ActorService) Stop(ctx context.Context) error {
	if s.actor == nil {
		return nil
	}
	if err := s.actor.PostTerminate(); err != nil && !errors.Is(err, core.ErrActorFinished) {
		return err
	}
	select {
	case <-s.actor.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports an actor that finished on its own as unhealthy.
func (s *ActorService) Health(context.Context) (HealthStatus, error) {
	if s.actor == nil {
		return HealthStatus{State: HealthUnknown}, nil
	}
	st := s.actor.Stats()
	status := HealthStatus{
		State: HealthHealthy,
		Data: map[string]any{
			"state":       st.State.String(),
			"thread":      st.ThreadID,
			"queue_depth": st.QueueDepth,
		},
	}
	if s.actor.IsFinished() {
		status.State = HealthUnhealthy
		status.Message = "actor finished"
	}
	return status, nil
}

// watcherService reloads the configuration file while running.
type watcherService struct {
	watcher *config.Watcher
}

func (s *watcherService) Name() string                { return "config" }
func (s *watcherService) Start(context.Context) error { return s.watcher.Start() }
func (s *watcherService) Stop(context.Context) error  { return s.watcher.Stop() }

func (s *watcherService) Health(context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy}, nil
}
