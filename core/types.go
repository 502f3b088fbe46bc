package core

import (
	"time"

	"github.com/google/uuid"
)

// ActorID represents a unique identifier for an Actor.
type ActorID uuid.UUID

// NilActorID identifies messages that were not posted by an actor.
var NilActorID ActorID

// NewActorID returns a random identifier.
func NewActorID() ActorID {
	return ActorID(uuid.New())
}

// String returns the canonical uuid form.
func (id ActorID) String() string {
	return uuid.UUID(id).String()
}

// ActorState represents the lifecycle state of an Actor.
type ActorState int32

const (
	// ActorStateCreated means the Actor exists but its thread is not running
	ActorStateCreated ActorState = iota

	// ActorStateRunning means the Actor's loop is active
	ActorStateRunning

	// ActorStateFinishing means termination was observed and shutdown is in progress
	ActorStateFinishing

	// ActorStateFinished is terminal
	ActorStateFinished
)

// String returns the string representation of ActorState.
func (s ActorState) String() string {
	switch s {
	case ActorStateCreated:
		return "created"
	case ActorStateRunning:
		return "running"
	case ActorStateFinishing:
		return "finishing"
	case ActorStateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Default intervals of the actor loop.
const (
	DefaultWaitTimeout   = 10 * time.Second
	DefaultReapInterval  = time.Second
	DefaultStatsInterval = 10 * time.Second
)

// ActorOptions contains configuration options for creating an Actor.
type ActorOptions struct {
	// Name is a human-readable name for the Actor
	Name string

	// WaitTimeout bounds every multiplexer wait and sets the idle period
	WaitTimeout time.Duration

	// ReapInterval is how often finished children are collected
	ReapInterval time.Duration

	// StatsInterval is how often statistics are published to the system
	StatsInterval time.Duration
}

// DefaultActorOptions returns sensible default options.
func DefaultActorOptions() ActorOptions {
	return ActorOptions{
		WaitTimeout:   DefaultWaitTimeout,
		ReapInterval:  DefaultReapInterval,
		StatsInterval: DefaultStatsInterval,
	}
}

func (o ActorOptions) withDefaults(base ActorOptions) ActorOptions {
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = base.WaitTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = base.ReapInterval
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = base.StatsInterval
	}
	return o
}

// ActorStats contains runtime statistics for an Actor. The field set is
// read by external tooling and must stay stable.
type ActorStats struct {
	// ID of the Actor
	ID ActorID

	// OS thread the Actor is locked to
	ThreadID int64

	// Name of the Actor
	Name string

	// Kind is the hooks type, used for lookups
	Kind string

	// Current state
	State ActorState

	// Time the loop started
	StartedAt time.Time

	// Last time the loop went round
	AliveAt time.Time

	// Accumulated time spent blocked in the multiplexer
	WaitTime time.Duration

	// Messages currently queued
	QueueDepth int

	// Terminated is set once the Actor reached Finished
	Terminated bool
}
