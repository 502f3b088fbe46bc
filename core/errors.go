package core

import "errors"

// Lifecycle errors
var (
	ErrAlreadyStarted  = errors.New("actor already started")
	ErrActorFinished   = errors.New("actor finished")
	ErrActorFinishing  = errors.New("actor is finishing")
	ErrForeignActor    = errors.New("actor belongs to another system")
	ErrSystemShutdown  = errors.New("actor system is shutting down")
	ErrDuplicateActor  = errors.New("actor already registered")
	ErrShutdownTimeout = errors.New("actor system shutdown timed out")
)
