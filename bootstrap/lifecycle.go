package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultServiceTimeout bounds a single Start or Stop call.
const DefaultServiceTimeout = 30 * time.Second

var (
	ErrLifecycleStarted  = errors.New("lifecycle already started")
	ErrServiceRegistered = errors.New("service already registered")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDependencyCycle   = errors.New("circular dependency detected")
)

// Lifecycle starts services in dependency order and stops them in
// reverse.
type Lifecycle struct {
	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// started tracks the order services were started
	started []string

	mu        sync.Mutex
	running   bool
	listeners []func(LifecycleEvent)
	timeout   time.Duration
	log       *slog.Logger
}

// NewLifecycle creates an empty lifecycle.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      DefaultServiceTimeout,
		log:          logger,
	}
}

// SetTimeout sets the timeout for service operations
func (lm *Lifecycle) SetTimeout(timeout time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.timeout = timeout
}

// Register adds service, started after every service named in deps.
func (lm *Lifecycle) Register(service Service, deps ...string) error {
	if service == nil || service.Name() == "" {
		return fmt.Errorf("service must have a name")
	}
	name := service.Name()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.running {
		return fmt.Errorf("cannot register service %s: %w", name, ErrLifecycleStarted)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("%w: %s", ErrServiceRegistered, name)
	}
	lm.services[name] = service
	lm.dependencies[name] = append([]string(nil), deps...)
	return nil
}

// AddListener adds a lifecycle event listener. Listeners run
// synchronously; a panicking listener is logged and skipped.
func (lm *Lifecycle) AddListener(listener func(LifecycleEvent)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// Services returns all registered service names
func (lm *Lifecycle) Services() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running reports whether Start succeeded and Stop was not called yet.
func (lm *Lifecycle) Running() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.running
}

// Start starts all services in dependency order. When one fails, the
// services already started are stopped again.
func (lm *Lifecycle) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.running {
		return ErrLifecycleStarted
	}
	order, err := lm.startOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}

	for _, name := range order {
		lm.emit(EventServiceStarting, name, nil)
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()
		if err != nil {
			lm.emit(EventServiceStartFailed, name, err)
			lm.stopStarted(ctx)
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}
		lm.started = append(lm.started, name)
		lm.log.Debug("service started", "service", name)
		lm.emit(EventServiceStarted, name, nil)
	}
	lm.running = true
	return nil
}

// Stop stops all started services in reverse order and returns the
// first error.
func (lm *Lifecycle) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.running {
		return nil
	}
	lm.running = false
	return lm.stopStarted(ctx)
}

func (lm *Lifecycle) stopStarted(ctx context.Context) error {
	var first error
	for i := len(lm.started) - 1; i >= 0; i-- {
		name := lm.started[i]
		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()
		if err != nil {
			lm.log.Warn("service stop failed", "service", name, "error", err)
			lm.emit(EventServiceStopFailed, name, err)
			if first == nil {
				first = &ApplicationError{Operation: "stop", Service: name, Err: err}
			}
			continue
		}
		lm.emit(EventServiceStopped, name, nil)
	}
	lm.started = nil
	return first
}

// Health returns the health status of all services. Services that are
// not running report HealthStopped.
func (lm *Lifecycle) Health(ctx context.Context) map[string]HealthStatus {
	lm.mu.Lock()
	services := make(map[string]Service, len(lm.services))
	running := make(map[string]bool, len(lm.started))
	for name, s := range lm.services {
		services[name] = s
	}
	for _, name := range lm.started {
		running[name] = true
	}
	lm.mu.Unlock()

	health := make(map[string]HealthStatus, len(services))
	for name, service := range services {
		if !running[name] {
			health[name] = HealthStatus{State: HealthStopped}
			continue
		}
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()
		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		health[name] = status
	}
	return health
}

// startOrder sorts the services topologically (Kahn's algorithm). Ties
// are broken by name so the order is stable.
func (lm *Lifecycle) startOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	graph := make(map[string][]string, len(lm.services))
	for name := range lm.services {
		inDegree[name] = 0
	}
	for name, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("%w %s of service %s", ErrUnknownDependency, dep, name)
			}
			graph[dep] = append(graph[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	result := make([]string, 0, len(lm.services))
	for len(ready) > 0 {
		sort.Strings(ready)
		current := ready[0]
		ready = ready[1:]
		result = append(result, current)

		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(result) != len(lm.services) {
		return nil, ErrDependencyCycle
	}
	return result, nil
}

func (lm *Lifecycle) emit(typ EventType, service string, err error) {
	event := LifecycleEvent{Type: typ, Service: service, Timestamp: time.Now(), Error: err}
	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.log.Error("lifecycle listener panicked", "panic", r)
				}
			}()
			listener(event)
		}()
	}
}
