package core

import (
	"fmt"
	"sort"
	"sync"
)

// registry tracks live actors and their last published statistics. A
// finished actor leaves the live set at once; its final statistics are
// kept until its parent reaps it. Its lock is never held while calling
// into an actor.
type registry struct {
	mu     sync.Mutex
	actors map[ActorID]*actor
	stats  map[ActorID]ActorStats
}

func newRegistry() *registry {
	return &registry{
		actors: make(map[ActorID]*actor),
		stats:  make(map[ActorID]ActorStats),
	}
}

// add registers a; an id can be registered once.
func (r *registry) add(a *actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actors[a.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateActor, a.id)
	}
	r.actors[a.id] = a
	return nil
}

// retire drops a finished actor from the live set and stores its final
// statistics, which stay visible until forget.
func (r *registry) retire(final ActorStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.actors[final.ID]; live {
		delete(r.actors, final.ID)
		r.stats[final.ID] = final
	}
}

// forget drops the statistics of a reaped actor.
func (r *registry) forget(id ActorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.actors[id]; !live {
		delete(r.stats, id)
	}
}

// forgetTerminated drops the statistics of every retired actor.
func (r *registry) forgetTerminated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.stats {
		if _, live := r.actors[id]; !live {
			delete(r.stats, id)
		}
	}
}

// publish stores a statistics snapshot for a live actor.
func (r *registry) publish(s ActorStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, live := r.actors[s.ID]; live {
		r.stats[s.ID] = s
	}
}

// list returns the live actors ordered by name.
func (r *registry) list() []*actor {
	r.mu.Lock()
	out := make([]*actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// statistics returns published snapshots ordered by start time.
func (r *registry) statistics() []ActorStats {
	r.mu.Lock()
	out := make([]ActorStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
