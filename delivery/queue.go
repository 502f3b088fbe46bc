// Package delivery implements the ticket-acknowledged outbound frame queue.
//
// Producers commit frames from any goroutine; one bound owner actor drains
// them with PrepareSendingList, stamping each selected frame with the id of
// the packet that carries it. A frame is removed only when a ticket for
// that id arrives. Reset makes every frame unsent again after a
// connection drop.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/LukaGiorgadze/gonull"

	"github.com/najoast/threader/core"
	"github.com/najoast/threader/protocol"
)

// QueueMessageName is the name of the QueueEvent message sent to the owner.
const QueueMessageName = "Message.Queue"

// DefaultMaxPacketSize is the default payload budget of one packet.
const DefaultMaxPacketSize = 1 << 20

// MinPriority is the lowest frame priority.
const MinPriority uint8 = 1

// Frame is one queued application record.
type Frame struct {
	// Data is the frame payload; it is never modified after commit
	Data []byte

	// Priority, 1 is the lowest
	Priority uint8

	// PacketID is the id of the packet carrying the frame, null until sent
	PacketID gonull.Nullable[uint32]
}

func (f *Frame) sent() bool {
	return f.PacketID.Valid
}

// Batch is a producer-owned staging list. It is not safe for concurrent
// use; each producer keeps its own and hands it over with Queue.Commit.
type Batch struct {
	frames      []*Frame
	maxPriority uint8
}

// Add stages a copy of data.
func (b *Batch) Add(data []byte, priority uint8) {
	if priority < MinPriority {
		priority = MinPriority
	}
	b.frames = append(b.frames, &Frame{
		Data:     append([]byte(nil), data...),
		Priority: priority,
	})
	if priority > b.maxPriority {
		b.maxPriority = priority
	}
}

// Len returns the number of staged frames.
func (b *Batch) Len() int {
	return len(b.frames)
}

// MaxPriority returns the highest staged priority, MinPriority if empty.
func (b *Batch) MaxPriority() uint8 {
	if b.maxPriority < MinPriority {
		return MinPriority
	}
	return b.maxPriority
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithStore persists the queue in store after every change and restores
// it on construction. hub selects the hub-side file name.
func WithStore(store *Store, hub bool) Option {
	return func(q *Queue) {
		q.store = store
		q.hub = hub
	}
}

// Queue is the reliable delivery queue of one peer.
type Queue struct {
	alias string
	log   *slog.Logger
	store *Store
	hub   bool

	mu        sync.Mutex
	frames    []*Frame
	watermark uint8
	owner     core.Actor
}

// NewQueue creates a queue for the peer called alias.
func NewQueue(alias string, opts ...Option) (*Queue, error) {
	q := &Queue{
		alias:     alias,
		log:       slog.Default(),
		watermark: MinPriority,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("queue", alias)

	if q.store != nil {
		n, err := q.store.Load(q)
		if err != nil {
			return nil, fmt.Errorf("failed to restore queue %s: %w", alias, err)
		}
		if n > 0 {
			q.log.Info("queue restored", "frames", n)
		}
	}
	return q, nil
}

// Alias returns the peer alias.
func (q *Queue) Alias() string { return q.alias }

// Hub reports whether the queue uses the hub-side snapshot name.
func (q *Queue) Hub() bool { return q.hub }

// Len returns the number of committed frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// InFlight returns the number of frames stamped with a packet id.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, f := range q.frames {
		if f.sent() {
			n++
		}
	}
	return n
}

// Watermark returns the highest priority among sent, unacknowledged
// frames, MinPriority if none.
func (q *Queue) Watermark() uint8 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.watermark
}

// Append commits a single frame.
func (q *Queue) Append(data []byte, priority uint8) int {
	var b Batch
	b.Add(data, priority)
	return q.Commit(&b)
}

// Commit moves the batch into the queue, empties it and notifies the
// owner. It returns the number of committed frames.
func (q *Queue) Commit(b *Batch) int {
	if b.Len() == 0 {
		return 0
	}
	n := b.Len()

	q.mu.Lock()
	q.frames = append(q.frames, b.frames...)
	owner := q.owner
	q.mu.Unlock()

	b.frames = nil
	b.maxPriority = 0

	q.persist()
	if owner != nil {
		ev := core.QueueEvent{Queue: q.alias, Count: n}
		if err := owner.PostMessage(core.NewQueueEventMessage(core.NilActorID, QueueMessageName, ev)); err != nil {
			q.log.Debug("queue owner not reachable", "error", err)
		}
	}
	return n
}

// PrepareSendingList selects the frames of the next packet and stamps
// them with packetID. Candidates are unsent frames with priority at or
// above the watermark, highest priority first and in arrival order within
// a priority. Frames are taken while their records fit in budget; the
// first candidate is always taken so an oversized frame cannot block the
// queue. It returns nil when nothing is eligible.
func (q *Queue) PrepareSendingList(packetID uint32, budget int) [][]byte {
	if packetID == protocol.NoPacketID {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*Frame
	for _, f := range q.frames {
		if !f.sent() && f.Priority >= q.watermark {
			candidates = append(candidates, f)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	var (
		out  [][]byte
		size int
		top  uint8
	)
	for _, f := range candidates {
		need := size + protocol.FrameRecordOverhead + len(f.Data)
		if need > budget && len(out) > 0 {
			break
		}
		f.PacketID = gonull.NewNullable(packetID)
		out = append(out, f.Data)
		size = need
		if f.Priority > top {
			top = f.Priority
		}
	}
	if top > q.watermark {
		q.watermark = top
	}
	return out
}

// ApplyTicket removes every frame carried by packet packetID and returns
// how many were removed. A repeated ticket removes nothing.
func (q *Queue) ApplyTicket(packetID uint32) int {
	q.mu.Lock()
	kept := q.frames[:0]
	removed := 0
	for _, f := range q.frames {
		if f.sent() && f.PacketID.Val == packetID {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(q.frames); i++ {
		q.frames[i] = nil
	}
	q.frames = kept
	if removed > 0 {
		q.recomputeWatermark()
	}
	q.mu.Unlock()

	if removed > 0 {
		q.persist()
	}
	return removed
}

// Reset marks every frame as unsent.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.frames {
		f.PacketID = gonull.Nullable[uint32]{}
	}
	q.watermark = MinPriority
}

// Clear drops every frame.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.frames = nil
	q.watermark = MinPriority
	q.mu.Unlock()
	q.persist()
}

// must hold q.mu
func (q *Queue) recomputeWatermark() {
	q.watermark = MinPriority
	for _, f := range q.frames {
		if f.sent() && f.Priority > q.watermark {
			q.watermark = f.Priority
		}
	}
}

func (q *Queue) persist() {
	if q.store == nil {
		return
	}
	if err := q.store.Save(q); err != nil {
		q.log.Error("failed to save queue snapshot", "error", err)
	}
}

// Owner returns the bound actor or nil.
func (q *Queue) Owner() core.Actor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.owner
}

// Bind makes owner the only consumer. A different previous owner is
// terminated and awaited first.
func (q *Queue) Bind(ctx context.Context, owner core.Actor) error {
	if cur := q.Owner(); cur != nil && owner != nil && cur.ID() == owner.ID() {
		return nil
	}
	if err := q.Unbind(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	q.owner = owner
	pending := len(q.frames)
	q.mu.Unlock()

	if owner != nil && pending > 0 {
		ev := core.QueueEvent{Queue: q.alias, Count: pending}
		owner.PostMessage(core.NewQueueEventMessage(core.NilActorID, QueueMessageName, ev))
	}
	return nil
}

// Unbind terminates the current owner, waits for it and clears the
// binding.
func (q *Queue) Unbind(ctx context.Context) error {
	q.mu.Lock()
	prev := q.owner
	q.mu.Unlock()
	if prev == nil {
		return nil
	}

	if err := prev.PostTerminate(); err != nil {
		return fmt.Errorf("failed to terminate queue owner %s: %w", prev.Name(), err)
	}
	select {
	case <-prev.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for queue owner %s: %w", prev.Name(), ctx.Err())
	}

	q.mu.Lock()
	if q.owner == prev {
		q.owner = nil
	}
	q.mu.Unlock()
	return nil
}

// Release clears the binding if owner is the bound actor. Owners call it
// from their own shutdown path.
func (q *Queue) Release(owner core.Actor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.owner != nil && owner != nil && q.owner.ID() == owner.ID() {
		q.owner = nil
	}
}
