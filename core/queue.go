package core

import "sync"

// Queue is a locked FIFO of messages. Many goroutines may enqueue; only
// the owning actor drains.
type Queue struct {
	mu    sync.Mutex
	items []*Message
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends msg and returns the new depth.
func (q *Queue) Enqueue(msg *Message) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	return len(q.items)
}

// EnqueueBatch appends msgs in order and returns the new depth.
func (q *Queue) EnqueueBatch(msgs []*Message) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msgs...)
	return len(q.items)
}

// DrainAll removes and returns every queued message.
func (q *Queue) DrainAll() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
