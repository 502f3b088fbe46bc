package network

import (
	"sync"
	"time"
)

// DefaultTrafficWindow is the averaging window of a TrafficCounter.
const DefaultTrafficWindow = 5 * time.Second

type trafficSample struct {
	at    time.Time
	bytes uint64
}

// TrafficCounter accumulates transferred bytes and the average rate over
// a sliding window. Safe for concurrent use: the owning actor writes,
// metrics collectors read.
type TrafficCounter struct {
	mu      sync.Mutex
	window  time.Duration
	total   uint64
	speed   uint64
	samples []trafficSample
}

// NewTrafficCounter creates a counter averaging over window.
func NewTrafficCounter(window time.Duration) *TrafficCounter {
	if window < time.Second {
		window = DefaultTrafficWindow
	}
	return &TrafficCounter{window: window}
}

// Add records n bytes at time at and returns the current rate.
func (t *TrafficCounter) Add(at time.Time, n int) uint64 {
	if n <= 0 {
		return t.Speed()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += uint64(n)
	t.samples = append(t.samples, trafficSample{at: at, bytes: uint64(n)})
	return t.actualize(at)
}

// Actualize drops samples older than the window and recomputes the rate.
func (t *TrafficCounter) Actualize(now time.Time) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actualize(now)
}

func (t *TrafficCounter) actualize(now time.Time) uint64 {
	limit := now.Add(-t.window)
	drop := 0
	var sum uint64
	for i, s := range t.samples {
		if s.at.Before(limit) {
			drop = i + 1
			continue
		}
		sum += s.bytes
	}
	if drop > 0 {
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
	t.speed = sum / uint64(t.window/time.Second)
	return t.speed
}

// Speed returns the rate in bytes per second as of the last update.
func (t *TrafficCounter) Speed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}

// Total returns the bytes counted since the last Clear.
func (t *TrafficCounter) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Clear resets the counter, done on every new connection.
func (t *TrafficCounter) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = 0
	t.speed = 0
	t.samples = t.samples[:0]
}
