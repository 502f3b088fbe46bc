package core

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSystem(t *testing.T) ActorSystem {
	t.Helper()
	sys := NewActorSystem(slog.New(slog.NewTextHandler(io.Discard, nil)), ActorOptions{
		WaitTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sys.Shutdown(ctx)
	})
	return sys
}

func waitDone(t *testing.T, a Actor) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("actor %s did not finish (state: %s)", a.Name(), a.State())
	}
}

// journal records lifecycle events from several actor threads.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(ev string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type recordingHooks struct {
	NopHooks
	name     string
	journal  *journal
	messages chan string
	idles    chan struct{}
}

func (h *recordingHooks) OnStart(c Context) { h.journal.add(h.name + ":start") }

func (h *recordingHooks) OnFinishing(c Context) { h.journal.add(h.name + ":finishing") }

func (h *recordingHooks) OnFinished(c Context) { h.journal.add(h.name + ":finished") }

func (h *recordingHooks) OnIdle(c Context) {
	if h.idles != nil {
		select {
		case h.idles <- struct{}{}:
		default:
		}
	}
}

func (h *recordingHooks) HandleMessage(c Context, msg *Message) bool {
	text, ok := msg.Text()
	if !ok {
		return false
	}
	if h.messages != nil {
		h.messages <- text
	}
	return true
}

func TestActorLifecycle(t *testing.T) {
	sys := testSystem(t)
	j := &journal{}

	a, err := sys.NewActor(&recordingHooks{name: "a", journal: j}, ActorOptions{Name: "a", WaitTimeout: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, ActorStateCreated, a.State())
	assert.Equal(t, "a", a.Name())
	assert.Equal(t, "*core.recordingHooks", a.Kind())

	require.NoError(t, a.Start())
	assert.ErrorIs(t, a.Start(), ErrAlreadyStarted)

	// no traffic, huge timeout: the terminate signal alone must end the loop
	require.NoError(t, a.PostTerminate())
	waitDone(t, a)

	assert.Equal(t, ActorStateFinished, a.State())
	assert.True(t, a.IsFinished())
	assert.Equal(t, []string{"a:start", "a:finishing", "a:finished"}, j.list())
	assert.True(t, a.Stats().Terminated)

	assert.ErrorIs(t, a.PostMessage(NewStringMessage(NilActorID, "late", "x")), ErrActorFinished)
	assert.NoError(t, a.PostTerminate())
}

func TestActorMessagesFIFO(t *testing.T) {
	sys := testSystem(t)
	h := &recordingHooks{name: "fifo", journal: &journal{}, messages: make(chan string, 100)}
	a, err := sys.Spawn(h, ActorOptions{Name: "fifo"})
	require.NoError(t, err)

	require.NoError(t, a.PostMessage(NewStringMessage(NilActorID, "m", "1")))
	require.NoError(t, a.PostMessages([]*Message{
		NewStringMessage(NilActorID, "m", "2"),
		NewStringMessage(NilActorID, "m", "3"),
	}))
	for i := 4; i <= 50; i++ {
		require.NoError(t, a.PostMessage(NewStringMessage(NilActorID, "m", strconv.Itoa(i))))
	}

	for i := 1; i <= 50; i++ {
		select {
		case got := <-h.messages:
			assert.Equal(t, strconv.Itoa(i), got)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	a.PostTerminate()
	waitDone(t, a)
}

func TestActorIdleHook(t *testing.T) {
	sys := testSystem(t)
	h := &recordingHooks{name: "idle", journal: &journal{}, idles: make(chan struct{}, 1)}
	a, err := sys.Spawn(h, ActorOptions{Name: "idle", WaitTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		select {
		case <-h.idles:
		case <-time.After(2 * time.Second):
			t.Fatal("idle hook not called")
		}
	}

	a.PostTerminate()
	waitDone(t, a)
}

type parentHooks struct {
	recordingHooks
	kids    []Actor
	started chan struct{}
}

func (h *parentHooks) OnStart(c Context) {
	h.recordingHooks.OnStart(c)
	for _, k := range h.kids {
		if err := c.StartChild(k); err != nil {
			panic(err)
		}
	}
	close(h.started)
}

func TestChildrenFinishBeforeParent(t *testing.T) {
	sys := testSystem(t)
	j := &journal{}

	grandchild, err := sys.NewActor(&recordingHooks{name: "grandchild", journal: j}, ActorOptions{Name: "grandchild"})
	require.NoError(t, err)
	child1 := &parentHooks{recordingHooks: recordingHooks{name: "child1", journal: j}, kids: []Actor{grandchild}, started: make(chan struct{})}
	c1, err := sys.NewActor(child1, ActorOptions{Name: "child1"})
	require.NoError(t, err)
	c2, err := sys.NewActor(&recordingHooks{name: "child2", journal: j}, ActorOptions{Name: "child2"})
	require.NoError(t, err)

	root := &parentHooks{recordingHooks: recordingHooks{name: "root", journal: j}, kids: []Actor{c1, c2}, started: make(chan struct{})}
	r, err := sys.Spawn(root, ActorOptions{Name: "root"})
	require.NoError(t, err)

	<-root.started
	<-child1.started
	assert.Eventually(t, func() bool { return sys.Count() == 4 }, 2*time.Second, 5*time.Millisecond)

	r.PostTerminate()
	waitDone(t, r)

	assert.True(t, c1.IsFinished())
	assert.True(t, c2.IsFinished())
	assert.True(t, grandchild.IsFinished())
	assert.Equal(t, 0, sys.Count())

	events := j.list()
	pos := func(ev string) int {
		for i, e := range events {
			if e == ev {
				return i
			}
		}
		t.Fatalf("event %s missing from %v", ev, events)
		return -1
	}
	assert.Less(t, pos("grandchild:finished"), pos("child1:finished"))
	assert.Less(t, pos("child1:finished"), pos("root:finished"))
	assert.Less(t, pos("child2:finished"), pos("root:finished"))
	// reverse start order
	assert.Less(t, pos("child2:finished"), pos("child1:finished"))
	assert.Less(t, pos("root:finishing"), pos("child2:finishing"))
}

type childWatcherHooks struct {
	NopHooks
	child   Actor
	reaped  chan Actor
	started chan struct{}
}

func (h *childWatcherHooks) OnStart(c Context) {
	if err := c.StartChild(h.child); err != nil {
		panic(err)
	}
	close(h.started)
}

func (h *childWatcherHooks) OnChildFinished(c Context, child Actor) {
	h.reaped <- child
}

func TestParentReapsTerminatedChild(t *testing.T) {
	sys := testSystem(t)
	child, err := sys.NewActor(NopHooks{}, ActorOptions{Name: "short-lived"})
	require.NoError(t, err)

	h := &childWatcherHooks{child: child, reaped: make(chan Actor, 1), started: make(chan struct{})}
	parent, err := sys.Spawn(h, ActorOptions{Name: "watcher", WaitTimeout: time.Hour})
	require.NoError(t, err)
	<-h.started

	child.PostTerminate()
	select {
	case got := <-h.reaped:
		assert.Equal(t, child.ID(), got.ID())
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}
	assert.False(t, parent.IsFinished())

	parent.PostTerminate()
	waitDone(t, parent)
}

// busyParentHooks blocks in HandleMessage until release is closed.
type busyParentHooks struct {
	childWatcherHooks
	busy    chan struct{}
	release chan struct{}
}

func (h *busyParentHooks) HandleMessage(Context, *Message) bool {
	close(h.busy)
	<-h.release
	return true
}

func statsOf(sys ActorSystem, id ActorID) (ActorStats, bool) {
	for _, st := range sys.Stats() {
		if st.ID == id {
			return st, true
		}
	}
	return ActorStats{}, false
}

func TestFinishedChildStatsVisibleUntilReaped(t *testing.T) {
	sys := testSystem(t)
	child, err := sys.NewActor(NopHooks{}, ActorOptions{Name: "worker"})
	require.NoError(t, err)

	h := &busyParentHooks{
		childWatcherHooks: childWatcherHooks{child: child, reaped: make(chan Actor, 1), started: make(chan struct{})},
		busy:              make(chan struct{}),
		release:           make(chan struct{}),
	}
	parent, err := sys.Spawn(h, ActorOptions{Name: "supervisor", WaitTimeout: time.Hour})
	require.NoError(t, err)
	<-h.started

	// keep the parent thread busy so it cannot reap yet
	require.NoError(t, parent.PostMessage(NewStringMessage(NilActorID, "hold", "")))
	<-h.busy
	child.PostTerminate()
	waitDone(t, child)

	st, ok := statsOf(sys, child.ID())
	require.True(t, ok, "finished child missing from statistics")
	assert.True(t, st.Terminated)
	assert.Equal(t, ActorStateFinished, st.State)
	assert.Equal(t, "worker", st.Name)
	assert.Equal(t, 1, sys.Count())
	_, ok = sys.ByName("worker")
	assert.False(t, ok)

	close(h.release)
	select {
	case <-h.reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}
	_, ok = statsOf(sys, child.ID())
	assert.False(t, ok)

	parent.PostTerminate()
	waitDone(t, parent)
}

func TestFinishedRootStatsKeptUntilShutdown(t *testing.T) {
	sys := testSystem(t)
	a, err := sys.Spawn(NopHooks{}, ActorOptions{Name: "one-off"})
	require.NoError(t, err)
	a.PostTerminate()
	waitDone(t, a)

	st, ok := statsOf(sys, a.ID())
	require.True(t, ok)
	assert.True(t, st.Terminated)
	assert.Zero(t, sys.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sys.Shutdown(ctx))
	assert.Empty(t, sys.Stats())
}

type timerRecorderHooks struct {
	NopHooks
	ticks chan TimerMessage
	start func(c Context)
}

func (h *timerRecorderHooks) OnStart(c Context) { h.start(c) }

func (h *timerRecorderHooks) HandleMessage(c Context, msg *Message) bool {
	tm, ok := AsTimer(msg)
	if !ok {
		return false
	}
	h.ticks <- tm
	return true
}

func TestTimerSingleShot(t *testing.T) {
	sys := testSystem(t)
	h := &timerRecorderHooks{ticks: make(chan TimerMessage, 10)}
	h.start = func(c Context) {
		assert.NoError(t, c.StartTimer("once", 10*time.Millisecond, false))
	}
	a, err := sys.Spawn(h, ActorOptions{Name: "timer-owner"})
	require.NoError(t, err)

	select {
	case tm := <-h.ticks:
		assert.Equal(t, TimerMessage{Name: "once", Shot: 1}, tm)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case tm := <-h.ticks:
		t.Fatalf("single shot timer fired again: %+v", tm)
	case <-time.After(100 * time.Millisecond):
	}

	a.PostTerminate()
	waitDone(t, a)
}

func TestTimerRepeat(t *testing.T) {
	sys := testSystem(t)
	h := &timerRecorderHooks{ticks: make(chan TimerMessage, 100)}
	h.start = func(c Context) {
		assert.NoError(t, c.StartTimer("tick", 5*time.Millisecond, true))
	}
	a, err := sys.Spawn(h, ActorOptions{Name: "ticker"})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		select {
		case tm := <-h.ticks:
			assert.Equal(t, want, tm.Shot)
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d missing", want)
		}
	}

	a.PostTerminate()
	waitDone(t, a)
}

type panicHooks struct{ NopHooks }

func (panicHooks) HandleMessage(Context, *Message) bool { panic("boom") }

func TestPanicTerminatesActor(t *testing.T) {
	sys := testSystem(t)
	a, err := sys.Spawn(panicHooks{}, ActorOptions{Name: "panicky", WaitTimeout: time.Hour})
	require.NoError(t, err)

	require.NoError(t, a.PostMessage(NewStringMessage(NilActorID, "x", "y")))
	waitDone(t, a)
}

func TestSystemLookupAndStats(t *testing.T) {
	sys := testSystem(t)
	a, err := sys.Spawn(NopHooks{}, ActorOptions{Name: "alpha"})
	require.NoError(t, err)
	b, err := sys.Spawn(&recordingHooks{name: "beta", journal: &journal{}}, ActorOptions{Name: "beta"})
	require.NoError(t, err)

	got, ok := sys.ByName("beta")
	require.True(t, ok)
	assert.Equal(t, b.ID(), got.ID())
	_, ok = sys.ByName("gamma")
	assert.False(t, ok)

	kinds := sys.Lookup("core.NopHooks")
	require.Len(t, kinds, 1)
	assert.Equal(t, a.ID(), kinds[0].ID())

	assert.Eventually(t, func() bool {
		for _, st := range sys.Stats() {
			if st.Name == "alpha" && !st.StartedAt.IsZero() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	st := a.Stats()
	assert.Equal(t, "alpha", st.Name)
	assert.False(t, st.Terminated)
	assert.Equal(t, ActorStateRunning, st.State)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sys.Shutdown(ctx))
	assert.True(t, a.IsFinished())
	assert.True(t, b.IsFinished())
	assert.Equal(t, 0, sys.Count())
	assert.Empty(t, sys.Stats())

	_, err = sys.Spawn(NopHooks{}, ActorOptions{})
	assert.ErrorIs(t, err, ErrSystemShutdown)
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	assert.Equal(t, 1, q.Enqueue(NewStringMessage(NilActorID, "a", "1")))
	assert.Equal(t, 3, q.EnqueueBatch([]*Message{
		NewStringMessage(NilActorID, "b", "2"),
		NewStringMessage(NilActorID, "c", "3"),
	}))
	assert.Equal(t, 3, q.Len())

	msgs := q.DrainAll()
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].Name)
	assert.Equal(t, "c", msgs[2].Name)
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.DrainAll())
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q.Enqueue(NewStringMessage(NilActorID, "m", ""))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, q.DrainAll(), 4000)
}


// threadHooks runs functions posted as "call" messages on the actor's
// thread.
type threadHooks struct{ NopHooks }

func (threadHooks) HandleMessage(c Context, msg *Message) bool {
	obj, _ := msg.Object()
	fn, ok := obj.(func(Context))
	if ok {
		fn(c)
	}
	return ok
}

// onThread runs fn on a's thread and waits for it.
func onThread(t *testing.T, a Actor, fn func(Context)) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, a.PostMessage(NewObjectMessage(NilActorID, "call", func(c Context) {
		defer close(done)
		fn(c)
	})))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("call was not run")
	}
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	sys := testSystem(t)
	first := &recordingHooks{name: "first", journal: &journal{}, messages: make(chan string, 10)}
	second := &recordingHooks{name: "second", journal: &journal{}, messages: make(chan string, 10)}
	a, err := sys.Spawn(first, ActorOptions{Name: "first"})
	require.NoError(t, err)
	b, err := sys.Spawn(second, ActorOptions{Name: "second"})
	require.NoError(t, err)
	pub, err := sys.Spawn(threadHooks{}, ActorOptions{Name: "publisher"})
	require.NoError(t, err)

	var delivered int
	onThread(t, pub, func(c Context) {
		c.Subscribe("news", a, b)
		assert.Len(t, c.Subscribers("news"), 2)
		assert.Empty(t, c.Subscribers("weather"))
		assert.Zero(t, c.Publish(NewStringMessage(c.ID(), "weather", "rain")))
		delivered = c.Publish(NewStringMessage(c.ID(), "news", "hello"))
	})
	assert.Equal(t, 2, delivered)
	for _, h := range []*recordingHooks{first, second} {
		select {
		case got := <-h.messages:
			assert.Equal(t, "hello", got)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s got nothing", h.name)
		}
	}

	// a finished subscriber is dropped
	b.PostTerminate()
	waitDone(t, b)
	onThread(t, pub, func(c Context) {
		delivered = c.Publish(NewStringMessage(c.ID(), "news", "again"))
		assert.Len(t, c.Subscribers("news"), 1)

		c.Unsubscribe("news")
		assert.Zero(t, c.Publish(NewStringMessage(c.ID(), "news", "lost")))
	})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, "again", <-first.messages)
}
