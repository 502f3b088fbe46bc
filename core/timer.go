package core

import (
	"fmt"
	"time"
)

// TimerMessageName is the name of messages posted by timers.
const TimerMessageName = "Timer"

// minTimerDelay keeps a zero delay from spinning the timer thread.
const minTimerDelay = time.Millisecond

// TimerMessage is the object payload of a timer tick.
type TimerMessage struct {
	// Name given to StartTimer
	Name string

	// Shot counts ticks, starting at 1
	Shot int
}

// AsTimer extracts a TimerMessage from msg.
func AsTimer(msg *Message) (TimerMessage, bool) {
	if msg.Name != TimerMessageName {
		return TimerMessage{}, false
	}
	obj, ok := msg.Object()
	if !ok {
		return TimerMessage{}, false
	}
	tm, ok := obj.(TimerMessage)
	return tm, ok
}

// timerHooks drive a child actor whose idle period is the timer delay.
type timerHooks struct {
	NopHooks
	name   string
	repeat bool
	shots  int
}

func (t *timerHooks) OnIdle(c Context) {
	t.shots++
	parent := c.Parent()
	if parent == nil {
		c.Terminate()
		return
	}
	msg := NewObjectMessage(c.ID(), TimerMessageName, TimerMessage{Name: t.name, Shot: t.shots})
	if err := parent.PostMessage(msg); err != nil {
		c.Logger().Debug("timer parent gone", "timer", t.name, "error", err)
		c.Terminate()
		return
	}
	if !t.repeat {
		c.Terminate()
	}
}

// StartTimer starts a named timer child.
func (a *actor) StartTimer(name string, delay time.Duration, repeat bool) error {
	a.StopTimer(name)
	if delay < minTimerDelay {
		delay = minTimerDelay
	}

	t, err := newActor(a.system, &timerHooks{name: name, repeat: repeat}, ActorOptions{
		Name:        fmt.Sprintf("%s.timer.%s", a.name, name),
		WaitTimeout: delay,
	})
	if err != nil {
		return fmt.Errorf("failed to create timer %s: %w", name, err)
	}
	if err := a.StartChild(t); err != nil {
		t.signals.Close()
		return err
	}
	a.timers[name] = t
	return nil
}

// StopTimer stops the named timer. The timer thread is reaped later.
func (a *actor) StopTimer(name string) {
	t, ok := a.timers[name]
	if !ok {
		return
	}
	delete(a.timers, name)
	t.PostTerminate()
}
