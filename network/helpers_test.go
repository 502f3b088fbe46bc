package network

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/najoast/threader/core"
	"github.com/najoast/threader/poll"
	"github.com/najoast/threader/protocol"
)

func testSystem(t *testing.T) core.ActorSystem {
	t.Helper()
	sys := core.NewActorSystem(slog.New(slog.NewTextHandler(io.Discard, nil)), core.ActorOptions{
		WaitTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sys.Shutdown(ctx)
	})
	return sys
}

type childDef struct {
	hooks core.Hooks
	opts  core.ActorOptions
}

// collector starts its children and forwards every message to a channel.
type collector struct {
	core.NopHooks
	children []childDef
	msgs     chan *core.Message
}

func newCollector(children ...childDef) *collector {
	return &collector{children: children, msgs: make(chan *core.Message, 256)}
}

func (c *collector) OnStart(ctx core.Context) {
	for _, def := range c.children {
		child, err := ctx.System().NewActor(def.hooks, def.opts)
		if err != nil {
			ctx.Logger().Error("failed to create child", "error", err)
			continue
		}
		ctx.StartChild(child)
	}
}

func (c *collector) HandleMessage(_ core.Context, msg *core.Message) bool {
	select {
	case c.msgs <- msg:
	default:
	}
	return true
}

// wait returns the next message called name, skipping others.
func (c *collector) wait(t *testing.T, name string) *core.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.msgs:
			if msg.Name == name {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message", name)
			return nil
		}
	}
}

// fakeDevice is driven by hand: tests queue input and inspect output.
type fakeDevice struct {
	deviceBase
	input  [][]byte
	output []byte
	opens  int
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{}
	d.name = "fake"
	d.self = d
	return d
}

func (d *fakeDevice) Interest() poll.Interest { return poll.None() }
func (d *fakeDevice) Process(poll.Events)     {}

func (d *fakeDevice) Open() error {
	d.opens++
	d.setState(StateConnected)
	return nil
}

func (d *fakeDevice) Close() error {
	d.setState(StateDisconnected)
	return nil
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	if len(d.input) == 0 {
		return 0, nil
	}
	n := copy(p, d.input[0])
	if n == len(d.input[0]) {
		d.input = d.input[1:]
	} else {
		d.input[0] = d.input[0][n:]
	}
	return n, nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.output = append(d.output, p...)
	return len(p), nil
}

// feed queues data and reports it readable.
func (d *fakeDevice) feed(data ...[]byte) {
	d.input = append(d.input, data...)
	d.readable()
}

// sent extracts every frames packet written so far.
func (d *fakeDevice) sent() []*protocol.Packet {
	f := protocol.NewFramesFactory()
	buf := d.output
	var out []*protocol.Packet
	for {
		p, ok := f.Extract(&buf)
		if !ok {
			return out
		}
		out = append(out, p)
	}
}
