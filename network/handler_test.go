package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/threader/core"
)

func TestHandlerRoutesToSubscribers(t *testing.T) {
	sys := testSystem(t)
	sub := newCollector()
	subscriber, err := sys.Spawn(sub, core.ActorOptions{Name: "subscriber"})
	require.NoError(t, err)

	opts := DefaultHandlerOptions()
	opts.Subscribers = map[string][]core.Actor{MessageConnected: {subscriber}}
	h := NewHandler(newFakeDevice(), opts)
	parent := newCollector(childDef{hooks: h, opts: h.ActorOptions("device")})
	_, err = sys.Spawn(parent, core.ActorOptions{Name: "owner"})
	require.NoError(t, err)

	msg := sub.wait(t, MessageConnected)
	text, ok := msg.Text()
	require.True(t, ok)
	assert.Equal(t, h.ConnectionID(), text)

	// the parent still gets every other message, but not this one
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case m := <-parent.msgs:
			assert.NotEqual(t, MessageConnected, m.Name)
		case <-deadline:
			return
		}
	}
}
