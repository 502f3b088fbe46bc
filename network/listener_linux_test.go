//go:build linux

package network

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/threader/core"
	"github.com/najoast/threader/delivery"
)

func TestListenerDeliversQueuedFrames(t *testing.T) {
	sys := testSystem(t)

	listener := NewListener(DefaultListenerOptions(0))
	server := newCollector(childDef{hooks: listener, opts: core.ActorOptions{Name: "listener"}})
	_, err := sys.Spawn(server, core.ActorOptions{Name: "server"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return listener.Port() != 0 }, 5*time.Second, 10*time.Millisecond)

	q, err := delivery.NewQueue("client")
	require.NoError(t, err)
	q.Append([]byte("low"), 1)
	q.Append([]byte("high"), 9)

	opts := DefaultLinkOptions()
	opts.Handler.ReconnectInterval = 100 * time.Millisecond
	link := NewLink(NewTCPClient("127.0.0.1", listener.Port()), q, opts)
	client := newCollector(childDef{hooks: link, opts: link.ActorOptions("client")})
	_, err = sys.Spawn(client, core.ActorOptions{Name: "client-parent"})
	require.NoError(t, err)

	accepted := server.wait(t, MessageAccepted)
	id, _ := accepted.Text()
	conn, ok := listener.Connections().Get(id)
	require.True(t, ok)
	assert.True(t, conn.Peer.Addr().IsLoopback())

	msg := server.wait(t, MessageFrames)
	obj, ok := msg.Object()
	require.True(t, ok)
	rx := obj.(Received)
	from, ok := listener.Connections().Lookup(msg.Source)
	require.True(t, ok)
	assert.Equal(t, id, from.ID)
	require.Len(t, rx.Frames, 2)
	assert.Equal(t, "high", string(rx.Frames[0]))
	assert.Equal(t, "low", string(rx.Frames[1]))

	require.Eventually(t, func() bool { return q.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), link.Stats().TicketsApplied)

	// frames posted later go out on the same connection
	require.NoError(t, q.Owner().PostMessage(core.NewFrameMessage(core.NilActorID, MessageSend, []byte("late"), 1)))
	msg = server.wait(t, MessageFrames)
	obj, _ = msg.Object()
	assert.Equal(t, "late", string(obj.(Received).Frames[0]))
}

func TestListenerRejectsDisallowedPeers(t *testing.T) {
	sys := testSystem(t)

	allow, err := ParseAllowList([]string{"!127.0.0.0/8"})
	require.NoError(t, err)
	lo := DefaultListenerOptions(0)
	lo.AllowList = allow
	listener := NewListener(lo)
	_, err = sys.Spawn(listener, core.ActorOptions{Name: "listener"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return listener.Port() != 0 }, 5*time.Second, 10*time.Millisecond)

	opts := DefaultLinkOptions()
	opts.Handler.ReconnectInterval = 50 * time.Millisecond
	link := NewLink(NewTCPClient("127.0.0.1", listener.Port()), nil, opts)
	_, err = sys.Spawn(link, link.ActorOptions("client"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return listener.Rejected() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, listener.Connections().Len())
}

func TestListenerForgetsClosedConnections(t *testing.T) {
	sys := testSystem(t)

	listener := NewListener(DefaultListenerOptions(0))
	server := newCollector(childDef{hooks: listener, opts: core.ActorOptions{Name: "listener"}})
	_, err := sys.Spawn(server, core.ActorOptions{Name: "server"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return listener.Port() != 0 }, 5*time.Second, 10*time.Millisecond)

	link := NewLink(NewTCPClient("127.0.0.1", listener.Port()), nil, DefaultLinkOptions())
	client, err := sys.Spawn(link, link.ActorOptions("client"))
	require.NoError(t, err)

	server.wait(t, MessageAccepted)
	require.NoError(t, client.PostTerminate())
	<-client.Done()

	server.wait(t, MessageClosed)
	assert.Zero(t, listener.Connections().Len())
	assert.Equal(t, uint64(1), listener.Connections().Stats().Total)
}

func TestUDPSocketExchange(t *testing.T) {
	rx := NewUDPSocket(0, "")
	require.NoError(t, rx.Open())
	defer rx.Close()
	require.NotZero(t, rx.LocalPort())

	tx := NewUDPSocket(0, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(rx.LocalPort())).String())
	require.NoError(t, tx.Open())
	defer tx.Close()

	n, err := tx.Write([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		n, err = rx.Read(buf)
		return err == nil && n > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, tx.LocalPort(), int(rx.LastPeer().Port()))

	// without a remote the reply goes to the last sender
	_, err = rx.Write([]byte("pong"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err = tx.Read(buf)
		return err == nil && n > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pong", string(buf[:n]))
}
