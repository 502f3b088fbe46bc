package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/time/rate"

	"github.com/najoast/threader/core"
)

const (
	// MessageAccepted carries the connection id as text to the parent
	MessageAccepted = "Listener.Accepted"

	// MessageClosed carries the connection id as text to the parent
	MessageClosed = "Listener.Closed"

	DefaultReopenInterval = 30 * time.Second
)

var ErrTooManyConnections = errors.New("too many connections")

// ConnectionFactory builds the hooks serving an accepted device. The
// child name in the returned options is overwritten with the connection id.
type ConnectionFactory func(dev Device, peer netip.AddrPort) (core.Hooks, core.ActorOptions)

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// Port to listen on, 0 for an ephemeral port
	Port int

	// ReopenInterval between listen attempts after a failure
	ReopenInterval time.Duration

	// AllowList filters peers; nil accepts everyone
	AllowList *AllowList

	// MaxConnections bounds live connections; 0 is unlimited
	MaxConnections int

	// Link configures the default connection hooks
	Link LinkOptions

	// NewConnection overrides the default Link per connection
	NewConnection ConnectionFactory
}

// DefaultListenerOptions returns options serving frames links.
func DefaultListenerOptions(port int) ListenerOptions {
	return ListenerOptions{
		Port:           port,
		ReopenInterval: DefaultReopenInterval,
		Link:           DefaultLinkOptions(),
	}
}

// Listener accepts TCP connections and supervises one child actor per
// connection. It implements core.Hooks.
type Listener struct {
	core.NopHooks

	opts   ListenerOptions
	sock   *listenSocket
	reopen *rate.Limiter
	conns  *Connections
	ctx    core.Context
	log    *slog.Logger

	port     atomic.Int32
	rejected atomic.Uint64
}

// NewListener creates the hooks of a listener actor.
func NewListener(opts ListenerOptions) *Listener {
	if opts.ReopenInterval <= 0 {
		opts.ReopenInterval = DefaultReopenInterval
	}
	l := &Listener{
		opts:   opts,
		reopen: rate.NewLimiter(rate.Every(opts.ReopenInterval), 1),
		conns:  NewConnections(),
		log:    slog.Default(),
	}
	l.sock = newListenSocket(opts.Port, l.accept, l.onError)
	return l
}

// Port returns the bound port, 0 while not listening.
func (l *Listener) Port() int { return int(l.port.Load()) }

// Connections returns the live connection registry.
func (l *Listener) Connections() *Connections { return l.conns }

// Rejected returns how many peers were refused.
func (l *Listener) Rejected() uint64 { return l.rejected.Load() }

// OnStart registers the listening socket and opens it.
func (l *Listener) OnStart(c core.Context) {
	l.ctx = c
	l.log = c.Logger().With("port", l.opts.Port)
	if err := c.Multiplexer().Register(l.sock); err != nil {
		l.log.Error("failed to register listening socket", "error", err)
		c.Terminate()
		return
	}
	l.OnBeforeWait(c)
}

// OnBeforeWait reopens the socket after a failure.
func (l *Listener) OnBeforeWait(c core.Context) {
	if l.sock.opened() || !l.reopen.Allow() {
		return
	}
	if err := l.sock.open(); err != nil {
		l.log.Error("failed to listen", "error", err, "retry", l.opts.ReopenInterval)
		return
	}
	l.port.Store(int32(l.sock.boundPort()))
	l.log.Info("listening", "bound", l.Port())
}

// OnFinishing stops accepting; children are terminated by the runtime.
func (l *Listener) OnFinishing(c core.Context) {
	l.sock.close()
	l.port.Store(0)
	c.Multiplexer().Unregister(l.sock)
}

// OnChildFinished forgets the connection served by child.
func (l *Listener) OnChildFinished(c core.Context, child core.Actor) {
	if l.conns.Remove(child.Name()) {
		l.log.Debug("connection closed", "connection", child.Name())
		l.notify(MessageClosed, child.Name())
	}
}

// HandleMessage broadcasts MessageSend frames to every connection and
// forwards what the connections report to the parent. The original
// Source identifies the connection, see Connections.Lookup.
func (l *Listener) HandleMessage(c core.Context, msg *core.Message) bool {
	if msg.Name == MessageSend {
		l.conns.Broadcast(msg)
		return true
	}
	parent := c.Parent()
	if parent == nil {
		return false
	}
	parent.PostMessage(msg)
	return true
}

func (l *Listener) accept(fd int, peer netip.AddrPort) bool {
	if !l.opts.AllowList.Allowed(peer.Addr()) {
		l.rejected.Add(1)
		l.log.Warn("peer not allowed", "peer", peer)
		return false
	}
	if limit := l.opts.MaxConnections; limit > 0 && l.conns.Len() >= limit {
		l.rejected.Add(1)
		l.log.Warn("rejecting peer", "peer", peer, "error", ErrTooManyConnections)
		return false
	}

	dev, err := NewTCPSocket(fd, peer.String())
	if err != nil {
		l.log.Error("failed to adopt socket", "peer", peer, "error", err)
		return false
	}
	if err := l.spawn(dev, peer); err != nil {
		l.log.Error("failed to start connection", "peer", peer, "error", err)
		// the device owns fd now
		dev.Close()
	}
	return true
}

func (l *Listener) spawn(dev Device, peer netip.AddrPort) error {
	var (
		hooks core.Hooks
		opts  core.ActorOptions
	)
	if l.opts.NewConnection != nil {
		hooks, opts = l.opts.NewConnection(dev, peer)
	} else {
		lo := l.opts.Link
		lo.OneShot = true
		lo.Handler.ReconnectInterval = 0
		link := NewLink(dev, nil, lo)
		hooks, opts = link, link.ActorOptions("")
	}
	id := "conn." + gonanoid.Must(10)
	opts.Name = id

	child, err := l.ctx.System().NewActor(hooks, opts)
	if err != nil {
		return fmt.Errorf("create actor: %w", err)
	}
	if err := l.conns.Add(&Connection{ID: id, Peer: peer, Actor: child, Accepted: time.Now()}); err != nil {
		return err
	}
	if err := l.ctx.StartChild(child); err != nil {
		l.conns.Remove(id)
		return fmt.Errorf("start actor: %w", err)
	}
	l.log.Info("accepted connection", "peer", peer, "connection", id)
	l.notify(MessageAccepted, id)
	return nil
}

func (l *Listener) onError(err error) {
	l.log.Error("listener error", "error", err)
	l.port.Store(0)
}

func (l *Listener) notify(name, text string) {
	if l.ctx == nil {
		return
	}
	if parent := l.ctx.Parent(); parent != nil {
		parent.PostMessage(core.NewStringMessage(l.ctx.ID(), name, text))
	}
}
