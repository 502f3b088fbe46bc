package network

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/najoast/threader/core"
	"github.com/najoast/threader/delivery"
	"github.com/najoast/threader/protocol"
)

// Messages a Link accepts or posts to its parent.
const (
	// MessageFrames carries a Received object to the parent
	MessageFrames = "Link.Frames"

	// MessageSend is a frame message queued for reliable delivery, or
	// sent once when the link has no queue
	MessageSend = "Link.Send"

	// MessageAuthorize marks the current connection as authorized
	MessageAuthorize = "Link.Authorize"

	// MessageLinkDown carries the DisconnectReason text to the parent
	MessageLinkDown = "Link.Disconnected"
)

const (
	DefaultRetryInterval = 2 * time.Second
	DefaultLinkTick      = 250 * time.Millisecond

	bindTimeout = 5 * time.Second
)

// DisconnectReason tells why a Link dropped its connection.
type DisconnectReason uint8

const (
	StopWorking DisconnectReason = iota
	ConnectionError
	AuthorizationTimeout
	AliveTimeout
)

// String returns the string representation of DisconnectReason.
func (r DisconnectReason) String() string {
	switch r {
	case StopWorking:
		return "stop working"
	case ConnectionError:
		return "connection error"
	case AuthorizationTimeout:
		return "authorization timeout"
	case AliveTimeout:
		return "alive timeout"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Received is the payload of MessageFrames.
type Received struct {
	// Connection is the id of the connection the packet arrived on
	Connection string

	// PacketID of the carrying packet
	PacketID uint32

	// Frames alias a private copy of the packet and may be kept
	Frames [][]byte
}

// LinkOptions configures a Link.
type LinkOptions struct {
	Handler HandlerOptions

	// RetryInterval before an unacknowledged packet is sent again
	RetryInterval time.Duration

	// MaxPacketSize bounds the frame records of one packet
	MaxPacketSize int

	// AuthorizationTimeout drops connections not authorized in time; 0
	// disables authorization
	AuthorizationTimeout time.Duration

	// AliveTimeout drops connections that received nothing for that long;
	// 0 disables it. Keep-alives go out at half the timeout.
	AliveTimeout time.Duration

	// OneShot finishes the actor when the connection drops, as for
	// accepted sockets
	OneShot bool
}

// DefaultLinkOptions returns options for a reconnecting client link.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		Handler:       DefaultHandlerOptions(),
		RetryInterval: DefaultRetryInterval,
		MaxPacketSize: delivery.DefaultMaxPacketSize,
	}
}

// LinkStats extends HandlerStats with delivery counters.
type LinkStats struct {
	HandlerStats
	Retransmits     uint64
	Discontinuities uint64
	Duplicates      uint64
	TicketsSent     uint64
	TicketsApplied  uint64
	Queued          int
	InFlight        int
}

// Link speaks the frames protocol over a Device: it acknowledges every
// data packet, drains a delivery queue one packet at a time and resends
// the packet in flight until its ticket arrives. Link implements
// core.Hooks and is driven by its own actor.
type Link struct {
	handler *Handler
	opts    LinkOptions
	factory *protocol.FramesFactory
	queue   *delivery.Queue

	// peer sequence, -1 until the first packet of a connection
	expected      int64
	lastDelivered uint32

	// packet in flight, nil when the queue may be drained
	current    *protocol.Packet
	currentAt  time.Time
	authorized bool

	retransmits     atomic.Uint64
	discontinuities atomic.Uint64
	duplicates      atomic.Uint64
	ticketsSent     atomic.Uint64
	ticketsApplied  atomic.Uint64
}

// NewLink creates the hooks of a link actor. queue may be nil for a link
// that only sends unacknowledged packets.
func NewLink(device Device, queue *delivery.Queue, opts LinkOptions) *Link {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = delivery.DefaultMaxPacketSize
	}
	l := &Link{
		opts:     opts,
		factory:  protocol.NewFramesFactory(),
		queue:    queue,
		expected: -1,
	}
	opts.Handler.Factory = l.factory
	l.handler = NewHandler(device, opts.Handler)
	l.handler.SetDelegate(l)
	return l
}

// Handler returns the underlying device handler.
func (l *Link) Handler() *Handler { return l.handler }

// Queue returns the delivery queue or nil.
func (l *Link) Queue() *delivery.Queue { return l.queue }

// Authorized reports whether the current connection was authorized.
func (l *Link) Authorized() bool { return l.authorized }

// Stats returns the current counters. Safe from any goroutine.
func (l *Link) Stats() LinkStats {
	st := LinkStats{
		HandlerStats:    l.handler.Stats(),
		Retransmits:     l.retransmits.Load(),
		Discontinuities: l.discontinuities.Load(),
		Duplicates:      l.duplicates.Load(),
		TicketsSent:     l.ticketsSent.Load(),
		TicketsApplied:  l.ticketsApplied.Load(),
	}
	if l.queue != nil {
		st.Queued = l.queue.Len()
		st.InFlight = l.queue.InFlight()
	}
	return st
}

// ActorOptions returns options whose wait timeout drives retransmits and
// timeouts.
func (l *Link) ActorOptions(name string) core.ActorOptions {
	o := l.handler.ActorOptions(name)
	if o.WaitTimeout > DefaultLinkTick {
		o.WaitTimeout = DefaultLinkTick
	}
	return o
}

// OnStart binds the queue and starts the device.
func (l *Link) OnStart(c core.Context) {
	if l.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
		err := l.queue.Bind(ctx, c)
		cancel()
		if err != nil {
			c.Logger().Error("failed to bind queue", "queue", l.queue.Alias(), "error", err)
		}
	}
	l.handler.OnStart(c)
}

func (l *Link) OnBeforeWait(c core.Context) { l.handler.OnBeforeWait(c) }
func (l *Link) OnFinishing(c core.Context)  { l.handler.OnFinishing(c) }

// OnFinished releases the queue for the next owner.
func (l *Link) OnFinished(c core.Context) {
	if l.queue != nil {
		l.queue.Release(c)
	}
}

// OnIdle retransmits and enforces the connection timeouts.
func (l *Link) OnIdle(c core.Context) {
	if !l.handler.Connected() {
		return
	}
	now := time.Now()
	if t := l.opts.AuthorizationTimeout; t > 0 && !l.authorized && now.Sub(l.handler.ConnectedAt()) >= t {
		l.Disconnect(AuthorizationTimeout)
		return
	}
	if t := l.opts.AliveTimeout; t > 0 {
		if now.Sub(l.handler.LastReceived()) >= t {
			l.Disconnect(AliveTimeout)
			return
		}
		if now.Sub(l.handler.LastSent()) >= t/2 {
			l.sendKeepAlive()
		}
	}
	l.processQueue()
}

// HandleMessage implements core.Hooks.
func (l *Link) HandleMessage(c core.Context, msg *core.Message) bool {
	switch msg.Name {
	case delivery.QueueMessageName:
		l.processQueue()
		return true

	case MessageSend:
		fr, ok := msg.Frame()
		if !ok {
			return false
		}
		if l.queue != nil {
			// the queue notifies us back
			l.queue.Append(fr.Data, fr.Priority)
			return true
		}
		l.handler.Send(l.factory.BuildFrames(protocol.NoTicket, [][]byte{fr.Data}))
		return true

	case MessageAuthorize:
		l.authorized = true
		return true
	}
	return l.handler.HandleMessage(c, msg)
}

// OnConnected implements Delegate.
func (l *Link) OnConnected(c core.Context) {
	l.expected = -1
	l.lastDelivered = protocol.NoPacketID
	l.current = nil
	l.authorized = l.opts.AuthorizationTimeout <= 0
	l.factory.ResetPacketIDs()
	if l.queue != nil {
		l.queue.Reset()
	}
	l.processQueue()
}

// OnDisconnected implements Delegate.
func (l *Link) OnDisconnected(c core.Context) {
	l.current = nil
	l.authorized = false
	if l.opts.OneShot && c != nil {
		c.Terminate()
	}
}

// OnPacket implements Delegate.
func (l *Link) OnPacket(c core.Context, p *protocol.Packet) {
	l.checkContinuity(p.ID())

	switch typ := protocol.PacketTypeOf(p); typ {
	case protocol.Ticket:
		id, err := protocol.TicketID(p)
		if err != nil {
			l.handler.log.Warn("malformed ticket", "packet", p.ID(), "error", err)
			return
		}
		l.applyTicket(id)

	case protocol.NeedsTicket, protocol.NoTicket:
		if typ == protocol.NeedsTicket {
			l.sendTicket(p.ID())
			if p.ID() == l.lastDelivered {
				// our ticket got lost and the peer resent
				l.duplicates.Add(1)
				return
			}
			l.lastDelivered = p.ID()
		}
		frames, err := protocol.DecodeFrames(p.Payload)
		if err != nil {
			l.handler.log.Warn("malformed frames", "packet", p.ID(), "error", err)
		}
		if len(frames) > 0 {
			l.handler.post(core.NewObjectMessage(l.handler.selfID(), MessageFrames, Received{
				Connection: l.handler.ConnectionID(),
				PacketID:   p.ID(),
				Frames:     frames,
			}))
		}
	}
}

func (l *Link) checkContinuity(id uint32) {
	if l.expected >= 0 && int64(id) != l.expected {
		l.discontinuities.Add(1)
		l.handler.log.Debug("packet sequence discontinuity", "expected", l.expected, "got", id)
	}
	next := int64(id) + 1
	if next >= int64(protocol.MaxPacketID) {
		next = 1
	}
	l.expected = next
}

func (l *Link) sendTicket(id uint32) {
	if l.handler.Send(l.factory.BuildTicket(id)) {
		l.ticketsSent.Add(1)
	}
}

func (l *Link) sendKeepAlive() {
	l.handler.Send(l.factory.BuildFrames(protocol.NoTicket, nil))
}

func (l *Link) applyTicket(id uint32) {
	if l.queue == nil {
		return
	}
	if n := l.queue.ApplyTicket(id); n > 0 {
		l.ticketsApplied.Add(1)
		if l.current != nil && l.current.ID() == id {
			l.current = nil
		}
		l.processQueue()
	}
}

// processQueue resends the packet in flight when it is overdue, or packs
// the next eligible frames into a new packet.
func (l *Link) processQueue() {
	if l.queue == nil || !l.handler.Connected() {
		return
	}

	if l.current != nil {
		if time.Since(l.currentAt) >= l.opts.RetryInterval {
			l.retransmits.Add(1)
			l.handler.log.Debug("retransmitting packet", "packet", l.current.ID())
			l.handler.Send(l.current)
			l.currentAt = time.Now()
		}
		return
	}

	// the id is only allocated once frames were selected
	id := l.factory.PeekPacketID()
	frames := l.queue.PrepareSendingList(id, l.opts.MaxPacketSize)
	if len(frames) == 0 {
		return
	}
	l.factory.NextPacketID()
	p := l.factory.BuildFramesWithID(protocol.NeedsTicket, id, frames)
	if l.handler.Send(p) {
		l.current = p
		l.currentAt = time.Now()
	}
}

// Disconnect closes the connection and reports reason to the parent. A
// client link reconnects after its reconnect interval.
func (l *Link) Disconnect(reason DisconnectReason) {
	l.handler.log.Info("disconnecting", "reason", reason, "connection", l.handler.ConnectionID())
	l.handler.notify(MessageLinkDown, reason.String())
	l.handler.Device().Close()
}
