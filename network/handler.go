package network

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/time/rate"

	"github.com/najoast/threader/core"
	"github.com/najoast/threader/protocol"
)

// Messages a Handler posts to its parent actor. Connection changes carry
// the connection id as text, errors carry the error text.
const (
	MessageDataInput    = "Device.Data.Input"
	MessageDataOutput   = "Device.Data.Output"
	MessagePacketInput  = "Device.Packet.Input"
	MessageConnecting   = "Device.Connecting"
	MessageConnected    = "Device.Connected"
	MessageDisconnected = "Device.Disconnected"
	MessageError        = "Device.Error"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultReadChunk         = 64 * 1024

	// maxReadPerWakeup keeps a flooding peer from starving the actor
	maxReadPerWakeup = 1 << 20
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// ReconnectInterval between Open attempts while disconnected; 0 never
	// reopens, as for accepted sockets
	ReconnectInterval time.Duration

	// ReadChunk is the size of a single read
	ReadChunk int

	// Factory extracts packets from the input; nil posts raw input to the
	// parent as MessageDataInput
	Factory protocol.Factory

	// TrafficWindow averages the traffic counters
	TrafficWindow time.Duration

	// Subscribers receive the named messages instead of the parent
	Subscribers map[string][]core.Actor
}

// DefaultHandlerOptions returns options for a reconnecting raw device.
func DefaultHandlerOptions() HandlerOptions {
	return HandlerOptions{
		ReconnectInterval: DefaultReconnectInterval,
		ReadChunk:         DefaultReadChunk,
		TrafficWindow:     DefaultTrafficWindow,
	}
}

// Delegate receives connection changes and extracted packets. Every
// method runs on the handler's actor thread; c is nil only when the
// handler is driven without an actor.
type Delegate interface {
	OnConnected(c core.Context)
	OnDisconnected(c core.Context)
	OnPacket(c core.Context, p *protocol.Packet)
}

// HandlerStats is a snapshot of a handler's counters.
type HandlerStats struct {
	Device        string
	ConnectionID  string
	Connected     bool
	BytesIn       uint64
	BytesOut      uint64
	SpeedIn       uint64
	SpeedOut      uint64
	PacketsIn     uint64
	PacketsOut    uint64
	FramingErrors uint64
}

// Handler owns one Device on an actor thread: it reopens the device,
// buffers traffic, extracts packets and reports connection changes to the
// parent actor. It implements core.Hooks, core.BeforeWaiter and
// DeviceListener.
type Handler struct {
	device    Device
	opts      HandlerOptions
	delegate  Delegate
	ctx       core.Context
	log       *slog.Logger
	reconnect *rate.Limiter

	inbuf   []byte
	input   []byte
	output  []byte
	readBuf []byte

	connectedAt  time.Time
	lastSent     time.Time
	lastReceived time.Time

	// read from metrics collectors
	connID        atomic.Pointer[string]
	connected     atomic.Bool
	in            *TrafficCounter
	out           *TrafficCounter
	packetsIn     atomic.Uint64
	packetsOut    atomic.Uint64
	framingErrors atomic.Uint64
}

// NewHandler creates the hooks of a device actor.
func NewHandler(device Device, opts HandlerOptions) *Handler {
	if opts.ReadChunk <= 0 {
		opts.ReadChunk = DefaultReadChunk
	}
	h := &Handler{
		device:  device,
		opts:    opts,
		log:     slog.Default(),
		readBuf: make([]byte, opts.ReadChunk),
		in:      NewTrafficCounter(opts.TrafficWindow),
		out:     NewTrafficCounter(opts.TrafficWindow),
	}
	if opts.ReconnectInterval > 0 {
		h.reconnect = rate.NewLimiter(rate.Every(opts.ReconnectInterval), 1)
	}
	empty := ""
	h.connID.Store(&empty)
	return h
}

// SetDelegate installs the layer consuming packets. Call before start.
func (h *Handler) SetDelegate(d Delegate) { h.delegate = d }

// Device returns the owned device.
func (h *Handler) Device() Device { return h.device }

// ConnectionID identifies the current connection, empty before the first.
func (h *Handler) ConnectionID() string { return *h.connID.Load() }

// Connected reports whether the device is connected.
func (h *Handler) Connected() bool { return h.connected.Load() }

// LastSent returns when a packet was last queued for sending.
func (h *Handler) LastSent() time.Time { return h.lastSent }

// LastReceived returns when a packet was last extracted.
func (h *Handler) LastReceived() time.Time { return h.lastReceived }

// ConnectedAt returns when the current connection was established.
func (h *Handler) ConnectedAt() time.Time { return h.connectedAt }

// Stats returns the current counters. Safe from any goroutine.
func (h *Handler) Stats() HandlerStats {
	return HandlerStats{
		Device:        h.device.Name(),
		ConnectionID:  h.ConnectionID(),
		Connected:     h.Connected(),
		BytesIn:       h.in.Total(),
		BytesOut:      h.out.Total(),
		SpeedIn:       h.in.Speed(),
		SpeedOut:      h.out.Speed(),
		PacketsIn:     h.packetsIn.Load(),
		PacketsOut:    h.packetsOut.Load(),
		FramingErrors: h.framingErrors.Load(),
	}
}

// ActorOptions returns options whose wait timeout is short enough for the
// reconnect interval.
func (h *Handler) ActorOptions(name string) core.ActorOptions {
	o := core.DefaultActorOptions()
	o.Name = name
	if h.opts.ReconnectInterval > 0 && h.opts.ReconnectInterval < o.WaitTimeout {
		o.WaitTimeout = h.opts.ReconnectInterval
	}
	return o
}

// OnStart registers the device with the actor's multiplexer.
func (h *Handler) OnStart(c core.Context) {
	h.ctx = c
	h.log = c.Logger().With("device", h.device.Name())
	h.device.SetListener(h)
	if err := c.Multiplexer().Register(h.device); err != nil {
		h.log.Error("failed to register device", "error", err)
		h.notify(MessageError, err.Error())
		c.Terminate()
		return
	}
	for name, subs := range h.opts.Subscribers {
		c.Subscribe(name, subs...)
	}

	// accepted sockets start connected
	if st := h.device.State(); st != StateDisconnected {
		h.OnStateChanged(h.device, StateDisconnected, st)
	}
}

// OnBeforeWait reopens the device and updates the write interest.
func (h *Handler) OnBeforeWait(c core.Context) {
	st := h.device.State()
	if st == StateDisconnected && h.reconnect != nil && h.reconnect.Allow() {
		if err := h.device.Open(); err != nil {
			h.log.Debug("failed to open device", "error", err)
		}
		st = h.device.State()
	}
	if st != StateDisconnected {
		h.device.SetWantWrite(len(h.output) > 0)
	}
}

// OnFinishing closes the device.
func (h *Handler) OnFinishing(c core.Context) {
	h.device.Close()
	c.Multiplexer().Unregister(h.device)
}

func (h *Handler) OnFinished(core.Context) {}
func (h *Handler) OnIdle(core.Context)     {}

// HandleMessage writes MessageDataOutput payloads to the device.
func (h *Handler) HandleMessage(c core.Context, msg *core.Message) bool {
	if msg.Name != MessageDataOutput {
		return false
	}
	data, ok := msg.Bytes()
	if ok {
		h.Write(data)
	}
	return ok
}

// Send queues the wire form of p and tries to write it at once. It
// returns false when the device is not connected.
func (h *Handler) Send(p *protocol.Packet) bool {
	if p == nil || !h.Write(p.Bytes()) {
		return false
	}
	h.packetsOut.Add(1)
	return true
}

// Write queues raw bytes and tries to write them at once.
func (h *Handler) Write(data []byte) bool {
	if h.device.State() != StateConnected {
		return false
	}
	h.output = append(h.output, data...)
	h.lastSent = time.Now()
	h.flush()
	return true
}

func (h *Handler) flush() {
	if len(h.output) == 0 {
		return
	}
	n, err := h.device.Write(h.output)
	if err != nil {
		h.OnError(h.device, err)
		h.device.Close()
		return
	}
	if n > 0 {
		h.out.Add(time.Now(), n)
		h.output = h.output[:copy(h.output, h.output[n:])]
	}
}

// OnStateChanged implements DeviceListener.
func (h *Handler) OnStateChanged(d Device, from, to ConnectionState) {
	h.input = h.inbuf[:0]
	h.output = h.output[:0]

	switch to {
	case StateConnecting:
		h.notify(MessageConnecting, d.Name())

	case StateConnected:
		id := gonanoid.Must(10)
		h.connID.Store(&id)
		now := time.Now()
		h.connectedAt, h.lastSent, h.lastReceived = now, now, now
		h.in.Clear()
		h.out.Clear()
		h.connected.Store(true)
		h.log.Info("device connected", "connection", id)
		if h.delegate != nil {
			h.delegate.OnConnected(h.ctx)
		}
		h.notify(MessageConnected, id)

	case StateDisconnected:
		h.connected.Store(false)
		if from == StateConnected {
			h.log.Info("device disconnected", "connection", h.ConnectionID())
		}
		if h.delegate != nil {
			h.delegate.OnDisconnected(h.ctx)
		}
		h.notify(MessageDisconnected, h.ConnectionID())
		if h.reconnect != nil {
			// a token refilled during a long connection would allow an
			// immediate reopen
			h.reconnect.Allow()
		}
	}
}

// OnReadable implements DeviceListener.
func (h *Handler) OnReadable(d Device) {
	total := 0
	var readErr error
	for total < maxReadPerWakeup {
		n, err := d.Read(h.readBuf)
		if n > 0 {
			total += n
			if d.Datagram() {
				h.consume(h.readBuf[:n])
			} else {
				h.input = append(h.input, h.readBuf[:n]...)
			}
		}
		if err != nil {
			readErr = err
			break
		}
		if n == 0 {
			break
		}
	}
	h.in.Add(time.Now(), total)

	if !d.Datagram() {
		h.processInput()
	}

	if readErr != nil {
		if !errors.Is(readErr, io.EOF) {
			h.OnError(d, readErr)
		}
		d.Close()
	}
}

// consume handles one datagram.
func (h *Handler) consume(datagram []byte) {
	if h.opts.Factory == nil {
		h.post(core.NewBinaryMessage(h.selfID(), MessageDataInput, datagram))
		return
	}
	h.input = append(h.input, datagram...)
	h.processInput()
}

func (h *Handler) processInput() {
	if len(h.input) == 0 {
		return
	}
	if h.opts.Factory == nil {
		h.post(core.NewBinaryMessage(h.selfID(), MessageDataInput, h.input))
		h.input = h.inbuf[:0]
		return
	}

	f := h.opts.Factory
	for len(h.input) > 0 {
		p, ok := f.Extract(&h.input)
		if ok {
			h.lastReceived = time.Now()
			h.packetsIn.Add(1)
			h.deliver(p)
			continue
		}
		if f.LastResult() != protocol.BadCheckSumm {
			break
		}
		h.framingErrors.Add(1)
		h.log.Warn("dropping corrupted packet", "result", f.LastResult())
		h.notify(MessageError, f.LastResult().String())
		h.input = h.input[1:]
	}

	// keep the remainder at the front of the buffer
	h.inbuf = append(h.inbuf[:0], h.input...)
	h.input = h.inbuf
}

func (h *Handler) deliver(p *protocol.Packet) {
	if h.delegate != nil {
		h.delegate.OnPacket(h.ctx, p)
		return
	}
	h.post(core.NewObjectMessage(h.selfID(), MessagePacketInput, p))
}

// OnWritable implements DeviceListener.
func (h *Handler) OnWritable(Device) {
	h.flush()
}

// OnError implements DeviceListener.
func (h *Handler) OnError(d Device, err error) {
	h.log.Warn("device error", "error", err)
	h.notify(MessageError, err.Error())
}

func (h *Handler) selfID() core.ActorID {
	if h.ctx == nil {
		return core.NilActorID
	}
	return h.ctx.ID()
}

// post delivers msg to its subscribers, or to the parent when it has
// none.
func (h *Handler) post(msg *core.Message) {
	if h.ctx == nil {
		return
	}
	if len(h.ctx.Subscribers(msg.Name)) > 0 {
		h.ctx.Publish(msg)
		return
	}
	if parent := h.ctx.Parent(); parent != nil {
		parent.PostMessage(msg)
	}
}

func (h *Handler) notify(name, text string) {
	h.post(core.NewStringMessage(h.selfID(), name, text))
}
