// Package metrics exports actor, link and listener statistics to
// Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/najoast/threader/core"
	"github.com/najoast/threader/network"
)

// Namespace prefixes every metric name.
const Namespace = "threader"

// Collector reads statistics when scraped; nothing is recorded on the
// actor threads. Links and listeners are registered under a unique name.
type Collector struct {
	system core.ActorSystem

	mu        sync.RWMutex
	links     map[string]*network.Link
	listeners map[string]*network.Listener

	actors          *prometheus.Desc
	actorQueueDepth *prometheus.Desc
	actorWait       *prometheus.Desc
	actorUptime     *prometheus.Desc

	linkConnected    *prometheus.Desc
	linkBytes        *prometheus.Desc
	linkSpeed        *prometheus.Desc
	linkPackets      *prometheus.Desc
	linkFramingErrs  *prometheus.Desc
	linkRetransmits  *prometheus.Desc
	linkDuplicates   *prometheus.Desc
	linkGaps         *prometheus.Desc
	linkTickets      *prometheus.Desc
	linkFrames       *prometheus.Desc

	listenerConns     *prometheus.Desc
	listenerAccepted  *prometheus.Desc
	listenerRejected  *prometheus.Desc
	listenerBroadcast *prometheus.Desc
}

// NewCollector creates a collector over system. system may be nil when
// only links are exported.
func NewCollector(system core.ActorSystem) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		system:    system,
		links:     make(map[string]*network.Link),
		listeners: make(map[string]*network.Listener),

		actors:          desc("actor", "count", "Number of live actors by state", "state"),
		actorQueueDepth: desc("actor", "queue_depth", "Messages waiting in an actor queue", "name", "kind"),
		actorWait:       desc("actor", "wait_seconds_total", "Time an actor spent blocked in its multiplexer", "name", "kind"),
		actorUptime:     desc("actor", "uptime_seconds", "Time since an actor loop started", "name", "kind"),

		linkConnected:    desc("link", "connected", "Whether the link device is connected", "link", "device"),
		linkBytes:        desc("link", "bytes_total", "Bytes moved by the link device", "link", "direction"),
		linkSpeed:        desc("link", "bytes_per_second", "Recent throughput of the link device", "link", "direction"),
		linkPackets:      desc("link", "packets_total", "Packets moved by the link", "link", "direction"),
		linkFramingErrs:  desc("link", "framing_errors_total", "Bytes skipped to resynchronize the input", "link"),
		linkRetransmits:  desc("link", "retransmits_total", "Packets resent for lack of a ticket", "link"),
		linkDuplicates:   desc("link", "duplicates_total", "Resent packets received again", "link"),
		linkGaps:         desc("link", "discontinuities_total", "Gaps in the peer packet sequence", "link"),
		linkTickets:      desc("link", "tickets_total", "Tickets sent and applied", "link", "kind"),
		linkFrames:       desc("link", "queue_frames", "Frames in the delivery queue", "link", "state"),

		listenerConns:     desc("listener", "connections", "Currently accepted connections", "listener"),
		listenerAccepted:  desc("listener", "accepted_total", "Connections accepted", "listener"),
		listenerRejected:  desc("listener", "rejected_total", "Connections refused by the allow list or the limit", "listener"),
		listenerBroadcast: desc("listener", "broadcast_total", "Messages broadcast to every connection", "listener"),
	}
}

// AddLink exports l as name, replacing a previous link of that name.
func (c *Collector) AddLink(name string, l *network.Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[name] = l
}

// RemoveLink stops exporting name.
func (c *Collector) RemoveLink(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.links, name)
}

// AddListener exports l as name.
func (c *Collector) AddListener(name string, l *network.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[name] = l
}

// RemoveListener stops exporting name.
func (c *Collector) RemoveListener(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, name)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.actors, c.actorQueueDepth, c.actorWait, c.actorUptime,
		c.linkConnected, c.linkBytes, c.linkSpeed, c.linkPackets, c.linkFramingErrs,
		c.linkRetransmits, c.linkDuplicates, c.linkGaps, c.linkTickets, c.linkFrames,
		c.listenerConns, c.listenerAccepted, c.listenerRejected, c.listenerBroadcast,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.system != nil {
		c.collectActors(ch)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, l := range c.links {
		c.collectLink(ch, name, l.Stats())
	}
	for name, l := range c.listeners {
		st := l.Connections().Stats()
		ch <- prometheus.MustNewConstMetric(c.listenerConns, prometheus.GaugeValue, float64(st.Current), name)
		ch <- prometheus.MustNewConstMetric(c.listenerAccepted, prometheus.CounterValue, float64(st.Total), name)
		ch <- prometheus.MustNewConstMetric(c.listenerRejected, prometheus.CounterValue, float64(l.Rejected()), name)
		ch <- prometheus.MustNewConstMetric(c.listenerBroadcast, prometheus.CounterValue, float64(st.Broadcast), name)
	}
}

func (c *Collector) collectActors(ch chan<- prometheus.Metric) {
	now := time.Now()
	states := map[core.ActorState]int{
		core.ActorStateCreated:   0,
		core.ActorStateRunning:   0,
		core.ActorStateFinishing: 0,
		core.ActorStateFinished:  0,
	}
	// names are not unique; the last published entry wins
	seen := make(map[[2]string]bool)
	for _, st := range c.system.Stats() {
		states[st.State]++
		key := [2]string{st.Name, st.Kind}
		if seen[key] {
			continue
		}
		seen[key] = true
		ch <- prometheus.MustNewConstMetric(c.actorQueueDepth, prometheus.GaugeValue, float64(st.QueueDepth), st.Name, st.Kind)
		ch <- prometheus.MustNewConstMetric(c.actorWait, prometheus.CounterValue, st.WaitTime.Seconds(), st.Name, st.Kind)
		if !st.StartedAt.IsZero() && !st.Terminated {
			ch <- prometheus.MustNewConstMetric(c.actorUptime, prometheus.GaugeValue, now.Sub(st.StartedAt).Seconds(), st.Name, st.Kind)
		}
	}
	for state, n := range states {
		ch <- prometheus.MustNewConstMetric(c.actors, prometheus.GaugeValue, float64(n), state.String())
	}
}

func (c *Collector) collectLink(ch chan<- prometheus.Metric, name string, st network.LinkStats) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	connected := 0.0
	if st.Connected {
		connected = 1
	}
	gauge(c.linkConnected, connected, name, st.Device)
	counter(c.linkBytes, st.BytesIn, name, "in")
	counter(c.linkBytes, st.BytesOut, name, "out")
	gauge(c.linkSpeed, float64(st.SpeedIn), name, "in")
	gauge(c.linkSpeed, float64(st.SpeedOut), name, "out")
	counter(c.linkPackets, st.PacketsIn, name, "in")
	counter(c.linkPackets, st.PacketsOut, name, "out")
	counter(c.linkFramingErrs, st.FramingErrors, name)
	counter(c.linkRetransmits, st.Retransmits, name)
	counter(c.linkDuplicates, st.Duplicates, name)
	counter(c.linkGaps, st.Discontinuities, name)
	counter(c.linkTickets, st.TicketsSent, name, "sent")
	counter(c.linkTickets, st.TicketsApplied, name, "applied")
	gauge(c.linkFrames, float64(st.Queued-st.InFlight), name, "pending")
	gauge(c.linkFrames, float64(st.InFlight), name, "in_flight")
}

var _ prometheus.Collector = (*Collector)(nil)
