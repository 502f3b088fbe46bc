package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/najoast/threader/config"
	"github.com/najoast/threader/core"
	"github.com/najoast/threader/delivery"
	"github.com/najoast/threader/network"
)

// ActorOptions converts the actor section for an actor called name.
func ActorOptions(cfg config.ActorConfig, name string) core.ActorOptions {
	o := core.DefaultActorOptions()
	o.Name = name
	if cfg.WaitTimeout > 0 {
		o.WaitTimeout = cfg.WaitTimeout
	}
	if cfg.ReapInterval > 0 {
		o.ReapInterval = cfg.ReapInterval
	}
	if cfg.StatsInterval > 0 {
		o.StatsInterval = cfg.StatsInterval
	}
	return o
}

// HandlerOptions converts the device settings of the network section.
func HandlerOptions(cfg config.NetworkConfig) network.HandlerOptions {
	return network.HandlerOptions{
		ReconnectInterval: cfg.ReconnectInterval,
		ReadChunk:         cfg.ReadChunk,
		TrafficWindow:     cfg.TrafficWindow,
	}
}

// LinkOptions converts the link timing and the delivery budget.
func LinkOptions(cfg *config.Config) network.LinkOptions {
	return network.LinkOptions{
		Handler:              HandlerOptions(cfg.Network),
		RetryInterval:        cfg.Network.Link.RetryInterval,
		MaxPacketSize:        cfg.Delivery.MaxPacketSize,
		AuthorizationTimeout: cfg.Network.Link.AuthorizationTimeout,
		AliveTimeout:         cfg.Network.Link.AliveTimeout,
	}
}

// ListenerOptions converts the listener section. An empty allow list
// accepts every peer.
func ListenerOptions(cfg *config.Config) (network.ListenerOptions, error) {
	opts := network.DefaultListenerOptions(cfg.Network.Listener.Port)
	if cfg.Network.Listener.ReopenInterval > 0 {
		opts.ReopenInterval = cfg.Network.Listener.ReopenInterval
	}
	opts.MaxConnections = cfg.Network.Listener.MaxConnections
	opts.Link = LinkOptions(cfg)

	if len(cfg.Network.Listener.AllowList) > 0 {
		allow, err := network.ParseAllowList(cfg.Network.Listener.AllowList)
		if err != nil {
			return opts, fmt.Errorf("invalid listener allow list: %w", err)
		}
		opts.AllowList = allow
	}
	return opts, nil
}

// SerialOptions converts the serial section.
func SerialOptions(cfg config.SerialConfig) network.SerialOptions {
	return network.SerialOptions{
		BaudRate:    cfg.BaudRate,
		DataBits:    cfg.DataBits,
		Parity:      cfg.Parity,
		TwoStopBits: cfg.TwoStopBits,
	}
}

// OpenQueue creates the delivery queue of peer alias. With a snapshot
// directory the queue is restored from and saved to disk.
func OpenQueue(cfg config.DeliveryConfig, alias string, hub bool, logger *slog.Logger) (*delivery.Queue, error) {
	opts := []delivery.Option{}
	if logger != nil {
		opts = append(opts, delivery.WithLogger(logger))
	}
	if cfg.SnapshotDir != "" {
		store, err := delivery.NewStore(cfg.SnapshotDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, delivery.WithStore(store, hub))
	}
	return delivery.NewQueue(alias, opts...)
}
