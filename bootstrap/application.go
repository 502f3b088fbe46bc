package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/threader/config"
	"github.com/najoast/threader/core"
	"github.com/najoast/threader/logging"
	"github.com/najoast/threader/metrics"
	"github.com/najoast/threader/network"
)

// ErrAlreadyRunning is returned by Run on a running application.
var ErrAlreadyRunning = errors.New("application is already running")

// Application owns the process-wide objects: configuration, logger,
// actor system and metrics. Services registered before Run are started
// in dependency order and stopped on SIGINT, SIGTERM or cancellation.
type Application struct {
	cfg       *config.Config
	file      string
	logger    *logging.Logger
	system    core.ActorSystem
	collector *metrics.Collector
	registry  *prometheus.Registry
	lifecycle *Lifecycle
	server    *metrics.Server
	running   bool
}

// New assembles an application from a validated configuration.
func New(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log,
		"app", cfg.App.Name,
		"version", cfg.App.Version,
		"pid", os.Getpid(),
	)
	if err != nil {
		return nil, err
	}

	system := core.NewActorSystem(logger.Logger, ActorOptions(cfg.Actor, cfg.App.Name))
	collector := metrics.NewCollector(system)
	app := &Application{
		cfg:       cfg,
		logger:    logger,
		system:    system,
		collector: collector,
		registry:  metrics.NewRegistry(collector),
		lifecycle: NewLifecycle(logger.With("component", "lifecycle")),
	}
	if cfg.Actor.ShutdownTimeout > 0 {
		app.lifecycle.SetTimeout(cfg.Actor.ShutdownTimeout)
	}
	if err := app.lifecycle.Register(&systemService{system: system}); err != nil {
		return nil, err
	}
	if cfg.Monitor.Enabled {
		app.server = metrics.NewServer(cfg.Monitor, app.registry, app.healthDetails, logger.Logger)
	}
	return app, nil
}

// Load reads the configuration from path, or searches the default
// locations when path is empty, and assembles the application. A
// configuration file found this way is watched; a reload changes the
// log level.
func Load(path string) (*Application, error) {
	loader := config.NewLoader()

	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, path, err = loader.AutoLoad()
	} else {
		cfg, err = loader.Load(path)
	}
	if err != nil {
		return nil, err
	}

	app, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return app, nil
	}

	app.file = path
	watcher, err := config.NewWatcher(path, loader, app.Logger())
	if err != nil {
		return nil, err
	}
	watcher.OnChange(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Log.Level != newConfig.Log.Level {
			app.SetLogLevel(newConfig.Log.Level)
			app.Logger().Info("log level changed", "level", newConfig.Log.Level)
		}
	})
	if err := app.lifecycle.Register(&watcherService{watcher: watcher}); err != nil {
		return nil, err
	}
	return app, nil
}

// Config returns the configuration the application was built with.
func (a *Application) Config() *config.Config { return a.cfg }

// ConfigFile returns the loaded configuration file, empty for defaults.
func (a *Application) ConfigFile() string { return a.file }

// Logger returns the process logger.
func (a *Application) Logger() *slog.Logger { return a.logger.Logger }

// System returns the actor system.
func (a *Application) System() core.ActorSystem { return a.system }

// SetLogLevel changes the level of the process logger.
func (a *Application) SetLogLevel(level config.LogLevel) { a.logger.SetLevel(level) }

// Metrics returns the collector links and listeners are exported by.
func (a *Application) Metrics() *metrics.Collector { return a.collector }

// Registry returns the Prometheus registry served by the monitor.
func (a *Application) Registry() *prometheus.Registry { return a.registry }

// Lifecycle returns the service lifecycle.
func (a *Application) Lifecycle() *Lifecycle { return a.lifecycle }

// Register adds a service started after the actor system and deps.
func (a *Application) Register(service Service, deps ...string) error {
	return a.lifecycle.Register(service, append([]string{SystemServiceName}, deps...)...)
}

// Spawn registers hooks as a root actor called name, started with the
// application.
func (a *Application) Spawn(name string, hooks core.Hooks, deps ...string) (*ActorService, error) {
	s := NewActorService(a.system, hooks, ActorOptions(a.cfg.Actor, name))
	if err := a.Register(s, deps...); err != nil {
		return nil, err
	}
	return s, nil
}

// NewLink creates a frames link over device configured from the
// network and delivery sections and exports it as name. An empty alias
// creates a link without delivery queue.
func (a *Application) NewLink(name string, device network.Device, alias string, hub bool) (*network.Link, error) {
	var link *network.Link
	if alias == "" {
		link = network.NewLink(device, nil, LinkOptions(a.cfg))
	} else {
		queue, err := OpenQueue(a.cfg.Delivery, alias, hub, a.Logger())
		if err != nil {
			return nil, err
		}
		link = network.NewLink(device, queue, LinkOptions(a.cfg))
	}
	a.collector.AddLink(name, link)
	return link, nil
}

// NewListener creates a listener from the listener section and exports
// it as name.
func (a *Application) NewListener(name string) (*network.Listener, error) {
	opts, err := ListenerOptions(a.cfg)
	if err != nil {
		return nil, err
	}
	l := network.NewListener(opts)
	a.collector.AddListener(name, l)
	return l, nil
}

// Health returns the health of every registered service.
func (a *Application) Health(ctx context.Context) map[string]HealthStatus {
	return a.lifecycle.Health(ctx)
}

func (a *Application) healthDetails() (map[string]any, error) {
	health := a.Health(context.Background())
	services := make(map[string]HealthState, len(health))
	var bad []string
	for name, st := range health {
		services[name] = st.State
		if st.State != HealthHealthy {
			bad = append(bad, name)
		}
	}
	details := map[string]any{
		"services": services,
		"actors":   a.system.Count(),
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return details, fmt.Errorf("services not healthy: %v", bad)
	}
	return details, nil
}

// Run starts the services and blocks until ctx is cancelled, a
// termination signal arrives or the metrics endpoint fails. Services are
// then stopped within the configured shutdown timeout.
func (a *Application) Run(ctx context.Context) error {
	if a.running {
		return ErrAlreadyRunning
	}
	a.running = true
	defer func() { a.running = false }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := a.Logger()
	log.Info("application starting", "environment", a.cfg.App.Environment, "config", a.file)
	if err := a.lifecycle.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()
	if runErr != nil {
		log.Error("application failed", "error", runErr)
	}

	log.Info("application stopping")
	timeout := a.cfg.Actor.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stopErr := a.lifecycle.Stop(stopCtx)
	log.Info("application stopped")
	return errors.Join(runErr, stopErr)
}

// MetricsAddr returns the bound metrics address, empty when the
// endpoint is disabled or not listening yet.
func (a *Application) MetricsAddr() string {
	if a.server == nil || a.server.Addr() == nil {
		return ""
	}
	return a.server.Addr().String()
}

// Close releases the log file.
func (a *Application) Close() error { return a.logger.Close() }
