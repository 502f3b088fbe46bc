package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/threader/config"
	"github.com/najoast/threader/core"
	"github.com/najoast/threader/network"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type testService struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
}

func (s *testService) Name() string { return s.name }

func (s *testService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.rec.add("start " + s.name)
	return nil
}

func (s *testService) Stop(context.Context) error {
	s.rec.add("stop " + s.name)
	return s.stopErr
}

func (s *testService) Health(context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy}, nil
}

func TestLifecycleOrder(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycle(nil)
	require.NoError(t, lm.Register(&testService{name: "web", rec: rec}, "db", "cache"))
	require.NoError(t, lm.Register(&testService{name: "db", rec: rec}))
	require.NoError(t, lm.Register(&testService{name: "cache", rec: rec}, "db"))
	assert.ErrorIs(t, lm.Register(&testService{name: "db", rec: rec}), ErrServiceRegistered)

	var events []EventType
	lm.AddListener(func(e LifecycleEvent) { events = append(events, e.Type) })
	lm.AddListener(func(LifecycleEvent) { panic("ignored") })

	require.NoError(t, lm.Start(context.Background()))
	assert.True(t, lm.Running())
	assert.ErrorIs(t, lm.Start(context.Background()), ErrLifecycleStarted)
	assert.ErrorIs(t, lm.Register(&testService{name: "late", rec: rec}), ErrLifecycleStarted)

	health := lm.Health(context.Background())
	assert.Equal(t, HealthHealthy, health["web"].State)

	require.NoError(t, lm.Stop(context.Background()))
	assert.False(t, lm.Running())
	assert.Equal(t, HealthStopped, lm.Health(context.Background())["web"].State)

	assert.Equal(t, []string{
		"start db", "start cache", "start web",
		"stop web", "stop cache", "stop db",
	}, rec.list())
	assert.Equal(t, EventServiceStarting, events[0])
	assert.Equal(t, EventServiceStopped, events[len(events)-1])
	assert.Equal(t, []string{"cache", "db", "web"}, lm.Services())
}

func TestLifecycleDependencyErrors(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycle(nil)
	require.NoError(t, lm.Register(&testService{name: "a", rec: rec}, "missing"))
	assert.ErrorIs(t, lm.Start(context.Background()), ErrUnknownDependency)

	lm = NewLifecycle(nil)
	require.NoError(t, lm.Register(&testService{name: "a", rec: rec}, "b"))
	require.NoError(t, lm.Register(&testService{name: "b", rec: rec}, "a"))
	assert.ErrorIs(t, lm.Start(context.Background()), ErrDependencyCycle)
	assert.Empty(t, rec.list())
}

func TestLifecycleStartFailureRollsBack(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	lm := NewLifecycle(nil)
	require.NoError(t, lm.Register(&testService{name: "a", rec: rec}))
	require.NoError(t, lm.Register(&testService{name: "b", rec: rec, startErr: boom}, "a"))

	err := lm.Start(context.Background())
	require.ErrorIs(t, err, boom)
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "b", appErr.Service)
	assert.Equal(t, []string{"start a", "stop a"}, rec.list())
	assert.False(t, lm.Running())
}

func TestLifecycleStopReportsFirstError(t *testing.T) {
	rec := &recorder{}
	lm := NewLifecycle(nil)
	require.NoError(t, lm.Register(&testService{name: "a", rec: rec, stopErr: errors.New("a failed")}))
	require.NoError(t, lm.Register(&testService{name: "b", rec: rec}, "a"))
	require.NoError(t, lm.Start(context.Background()))

	err := lm.Stop(context.Background())
	assert.EqualError(t, err, "stop failed for service a: a failed")
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, rec.list())
	assert.NoError(t, lm.Stop(context.Background()))
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Log.Output = filepath.Join(t.TempDir(), "app.log")
	cfg.Actor.WaitTimeout = 50 * time.Millisecond
	cfg.Actor.ShutdownTimeout = 5 * time.Second
	return cfg
}

func TestOptionConverters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Actor.ReapInterval = 0
	cfg.Network.Link.AliveTimeout = time.Minute
	cfg.Network.Listener.Port = 7001
	cfg.Network.Listener.MaxConnections = 4
	cfg.Network.Listener.AllowList = []string{"10.0.0.0/8"}

	ao := ActorOptions(cfg.Actor, "root")
	assert.Equal(t, "root", ao.Name)
	assert.Equal(t, 50*time.Millisecond, ao.WaitTimeout)
	assert.Equal(t, core.DefaultActorOptions().ReapInterval, ao.ReapInterval)

	lo := LinkOptions(cfg)
	assert.Equal(t, cfg.Network.Link.RetryInterval, lo.RetryInterval)
	assert.Equal(t, time.Minute, lo.AliveTimeout)
	assert.Equal(t, cfg.Delivery.MaxPacketSize, lo.MaxPacketSize)
	assert.Equal(t, cfg.Network.ReconnectInterval, lo.Handler.ReconnectInterval)

	so := SerialOptions(cfg.Network.Serial)
	assert.Equal(t, 115200, so.BaudRate)
	assert.Equal(t, 8, so.DataBits)

	lso, err := ListenerOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, 7001, lso.Port)
	assert.Equal(t, 4, lso.MaxConnections)
	require.NotNil(t, lso.AllowList)

	cfg.Network.Listener.AllowList = []string{"not an address"}
	_, err = ListenerOptions(cfg)
	assert.ErrorIs(t, err, network.ErrBadAllowEntry)
}

func TestOpenQueueWithSnapshots(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DeliveryConfig{MaxPacketSize: 1024, SnapshotDir: dir}

	q, err := OpenQueue(cfg, "peer", false, nil)
	require.NoError(t, err)
	q.Append([]byte("kept"), 3)

	restored, err := OpenQueue(cfg, "peer", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Len())

	mem, err := OpenQueue(config.DeliveryConfig{MaxPacketSize: 1024}, "peer", false, nil)
	require.NoError(t, err)
	assert.Zero(t, mem.Len())
}

type pinger struct {
	core.NopHooks
	started chan struct{}
}

func (p *pinger) OnStart(core.Context) { close(p.started) }

func TestApplicationRun(t *testing.T) {
	app, err := New(testConfig(t))
	require.NoError(t, err)
	defer app.Close()

	hooks := &pinger{started: make(chan struct{})}
	svc, err := app.Spawn("pinger", hooks)
	require.NoError(t, err)

	link, err := app.NewLink("uplink", network.NewTCPClient("127.0.0.1", 1), "", false)
	require.NoError(t, err)
	require.NotNil(t, link)
	_, err = app.NewListener("public")
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(app.Metrics(), "threader_listener_connections"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-hooks.started:
	case <-time.After(5 * time.Second):
		t.Fatal("actor service was not started")
	}
	health := app.Health(context.Background())
	assert.Equal(t, HealthHealthy, health["pinger"].State)
	assert.Equal(t, HealthHealthy, health[SystemServiceName].State)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop")
	}
	assert.True(t, svc.Actor().IsFinished())
	assert.Zero(t, app.System().Count())

	data, err := os.ReadFile(app.Config().Log.Output)
	require.NoError(t, err)
	assert.Contains(t, string(data), "application stopped")
}

func TestLoadWatchesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threader.yaml")
	logFile := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n  output: "+logFile+"\n"), 0o644))

	app, err := Load(path)
	require.NoError(t, err)
	defer app.Close()
	assert.Equal(t, path, app.ConfigFile())
	assert.Contains(t, app.Lifecycle().Services(), "config")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
