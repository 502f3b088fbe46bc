package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoader(env map[string]string) *Loader {
	l := NewLoader().SetSearchPaths(nil)
	l.getenv = func(key string) string { return env[key] }
	return l
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.True(t, c.IsDevelopment())
	assert.True(t, c.IsDebugEnabled())
	assert.Equal(t, "1.0.0", c.SemVer().String())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   error
	}{
		{"empty name", func(c *Config) { c.App.Name = "" }, ErrInvalidAppName},
		{"bad version", func(c *Config) { c.App.Version = "one" }, ErrInvalidVersion},
		{"bad environment", func(c *Config) { c.App.Environment = "moon" }, ErrInvalidEnvironment},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, ErrInvalidLogLevel},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLogFormat},
		{"zero wait", func(c *Config) { c.Actor.WaitTimeout = 0 }, ErrInvalidInterval},
		{"zero retry", func(c *Config) { c.Network.Link.RetryInterval = 0 }, ErrInvalidInterval},
		{"bad read chunk", func(c *Config) { c.Network.ReadChunk = 0 }, ErrInvalidReadChunk},
		{"bad tcp port", func(c *Config) { c.Network.TCP.Port = 70000 }, ErrInvalidPort},
		{"bad listener port", func(c *Config) { c.Network.Listener.Port = -1 }, ErrInvalidPort},
		{"negative max connections", func(c *Config) { c.Network.Listener.MaxConnections = -1 }, ErrInvalidMaxConnections},
		{"bad packet size", func(c *Config) { c.Delivery.MaxPacketSize = 0 }, ErrInvalidPacketSize},
		{"bad monitor port", func(c *Config) { c.Monitor.Enabled, c.Monitor.Port = true, 0 }, ErrInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			assert.ErrorIs(t, c.Validate(), tt.want)
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := DefaultConfig()
	c.Network.Listener.AllowList = []string{"10.0.0.0/8"}
	d := c.Clone()
	d.Network.Listener.AllowList[0] = "!10.0.0.1"
	d.App.Name = "other"
	assert.Equal(t, "10.0.0.0/8", c.Network.Listener.AllowList[0])
	assert.Equal(t, "threader", c.App.Name)
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "threader.yaml", `
app:
  name: gateway
  version: "2.1.0"
  environment: production
log:
  level: debug
  format: json
network:
  reconnect_interval: 3s
  tcp:
    host: example.org
    port: 7000
  listener:
    port: 7001
    allow_list: ["10.0.0.0/8", "!10.0.0.5"]
  link:
    alive_timeout: 1m
delivery:
  snapshot_dir: /var/lib/threader
`)
	c, err := testLoader(nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gateway", c.App.Name)
	assert.True(t, c.IsProduction())
	assert.Equal(t, LogLevelDebug, c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 3*time.Second, c.Network.ReconnectInterval)
	assert.Equal(t, "example.org", c.Network.TCP.Host)
	assert.Equal(t, 7000, c.Network.TCP.Port)
	assert.Equal(t, []string{"10.0.0.0/8", "!10.0.0.5"}, c.Network.Listener.AllowList)
	assert.Equal(t, time.Minute, c.Network.Link.AliveTimeout)
	assert.Equal(t, "/var/lib/threader", c.Delivery.SnapshotDir)

	// untouched keys keep their defaults
	d := DefaultConfig()
	assert.Equal(t, d.Network.Link.RetryInterval, c.Network.Link.RetryInterval)
	assert.Equal(t, d.Network.Listener.ReopenInterval, c.Network.Listener.ReopenInterval)
	assert.Equal(t, d.Delivery.MaxPacketSize, c.Delivery.MaxPacketSize)
	assert.Equal(t, d.Network.Serial, c.Network.Serial)
}

func TestLoadJSON(t *testing.T) {
	c, err := testLoader(nil).LoadFromReader(strings.NewReader(`{
		"app": {"name": "json-app", "version": "0.3.0", "environment": "testing"},
		"delivery": {"max_packet_size": 4096}
	}`), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "json-app", c.App.Name)
	assert.Equal(t, EnvTesting, c.App.Environment)
	assert.Equal(t, 4096, c.Delivery.MaxPacketSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := testLoader(nil).LoadFromReader(strings.NewReader("app:\n  nmae: typo\n"), FormatYAML)
	assert.ErrorIs(t, err, ErrConfigParseError)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := testLoader(nil).Load("threader.toml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := testLoader(nil).Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEnvironmentOverrides(t *testing.T) {
	c, err := testLoader(map[string]string{
		"THREADER_APP_NAME":                    "from-env",
		"THREADER_LOG_LEVEL":                   "WARN",
		"THREADER_NETWORK_TCP_PORT":            "6000",
		"THREADER_NETWORK_RECONNECT_INTERVAL":  "750ms",
		"THREADER_NETWORK_LISTENER_ALLOW_LIST": "10.0.0.0/8,!10.0.0.1",
		"THREADER_MONITOR_ENABLED":             "true",
	}).Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", c.App.Name)
	assert.Equal(t, LogLevelWarn, c.Log.Level)
	assert.Equal(t, 6000, c.Network.TCP.Port)
	assert.Equal(t, 750*time.Millisecond, c.Network.ReconnectInterval)
	assert.Equal(t, []string{"10.0.0.0/8", "!10.0.0.1"}, c.Network.Listener.AllowList)
	assert.True(t, c.Monitor.Enabled)
}

func TestEnvironmentOverrideErrors(t *testing.T) {
	_, err := testLoader(map[string]string{"THREADER_NETWORK_TCP_PORT": "many"}).Load("")
	assert.ErrorIs(t, err, ErrEnvironmentVarError)

	_, err = testLoader(map[string]string{"THREADER_NETWORK_TCP_PORT": "70000"}).Load("")
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestAutoLoad(t *testing.T) {
	dir := t.TempDir()
	l := testLoader(nil).SetSearchPaths([]string{filepath.Join(dir, "missing"), dir})

	c, file, err := l.AutoLoad()
	require.NoError(t, err)
	assert.Empty(t, file)
	assert.Equal(t, "threader", c.App.Name)

	path := writeFile(t, dir, "config.yml", "app:\n  name: found\n")
	c, file, err = l.AutoLoad()
	require.NoError(t, err)
	assert.Equal(t, path, file)
	assert.Equal(t, "found", c.App.Name)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "threader.yaml", "app:\n  name: before\n")

	w, err := NewWatcher(path, testLoader(nil), nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	assert.Equal(t, "before", w.Config().App.Name)

	changes := make(chan string, 4)
	w.OnChange(func(_, newConfig *Config) { changes <- newConfig.App.Name })
	w.OnChange(func(_, _ *Config) { panic("ignored") })

	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, dir, "threader.yaml", "app:\n  name: after\n")
	select {
	case name := <-changes:
		assert.Equal(t, "after", name)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
	assert.Equal(t, "after", w.Config().App.Name)

	// an invalid file keeps the last good configuration
	writeFile(t, dir, "threader.yaml", "app:\n  name: \"\"\n")
	require.Error(t, w.Reload())
	assert.Equal(t, "after", w.Config().App.Name)
}
