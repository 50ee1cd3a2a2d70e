package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfig(t *testing.T, c *Configuration) {
	t.Helper()
	original := Config
	Config = c
	t.Cleanup(func() { Config = original })
}

func validConfig() *Configuration {
	c := Default()
	c.UID = "brokerA"
	return c
}

func TestValidate_ValidConfig(t *testing.T) {
	withConfig(t, validConfig())
	assert.NoError(t, Validate())
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"uid with underscore", func(c *Configuration) { c.UID = "broker_a" }},
		{"uid too long", func(c *Configuration) { c.UID = "abcdefghijklmnopq" }},
		{"port", func(c *Configuration) { c.Listener.Port = 70000 }},
		{"commit count", func(c *Configuration) { c.Forwarder.CommitCount = 0 }},
		{"page size", func(c *Configuration) { c.Forwarder.RecoverPageSize = 0 }},
		{"backoff", func(c *Configuration) { c.Forwarder.ReconnectBackoffMaxMS = 1 }},
		{"inflight", func(c *Configuration) { c.Forwarder.MaxInflight = 0 }},
		{"store", func(c *Configuration) { c.Engine.Store = "badger" }},
		{"compression", func(c *Configuration) { c.GRPCClient.CompressionLevel = 9 }},
		{"log format", func(c *Configuration) { c.Logging.Format = "xml" }},
		{"peer address", func(c *Configuration) { c.Peers = []PeerConfiguration{{Name: "b"}} }},
		{"duplicate peer", func(c *Configuration) {
			c.Peers = []PeerConfiguration{{Address: "h:1"}, {Address: "h:1"}}
		}},
		{"sink type", func(c *Configuration) { c.Sinks = []SinkConfiguration{{Name: "s", Type: "http"}} }},
		{"kafka brokers", func(c *Configuration) { c.Sinks = []SinkConfiguration{{Name: "s", Type: SinkKafka}} }},
		{"nats url", func(c *Configuration) { c.Sinks = []SinkConfiguration{{Name: "s", Type: SinkNATS}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			withConfig(t, c)
			assert.Error(t, Validate())
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
uid = "east1"
name = "east"
data_dir = "` + filepath.Join(dir, "data") + `"

[listener]
port = 5000

[[peers]]
name = "west"
address = "west:5000"

[forwarder]
commit_count = 10

[engine]
store = "pebble"
destinations = ["orders/*"]

[[sinks]]
name = "audit"
type = "kafka"
brokers = ["localhost:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	withConfig(t, Default())
	require.NoError(t, Load(path))

	assert.Equal(t, "east1", Config.UID)
	assert.Equal(t, "east", Config.Name)
	assert.Equal(t, 5000, Config.Listener.Port)
	require.Len(t, Config.Peers, 1)
	assert.Equal(t, "west:5000", Config.Peers[0].Address)
	assert.Equal(t, 10, Config.Forwarder.CommitCount)
	assert.Equal(t, 250, Config.Forwarder.CommitIntervalMS, "defaults survive partial sections")
	assert.Equal(t, []string{"orders/*"}, Config.Engine.Destinations)
	require.Len(t, Config.Sinks, 1)
	assert.Equal(t, SinkKafka, Config.Sinks[0].Type)
	assert.NoError(t, Validate())

	_, err := os.Stat(Config.DataDir)
	assert.NoError(t, err)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c := Default()
	c.UID = "node1"
	c.Engine.Store = StoreMemory
	withConfig(t, c)

	require.NoError(t, Load(filepath.Join(t.TempDir(), "missing.toml")))
	assert.Equal(t, "node1", Config.UID)
	assert.Equal(t, "node1", Config.Name)
	assert.Equal(t, 100, Config.Forwarder.CommitCount)
}
