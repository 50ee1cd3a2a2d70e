package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/forwarder/xid"
)

// StoreType selects the local engine backend
type StoreType string

const (
	StorePebble StoreType = "pebble"
	StoreMemory StoreType = "memory"
)

// SinkType selects a mirror sink implementation
type SinkType string

const (
	SinkKafka SinkType = "kafka"
	SinkNATS  SinkType = "nats"
)

// ListenerConfiguration controls the shared gRPC + HTTP listener
type ListenerConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// PeerConfiguration is one remote broker this node dials
type PeerConfiguration struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
}

// ForwarderConfiguration controls batching, recovery and reconnects
type ForwarderConfiguration struct {
	CommitCount           int `toml:"commit_count"`       // Messages per global transaction
	CommitIntervalMS      int `toml:"commit_interval_ms"` // Idle batch rollover period
	RecoverPageSize       int `toml:"recover_page_size"`
	ReconnectBackoffMS    int `toml:"reconnect_backoff_ms"`
	ReconnectBackoffMaxMS int `toml:"reconnect_backoff_max_ms"`
	MaxInflight           int `toml:"max_inflight"` // Unresolved messages per outbound connection
}

// EngineConfiguration controls the local broker engine
type EngineConfiguration struct {
	Store                  StoreType `toml:"store"`
	Destinations           []string  `toml:"destinations"` // Glob patterns, empty accepts all
	MaxDestinationMessages int64     `toml:"max_destination_messages"`
	MatchCacheSize         int       `toml:"match_cache_size"`
}

// GRPCClientConfiguration controls gRPC client behavior
type GRPCClientConfiguration struct {
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"`
	CompressionLevel        int `toml:"compression_level"` // 0 disables, 1-4 zstd speed to best
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP admin API
type AdminConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// SinkConfiguration mirrors committed destination messages to an external system
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         SinkType `toml:"type"`
	Brokers      []string `toml:"brokers"`  // kafka
	NatsURL      string   `toml:"nats_url"` // nats
	TopicPrefix  string   `toml:"topic_prefix"`
	Destinations []string `toml:"destinations"` // Glob filter, empty mirrors everything
	BatchSize    int      `toml:"batch_size"`
}

// Configuration is the main configuration structure
type Configuration struct {
	UID     string `toml:"uid"`
	Name    string `toml:"name"`
	DataDir string `toml:"data_dir"`

	Listener   ListenerConfiguration   `toml:"listener"`
	Peers      []PeerConfiguration     `toml:"peers"`
	Forwarder  ForwarderConfiguration  `toml:"forwarder"`
	Engine     EngineConfiguration     `toml:"engine"`
	GRPCClient GRPCClientConfiguration `toml:"grpc_client"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
}

var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	UIDFlag        = flag.String("uid", "", "Broker UID (overrides config, empty=auto)")
	PortFlag       = flag.Int("port", 0, "Listener port (overrides config)")
)

var Config = Default()

// Default returns a configuration with every default filled in
func Default() *Configuration {
	return &Configuration{
		UID:     "", // Auto-generate
		DataDir: "./forwarder-data",

		Listener: ListenerConfiguration{
			BindAddress: "0.0.0.0",
			Port:        4711,
		},

		Forwarder: ForwarderConfiguration{
			CommitCount:           100,
			CommitIntervalMS:      250,
			RecoverPageSize:       64,
			ReconnectBackoffMS:    1000,
			ReconnectBackoffMaxMS: 30000,
			MaxInflight:           1024,
		},

		Engine: EngineConfiguration{
			Store:          StorePebble,
			MatchCacheSize: 4096,
		},

		GRPCClient: GRPCClientConfiguration{
			KeepaliveTimeSeconds:    10,
			KeepaliveTimeoutSeconds: 3,
			CompressionLevel:        1,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{Enabled: true},
		Admin:      AdminConfiguration{Enabled: true},
	}
}

func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *UIDFlag != "" {
		Config.UID = *UIDFlag
	}
	if *PortFlag != 0 {
		Config.Listener.Port = *PortFlag
	}

	if Config.UID == "" {
		uid, err := generateUID()
		if err != nil {
			return fmt.Errorf("failed to generate uid: %w", err)
		}
		Config.UID = uid
		log.Info().Str("uid", Config.UID).Msg("Auto-generated broker UID")
	}
	if Config.Name == "" {
		Config.Name = Config.UID
	}

	if Config.Engine.Store == StorePebble {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return nil
}

// generateUID derives a stable UID from the machine id: the first 16 hex digits
// of its app-specific hash.
func generateUID() (string, error) {
	id, err := machineid.ProtectedID("forwarder")
	if err != nil {
		return "", err
	}
	if len(id) > xid.MaxUIDLen {
		id = id[:xid.MaxUIDLen]
	}
	return id, nil
}

func Validate() error {
	if err := xid.ValidateUID(Config.UID); err != nil {
		return fmt.Errorf("invalid uid: %w", err)
	}

	if Config.Listener.Port < 1 || Config.Listener.Port > 65535 {
		return fmt.Errorf("invalid listener port: %d", Config.Listener.Port)
	}

	seen := make(map[string]bool, len(Config.Peers))
	for _, p := range Config.Peers {
		if p.Address == "" {
			return fmt.Errorf("peer %q has no address", p.Name)
		}
		if seen[p.Address] {
			return fmt.Errorf("duplicate peer address: %s", p.Address)
		}
		seen[p.Address] = true
	}

	f := Config.Forwarder
	if f.CommitCount < 1 {
		return fmt.Errorf("forwarder commit count must be >= 1")
	}
	if f.CommitIntervalMS < 1 {
		return fmt.Errorf("forwarder commit interval must be >= 1ms")
	}
	if f.RecoverPageSize < 1 {
		return fmt.Errorf("forwarder recover page size must be >= 1")
	}
	if f.ReconnectBackoffMS < 1 || f.ReconnectBackoffMaxMS < f.ReconnectBackoffMS {
		return fmt.Errorf("invalid reconnect backoff: %dms..%dms", f.ReconnectBackoffMS, f.ReconnectBackoffMaxMS)
	}
	if f.MaxInflight < 1 {
		return fmt.Errorf("forwarder max inflight must be >= 1")
	}

	switch Config.Engine.Store {
	case StorePebble, StoreMemory:
	default:
		return fmt.Errorf("invalid engine store: %s", Config.Engine.Store)
	}
	if Config.Engine.MaxDestinationMessages < 0 {
		return fmt.Errorf("max destination messages must be >= 0")
	}

	if Config.GRPCClient.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("gRPC keepalive time must be >= 1 second")
	}
	if Config.GRPCClient.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("gRPC keepalive timeout must be >= 1 second")
	}
	if Config.GRPCClient.CompressionLevel < 0 || Config.GRPCClient.CompressionLevel > 4 {
		return fmt.Errorf("gRPC compression level must be 0-4")
	}

	switch strings.ToLower(Config.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	names := make(map[string]bool, len(Config.Sinks))
	for _, s := range Config.Sinks {
		if s.Name == "" || names[s.Name] {
			return fmt.Errorf("sink name %q must be unique and non-empty", s.Name)
		}
		names[s.Name] = true
		switch s.Type {
		case SinkKafka:
			if len(s.Brokers) == 0 {
				return fmt.Errorf("kafka sink %q needs brokers", s.Name)
			}
		case SinkNATS:
			if s.NatsURL == "" {
				return fmt.Errorf("nats sink %q needs nats_url", s.Name)
			}
		default:
			return fmt.Errorf("sink %q has unknown type %q", s.Name, s.Type)
		}
	}
	return nil
}
