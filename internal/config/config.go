package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
//
// A config file is optional: Default() is a complete, runnable configuration
// and Load applies the file on top of it, so partial files are fine.
type Config struct {
	Watch  WatchConfig  `yaml:"watch"`
	Queue  QueueConfig  `yaml:"queue"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
	Stats  StatsConfig  `yaml:"stats"`
}

// WatchConfig controls the directory watch and debounce stage.
type WatchConfig struct {
	// Dir is the watched drop directory. Created at startup if missing.
	Dir string `yaml:"dir"`

	// Extension filters raw filesystem events. Only files with this
	// extension reach the debouncer.
	Extension string `yaml:"extension"`

	// Debounce is the quiet period after the last change event before a
	// file is considered stable and submitted for processing.
	Debounce Duration `yaml:"debounce"`
}

// QueueConfig controls the submission queue and worker pool.
type QueueConfig struct {
	// Capacity bounds the submission queue. Submissions beyond capacity
	// are dropped and logged, never blocked on.
	Capacity int `yaml:"capacity"`

	// Workers is the fixed worker pool size. The merge algorithm assumes
	// a single writer per load index in practice; raising this accepts
	// the documented lost-update race.
	Workers int `yaml:"workers"`

	// ShutdownTimeout bounds queue drain on shutdown. Queued items not
	// started within the timeout are abandoned.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StoreConfig controls the SQLite batch record store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// CacheTTL is the lifetime of cached machine/sampling lookups.
	CacheTTL Duration `yaml:"cache_ttl"`
}

// ServerConfig controls the client fan-out server.
type ServerConfig struct {
	// Listen is the TCP listen address for operator terminals.
	Listen string `yaml:"listen"`

	// MailboxCapacity bounds each client's outbound message queue.
	MailboxCapacity int `yaml:"mailbox_capacity"`

	// WriteTimeout bounds a single framed write to a client.
	WriteTimeout Duration `yaml:"write_timeout"`

	// ReadTimeout bounds the liveness read. It should be long relative to
	// expected idle periods; expiry is not an error, just a re-check.
	ReadTimeout Duration `yaml:"read_timeout"`

	// IdentityLimit caps the handshake identity line length in bytes.
	IdentityLimit int `yaml:"identity_limit"`
}

// StatsConfig controls the operational stats surface.
type StatsConfig struct {
	// Interval between periodic stats log lines.
	Interval Duration `yaml:"interval"`

	// MetricsAddr, when set, serves Prometheus metrics over HTTP.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the baseline configuration. Values mirror the shop-floor
// deployment defaults: half-second debounce, queue of 1000, single worker.
func Default() Config {
	return Config{
		Watch: WatchConfig{
			Dir:       "export",
			Extension: ".json",
			Debounce:  Duration(500 * time.Millisecond),
		},
		Queue: QueueConfig{
			Capacity:        1000,
			Workers:         1,
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Path:     "inspectd.db",
			CacheTTL: Duration(5 * time.Minute),
		},
		Server: ServerConfig{
			Listen:          ":6789",
			MailboxCapacity: 100,
			WriteTimeout:    Duration(5 * time.Second),
			ReadTimeout:     Duration(10 * time.Second),
			IdentityLimit:   256,
		},
		Stats: StatsConfig{
			Interval: Duration(60 * time.Second),
		},
	}
}

// Load reads a YAML config file and applies it over Default().
// A missing path argument ("" only; a named file must exist) returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Watch.Dir == "" {
		return fmt.Errorf("watch.dir must not be empty")
	}
	if c.Watch.Debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Server.MailboxCapacity <= 0 {
		return fmt.Errorf("server.mailbox_capacity must be positive")
	}
	return nil
}

// Duration is a time.Duration that unmarshals from YAML strings like "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
