package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML scalars like "30s"
// or "5m". Bare integers are taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete cmdrelay configuration, shared by the server and
// worker processes.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Store    StoreConfig    `yaml:"store"`
	API      APIConfig      `yaml:"api,omitempty"`
	Palette  PaletteConfig  `yaml:"palette"`
	Blobs    BlobsConfig    `yaml:"blobs"`
	Dispatch DispatchConfig `yaml:"dispatch,omitempty"`
	Worker   WorkerConfig   `yaml:"worker,omitempty"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StoreConfig locates the SQLite database holding job records, queues, and
// the SQLite blob backend.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`

	// APIKey, when set, requires Authorization: Bearer <key> on every
	// endpoint except /healthz.
	APIKey string `yaml:"api_key,omitempty"`
}

// PaletteConfig locates the command palette and its optional companions.
type PaletteConfig struct {
	Path string `yaml:"path"`

	// Environments is an optional allow-list file for {env:NAME} references.
	Environments string `yaml:"environments,omitempty"`

	// VerifyLock requires a matching .lock digest at startup. With it on, an
	// edited palette refuses to load until relocked.
	VerifyLock bool `yaml:"verify_lock,omitempty"`
}

// BlobBackendConf defines one named blob backend.
type BlobBackendConf struct {
	// Kind is "sqlite" (shared database) or "dir" (filesystem directory).
	Kind string `yaml:"kind"`

	// Dir is required for the dir kind.
	Dir string `yaml:"dir,omitempty"`
}

// BlobsConfig defines the named blob backends file handles may reference.
type BlobsConfig struct {
	Backends map[string]BlobBackendConf `yaml:"backends"`
}

// DispatchConfig tunes the dispatcher loops.
type DispatchConfig struct {
	MaxRetries   int      `yaml:"max_retries,omitempty"`
	ClaimTimeout Duration `yaml:"claim_timeout,omitempty"`
	ReapInterval Duration `yaml:"reap_interval,omitempty"`
}

// WorkerConfig tunes the worker process.
type WorkerConfig struct {
	Name        string   `yaml:"name,omitempty"`
	ScratchDir  string   `yaml:"scratch_dir"`
	LogsBackend string   `yaml:"logs_backend,omitempty"`
	JobTimeout  Duration `yaml:"job_timeout,omitempty"`
}

// Defaults returns a Config with workable development defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "cmdrelay",
			LogLevel: "info",
		},
		Store: StoreConfig{
			Path: "./data/cmdrelay.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Palette: PaletteConfig{
			Path: "./palette.yaml",
		},
		Blobs: BlobsConfig{
			Backends: map[string]BlobBackendConf{
				"default": {Kind: "sqlite"},
			},
		},
		Dispatch: DispatchConfig{
			MaxRetries:   3,
			ClaimTimeout: Duration(15 * time.Minute),
			ReapInterval: Duration(15 * time.Second),
		},
		Worker: WorkerConfig{
			ScratchDir:  "./data/scratch",
			LogsBackend: "default",
			JobTimeout:  Duration(10 * time.Minute),
		},
	}
}
