package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, and validates a configuration file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: check the path or run with --config", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)

	// Relative paths resolve against the config file, not the process cwd.
	configDir := filepath.Dir(absPath)
	cfg.Store.Path = resolvePath(configDir, cfg.Store.Path)
	cfg.Palette.Path = resolvePath(configDir, cfg.Palette.Path)
	cfg.Palette.Environments = resolvePath(configDir, cfg.Palette.Environments)
	cfg.Worker.ScratchDir = resolvePath(configDir, cfg.Worker.ScratchDir)
	for name, backend := range cfg.Blobs.Backends {
		backend.Dir = resolvePath(configDir, backend.Dir)
		cfg.Blobs.Backends[name] = backend
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} references with environment values. Unset
// variables become empty strings, same as shell default expansion.
func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.Palette.Path == "" {
		cfg.Palette.Path = def.Palette.Path
	}
	if len(cfg.Blobs.Backends) == 0 {
		cfg.Blobs.Backends = def.Blobs.Backends
	}
	if cfg.Dispatch.MaxRetries <= 0 {
		cfg.Dispatch.MaxRetries = def.Dispatch.MaxRetries
	}
	if cfg.Dispatch.ClaimTimeout <= 0 {
		cfg.Dispatch.ClaimTimeout = def.Dispatch.ClaimTimeout
	}
	if cfg.Dispatch.ReapInterval <= 0 {
		cfg.Dispatch.ReapInterval = def.Dispatch.ReapInterval
	}
	if cfg.Worker.ScratchDir == "" {
		cfg.Worker.ScratchDir = def.Worker.ScratchDir
	}
	if cfg.Worker.LogsBackend == "" {
		cfg.Worker.LogsBackend = def.Worker.LogsBackend
	}
	if cfg.Worker.JobTimeout <= 0 {
		cfg.Worker.JobTimeout = def.Worker.JobTimeout
	}
}

func validate(cfg *Config) error {
	switch cfg.Service.LogLevel {
	case "debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("service.log_level %q is not one of debug, info, warn, error", cfg.Service.LogLevel)
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if cfg.Palette.Path == "" {
		return fmt.Errorf("palette.path is required")
	}

	for name, backend := range cfg.Blobs.Backends {
		switch backend.Kind {
		case "sqlite":
		case "dir":
			if backend.Dir == "" {
				return fmt.Errorf("blobs.backends.%s: dir is required for kind dir", name)
			}
		default:
			return fmt.Errorf("blobs.backends.%s: unknown kind %q (want sqlite or dir)", name, backend.Kind)
		}
	}
	if _, ok := cfg.Blobs.Backends[cfg.Worker.LogsBackend]; !ok {
		return fmt.Errorf("worker.logs_backend %q is not a configured blob backend", cfg.Worker.LogsBackend)
	}

	if cfg.Worker.JobTimeout.Std() < time.Second {
		return fmt.Errorf("worker.job_timeout %v is below one second", cfg.Worker.JobTimeout.Std())
	}
	if cfg.Dispatch.ClaimTimeout.Std() < cfg.Worker.JobTimeout.Std() {
		return fmt.Errorf("dispatch.claim_timeout %v must cover worker.job_timeout %v, or every long job gets requeued mid-run",
			cfg.Dispatch.ClaimTimeout.Std(), cfg.Worker.JobTimeout.Std())
	}
	return nil
}
