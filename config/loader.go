package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader builds a Config from defaults, an optional YAML file, and LLMLB_*
// environment variables.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the default LLMLB env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "LLMLB"}
}

// WithConfigPath sets an explicit YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix (tests).
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration. A missing config file is an error only
// when a path was set explicitly.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv applies the recognized LLMLB_* variables on top of cfg.
func (l *Loader) applyEnv(cfg *Config) error {
	var err error

	l.str("HOST", &cfg.Server.Host)
	l.intVal("PORT", &cfg.Server.Port, &err)
	l.str("DATABASE_URL", &cfg.Database.URL)
	l.secs("HEALTH_CHECK_INTERVAL", &cfg.Health.DefaultInterval, &err)
	l.intVal("QUEUE_MAX", &cfg.Queue.Max, &err)
	l.secs("QUEUE_TIMEOUT_SECS", &cfg.Queue.Timeout, &err)
	l.secs("AUDIT_FLUSH_INTERVAL_SECS", &cfg.Audit.FlushInterval, &err)
	l.intVal("AUDIT_BUFFER_CAPACITY", &cfg.Audit.BufferCapacity, &err)
	l.secs("AUDIT_BATCH_INTERVAL_SECS", &cfg.Audit.BatchInterval, &err)
	l.str("LOAD_BALANCER_MODE", &cfg.Balancer.Mode)
	l.str("JWT_SECRET", &cfg.Auth.JWTSecret)
	l.str("LOG_LEVEL", &cfg.Log.Level)
	l.str("LOG_FORMAT", &cfg.Log.Format)
	l.boolVal("OTEL_ENABLED", &cfg.Telemetry.Enabled, &err)
	l.str("OTEL_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	return err
}

func (l *Loader) lookup(key string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + key)
}

func (l *Loader) str(key string, dst *string) {
	if v, ok := l.lookup(key); ok {
		*dst = v
	}
}

func (l *Loader) intVal(key string, dst *int, errOut *error) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errOut = fmt.Errorf("%s_%s: %w", l.envPrefix, key, err)
		return
	}
	*dst = n
}

func (l *Loader) boolVal(key string, dst *bool, errOut *error) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errOut = fmt.Errorf("%s_%s: %w", l.envPrefix, key, err)
		return
	}
	*dst = b
}

// secs parses an integer number of seconds into a duration.
func (l *Loader) secs(key string, dst *time.Duration, errOut *error) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errOut = fmt.Errorf("%s_%s: %w", l.envPrefix, key, err)
		return
	}
	*dst = time.Duration(n) * time.Second
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Server.Port)
	}
	if cfg.Queue.Max < 0 {
		return fmt.Errorf("queue max must be >= 0, got %d", cfg.Queue.Max)
	}
	if cfg.Queue.Timeout < 0 {
		return fmt.Errorf("queue timeout must be >= 0")
	}
	if cfg.Audit.BufferCapacity <= 0 {
		return fmt.Errorf("audit buffer capacity must be > 0, got %d", cfg.Audit.BufferCapacity)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	return nil
}
