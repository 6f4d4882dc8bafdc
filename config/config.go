package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the complete llmlb configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Health    HealthConfig    `yaml:"health"`
	Queue     QueueConfig     `yaml:"queue"`
	Audit     AuditConfig     `yaml:"audit"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr renders the bind address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// DatabaseConfig holds the backing store settings. URL schemes select the
// driver: a bare path or file: URL opens sqlite; postgres:// and mysql://
// open the respective servers.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// HealthConfig holds the prober settings.
type HealthConfig struct {
	DefaultInterval  time.Duration `yaml:"default_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	SweepParallelism int           `yaml:"sweep_parallelism"`
}

// QueueConfig holds the admission queue policy.
type QueueConfig struct {
	Max     int           `yaml:"max"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig holds the audit writer settings.
type AuditConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	BufferCapacity int           `yaml:"buffer_capacity"`
	BatchInterval  time.Duration `yaml:"batch_interval"`
}

// BalancerConfig holds the load balancer mode.
type BalancerConfig struct {
	Mode string `yaml:"mode"`
}

// AuthConfig holds credentials settings for the management API.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	JWTTTL    time.Duration `yaml:"jwt_ttl"`
	RateRPS   float64       `yaml:"rate_rps"`
	RateBurst int           `yaml:"rate_burst"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig holds the OTel tracing settings.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// DefaultDatabasePath returns <home>/.llmlb/loadbalancer.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".llmlb", "loadbalancer.db")
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            32768,
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			URL:             DefaultDatabasePath(),
			MaxIdleConns:    5,
			MaxOpenConns:    25,
			ConnMaxLifetime: time.Hour,
		},
		Health: HealthConfig{
			DefaultInterval:  30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			HistoryRetention: 7 * 24 * time.Hour,
			SweepParallelism: 8,
		},
		Queue: QueueConfig{
			Max:     100,
			Timeout: 60 * time.Second,
		},
		Audit: AuditConfig{
			FlushInterval:  30 * time.Second,
			BufferCapacity: 10000,
			BatchInterval:  300 * time.Second,
		},
		Balancer: BalancerConfig{
			Mode: "auto",
		},
		Auth: AuthConfig{
			JWTTTL:    24 * time.Hour,
			RateRPS:   20,
			RateBurst: 40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "llmlb",
		},
	}
}
