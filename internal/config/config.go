// Package config provides configuration types, defaults, and persistence
// for the dispatch engine.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration options for dispatch.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	// Path is the database file. The parent directory is created on first
	// open.
	Path string `mapstructure:"path"`
}

// LogConfig controls the structured debug log.
type LogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// EngineConfig tunes the command processor.
type EngineConfig struct {
	// QueueCapacity is the command queue buffer size.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// DedupTTL is the duplicate-command rejection window.
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// NotifyConfig selects the notification transport.
type NotifyConfig struct {
	// Transport is "log" or "nats".
	Transport string `mapstructure:"transport"`
	// NATSURL is the broker address for the nats transport.
	NATSURL string `mapstructure:"nats_url"`
	// DrainInterval is how often the retry queue is scanned.
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// RecoveryConfig tunes stuck-workflow detection.
type RecoveryConfig struct {
	// StuckThreshold flags requests idle this long. Zero keeps the
	// compiled-in per-workflow thresholds.
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp". Default: "file".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultDataDir returns ~/.dispatch, or "." when the home directory is
// unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".dispatch")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "dispatch.yaml")
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	dataDir := DefaultDataDir()
	return Config{
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "dispatch.db"),
		},
		Log: LogConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "dispatch.log"),
		},
		Engine: EngineConfig{
			QueueCapacity: 1000,
			DedupTTL:      5 * time.Second,
		},
		Notify: NotifyConfig{
			Transport:     "log",
			NATSURL:       "nats://127.0.0.1:4222",
			DrainInterval: 15 * time.Second,
		},
		Recovery: RecoveryConfig{},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     filepath.Join(dataDir, "traces", "traces.jsonl"),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// ApplyDefaults registers the defaults on a viper instance so partial
// config files inherit the rest.
func ApplyDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("log.enabled", d.Log.Enabled)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("engine.queue_capacity", d.Engine.QueueCapacity)
	v.SetDefault("engine.dedup_ttl", d.Engine.DedupTTL)
	v.SetDefault("notify.transport", d.Notify.Transport)
	v.SetDefault("notify.nats_url", d.Notify.NATSURL)
	v.SetDefault("notify.drain_interval", d.Notify.DrainInterval)
	v.SetDefault("recovery.stuck_threshold", d.Recovery.StuckThreshold)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
}

// Load reads the config file at path (or the default location when empty)
// over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	ApplyDefaults(v)
	if path == "" {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
			return Config{}, err
		}
		// Missing file is fine; defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
