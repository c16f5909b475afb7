// Package config loads the optional YAML configuration file that tunes
// worker pool size, the inline-dispatch threshold, default exclusions, and
// the ambient observability stack. It never carries secrets: passwords are
// supplied at the call site, from a password file or an interactive prompt.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables a vault session can load from disk.
// Every field has a sensible zero value so an absent config file is
// equivalent to all defaults.
type Config struct {
	// Workers is the worker pool size. 0 means workerpool.DefaultWorkers.
	Workers int `yaml:"workers"`

	// SmallFileThreshold overrides workerpool.SmallFileThreshold in bytes.
	// 0 means use the package default.
	SmallFileThreshold int64 `yaml:"small_file_threshold"`

	// Exclude is the default list of substring exclusion patterns applied
	// during local enumeration, before any patterns supplied on the CLI.
	Exclude []string `yaml:"exclude"`

	// MetricsAddr is a listen address for the optional /metrics, /health,
	// /ready, /live HTTP surface. The coldvault CLI does not read this
	// field: it serves that surface only when --metrics-addr is given.
	MetricsAddr string `yaml:"metrics_addr"`

	// Tracing selects the OpenTelemetry exporter: "none", "stdout",
	// "otlp", or "jaeger".
	Tracing string `yaml:"tracing"`

	// TracingEndpoint is the exporter-specific collector endpoint, used
	// by the "otlp" and "jaeger" exporters.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// AuditSink selects where audit events are written: "stdout",
	// "file", or "http".
	AuditSink string `yaml:"audit_sink"`

	// AuditSinkTarget is the file path or URL the chosen sink writes to.
	AuditSinkTarget string `yaml:"audit_sink_target"`

	// LogLevel is a logrus level name: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	// DisableHardwareAES is parsed from the file but read by no code path:
	// the AES implementation in use is always the one crypto/aes selects,
	// and selfcheck takes its own --disable-hardware-aes flag.
	DisableHardwareAES bool `yaml:"disable_hardware_aes"`
}

// Default returns a Config populated with the module's built-in defaults.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Tracing:   "none",
		AuditSink: "stdout",
	}
}

// Load reads and parses a YAML config file at path. A missing file is not
// an error — Load returns Default() unchanged — since the config file is
// always optional.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
