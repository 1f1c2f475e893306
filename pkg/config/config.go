// Package config loads the global process configuration surface (spec
// §6.4): default transport, default logger sink/level, default
// serializer, DDQ defaults, per-circuit breaker overrides, and the DLQ
// file path. Grounded on pkg/config/loader.go's deterministic layering
// (base -> env -> overrides, later wins) but replaces its "JSON-as-YAML"
// restriction with real gopkg.in/yaml.v3 parsing, the way
// services/crypto-stream/main.go parses its watchlist profile YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nova-labs/smartmessage/pkg/breaker"
)

// DDQDefaults mirrors the declarative DDQConfig every message class can
// override (spec §3.3, §4.4).
type DDQDefaults struct {
	Enabled  bool   `yaml:"enabled"`
	Capacity int    `yaml:"capacity"`
	Storage  string `yaml:"storage"` // "memory" | "redis"
}

// Config is the process-wide configuration surface.
type Config struct {
	DefaultTransport []string                  `yaml:"default_transport"`
	LoggerSink       string                     `yaml:"logger_sink"` // "stdout" | "nop"
	LoggerLevel      string                     `yaml:"logger_level"`
	DefaultSerializer string                    `yaml:"default_serializer"`
	DDQ              DDQDefaults                `yaml:"ddq"`
	Breakers         map[string]breaker.Settings `yaml:"breakers"`
	DLQPath          string                     `yaml:"dlq_path"`
}

// Default returns the zero-configuration baseline: memory transport,
// stdout logger at info level, json serializer, DDQ disabled, no breaker
// overrides, and a local smartmessage.dlq file.
func Default() Config {
	return Config{
		DefaultTransport:  []string{"memory"},
		LoggerSink:        "stdout",
		LoggerLevel:       "info",
		DefaultSerializer: "json",
		DDQ:               DDQDefaults{Enabled: false, Capacity: 100, Storage: "memory"},
		DLQPath:           "smartmessage.dlq",
	}
}

// Load reads <root>/smartmessage.yaml, then layers
// <root>/smartmessage.<env>.yaml on top if present (later wins,
// key-by-key), then applies SMARTMESSAGE_-prefixed environment variable
// overrides to scalar fields. A missing base file is not an error: the
// zero-configuration Default() is the floor every layer merges onto.
func Load(root, env string) (Config, error) {
	cfg := Default()

	basePath := filepath.Join(root, "smartmessage.yaml")
	if err := mergeFile(&cfg, basePath); err != nil {
		return Config{}, err
	}

	if env != "" {
		envPath := filepath.Join(root, fmt.Sprintf("smartmessage.%s.yaml", env))
		if err := mergeFile(&cfg, envPath); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	var layer Config
	if err := yaml.Unmarshal(raw, &layer); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	mergeInto(cfg, layer)
	return nil
}

// mergeInto overlays non-zero fields of layer onto cfg, matching the
// teacher loader's "later layer wins, key-by-key" philosophy without its
// generic map-merge machinery (this config has a fixed, typed shape).
func mergeInto(cfg *Config, layer Config) {
	if len(layer.DefaultTransport) > 0 {
		cfg.DefaultTransport = layer.DefaultTransport
	}
	if layer.LoggerSink != "" {
		cfg.LoggerSink = layer.LoggerSink
	}
	if layer.LoggerLevel != "" {
		cfg.LoggerLevel = layer.LoggerLevel
	}
	if layer.DefaultSerializer != "" {
		cfg.DefaultSerializer = layer.DefaultSerializer
	}
	if layer.DDQ.Capacity != 0 {
		cfg.DDQ.Capacity = layer.DDQ.Capacity
	}
	if layer.DDQ.Storage != "" {
		cfg.DDQ.Storage = layer.DDQ.Storage
	}
	cfg.DDQ.Enabled = cfg.DDQ.Enabled || layer.DDQ.Enabled
	if len(layer.Breakers) > 0 {
		if cfg.Breakers == nil {
			cfg.Breakers = make(map[string]breaker.Settings, len(layer.Breakers))
		}
		for name, s := range layer.Breakers {
			cfg.Breakers[name] = s
		}
	}
	if layer.DLQPath != "" {
		cfg.DLQPath = layer.DLQPath
	}
}

// applyEnvOverrides applies SMARTMESSAGE_-prefixed env vars to scalar
// fields last, the strongest precedence tier (spec §11.3).
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SMARTMESSAGE_LOGGER_SINK")); v != "" {
		cfg.LoggerSink = v
	}
	if v := strings.TrimSpace(os.Getenv("SMARTMESSAGE_LOGGER_LEVEL")); v != "" {
		cfg.LoggerLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("SMARTMESSAGE_DEFAULT_SERIALIZER")); v != "" {
		cfg.DefaultSerializer = v
	}
	if v := strings.TrimSpace(os.Getenv("SMARTMESSAGE_DEFAULT_TRANSPORT")); v != "" {
		cfg.DefaultTransport = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("SMARTMESSAGE_DDQ_ENABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DDQ.Enabled = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("SMARTMESSAGE_DDQ_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DDQ.Capacity = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SMARTMESSAGE_DLQ_PATH")); v != "" {
		cfg.DLQPath = v
	}
}

// BreakerSettings resolves the named circuit's settings, falling back to
// the spec's built-in default (breaker.Defaults()) when no override is
// configured.
func (c Config) BreakerSettings(name string) breaker.Settings {
	if s, ok := c.Breakers[name]; ok {
		return s
	}
	return breaker.Defaults()[name]
}
