package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read by Load.
const DefaultPath = "config.yaml"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Transcoder TranscoderConfig `koanf:"transcoder"`
	Storage    StorageConfig    `koanf:"storage"`
	Upstreams  []UpstreamConfig `koanf:"upstreams"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// Timeout bounds a single transcode request, e.g. "5m"
	Timeout string `koanf:"timeout"`
}

// TimeoutDuration parses Timeout, falling back to five minutes.
func (s ServerConfig) TimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(s.Timeout); err == nil && d > 0 {
		return d
	}
	return 5 * time.Minute
}

// TranscoderConfig holds the codec options applied to every stream.
type TranscoderConfig struct {
	JSONRepair          bool   `koanf:"json_repair"`
	EstimateUsage       bool   `koanf:"estimate_usage"`
	DefaultModel        string `koanf:"default_model"`
	ProviderMetadataKey string `koanf:"provider_metadata_key"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// UpstreamConfig names a vendor endpoint that ssecat can stream from.
type UpstreamConfig struct {
	Name     string `koanf:"name"`
	Protocol string `koanf:"protocol"` // openai, openai-responses, anthropic, gemini
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
	Path     string `koanf:"path"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Upstream returns the upstream with the given name.
func (c *Config) Upstream(name string) (UpstreamConfig, bool) {
	for _, u := range c.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return UpstreamConfig{}, false
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml from the working directory, then POLY_ environment
// variables.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile is Load with an explicit config file path. A missing file is not
// an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Environment variables override the file: POLY_SERVER__PORT -> server.port
	if err := k.Load(env.Provider("POLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "POLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":            8080,
		"server.timeout":         "5m",
		"storage.type":           "memory",
		"storage.sqlite.path":    "transcripts.db",
		"telemetry.service_name": "polyglot-llm-transcoder",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Upstreams {
		cfg.Upstreams[i].APIKey = substituteEnvVars(cfg.Upstreams[i].APIKey)
		cfg.Upstreams[i].BaseURL = substituteEnvVars(cfg.Upstreams[i].BaseURL)
	}
	cfg.Storage.SQLite.Path = substituteEnvVars(cfg.Storage.SQLite.Path)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
