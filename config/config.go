// Package config loads the TOML configuration shared by the structchan
// server and client.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"structured-channel/codec"
)

type Config struct {
	Node     NodeConfig     `toml:"node"`
	Registry RegistryConfig `toml:"registry"`
	Log      LogConfig      `toml:"log"`
	Limits   LimitsConfig   `toml:"limits"`
}

type NodeConfig struct {
	Service     string `toml:"service"`
	Listen      string `toml:"listen"`
	Advertise   string `toml:"advertise"`
	Origin      string `toml:"origin"`
	AllowOrigin string `toml:"allow_origin"`
	Codec       string `toml:"codec"`
	Heartbeat   string `toml:"heartbeat"`
	Balancer    string `toml:"balancer"`
	Weight      int    `toml:"weight"`
	Version     string `toml:"version"`
}

type RegistryConfig struct {
	Kind        string   `toml:"kind"` // "memory" or "etcd"
	Endpoints   []string `toml:"endpoints"`
	DialTimeout string   `toml:"dial_timeout"`
	TTL         int64    `toml:"ttl"`
}

type LogConfig struct {
	Level       string         `toml:"level"`
	Format      string         `toml:"format"` // "console" or "json"
	Outputs     []string       `toml:"outputs"`
	Development bool           `toml:"development"`
	Debug       bool           `toml:"debug"` // Per-message channel tracing
	Rotation    RotationConfig `toml:"rotation"`
}

type RotationConfig struct {
	Enable     bool   `toml:"enable"`
	Filename   string `toml:"filename"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type LimitsConfig struct {
	RequestTimeout string  `toml:"request_timeout"`
	RateLimit      float64 `toml:"rate_limit"` // Requests per second, 0 disables
	Burst          int     `toml:"burst"`
	Retries        int     `toml:"retries"`
	RetryDelay     string  `toml:"retry_delay"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Service:  "echo",
			Listen:   "127.0.0.1:9400",
			Origin:   "*",
			Codec:    "json",
			Balancer: "round_robin",
			Weight:   1,
			Version:  "1.0",
		},
		Registry: RegistryConfig{
			Kind:        "memory",
			DialTimeout: "5s",
			TTL:         10,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
		Limits: LimitsConfig{
			RetryDelay: "100ms",
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return finish(cfg, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	return finish(cfg, meta)
}

func finish(cfg Config, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if err := ValidateNode(cfg.Node); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := ValidateRegistry(cfg.Registry); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := ValidateLimits(cfg.Limits); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if len(cfg.Log.Outputs) == 0 {
		return fmt.Errorf("log: at least one output is required")
	}
	return nil
}

func ValidateNode(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Service) == "" {
		return fmt.Errorf("service is required")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("listen is required")
	}
	if strings.TrimSpace(cfg.Origin) == "" {
		return fmt.Errorf("origin is required, use \"*\" for any")
	}
	if _, ok := codec.ParseCodecType(cfg.Codec); !ok {
		return fmt.Errorf("unknown codec %q", cfg.Codec)
	}
	if _, err := parseDuration(cfg.Heartbeat); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if cfg.Weight < 0 {
		return fmt.Errorf("weight must not be negative")
	}
	return nil
}

func ValidateRegistry(cfg RegistryConfig) error {
	switch cfg.Kind {
	case "memory":
	case "etcd":
		if len(cfg.Endpoints) == 0 {
			return fmt.Errorf("etcd registry needs endpoints")
		}
	default:
		return fmt.Errorf("unknown kind %q", cfg.Kind)
	}
	if _, err := parseDuration(cfg.DialTimeout); err != nil {
		return fmt.Errorf("dial_timeout: %w", err)
	}
	if cfg.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	return nil
}

func ValidateLimits(cfg LimitsConfig) error {
	if _, err := parseDuration(cfg.RequestTimeout); err != nil {
		return fmt.Errorf("request_timeout: %w", err)
	}
	if _, err := parseDuration(cfg.RetryDelay); err != nil {
		return fmt.Errorf("retry_delay: %w", err)
	}
	if cfg.RateLimit < 0 || cfg.Burst < 0 || cfg.Retries < 0 {
		return fmt.Errorf("rate_limit, burst and retries must not be negative")
	}
	if cfg.RateLimit > 0 && cfg.Burst == 0 {
		return fmt.Errorf("burst is required with rate_limit")
	}
	return nil
}

// parseDuration accepts an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// HeartbeatInterval is the parsed heartbeat; zero means the transport
// default.
func (c NodeConfig) HeartbeatInterval() time.Duration {
	d, _ := parseDuration(c.Heartbeat)
	return d
}

func (c NodeConfig) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

func (c RegistryConfig) DialTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.DialTimeout)
	return d
}

func (c LimitsConfig) RequestTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.RequestTimeout)
	return d
}

func (c LimitsConfig) RetryDelayDuration() time.Duration {
	d, _ := parseDuration(c.RetryDelay)
	return d
}
