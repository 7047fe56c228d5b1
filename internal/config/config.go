package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by Config.Backend.
const (
	BackendLocal  = "local"
	BackendFlight = "flight"
)

type Config struct {
	WorldSize   int    `yaml:"world_size"`
	InFeatures  int    `yaml:"in_features"`
	OutFeatures int    `yaml:"out_features"`
	SplitSizes  []int  `yaml:"split_sizes"`
	Batch       int    `yaml:"batch"`
	SeqLen      int    `yaml:"seq_len"`
	Seed        uint64 `yaml:"seed"`

	RTol float64 `yaml:"rtol"`
	ATol float64 `yaml:"atol"`

	Backend    string        `yaml:"backend"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	StateDir    string `yaml:"state_dir"`
}

func (c *Config) Validate() error {
	if c.WorldSize <= 0 {
		return fmt.Errorf("invalid world_size: %d (must be positive)", c.WorldSize)
	}
	if c.InFeatures <= 0 {
		return fmt.Errorf("invalid in_features: %d (must be positive)", c.InFeatures)
	}
	if c.OutFeatures <= 0 {
		return fmt.Errorf("invalid out_features: %d (must be positive)", c.OutFeatures)
	}
	if c.InFeatures%c.WorldSize != 0 {
		return fmt.Errorf("in_features %d not divisible by world_size %d", c.InFeatures, c.WorldSize)
	}
	if len(c.SplitSizes) == 0 {
		return fmt.Errorf("split_sizes must not be empty")
	}
	total := 0
	for _, s := range c.SplitSizes {
		if s <= 0 {
			return fmt.Errorf("invalid split size: %d (must be positive)", s)
		}
		if s%c.WorldSize != 0 {
			return fmt.Errorf("split size %d not divisible by world_size %d", s, c.WorldSize)
		}
		total += s
	}
	if total != c.OutFeatures {
		return fmt.Errorf("split_sizes sum to %d, want out_features %d", total, c.OutFeatures)
	}
	if c.Batch <= 0 {
		return fmt.Errorf("invalid batch: %d (must be positive)", c.Batch)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.SeqLen%c.WorldSize != 0 {
		return fmt.Errorf("seq_len %d not divisible by world_size %d", c.SeqLen, c.WorldSize)
	}
	if c.RTol < 0 || c.ATol < 0 {
		return fmt.Errorf("invalid tolerances rtol=%g atol=%g (must be non-negative)", c.RTol, c.ATol)
	}
	switch c.GetBackend() {
	case BackendLocal, BackendFlight:
	default:
		return fmt.Errorf("unknown backend: %q", c.Backend)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("invalid max_retries: %d (must be at least 1)", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %v (must be positive)", c.Timeout)
	}
	return nil
}

func (c *Config) GetBackend() string {
	return strings.ToLower(c.Backend)
}

// Addr is the rendezvous address for the flight backend.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Default mirrors the GPT-2 fused QKV scenario: a [48, 192] weight split as 3 x 64 on two workers.
func Default() Config {
	return Config{
		WorldSize:   2,
		InFeatures:  48,
		OutFeatures: 192,
		SplitSizes:  []int{64, 64, 64},
		Batch:       1,
		SeqLen:      4,
		Seed:        1024,
		RTol:        1.3e-6,
		ATol:        1e-5,
		Backend:     BackendFlight,
		Host:        "localhost",
		MaxRetries:  5,
		Timeout:     2 * time.Minute,
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

// Load reads a YAML file over Default(); fields absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
