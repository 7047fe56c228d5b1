package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.WorldSize != 2 {
		t.Errorf("expected WorldSize 2, got %d", cfg.WorldSize)
	}
	if cfg.InFeatures != 48 || cfg.OutFeatures != 192 {
		t.Errorf("expected 48x192 projection, got %dx%d", cfg.InFeatures, cfg.OutFeatures)
	}
	if len(cfg.SplitSizes) != 3 {
		t.Errorf("expected 3 split sizes, got %v", cfg.SplitSizes)
	}
	if cfg.RTol != 1.3e-6 || cfg.ATol != 1e-5 {
		t.Errorf("unexpected tolerances rtol=%v atol=%v", cfg.RTol, cfg.ATol)
	}
	if cfg.GetBackend() != BackendFlight {
		t.Errorf("expected flight backend, got %q", cfg.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"local backend", func(c *Config) { c.Backend = "LOCAL" }, false},
		{"invalid world size", func(c *Config) { c.WorldSize = 0 }, true},
		{"invalid in features", func(c *Config) { c.InFeatures = 0 }, true},
		{"in features not divisible", func(c *Config) { c.InFeatures = 47 }, true},
		{"empty split sizes", func(c *Config) { c.SplitSizes = nil }, true},
		{"split sizes wrong sum", func(c *Config) { c.SplitSizes = []int{64, 64} }, true},
		{"split size not divisible", func(c *Config) { c.SplitSizes = []int{63, 65, 64} }, true},
		{"four workers", func(c *Config) { c.WorldSize = 4 }, false},
		{"seq len not divisible", func(c *Config) { c.SeqLen = 3 }, true},
		{"negative tolerance", func(c *Config) { c.ATol = -1 }, true},
		{"unknown backend", func(c *Config) { c.Backend = "nccl" }, true},
		{"bad port", func(c *Config) { c.Port = 70000 }, true},
		{"no retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"no timeout", func(c *Config) { c.Timeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard.yaml")
	content := `
world_size: 2
backend: local
seq_len: 8
timeout: 30s
log_format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetBackend() != BackendLocal {
		t.Errorf("expected local backend, got %q", cfg.Backend)
	}
	if cfg.SeqLen != 8 {
		t.Errorf("expected seq_len 8, got %d", cfg.SeqLen)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.Timeout)
	}
	if cfg.OutFeatures != 192 {
		t.Errorf("expected default out_features to survive, got %d", cfg.OutFeatures)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("world_size: [1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("world_size: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil {
		t.Error("expected validation error")
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	cfg.Port = 29500
	if got := cfg.Addr(); got != "localhost:29500" {
		t.Errorf("expected localhost:29500, got %s", got)
	}
}
