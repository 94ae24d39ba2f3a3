package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Global.StorageDir != "/var/lib/cacheagent" {
		t.Errorf("storage dir: got %q", cfg.Global.StorageDir)
	}
	if cfg.SyncInterval() != 30*time.Minute {
		t.Errorf("sync interval: got %v, want 30m", cfg.SyncInterval())
	}
	if cfg.MaxCacheSize() != 20_000_000_000 {
		t.Errorf("max size: got %d, want 20 GB", cfg.MaxCacheSize())
	}
	if cfg.MaxBandwidth() != 0 {
		t.Errorf("max bandwidth: got %d, want unlimited", cfg.MaxBandwidth())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cacheagent.toml")
	content := `
[global]
host_id = "client1.example.org"
storage_dir = "/tmp/agent"
log_level = "debug"

[service]
url = "https://config.example.org:4447/rpc"

[product_cache]
max_size = "1000 MB"
max_bandwidth = "2 MB"
dynamic_bandwidth = true
slot_safety_margin = "5s"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CACHEAGENT_HOST_KEY", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Global.HostID != "client1.example.org" {
		t.Errorf("host id: got %q", cfg.Global.HostID)
	}
	if cfg.Global.HostKey != "secret" {
		t.Errorf("host key from env: got %q", cfg.Global.HostKey)
	}
	if cfg.MaxCacheSize() != 1_000_000_000 {
		t.Errorf("max size: got %d", cfg.MaxCacheSize())
	}
	if cfg.MaxBandwidth() != 2_000_000 {
		t.Errorf("max bandwidth: got %d", cfg.MaxBandwidth())
	}
	if !cfg.ProductCache.DynamicBandwidth {
		t.Error("dynamic bandwidth not set")
	}
	if cfg.SlotSafetyMargin() != 5*time.Second {
		t.Errorf("safety margin: got %v", cfg.SlotSafetyMargin())
	}
	if err := cfg.RequireService(); err != nil {
		t.Errorf("require service: %v", err)
	}
	if cfg.ConfigStoreDir() != "/tmp/agent/config" || cfg.ProductCacheDir() != "/tmp/agent/depot" {
		t.Errorf("dirs: %s %s", cfg.ConfigStoreDir(), cfg.ProductCacheDir())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty storage dir", func(c *Config) { c.Global.StorageDir = " " }},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "loud" }},
		{"bad duration", func(c *Config) { c.ConfigCache.SyncInterval = "soon" }},
		{"bad size", func(c *Config) { c.ProductCache.MaxSize = "lots" }},
		{"zero size", func(c *Config) { c.ProductCache.MaxSize = "0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--storage-dir", "/srv/agent", "--host-id", "c2"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Global.StorageDir != "/srv/agent" || cfg.Global.HostID != "c2" {
		t.Errorf("flags not applied: %+v", cfg.Global)
	}
}
