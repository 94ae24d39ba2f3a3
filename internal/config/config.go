package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

// DefaultPath is where the agent looks for its config file
const DefaultPath = "/etc/cacheagent/cacheagent.toml"

// Config is built once at startup and handed to every component
type Config struct {
	Global       GlobalConfig       `toml:"global"`
	Service      ServiceConfig      `toml:"service"`
	ConfigCache  ConfigCacheConfig  `toml:"config_cache"`
	ProductCache ProductCacheConfig `toml:"product_cache"`
	Metrics      MetricsConfig      `toml:"metrics"`
}

type GlobalConfig struct {
	HostID     string `toml:"host_id"`
	HostKey    string `toml:"host_key"`
	StorageDir string `toml:"storage_dir"`
	LogLevel   string `toml:"log_level"`  // debug | info | warn | error
	LogFormat  string `toml:"log_format"` // text | json
}

type ServiceConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`

	timeout time.Duration
}

type ConfigCacheConfig struct {
	SyncInterval             string   `toml:"sync_interval"`
	PollInterval             string   `toml:"poll_interval"`
	ActionProcessorProductID string   `toml:"action_processor_product_id"`
	ProductFilter            []string `toml:"product_filter"`

	syncInterval time.Duration
	pollInterval time.Duration
}

type ProductCacheConfig struct {
	MaxSize          string `toml:"max_size"`
	MaxBandwidth     string `toml:"max_bandwidth"` // bytes per second, "0" = unlimited
	DynamicBandwidth bool   `toml:"dynamic_bandwidth"`
	SlotSafetyMargin string `toml:"slot_safety_margin"`
	PollInterval     string `toml:"poll_interval"`
	DepotPath        string `toml:"depot_path"` // mounted depot share; empty uses the depot URL

	maxSize          int64
	maxBandwidth     int64
	slotSafetyMargin time.Duration
	pollInterval     time.Duration
}

type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Global: GlobalConfig{
			StorageDir: "/var/lib/cacheagent",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Service: ServiceConfig{
			Timeout: "30s",
		},
		ConfigCache: ConfigCacheConfig{
			SyncInterval:             "30m",
			PollInterval:             "1s",
			ActionProcessorProductID: "opsi-script",
		},
		ProductCache: ProductCacheConfig{
			MaxSize:          "20 GB",
			MaxBandwidth:     "0",
			SlotSafetyMargin: "10s",
			PollInterval:     "1s",
		},
	}
}

// Load reads the TOML file at path over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(content) > 0 {
			if err := toml.Unmarshal(content, &cfg); err != nil {
				return nil, fmt.Errorf("decode toml: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides selected keys from CACHEAGENT_* variables
func (c *Config) applyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"CACHEAGENT_HOST_ID", &c.Global.HostID},
		{"CACHEAGENT_HOST_KEY", &c.Global.HostKey},
		{"CACHEAGENT_STORAGE_DIR", &c.Global.StorageDir},
		{"CACHEAGENT_LOG_LEVEL", &c.Global.LogLevel},
		{"CACHEAGENT_SERVICE_URL", &c.Service.URL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// Validate checks required keys and resolves durations and sizes
func (c *Config) Validate() error {
	c.Global.StorageDir = strings.TrimSpace(c.Global.StorageDir)
	if c.Global.StorageDir == "" {
		return errors.New("global.storage_dir is required")
	}

	switch strings.ToLower(c.Global.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid global.log_level: %q", c.Global.LogLevel)
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid global.log_format: %q", c.Global.LogFormat)
	}

	var err error
	if c.Service.timeout, err = parseDuration("service.timeout", c.Service.Timeout); err != nil {
		return err
	}
	if c.ConfigCache.syncInterval, err = parseDuration("config_cache.sync_interval", c.ConfigCache.SyncInterval); err != nil {
		return err
	}
	if c.ConfigCache.pollInterval, err = parseDuration("config_cache.poll_interval", c.ConfigCache.PollInterval); err != nil {
		return err
	}
	if c.ProductCache.slotSafetyMargin, err = parseDuration("product_cache.slot_safety_margin", c.ProductCache.SlotSafetyMargin); err != nil {
		return err
	}
	if c.ProductCache.pollInterval, err = parseDuration("product_cache.poll_interval", c.ProductCache.PollInterval); err != nil {
		return err
	}
	if c.ProductCache.maxSize, err = parseSize("product_cache.max_size", c.ProductCache.MaxSize); err != nil {
		return err
	}
	if c.ProductCache.maxSize <= 0 {
		return errors.New("product_cache.max_size must be positive")
	}
	if c.ProductCache.maxBandwidth, err = parseSize("product_cache.max_bandwidth", c.ProductCache.MaxBandwidth); err != nil {
		return err
	}
	return nil
}

// RequireService reports whether the keys needed to talk to the config
// server are present
func (c *Config) RequireService() error {
	switch {
	case c.Service.URL == "":
		return errors.New("service.url is required")
	case c.Global.HostID == "":
		return errors.New("global.host_id is required")
	case c.Global.HostKey == "":
		return errors.New("global.host_key is required")
	}
	return nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return d, nil
}

func parseSize(key, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return int64(n), nil
}

// Accessors for resolved values

func (c *Config) ServiceTimeout() time.Duration     { return c.Service.timeout }
func (c *Config) SyncInterval() time.Duration       { return c.ConfigCache.syncInterval }
func (c *Config) ConfigPollInterval() time.Duration { return orDefault(c.ConfigCache.pollInterval, time.Second) }
func (c *Config) MaxCacheSize() int64               { return c.ProductCache.maxSize }
func (c *Config) MaxBandwidth() int64               { return c.ProductCache.maxBandwidth }
func (c *Config) SlotSafetyMargin() time.Duration   { return c.ProductCache.slotSafetyMargin }
func (c *Config) ProductPollInterval() time.Duration {
	return orDefault(c.ProductCache.pollInterval, time.Second)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ConfigStoreDir holds work.db, snapshot.db, tracker.db and the auxiliary caches
func (c *Config) ConfigStoreDir() string {
	return filepath.Join(c.Global.StorageDir, "config")
}

// ProductCacheDir holds one directory per cached product
func (c *Config) ProductCacheDir() string {
	return filepath.Join(c.Global.StorageDir, "depot")
}

// StatePath is the durable state file
func (c *Config) StatePath() string {
	return filepath.Join(c.Global.StorageDir, "state.json")
}

// BindFlags registers the command-line overrides on fs
func BindFlags(fs *pflag.FlagSet) {
	fs.String("storage-dir", "", "Override global.storage_dir")
	fs.String("host-id", "", "Override global.host_id")
	fs.String("service-url", "", "Override service.url")
	fs.String("log-level", "", "Override global.log_level (debug, info, warn, error)")
}

// ApplyFlags copies flags that were set on fs into the config and revalidates
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	targets := map[string]*string{
		"storage-dir": &c.Global.StorageDir,
		"host-id":     &c.Global.HostID,
		"service-url": &c.Service.URL,
		"log-level":   &c.Global.LogLevel,
	}
	changed := false
	for name, target := range targets {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		*target = f.Value.String()
		changed = true
	}
	if !changed {
		return nil
	}
	return c.Validate()
}
