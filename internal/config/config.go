// Package config loads cache settings from Viper and logging settings from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dgnsrekt/graphcache/internal/cache"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Viper keys.
const (
	KeyDurable          = "cache.durable"
	KeyDiskPath         = "cache.disk.path"
	KeyCompressionLevel = "cache.disk.compression_level"
	KeySQLitePath       = "cache.sqlite.path"
	KeyPolicy           = "cache.policy"
	KeyTTL              = "cache.ttl"
	KeyStrictReads      = "cache.strict_reads"
	KeyCleanupInterval  = "cache.cleanup_interval"
)

// LogConfig holds logging knobs read from the environment.
type LogConfig struct {
	Debug  bool   `env:"GRAPHCACHE_DEBUG"`
	File   string `env:"GRAPHCACHE_LOG_FILE"`
	Format string `env:"GRAPHCACHE_LOG_FORMAT" envDefault:"text"`
}

// LoadLogConfig parses LogConfig from the environment.
func LoadLogConfig() (LogConfig, error) {
	cfg, err := env.ParseAs[LogConfig]()
	if err != nil {
		return LogConfig{}, fmt.Errorf("error parsing log config: %w", err)
	}
	switch cfg.Format {
	case "text", "json", "logfmt":
	default:
		return LogConfig{}, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return cfg, nil
}

// SetDefaults registers defaults rooted at dataDir.
func SetDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault(KeyDurable, cache.DurableDisk)
	v.SetDefault(KeyDiskPath, filepath.Join(dataDir, "records"))
	v.SetDefault(KeyCompressionLevel, 3)
	v.SetDefault(KeySQLitePath, filepath.Join(dataDir, "graphcache.db"))
	v.SetDefault(KeyPolicy, cache.PolicyMemoryAndDurable.String())
	v.SetDefault(KeyTTL, "0s")
	v.SetDefault(KeyStrictReads, false)
	v.SetDefault(KeyCleanupInterval, "1h")
}

// Load builds a cache.Config from v, starting from cache.DefaultCacheConfig.
func Load(v *viper.Viper) (*cache.Config, error) {
	cfg := cache.DefaultCacheConfig()

	if v.IsSet(KeyDurable) {
		cfg.Durable = v.GetString(KeyDurable)
	}
	if v.IsSet(KeyDiskPath) {
		cfg.DiskPath = v.GetString(KeyDiskPath)
	}
	if v.IsSet(KeyCompressionLevel) {
		cfg.CompressionLevel = v.GetInt(KeyCompressionLevel)
	}
	if v.IsSet(KeySQLitePath) {
		cfg.SQLitePath = v.GetString(KeySQLitePath)
	}
	if v.IsSet(KeyPolicy) {
		p, err := cache.ParseStoragePolicy(v.GetString(KeyPolicy))
		if err != nil {
			return nil, err
		}
		cfg.DefaultPolicy = p
	}
	if v.IsSet(KeyTTL) {
		d, err := parseDuration(v, KeyTTL)
		if err != nil {
			return nil, err
		}
		cfg.DefaultTTL = d
	}
	if v.IsSet(KeyStrictReads) {
		cfg.StrictReads = v.GetBool(KeyStrictReads)
	}
	if v.IsSet(KeyCleanupInterval) {
		d, err := parseDuration(v, KeyCleanupInterval)
		if err != nil {
			return nil, err
		}
		cfg.CleanupInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache configuration: %w", err)
	}
	return cfg, nil
}

// Dump renders every effective setting of v as YAML.
func Dump(v *viper.Viper) ([]byte, error) {
	out, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("unable to render config: %w", err)
	}
	return out, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
