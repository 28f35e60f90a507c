// Package store opens a cache.Manager with the durable engine named in its config.
package store

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/graphcache/internal/cache"
	"github.com/dgnsrekt/graphcache/internal/cache/sqlite"
)

// Open builds the durable tier selected by cfg.Durable and wraps it in a Manager.
func Open(cfg *cache.Config, logger *log.Logger) (*cache.Manager, error) {
	if cfg == nil {
		cfg = cache.DefaultCacheConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	durable, err := openDurable(cfg, logger)
	if err != nil {
		return nil, err
	}

	m, err := cache.NewManager(cfg, durable, cache.WithManagerLogger(logger))
	if err != nil {
		if c, ok := durable.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil, err
	}

	logger.Debug("cache opened", "durable", cfg.Durable, "policy", cfg.DefaultPolicy)
	return m, nil
}

func openDurable(cfg *cache.Config, logger *log.Logger) (cache.Tier, error) {
	switch cfg.Durable {
	case cache.DurableDisk:
		dc, err := cache.NewDiskCache(cfg.DiskPath, cfg.CompressionLevel, cache.WithDiskLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create disk cache: %w", err)
		}
		return dc, nil
	case cache.DurableSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}
