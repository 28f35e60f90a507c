package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Manager assembles the conventional [durable, memory] chain from a Config,
// applies the configured default routing and prunes expired durable records
// in the background.
type Manager struct {
	memory  *MemoryCache
	durable Tier // nil when running memory-only
	chain   *Chain

	config *Config
	logger *log.Logger

	// Cleanup goroutine control
	cleanupStop   chan struct{}
	cleanupTicker *time.Ticker
	cleanupWg     sync.WaitGroup
	closeOnce     sync.Once

	mu    sync.RWMutex
	stats struct {
		CleanupRuns int64
		Expired     int64
		LastCleanup time.Time
	}
}

// ManagerStats aggregates statistics from every tier.
type ManagerStats struct {
	Memory      CacheStats
	Durable     CacheStats
	HasDurable  bool
	CleanupRuns int64
	Expired     int64
	LastCleanup time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger shared by the manager and its chain.
func WithManagerLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager over a fresh memory tier and durable, which may be nil.
func NewManager(config *Config, durable Tier, opts ...ManagerOption) (*Manager, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		durable:     durable,
		config:      config,
		logger:      log.Default(),
		cleanupStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.memory = NewMemoryCache(WithMemoryLogger(m.logger))

	var links []Link
	if durable != nil {
		links = append(links, DurableLink(durable))
	}
	links = append(links, MemoryLink(m.memory))

	chainOpts := []ChainOption{WithChainLogger(m.logger)}
	if config.StrictReads {
		chainOpts = append(chainOpts, WithStrictReads())
	}
	m.chain = NewChain(links, chainOpts...)

	if config.CleanupInterval > 0 && durable != nil {
		m.startCleanupRoutine()
	}

	return m, nil
}

// LoadRecords reads keys through the chain.
func (m *Manager) LoadRecords(ctx context.Context, keys KeySet) (map[CacheKey]Record, error) {
	return m.chain.LoadRecords(ctx, keys)
}

// Merge writes records through the chain. A nil rc takes the configured default
// policy and TTL; a zero TTL takes the configured default TTL.
func (m *Manager) Merge(ctx context.Context, records RecordSet, rc *RequestContext) (KeySet, error) {
	return m.chain.Merge(ctx, records, m.requestContext(rc))
}

// RemoveRecord deletes key from every tier.
func (m *Manager) RemoveRecord(ctx context.Context, key CacheKey) error {
	return m.chain.RemoveRecord(ctx, key)
}

// RemoveRecords deletes every record matching pattern from every tier.
func (m *Manager) RemoveRecords(ctx context.Context, pattern CacheKey) error {
	return m.chain.RemoveRecords(ctx, pattern)
}

// Clear empties every tier.
func (m *Manager) Clear(ctx context.Context) error {
	return m.chain.Clear(ctx)
}

// Memory returns the memory tier.
func (m *Manager) Memory() *MemoryCache {
	return m.memory
}

// Durable returns the durable tier, or nil.
func (m *Manager) Durable() Tier {
	return m.durable
}

// Chain returns the underlying chain.
func (m *Manager) Chain() *Chain {
	return m.chain
}

// Stats returns aggregated statistics from all tiers.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{
		Memory:      m.memory.Stats(),
		CleanupRuns: m.stats.CleanupRuns,
		Expired:     m.stats.Expired,
		LastCleanup: m.stats.LastCleanup,
	}
	if s, ok := m.durable.(interface{ Stats() CacheStats }); ok {
		stats.Durable = s.Stats()
		stats.HasDurable = true
	}
	return stats
}

// PruneExpired removes expired durable records now and returns how many went.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	removed, err := m.chain.RemoveExpired(ctx, time.Now())

	m.mu.Lock()
	m.stats.CleanupRuns++
	m.stats.Expired += int64(removed)
	m.stats.LastCleanup = time.Now()
	m.mu.Unlock()

	return removed, err
}

// Close stops the cleanup routine and closes the durable tier.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.cleanupTicker != nil {
			close(m.cleanupStop)
			m.cleanupWg.Wait()
			m.cleanupTicker.Stop()
		}
		if c, ok := m.durable.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// Private helper methods

func (m *Manager) requestContext(rc *RequestContext) *RequestContext {
	if rc == nil {
		return &RequestContext{Policy: m.config.DefaultPolicy, TTL: m.config.DefaultTTL}
	}
	if rc.TTL == 0 && m.config.DefaultTTL > 0 {
		withTTL := *rc
		withTTL.TTL = m.config.DefaultTTL
		return &withTTL
	}
	return rc
}

// startCleanupRoutine starts the background cleanup goroutine.
func (m *Manager) startCleanupRoutine() {
	m.cleanupTicker = time.NewTicker(m.config.CleanupInterval)
	m.cleanupWg.Add(1)

	go func() {
		defer m.cleanupWg.Done()

		for {
			select {
			case <-m.cleanupTicker.C:
				m.performCleanup()
			case <-m.cleanupStop:
				return
			}
		}
	}()
}

// performCleanup runs one expiry pass and logs the outcome.
func (m *Manager) performCleanup() {
	removed, err := m.PruneExpired(context.Background())
	if err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Error("expired record cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Info("pruned expired records", "count", removed)
	}
}
