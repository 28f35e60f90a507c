package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Link is one tier of a Chain together with the medium that backs it.
type Link struct {
	Tier   Tier
	Medium Medium
}

// DurableLink wraps a persistent tier.
func DurableLink(t Tier) Link { return Link{Tier: t, Medium: MediumDurable} }

// MemoryLink wraps a volatile tier.
func MemoryLink(t Tier) Link { return Link{Tier: t, Medium: MediumMemory} }

// CompositeLink wraps a nested chain; it sees every merge and routes by policy itself.
func CompositeLink(t Tier) Link { return Link{Tier: t, Medium: MediumComposite} }

// Chain fans operations out over an ordered list of tiers, conventionally from
// most authoritative (durable) to fastest (memory).
//
// Reads overlay tiers so that the lowest-indexed tier holding a field wins.
// Merges go to every tier selected by the storage policy, concurrently, and the
// changed keys are unioned. Removals always reach every tier. Nothing is rolled
// back when one tier fails.
type Chain struct {
	links       []Link
	strictReads bool
	logger      *log.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithStrictReads makes LoadRecords fail when any tier fails instead of skipping it.
func WithStrictReads() ChainOption {
	return func(c *Chain) {
		c.strictReads = true
	}
}

// WithChainLogger sets the logger used for tier failures.
func WithChainLogger(logger *log.Logger) ChainOption {
	return func(c *Chain) {
		c.logger = logger
	}
}

// NewChain creates a chain over links.
func NewChain(links []Link, opts ...ChainOption) *Chain {
	c := &Chain{
		links:  append([]Link(nil), links...),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Links returns the chain's links in order.
func (c *Chain) Links() []Link {
	return append([]Link(nil), c.links...)
}

// LoadRecords folds every tier's records into one overlay, visiting tiers from
// last to first so earlier tiers overwrite the fields they hold.
func (c *Chain) LoadRecords(ctx context.Context, keys KeySet) (map[CacheKey]Record, error) {
	overlay := NewRecordSet()
	for i := len(c.links) - 1; i >= 0; i-- {
		link := c.links[i]
		records, err := link.Tier.LoadRecords(ctx, keys)
		if err != nil {
			if c.strictReads || ctx.Err() != nil {
				return nil, fmt.Errorf("tier %d (%s): %w", i, link.Medium, err)
			}
			c.logger.Warn("skipping tier on load", "tier", i, "medium", link.Medium, "error", err)
			continue
		}
		for _, record := range records {
			overlay.overlay(record)
		}
	}
	return overlay.storage, nil
}

// Merge writes records to every tier selected by rc's policy and returns the
// union of their changed keys. Tier errors are joined; successful tiers keep
// their writes.
func (c *Chain) Merge(ctx context.Context, records RecordSet, rc *RequestContext) (KeySet, error) {
	policy := rc.policy()

	type result struct {
		changed KeySet
		err     error
	}
	results := make([]result, len(c.links))

	var wg sync.WaitGroup
	for i, link := range c.links {
		if !policy.Includes(link.Medium) {
			continue
		}
		wg.Add(1)
		go func(i int, link Link) {
			defer wg.Done()
			changed, err := link.Tier.Merge(ctx, records, rc)
			results[i] = result{changed: changed, err: err}
		}(i, link)
	}
	wg.Wait()

	changed := make(KeySet)
	var errs []error
	for i, r := range results {
		changed.Union(r.changed)
		if r.err == nil {
			continue
		}
		if !OnlyConflicts(r.err) {
			c.logger.Error("tier merge failed", "tier", i, "medium", c.links[i].Medium, "error", r.err)
		}
		errs = append(errs, fmt.Errorf("tier %d (%s): %w", i, c.links[i].Medium, r.err))
	}
	return changed, errors.Join(errs...)
}

// RemoveRecord deletes key from every tier.
func (c *Chain) RemoveRecord(ctx context.Context, key CacheKey) error {
	return c.each(func(t Tier) error {
		return t.RemoveRecord(ctx, key)
	})
}

// RemoveRecords deletes every record matching pattern from every tier.
func (c *Chain) RemoveRecords(ctx context.Context, pattern CacheKey) error {
	return c.each(func(t Tier) error {
		return t.RemoveRecords(ctx, pattern)
	})
}

// Clear empties every tier.
func (c *Chain) Clear(ctx context.Context) error {
	return c.each(func(t Tier) error {
		return t.Clear(ctx)
	})
}

// RemoveExpired prunes expired records from every tier that tracks expiry.
func (c *Chain) RemoveExpired(ctx context.Context, now time.Time) (int, error) {
	var (
		mu      sync.Mutex
		removed int
	)
	err := c.each(func(t Tier) error {
		exp, ok := t.(Expirer)
		if !ok {
			return nil
		}
		n, err := exp.RemoveExpired(ctx, now)
		mu.Lock()
		removed += n
		mu.Unlock()
		return err
	})
	return removed, err
}

// each runs fn against every tier concurrently and joins the failures.
// Every tier is attempted even when another fails.
func (c *Chain) each(fn func(Tier) error) error {
	errs := make([]error, len(c.links))

	var wg sync.WaitGroup
	for i, link := range c.links {
		wg.Add(1)
		go func(i int, link Link) {
			defer wg.Done()
			if err := fn(link.Tier); err != nil {
				errs[i] = fmt.Errorf("tier %d (%s): %w", i, link.Medium, err)
			}
		}(i, link)
	}
	wg.Wait()

	return errors.Join(errs...)
}
