package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for cache operations
var (
	// ErrStorageUnavailable is returned when a backing medium could not complete an operation
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrMergeConflict is matched by errors carrying kind mismatches from a merge
	ErrMergeConflict = errors.New("merge conflict")

	// ErrClosed is returned when a tier is used after Close
	ErrClosed = errors.New("cache closed")

	// ErrInvalidPolicy is returned when a storage policy name is not recognized
	ErrInvalidPolicy = errors.New("invalid storage policy")
)

// Tier is the contract every storage backend satisfies, including Chain.
type Tier interface {
	// LoadRecords returns copies of the stored records for keys. Missing keys are omitted.
	LoadRecords(ctx context.Context, keys KeySet) (map[CacheKey]Record, error)

	// Merge applies records and returns the keys whose stored data changed. The
	// returned set is valid even when err is non-nil.
	Merge(ctx context.Context, records RecordSet, rc *RequestContext) (KeySet, error)

	// RemoveRecord deletes the record at key, if any.
	RemoveRecord(ctx context.Context, key CacheKey) error

	// RemoveRecords deletes every record whose key matches pattern.
	RemoveRecords(ctx context.Context, pattern CacheKey) error

	// Clear removes all records.
	Clear(ctx context.Context) error
}

// Expirer is implemented by tiers that honor the TTL hint of a RequestContext.
type Expirer interface {
	RemoveExpired(ctx context.Context, now time.Time) (int, error)
}

// Medium describes what backs a chain link
type Medium int

const (
	// MediumMemory is volatile process memory (fastest)
	MediumMemory Medium = iota

	// MediumDurable is a persistent store
	MediumDurable

	// MediumComposite is a nested chain that routes by policy itself
	MediumComposite
)

// String returns the string representation of the medium
func (m Medium) String() string {
	switch m {
	case MediumMemory:
		return "memory"
	case MediumDurable:
		return "durable"
	case MediumComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// StoragePolicy selects which media a merge writes to.
type StoragePolicy int

const (
	// PolicyMemoryAndDurable writes to every tier
	PolicyMemoryAndDurable StoragePolicy = iota

	// PolicyMemoryOnly skips durable tiers
	PolicyMemoryOnly

	// PolicyDurableOnly skips memory tiers
	PolicyDurableOnly
)

var policyNames = map[StoragePolicy]string{
	PolicyMemoryAndDurable: "memory-and-durable",
	PolicyMemoryOnly:       "memory-only",
	PolicyDurableOnly:      "durable-only",
}

// String returns the string representation of the policy
func (p StoragePolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseStoragePolicy parses a policy name as printed by String.
func ParseStoragePolicy(s string) (StoragePolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "all" {
		return PolicyMemoryAndDurable, nil
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// Includes reports whether a tier on medium m takes part in a merge under p.
func (p StoragePolicy) Includes(m Medium) bool {
	switch m {
	case MediumMemory:
		return p != PolicyDurableOnly
	case MediumDurable:
		return p != PolicyMemoryOnly
	default:
		return true
	}
}

// RequestContext carries per-merge routing and the time-to-live hint.
// A nil *RequestContext writes to all tiers with no TTL.
type RequestContext struct {
	Policy StoragePolicy
	TTL    time.Duration
}

// policy returns the effective policy for rc, which may be nil.
func (rc *RequestContext) policy() StoragePolicy {
	if rc == nil {
		return PolicyMemoryAndDurable
	}
	return rc.Policy
}

// ttl returns the effective TTL for rc, which may be nil.
func (rc *RequestContext) ttl() time.Duration {
	if rc == nil {
		return 0
	}
	return rc.TTL
}

// CacheStats holds tier counters
type CacheStats struct {
	// Current state
	Records int   // Number of stored records
	Size    int64 // Approximate size in bytes

	// Activity
	Hits      int64 // Requested keys found
	Misses    int64 // Requested keys not found
	Merges    int64 // Merge calls applied
	Changed   int64 // Keys reported changed
	Conflicts int64 // Fields rejected by kind mismatch

	// Timing
	LastMerge time.Time
}

// HitRate returns hits / (hits + misses).
func (s CacheStats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// Durable engine names accepted by Config.Durable.
const (
	DurableNone   = "none"
	DurableDisk   = "disk"
	DurableSQLite = "sqlite"
)

// Config holds configuration for a Manager
type Config struct {
	// Durable tier
	Durable          string // "none", "disk" or "sqlite"
	DiskPath         string // Directory for disk tier files
	SQLitePath       string // Database file for the SQLite tier
	CompressionLevel int    // Zstd level for the disk tier (0 disables)

	// Routing
	DefaultPolicy StoragePolicy
	DefaultTTL    time.Duration // Applied when a merge carries no TTL
	StrictReads   bool          // Fail loads when any tier fails

	// Cleanup settings
	CleanupInterval time.Duration // How often expired durable records are pruned (0 disables)
}

// DefaultCacheConfig returns default cache configuration
func DefaultCacheConfig() *Config {
	return &Config{
		Durable:          DurableNone,
		CompressionLevel: 3,
		DefaultPolicy:    PolicyMemoryAndDurable,
		CleanupInterval:  time.Hour,
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	switch c.Durable {
	case DurableNone, "":
	case DurableDisk:
		if c.DiskPath == "" {
			return errors.New("disk path is required for the disk tier")
		}
	case DurableSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite path is required for the sqlite tier")
		}
	default:
		return fmt.Errorf("unknown durable engine %q", c.Durable)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		return fmt.Errorf("compression level must be between 0 and 22, got %d", c.CompressionLevel)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("default ttl must not be negative, got %s", c.DefaultTTL)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("cleanup interval must not be negative, got %s", c.CleanupInterval)
	}
	if _, ok := policyNames[c.DefaultPolicy]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidPolicy, c.DefaultPolicy)
	}
	return nil
}
