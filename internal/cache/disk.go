package cache

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
)

const (
	indexFileName        = "cache.index"
	recordFileExt        = ".record"
	compressionThreshold = 1024 // Only compress encodings larger than 1KB
)

// DiskCache is a durable tier that keeps one file per record under a base
// directory, with an index of keys persisted next to them.
type DiskCache struct {
	basePath string

	// Compression
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// Index for fast lookups
	index map[CacheKey]*diskCacheEntry

	// Synchronization
	mu     sync.RWMutex
	closed bool

	// Metrics
	stats CacheStats

	logger *log.Logger
}

// diskCacheEntry represents an entry in the disk cache index
type diskCacheEntry struct {
	Key        CacheKey
	FilePath   string
	Size       int64 // Size on disk
	Compressed bool
	UpdatedAt  time.Time
	ExpiresAt  time.Time // Zero when the record was written without a TTL
}

// DiskOption configures a DiskCache.
type DiskOption func(*DiskCache)

// WithDiskLogger sets the logger used by the disk tier.
func WithDiskLogger(logger *log.Logger) DiskOption {
	return func(dc *DiskCache) {
		dc.logger = logger
	}
}

// NewDiskCache opens or creates a disk tier rooted at basePath. A compressionLevel
// of zero disables zstd compression.
func NewDiskCache(basePath string, compressionLevel int, opts ...DiskOption) (*DiskCache, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dc := &DiskCache{
		basePath: basePath,
		index:    make(map[CacheKey]*diskCacheEntry),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(dc)
	}

	if compressionLevel > 0 {
		var err error
		dc.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	// Records written with compression stay readable after it is turned off.
	var err error
	dc.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	if err := dc.loadIndex(); err != nil {
		dc.logger.Warn("could not load disk cache index, starting empty", "path", basePath, "error", err)
		dc.index = make(map[CacheKey]*diskCacheEntry)
	}

	return dc, nil
}

// LoadRecords reads the records stored for keys.
func (dc *DiskCache) LoadRecords(ctx context.Context, keys KeySet) (map[CacheKey]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := dc.loadRecords(keys)
	if err != nil {
		return nil, err
	}

	dc.mu.Lock()
	dc.stats.Hits += int64(len(out))
	dc.stats.Misses += int64(len(keys) - len(out))
	dc.mu.Unlock()

	return out, nil
}

func (dc *DiskCache) loadRecords(keys KeySet) (map[CacheKey]Record, error) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	if dc.closed {
		return nil, ErrClosed
	}

	out := make(map[CacheKey]Record, len(keys))
	for key := range keys {
		entry, ok := dc.index[key]
		if !ok {
			continue
		}
		record, err := dc.readRecord(entry)
		if errors.Is(err, os.ErrNotExist) {
			dc.logger.Warn("record file missing", "key", key, "path", entry.FilePath)
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = record
	}
	return out, nil
}

// Merge applies records to the files on disk. A positive TTL in rc stamps an
// expiry on every changed record.
func (dc *DiskCache) Merge(ctx context.Context, records RecordSet, rc *RequestContext) (KeySet, error) {
	changed := make(KeySet)
	if err := ctx.Err(); err != nil {
		return changed, err
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.closed {
		return changed, ErrClosed
	}

	// Read the stored side of every incoming key, then merge in memory.
	current := NewRecordSet()
	for _, key := range records.Keys() {
		entry, ok := dc.index[key]
		if !ok {
			continue
		}
		record, err := dc.readRecord(entry)
		if errors.Is(err, os.ErrNotExist) {
			delete(dc.index, key)
			continue
		}
		if err != nil {
			return changed, err
		}
		current.MergeRecord(record)
	}

	merged, conflicts := current.Merge(records)

	now := time.Now()
	var expiresAt time.Time
	if ttl := rc.ttl(); ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	var writeErr error
	for _, key := range merged.Sorted() {
		record, _ := current.Get(key)
		entry, err := dc.writeRecord(record)
		if err != nil {
			writeErr = err
			break
		}
		entry.UpdatedAt = now
		entry.ExpiresAt = expiresAt
		dc.index[key] = entry
		changed.Add(key)
	}

	if err := dc.saveIndex(); err != nil && writeErr == nil {
		writeErr = err
	}

	dc.stats.Merges++
	dc.stats.Changed += int64(changed.Len())
	dc.stats.Conflicts += int64(len(conflicts))
	dc.stats.LastMerge = now

	return changed, errors.Join(writeErr, conflictError(conflicts))
}

// RemoveRecord deletes the record at key.
func (dc *DiskCache) RemoveRecord(ctx context.Context, key CacheKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.closed {
		return ErrClosed
	}

	entry, ok := dc.index[key]
	if !ok {
		return nil
	}
	if err := dc.removeEntry(entry); err != nil {
		return err
	}
	return dc.saveIndex()
}

// RemoveRecords deletes every record whose key matches pattern.
func (dc *DiskCache) RemoveRecords(ctx context.Context, pattern CacheKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.closed {
		return ErrClosed
	}

	var errs []error
	for key, entry := range dc.index {
		if !key.Matches(pattern) {
			continue
		}
		if err := dc.removeEntry(entry); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, dc.saveIndex())
	return errors.Join(errs...)
}

// Clear removes all entries from the disk cache.
func (dc *DiskCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.closed {
		return ErrClosed
	}

	var errs []error
	for _, entry := range dc.index {
		if err := dc.removeEntry(entry); err != nil {
			errs = append(errs, err)
		}
	}
	dc.index = make(map[CacheKey]*diskCacheEntry)
	errs = append(errs, dc.saveIndex())
	return errors.Join(errs...)
}

// RemoveExpired deletes records whose TTL ran out before now.
func (dc *DiskCache) RemoveExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.closed {
		return 0, ErrClosed
	}

	removed := 0
	var errs []error
	for _, entry := range dc.index {
		if entry.ExpiresAt.IsZero() || entry.ExpiresAt.After(now) {
			continue
		}
		if err := dc.removeEntry(entry); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		errs = append(errs, dc.saveIndex())
	}
	return removed, errors.Join(errs...)
}

// Len returns the number of indexed records.
func (dc *DiskCache) Len() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	return len(dc.index)
}

// Stats returns cache statistics.
func (dc *DiskCache) Stats() CacheStats {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	stats := dc.stats
	stats.Records = len(dc.index)
	for _, entry := range dc.index {
		stats.Size += entry.Size
	}
	return stats
}

// Close persists the index and releases the codecs.
func (dc *DiskCache) Close() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.closed {
		return nil
	}
	dc.closed = true

	err := dc.saveIndex()
	if dc.encoder != nil {
		err = errors.Join(err, dc.encoder.Close())
	}
	dc.decoder.Close()
	return err
}

// Private helper methods

func (dc *DiskCache) generateFilePath(key CacheKey) string {
	// Use SHA256 hash of key for filename
	hash := sha256.Sum256([]byte(key))
	filename := hex.EncodeToString(hash[:16]) + recordFileExt
	return filepath.Join(dc.basePath, filename)
}

func (dc *DiskCache) readRecord(entry *diskCacheEntry) (Record, error) {
	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: read %s: %w", ErrStorageUnavailable, entry.Key, err)
	}

	if entry.Compressed {
		data, err = dc.decoder.DecodeAll(data, nil)
		if err != nil {
			return Record{}, fmt.Errorf("%w: decompress %s: %w", ErrStorageUnavailable, entry.Key, err)
		}
	}

	record := Record{Key: entry.Key}
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("%w: decode %s: %w", ErrStorageUnavailable, entry.Key, err)
	}
	return record, nil
}

func (dc *DiskCache) writeRecord(record Record) (*diskCacheEntry, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", ErrStorageUnavailable, record.Key, err)
	}

	compressed := false
	if dc.encoder != nil && len(data) > compressionThreshold {
		packed := dc.encoder.EncodeAll(data, nil)
		// Only use compression if it actually reduces size
		if len(packed) < len(data) {
			data = packed
			compressed = true
		}
	}

	path := dc.generateFilePath(record.Key)
	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrStorageUnavailable, record.Key, err)
	}

	return &diskCacheEntry{
		Key:        record.Key,
		FilePath:   path,
		Size:       int64(len(data)),
		Compressed: compressed,
	}, nil
}

func (dc *DiskCache) removeEntry(entry *diskCacheEntry) error {
	if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %w", ErrStorageUnavailable, entry.Key, err)
	}
	delete(dc.index, entry.Key)
	return nil
}

func (dc *DiskCache) loadIndex() error {
	indexPath := filepath.Join(dc.basePath, indexFileName)

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No index file yet
		}
		return err
	}
	defer file.Close()

	decoder := gob.NewDecoder(file)
	return decoder.Decode(&dc.index)
}

func (dc *DiskCache) saveIndex() error {
	indexPath := filepath.Join(dc.basePath, indexFileName)
	tempPath := indexPath + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("%w: save index: %w", ErrStorageUnavailable, err)
	}

	encodeErr := gob.NewEncoder(file).Encode(dc.index)
	closeErr := file.Close()
	if err := errors.Join(encodeErr, closeErr); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: save index: %w", ErrStorageUnavailable, err)
	}

	if err := os.Rename(tempPath, indexPath); err != nil {
		return fmt.Errorf("%w: save index: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// writeFileAtomic writes to a temp file first, then renames (atomic on most systems).
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	_, err = file.Write(data)
	closeErr := file.Close()

	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}

	return os.Rename(tempPath, path)
}
