// Package ingest merges normalized record batches dropped into a spool directory.
//
// Producers write a RecordSet as JSON to a temporary name and rename it to
// "<name>.json" inside the directory. Each batch is merged into a cache tier and
// the changed keys are handed to a callback.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/graphcache/internal/cache"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

const (
	batchExt    = ".json"
	rejectedExt = ".rejected"
)

// ChangeFunc receives the keys changed by one batch file.
type ChangeFunc func(source string, changed cache.KeySet)

// Watcher merges batch files from one directory into a tier.
type Watcher struct {
	dir      string
	tier     cache.Tier
	rc       *cache.RequestContext
	onChange ChangeFunc
	limiter  *rate.Limiter
	logger   *log.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithRequestContext routes every merge with rc.
func WithRequestContext(rc *cache.RequestContext) Option {
	return func(w *Watcher) {
		w.rc = rc
	}
}

// WithChangeFunc registers the callback for changed keys.
func WithChangeFunc(fn ChangeFunc) Option {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// WithRateLimit caps merges at perMinute batches. Zero or less means no limit.
func WithRateLimit(perMinute int) Option {
	return func(w *Watcher) {
		if perMinute <= 0 {
			w.limiter = nil
			return
		}
		w.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
}

// WithLogger sets the watcher's logger.
func WithLogger(logger *log.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher for dir that merges into tier.
func New(dir string, tier cache.Tier, opts ...Option) *Watcher {
	w := &Watcher{
		dir:    dir,
		tier:   tier,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains batches already in the directory, then merges new ones as they
// appear until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("error adding dir to fsnotify watcher: %w", err)
	}
	w.logger.Info("watching spool dir", "dir", w.dir)

	if err := w.ProcessExisting(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isBatch(event.Name) {
				continue
			}
			w.logger.Debug("fsnotify event", "file", event.Name, "event", event.Op)
			if _, err := w.ProcessFile(ctx, event.Name); err != nil && !errors.Is(err, os.ErrNotExist) {
				w.logger.Error("batch not merged", "file", event.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

// ProcessExisting merges every batch currently in the directory, in name order.
func (w *Watcher) ProcessExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read spool dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && isBatch(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(w.dir, name)
		if _, err := w.ProcessFile(ctx, path); err != nil {
			w.logger.Error("batch not merged", "file", path, "error", err)
		}
	}
	return nil
}

// ProcessFile merges one batch file. Merged files are deleted and files that
// cannot be decoded are renamed with a ".rejected" suffix. When the tier
// reports a storage failure the file is kept so it can be retried, and any keys
// that did change are still handed to the callback.
func (w *Watcher) ProcessFile(ctx context.Context, path string) (cache.KeySet, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var batch cache.RecordSet
	if err := json.Unmarshal(data, &batch); err != nil {
		if renameErr := os.Rename(path, path+rejectedExt); renameErr != nil {
			w.logger.Warn("could not reject batch", "file", path, "error", renameErr)
		}
		return nil, fmt.Errorf("decode batch %s: %w", filepath.Base(path), err)
	}

	changed, err := w.tier.Merge(ctx, batch, w.rc)
	for _, conflict := range cache.Conflicts(err) {
		w.logger.Warn("merge conflict", "file", filepath.Base(path), "conflict", conflict.String())
	}
	if err != nil && !cache.OnlyConflicts(err) {
		// Tiers that did take the batch will not report these keys again on retry.
		w.notify(path, changed)
		return changed, fmt.Errorf("merge batch %s: %w", filepath.Base(path), err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("could not remove merged batch", "file", path, "error", err)
	}

	w.logger.Info("merged batch", "file", filepath.Base(path), "records", batch.Len(), "changed", changed.Len())
	w.notify(path, changed)
	return changed, nil
}

func (w *Watcher) notify(path string, changed cache.KeySet) {
	if w.onChange != nil && changed.Len() > 0 {
		w.onChange(filepath.Base(path), changed)
	}
}

func isBatch(name string) bool {
	return strings.HasSuffix(name, batchExt)
}
