package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/graphcache/internal/cache"
)

const batch = `{
  "QUERY_ROOT": {"viewer": {"$reference": "User:1"}},
  "User:1": {"name": "Ada", "friends": [{"$reference": "User:2"}]}
}`

func quiet() Option {
	return WithLogger(log.New(io.Discard))
}

func writeBatch(t *testing.T, dir, name, content string) string {
	t.Helper()
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename batch: %v", err)
	}
	return path
}

type brokenTier struct{ cache.Tier }

func (brokenTier) Merge(context.Context, cache.RecordSet, *cache.RequestContext) (cache.KeySet, error) {
	return cache.KeySet{}, cache.ErrStorageUnavailable
}

func TestProcessFileMergesAndRemoves(t *testing.T) {
	dir := t.TempDir()
	memory := cache.NewMemoryCache()

	var gotSource string
	var gotChanged cache.KeySet
	w := New(dir, memory, quiet(), WithChangeFunc(func(source string, changed cache.KeySet) {
		gotSource, gotChanged = source, changed
	}))

	path := writeBatch(t, dir, "001.json", batch)
	changed, err := w.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if changed.Len() != 2 {
		t.Errorf("changed = %v, want 2 keys", changed.Sorted())
	}
	if gotSource != "001.json" || gotChanged.Len() != 2 {
		t.Errorf("callback got %q %v", gotSource, gotChanged.Sorted())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("merged batch file was not removed")
	}
	if memory.Len() != 2 {
		t.Errorf("memory Len = %d, want 2", memory.Len())
	}
}

func TestProcessFileNoChangeSkipsCallback(t *testing.T) {
	dir := t.TempDir()
	memory := cache.NewMemoryCache()
	calls := 0
	w := New(dir, memory, quiet(), WithChangeFunc(func(string, cache.KeySet) { calls++ }))

	for _, name := range []string{"001.json", "002.json"} {
		if _, err := w.ProcessFile(context.Background(), writeBatch(t, dir, name, batch)); err != nil {
			t.Fatalf("ProcessFile %s: %v", name, err)
		}
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
}

func TestProcessFileRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, cache.NewMemoryCache(), quiet())

	path := writeBatch(t, dir, "bad.json", `{"User:1": {"profile": {"nested": true}}}`)
	if _, err := w.ProcessFile(context.Background(), path); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := os.Stat(path + rejectedExt); err != nil {
		t.Errorf("rejected file missing: %v", err)
	}
}

func TestProcessFileKeepsBatchOnStorageFailure(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, brokenTier{}, quiet())

	path := writeBatch(t, dir, "001.json", batch)
	if _, err := w.ProcessFile(context.Background(), path); !errors.Is(err, cache.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("batch should be kept for retry: %v", err)
	}
}

func TestProcessFileReportsPartialChanges(t *testing.T) {
	dir := t.TempDir()
	memory := cache.NewMemoryCache()
	chain := cache.NewChain([]cache.Link{cache.DurableLink(brokenTier{}), cache.MemoryLink(memory)},
		cache.WithChainLogger(log.New(io.Discard)))

	var reported cache.KeySet
	w := New(dir, chain, quiet(), WithChangeFunc(func(_ string, changed cache.KeySet) {
		reported = changed
	}))

	path := writeBatch(t, dir, "001.json", batch)
	if _, err := w.ProcessFile(context.Background(), path); !errors.Is(err, cache.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if reported.Len() != 2 {
		t.Errorf("callback got %v, want the keys the memory tier changed", reported.Sorted())
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("batch should be kept for retry: %v", err)
	}

	// The retry changes nothing in memory, so the earlier report was the only one.
	reported = nil
	_, _ = w.ProcessFile(context.Background(), path)
	if reported.Len() != 0 {
		t.Errorf("retry reported %v", reported.Sorted())
	}
}

func TestProcessFileConflictsStillConsume(t *testing.T) {
	dir := t.TempDir()
	memory := cache.NewMemoryCache(cache.WithMemoryLogger(log.New(io.Discard)))
	_, _ = memory.Merge(context.Background(), cache.NewRecordSet(
		cache.NewRecord("User:1", map[string]cache.Value{"name": cache.Int(1)}),
	), nil)
	w := New(dir, memory, quiet())

	path := writeBatch(t, dir, "001.json", batch)
	changed, err := w.ProcessFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if !changed.Has("User:1") || !changed.Has("QUERY_ROOT") {
		t.Errorf("changed = %v", changed.Sorted())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("batch with conflicts was not consumed")
	}
}

func TestProcessExistingInNameOrder(t *testing.T) {
	dir := t.TempDir()
	memory := cache.NewMemoryCache()

	writeBatch(t, dir, "002.json", `{"User:1": {"name": "second"}}`)
	writeBatch(t, dir, "001.json", `{"User:1": {"name": "first"}}`)
	writeBatch(t, dir, "notes.txt", `ignored`)

	var order []string
	w := New(dir, memory, quiet(), WithChangeFunc(func(source string, _ cache.KeySet) {
		order = append(order, source)
	}))
	if err := w.ProcessExisting(context.Background()); err != nil {
		t.Fatalf("ProcessExisting: %v", err)
	}

	if len(order) != 2 || order[0] != "001.json" || order[1] != "002.json" {
		t.Errorf("order = %v", order)
	}
	records, _ := memory.LoadRecords(context.Background(), cache.NewKeySet("User:1"))
	if v, _ := records["User:1"].Get("name"); !v.Equal(cache.String("second")) {
		t.Errorf("name = %v, want the later batch", v)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Error("non-batch file was touched")
	}
}

func TestWithRequestContextRoutesMerges(t *testing.T) {
	dir := t.TempDir()
	durable := cache.NewMemoryCache()
	memory := cache.NewMemoryCache()
	chain := cache.NewChain([]cache.Link{cache.DurableLink(durable), cache.MemoryLink(memory)},
		cache.WithChainLogger(log.New(io.Discard)))

	w := New(dir, chain, quiet(), WithRequestContext(&cache.RequestContext{Policy: cache.PolicyMemoryOnly}))
	if _, err := w.ProcessFile(context.Background(), writeBatch(t, dir, "001.json", batch)); err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if durable.Len() != 0 || memory.Len() != 2 {
		t.Errorf("durable %d memory %d, want 0 and 2", durable.Len(), memory.Len())
	}
}

func TestRunPicksUpNewBatches(t *testing.T) {
	dir := t.TempDir()
	memory := cache.NewMemoryCache()

	changes := make(chan string, 4)
	w := New(dir, memory, quiet(), WithChangeFunc(func(source string, _ cache.KeySet) {
		changes <- source
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeBatch(t, dir, "001.json", batch)

	select {
	case source := <-changes:
		if source != "001.json" {
			t.Errorf("source = %q", source)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the batch to merge")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestWithRateLimitSpacesMerges(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, cache.NewMemoryCache(), quiet(), WithRateLimit(600))

	start := time.Now()
	for _, name := range []string{"001.json", "002.json", "003.json"} {
		if _, err := w.ProcessFile(context.Background(), writeBatch(t, dir, name, batch)); err != nil {
			t.Fatalf("ProcessFile %s: %v", name, err)
		}
	}
	// 600/min allows one batch every 100ms after the first.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("three batches took %v, want rate limiting", elapsed)
	}
}

func TestWithRateLimitHonorsContext(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, cache.NewMemoryCache(), quiet(), WithRateLimit(1))

	path := writeBatch(t, dir, "001.json", batch)
	if _, err := w.ProcessFile(context.Background(), path); err != nil {
		t.Fatalf("first ProcessFile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	path = writeBatch(t, dir, "002.json", batch)
	if _, err := w.ProcessFile(ctx, path); err == nil {
		t.Fatal("expected the limiter to give up when the context ends first")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("batch should stay in the spool when the limiter gives up")
	}
}
