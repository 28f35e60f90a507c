package cache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// failingTier fails every operation with ErrStorageUnavailable and counts calls.
type failingTier struct {
	mu    sync.Mutex
	calls map[string]int
}

func newFailingTier() *failingTier {
	return &failingTier{calls: make(map[string]int)}
}

func (f *failingTier) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return ErrStorageUnavailable
}

func (f *failingTier) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *failingTier) LoadRecords(context.Context, KeySet) (map[CacheKey]Record, error) {
	return nil, f.record("load")
}

func (f *failingTier) Merge(context.Context, RecordSet, *RequestContext) (KeySet, error) {
	return KeySet{}, f.record("merge")
}

func (f *failingTier) RemoveRecord(context.Context, CacheKey) error {
	return f.record("remove")
}

func (f *failingTier) RemoveRecords(context.Context, CacheKey) error {
	return f.record("invalidate")
}

func (f *failingTier) Clear(context.Context) error {
	return f.record("clear")
}

func newTestChain(opts ...ChainOption) (*Chain, *MemoryCache, *MemoryCache) {
	durable := NewMemoryCache(WithMemoryLogger(quietLogger()))
	memory := NewMemoryCache(WithMemoryLogger(quietLogger()))
	opts = append([]ChainOption{WithChainLogger(quietLogger())}, opts...)
	return NewChain([]Link{DurableLink(durable), MemoryLink(memory)}, opts...), durable, memory
}

func TestChain_LoadOverlaysLowerIndexWins(t *testing.T) {
	ctx := context.Background()
	chain, durable, memory := newTestChain()

	_, _ = durable.Merge(ctx, NewRecordSet(NewRecord("User:1", map[string]Value{
		"name": String("Ada"),
		"age":  Int(36),
	})), nil)
	_, _ = memory.Merge(ctx, NewRecordSet(NewRecord("User:1", map[string]Value{
		"name":  String("stale"),
		"age":   String("thirty-six"),
		"email": String("ada@example.com"),
	})), nil)

	records, err := chain.LoadRecords(ctx, NewKeySet("User:1"))
	if err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}
	r := records["User:1"]
	if v, _ := r.Get("name"); !v.Equal(String("Ada")) {
		t.Errorf("name = %v, want value from tier 0", v)
	}
	if v, _ := r.Get("age"); !v.Equal(Int(36)) {
		t.Errorf("age = %v, tier 0 should win even across kinds", v)
	}
	if v, _ := r.Get("email"); !v.Equal(String("ada@example.com")) {
		t.Errorf("email = %v, want field only tier 1 holds", v)
	}
}

func TestChain_LoadIsNoOp(t *testing.T) {
	ctx := context.Background()
	chain, durable, memory := newTestChain()

	_, _ = durable.Merge(ctx, NewRecordSet(NewRecord("User:1", map[string]Value{"name": String("Ada")})), nil)

	if _, err := chain.LoadRecords(ctx, NewKeySet("User:1", "User:2")); err != nil {
		t.Fatalf("LoadRecords failed: %v", err)
	}
	if memory.Len() != 0 {
		t.Errorf("load populated the memory tier with %v", memory.Keys())
	}
	if durable.Len() != 1 {
		t.Errorf("durable Len = %d after load", durable.Len())
	}
}

func TestChain_MergeUnionsChangedKeys(t *testing.T) {
	ctx := context.Background()
	chain, durable, memory := newTestChain()

	_, _ = durable.Merge(ctx, NewRecordSet(NewRecord("User:1", map[string]Value{"name": String("Ada")})), nil)
	_, _ = memory.Merge(ctx, NewRecordSet(NewRecord("User:2", map[string]Value{"name": String("Grace")})), nil)

	changed, err := chain.Merge(ctx, NewRecordSet(
		NewRecord("User:1", map[string]Value{"name": String("Ada")}),
		NewRecord("User:2", map[string]Value{"name": String("Grace")}),
	), nil)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	want := []CacheKey{"User:1", "User:2"}
	if got := changed.Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("changed = %v, want %v", got, want)
	}

	changed, _ = chain.Merge(ctx, NewRecordSet(
		NewRecord("User:1", map[string]Value{"name": String("Ada")}),
		NewRecord("User:2", map[string]Value{"name": String("Grace")}),
	), nil)
	if changed.Len() != 0 {
		t.Errorf("idempotent merge changed %v", changed.Sorted())
	}
}

func TestChain_MergeRoutesByPolicy(t *testing.T) {
	tests := []struct {
		name        string
		rc          *RequestContext
		wantDurable bool
		wantMemory  bool
	}{
		{"nil context", nil, true, true},
		{"memory and durable", &RequestContext{Policy: PolicyMemoryAndDurable}, true, true},
		{"memory only", &RequestContext{Policy: PolicyMemoryOnly}, false, true},
		{"durable only", &RequestContext{Policy: PolicyDurableOnly}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			chain, durable, memory := newTestChain()

			_, err := chain.Merge(ctx, NewRecordSet(NewRecord("User:1", map[string]Value{"name": String("Ada")})), tt.rc)
			if err != nil {
				t.Fatalf("Merge failed: %v", err)
			}
			if got := durable.Len() == 1; got != tt.wantDurable {
				t.Errorf("durable written = %v, want %v", got, tt.wantDurable)
			}
			if got := memory.Len() == 1; got != tt.wantMemory {
				t.Errorf("memory written = %v, want %v", got, tt.wantMemory)
			}
		})
	}
}

func TestChain_CompositeLinkSeesEveryMerge(t *testing.T) {
	ctx := context.Background()
	inner, innerDurable, innerMemory := newTestChain()
	outerMemory := NewMemoryCache()
	outer := NewChain([]Link{CompositeLink(inner), MemoryLink(outerMemory)}, WithChainLogger(quietLogger()))

	_, err := outer.Merge(ctx, NewRecordSet(NewRecord("User:1", nil)), &RequestContext{Policy: PolicyDurableOnly})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if innerDurable.Len() != 1 || innerMemory.Len() != 0 {
		t.Errorf("nested chain did not route by policy: durable %d memory %d", innerDurable.Len(), innerMemory.Len())
	}
	if outerMemory.Len() != 0 {
		t.Error("outer memory link written under durable-only")
	}
}

func TestChain_PartialFailureKeepsWrites(t *testing.T) {
	ctx := context.Background()
	broken := newFailingTier()
	memory := NewMemoryCache()
	chain := NewChain([]Link{DurableLink(broken), MemoryLink(memory)}, WithChainLogger(quietLogger()))

	changed, err := chain.Merge(ctx, NewRecordSet(NewRecord("User:1", map[string]Value{"name": String("Ada")})), nil)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if OnlyConflicts(err) {
		t.Error("storage failure reported as conflicts only")
	}
	if !changed.Has("User:1") {
		t.Errorf("changed = %v, want the memory tier's key", changed.Sorted())
	}
	if memory.Len() != 1 {
		t.Error("successful tier's write was rolled back")
	}
}

func TestChain_LoadSkipsFailingTier(t *testing.T) {
	ctx := context.Background()
	broken := newFailingTier()
	memory := NewMemoryCache(WithRecords(NewRecordSet(NewRecord("User:1", map[string]Value{"name": String("Ada")}))))

	chain := NewChain([]Link{DurableLink(broken), MemoryLink(memory)}, WithChainLogger(quietLogger()))
	records, err := chain.LoadRecords(ctx, NewKeySet("User:1"))
	if err != nil {
		t.Fatalf("best-effort load failed: %v", err)
	}
	if _, ok := records["User:1"]; !ok {
		t.Error("record from healthy tier missing")
	}

	strict := NewChain([]Link{DurableLink(broken), MemoryLink(memory)},
		WithChainLogger(quietLogger()), WithStrictReads())
	if _, err := strict.LoadRecords(ctx, NewKeySet("User:1")); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("strict load err = %v, want ErrStorageUnavailable", err)
	}
}

func TestChain_RemovalsReachEveryTier(t *testing.T) {
	ctx := context.Background()
	broken := newFailingTier()
	memory := NewMemoryCache(WithRecords(NewRecordSet(
		NewRecord("User:1", nil),
		NewRecord("User:1.friends", nil),
		NewRecord("User:2", nil),
	)))
	chain := NewChain([]Link{DurableLink(broken), MemoryLink(memory)}, WithChainLogger(quietLogger()))

	if err := chain.RemoveRecords(ctx, "User:1"); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("RemoveRecords err = %v", err)
	}
	if err := chain.RemoveRecord(ctx, "User:2"); err == nil {
		t.Error("RemoveRecord should report the failing tier")
	}
	if memory.Len() != 0 {
		t.Errorf("memory tier kept %v after removals", memory.Keys())
	}
	if broken.count("invalidate") != 1 || broken.count("remove") != 1 {
		t.Error("failing tier was not attempted")
	}

	_ = chain.Clear(ctx)
	if broken.count("clear") != 1 {
		t.Error("Clear skipped a tier")
	}
}

func TestChain_ConflictsAreJoined(t *testing.T) {
	ctx := context.Background()
	chain, durable, memory := newTestChain()

	seed := NewRecordSet(NewRecord("User:1", map[string]Value{"age": Int(36)}))
	_, _ = durable.Merge(ctx, seed, nil)
	_, _ = memory.Merge(ctx, seed, nil)

	_, err := chain.Merge(ctx, NewRecordSet(NewRecord("User:1", map[string]Value{"age": String("36")})), nil)
	if !OnlyConflicts(err) {
		t.Fatalf("err = %v, want only conflicts", err)
	}
	if got := len(Conflicts(err)); got != 2 {
		t.Errorf("Conflicts = %d, want one per tier", got)
	}
}

func TestChain_RemoveExpired(t *testing.T) {
	ctx := context.Background()
	dc := newTestDiskCache(t, t.TempDir(), 0)
	memory := NewMemoryCache()
	chain := NewChain([]Link{DurableLink(dc), MemoryLink(memory)}, WithChainLogger(quietLogger()))

	_, err := chain.Merge(ctx, NewRecordSet(NewRecord("Session:1", nil)), &RequestContext{TTL: time.Second})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	n, err := chain.RemoveExpired(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RemoveExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if memory.Len() != 1 {
		t.Error("memory tier has no expiry and should be untouched")
	}
}
