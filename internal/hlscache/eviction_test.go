package hlscache

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hszk-dev/tunecast/internal/domain/model"
)

type lockIndexMock struct {
	locked map[string]bool
}

func (m *lockIndexMock) IsLocked(key model.CacheKey) bool {
	return m.locked[key.String()]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// publishAged creates an entry and backdates its descriptor and directory
// mtime so it is outside the publish grace window.
func publishAged(t *testing.T, cache *DiskCache, key model.CacheKey, age time.Duration, segBytes int) {
	t.Helper()
	segments := stageSegments(t, 1, segBytes)
	desc, err := cache.Publish(key, segments, []float64{10})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	desc.Timestamp = time.Now().Add(-age).UnixMilli()
	if err := cache.writeDescriptor(cache.EntryDir(key), desc); err != nil {
		t.Fatal(err)
	}
	cache.forget(key.FSName())

	past := time.Now().Add(-age)
	if err := os.Chtimes(cache.EntryDir(key), past, past); err != nil {
		t.Fatal(err)
	}
}

func TestEvictor_Sweep_AgePass(t *testing.T) {
	cache := newTestCache(t)
	evictor := NewEvictor(cache, &lockIndexMock{}, EvictorConfig{
		MaxAge:      24 * time.Hour,
		BudgetBytes: 1 << 30,
		TargetRatio: 0.8,
		Interval:    time.Hour,
	}, discardLogger())

	fresh := testKey("fresh")
	stale := testKey("stale")
	publishAged(t, cache, fresh, time.Hour, 2048)
	publishAged(t, cache, stale, 25*time.Hour, 2048)

	evictor.Sweep()

	if !cache.IsCached(fresh) {
		t.Error("fresh entry evicted")
	}
	if _, err := os.Stat(cache.EntryDir(stale)); !os.IsNotExist(err) {
		t.Error("stale entry survived age pass")
	}
}

func TestEvictor_Sweep_SizePass(t *testing.T) {
	cache := newTestCache(t)
	evictor := NewEvictor(cache, &lockIndexMock{}, EvictorConfig{
		MaxAge:      240 * time.Hour,
		BudgetBytes: 5000,
		TargetRatio: 0.5,
		Interval:    time.Hour,
	}, discardLogger())

	oldest := testKey("oldest")
	middle := testKey("middle")
	newest := testKey("newest")
	publishAged(t, cache, oldest, 3*time.Hour, 3000)
	publishAged(t, cache, middle, 2*time.Hour, 3000)
	publishAged(t, cache, newest, time.Hour, 2000)

	evictor.Sweep()

	// 8000 bytes over a 5000 budget: removing the two oldest reaches the
	// 2500-byte target; the newest must survive.
	if _, err := os.Stat(cache.EntryDir(oldest)); !os.IsNotExist(err) {
		t.Error("oldest entry survived size pass")
	}
	if _, err := os.Stat(cache.EntryDir(middle)); !os.IsNotExist(err) {
		t.Error("middle entry survived size pass")
	}
	if !cache.IsCached(newest) {
		t.Error("newest entry evicted")
	}
}

func TestEvictor_Sweep_SkipsLockedKeys(t *testing.T) {
	cache := newTestCache(t)
	locked := testKey("locked")
	locks := &lockIndexMock{locked: map[string]bool{locked.String(): true}}
	evictor := NewEvictor(cache, locks, EvictorConfig{
		MaxAge:      24 * time.Hour,
		BudgetBytes: 1 << 30,
		TargetRatio: 0.8,
		Interval:    time.Hour,
	}, discardLogger())

	publishAged(t, cache, locked, 48*time.Hour, 2048)

	evictor.Sweep()

	if _, err := os.Stat(cache.EntryDir(locked)); err != nil {
		t.Error("locked entry was evicted")
	}
}

func TestEvictor_Sweep_GraceWindow(t *testing.T) {
	cache := newTestCache(t)
	evictor := NewEvictor(cache, &lockIndexMock{}, EvictorConfig{
		MaxAge:      time.Millisecond,
		BudgetBytes: 1 << 30,
		TargetRatio: 0.8,
		Interval:    time.Hour,
	}, discardLogger())

	// Freshly published: expired by MaxAge but inside the grace window.
	key := testKey("fresh")
	segments := stageSegments(t, 1, 2048)
	if _, err := cache.Publish(key, segments, []float64{10}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	evictor.Sweep()

	if _, err := os.Stat(cache.EntryDir(key)); err != nil {
		t.Error("entry inside grace window was evicted")
	}
}

func TestEvictor_Schedule_Coalesces(t *testing.T) {
	cache := newTestCache(t)
	evictor := NewEvictor(cache, &lockIndexMock{}, EvictorConfig{
		MaxAge:      24 * time.Hour,
		BudgetBytes: 1 << 30,
		TargetRatio: 0.8,
		Interval:    time.Hour,
	}, discardLogger())

	stale := testKey("stale")
	publishAged(t, cache, stale, 48*time.Hour, 2048)

	for i := 0; i < 10; i++ {
		evictor.Schedule()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(cache.EntryDir(stale)); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled sweep never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
