package hlscache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/infrastructure/metrics"
)

const (
	// evictionDelay batches bursts of Schedule calls into one sweep.
	evictionDelay = time.Second

	// startupDelay postpones the first sweep so it does not compete with
	// server startup.
	startupDelay = 5 * time.Second

	// graceWindow protects directories modified very recently: an entry
	// being published may briefly look invalid.
	graceWindow = 30 * time.Second
)

// LockIndex reports which cache keys currently have a generation in flight.
// Locked entries are never evicted.
type LockIndex interface {
	IsLocked(key model.CacheKey) bool
}

// EvictorConfig holds eviction policy parameters.
type EvictorConfig struct {
	// MaxAge is the entry age bound; older entries are removed regardless
	// of cache size.
	MaxAge time.Duration
	// BudgetBytes is the total cache size budget.
	BudgetBytes int64
	// TargetRatio is the fill fraction a size-pressure sweep reduces to,
	// so sweeps don't retrigger immediately.
	TargetRatio float64
	// Interval is the periodic sweep cadence.
	Interval time.Duration
}

// Evictor removes stale and excess cache entries. Sweeps are coalesced:
// concurrent triggers fold into one delayed run.
type Evictor struct {
	cache  *DiskCache
	locks  LockIndex
	config EvictorConfig
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	scheduled bool
}

func NewEvictor(cache *DiskCache, locks LockIndex, cfg EvictorConfig, logger *slog.Logger) *Evictor {
	return &Evictor{
		cache:  cache,
		locks:  locks,
		config: cfg,
		logger: logger,
	}
}

// Run sweeps once shortly after startup and then on the configured
// interval until ctx is cancelled.
func (e *Evictor) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(startupDelay):
		e.Schedule()
	}

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Schedule()
		}
	}
}

// Schedule requests a sweep. Triggers arriving while one is pending or
// running collapse into a single follow-up.
func (e *Evictor) Schedule() {
	e.mu.Lock()
	if e.scheduled {
		e.mu.Unlock()
		return
	}
	e.scheduled = true
	e.mu.Unlock()

	time.AfterFunc(evictionDelay, func() {
		e.mu.Lock()
		e.scheduled = false
		if e.running {
			e.mu.Unlock()
			return
		}
		e.running = true
		e.mu.Unlock()

		e.Sweep()

		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	})
}

// Sweep runs the two eviction passes synchronously: age-based removal,
// then oldest-first removal down to the target fill when over budget.
func (e *Evictor) Sweep() {
	entries, err := e.cache.Entries()
	if err != nil {
		e.logger.Error("eviction: list entries", "error", err)
		return
	}

	now := time.Now()
	var kept []EntryInfo
	var totalBytes int64

	for _, entry := range entries {
		if e.protected(entry, now) {
			totalBytes += entry.SizeBytes
			kept = append(kept, entry)
			continue
		}
		age := e.entryAge(entry, now)
		if age > e.config.MaxAge {
			e.remove(entry, "expired")
			continue
		}
		totalBytes += entry.SizeBytes
		kept = append(kept, entry)
	}

	if totalBytes <= e.config.BudgetBytes {
		return
	}

	target := int64(float64(e.config.BudgetBytes) * e.config.TargetRatio)
	sort.Slice(kept, func(i, j int) bool {
		return e.entryAge(kept[i], now) > e.entryAge(kept[j], now)
	})
	for _, entry := range kept {
		if totalBytes <= target {
			break
		}
		if e.protected(entry, now) {
			continue
		}
		e.remove(entry, "size_pressure")
		totalBytes -= entry.SizeBytes
	}
}

// protected reports whether an entry must not be touched: a generation
// holds its key, or it was modified within the grace window.
func (e *Evictor) protected(entry EntryInfo, now time.Time) bool {
	if entry.KeyValid && e.locks != nil && e.locks.IsLocked(entry.Key) {
		return true
	}
	return now.Sub(entry.ModTime) < graceWindow
}

// entryAge prefers the descriptor's generation timestamp and falls back to
// the directory's mtime for unreadable entries.
func (e *Evictor) entryAge(entry EntryInfo, now time.Time) time.Duration {
	path := filepath.Join(e.cache.Root(), entry.DirName, descriptorFileName)
	if desc, err := readDescriptor(path); err == nil {
		return desc.Age(now)
	}
	if entry.ModTime.IsZero() {
		return e.config.MaxAge + time.Hour
	}
	return now.Sub(entry.ModTime)
}

func (e *Evictor) remove(entry EntryInfo, reason string) {
	path := filepath.Join(e.cache.Root(), entry.DirName)
	if err := os.RemoveAll(path); err != nil {
		e.logger.Warn("eviction: remove entry",
			"dir", entry.DirName, "reason", reason, "error", err)
		return
	}
	e.cache.forget(entry.DirName)
	metrics.EvictionDeletesTotal.Inc()
	metrics.EvictionBytesFreedTotal.Add(float64(entry.SizeBytes))
	e.logger.Info("eviction: removed entry",
		"dir", entry.DirName, "reason", reason, "bytes", entry.SizeBytes)
}
