package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/hlscache"
)

const (
	lockSweepInterval = 10 * time.Minute
	lockMaxAge        = time.Hour
)

// Generation is one in-flight cache build. Followers block on Wait and
// share the creator's result.
type Generation struct {
	done      chan struct{}
	createdAt time.Time

	desc *hlscache.Descriptor
	err  error
}

// Wait blocks until the generation finishes or ctx is cancelled.
func (g *Generation) Wait(ctx context.Context) (*hlscache.Descriptor, error) {
	select {
	case <-g.done:
		return g.desc, g.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockTable tracks in-flight generations per cache key. It guarantees at
// most one transcode per key and lets the evictor skip keys being built.
// Entries are removed on every completion path; a periodic sweep drops
// entries orphaned by a crashed generation.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*Generation
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*Generation)}
}

// Begin returns the generation for key and whether the caller created it.
// Creators must call Finish exactly once.
func (t *LockTable) Begin(key model.CacheKey) (*Generation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen, ok := t.locks[key.String()]; ok {
		return gen, false
	}
	gen := &Generation{
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	t.locks[key.String()] = gen
	return gen, true
}

// Finish publishes the result to followers and releases the key.
func (t *LockTable) Finish(key model.CacheKey, gen *Generation, desc *hlscache.Descriptor, err error) {
	gen.desc = desc
	gen.err = err

	t.mu.Lock()
	delete(t.locks, key.String())
	t.mu.Unlock()

	close(gen.done)
}

// IsLocked reports whether a generation currently holds key.
func (t *LockTable) IsLocked(key model.CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[key.String()]
	return ok
}

// Len returns the number of in-flight generations.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// Run sweeps orphaned entries until ctx is cancelled.
func (t *LockTable) Run(ctx context.Context) {
	ticker := time.NewTicker(lockSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *LockTable) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, gen := range t.locks {
		if now.Sub(gen.createdAt) > lockMaxAge {
			delete(t.locks, key)
		}
	}
}
