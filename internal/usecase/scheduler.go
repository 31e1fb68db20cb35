// Package usecase wires the transcode pipeline together: admission control,
// per-key generation locks, cache generation, manifest synthesis, playlist
// resolution and preload policies.
package usecase

import (
	"context"
	"sync"

	"github.com/hszk-dev/tunecast/internal/infrastructure/metrics"
)

// Scheduler bounds concurrent transcode jobs with a fixed-size wait queue.
// Admission fails fast when the queue is full instead of building unbounded
// backlog.
type Scheduler struct {
	maxConcurrent int
	maxQueue      int

	mu      sync.Mutex
	running int
	waiters []chan struct{}
}

// QueueStats is a point-in-time snapshot for busy responses and admin
// status.
type QueueStats struct {
	Running       int `json:"running"`
	Waiting       int `json:"waiting"`
	MaxConcurrent int `json:"maxConcurrent"`
	MaxQueue      int `json:"maxQueue"`
}

func NewScheduler(maxConcurrent, maxQueue int) *Scheduler {
	return &Scheduler{
		maxConcurrent: maxConcurrent,
		maxQueue:      maxQueue,
	}
}

// Acquire claims a job slot, waiting in FIFO order behind running jobs.
// It returns false immediately when the wait queue is full, and false
// without a slot when ctx is cancelled while waiting.
func (s *Scheduler) Acquire(ctx context.Context) bool {
	s.mu.Lock()
	if s.running < s.maxConcurrent {
		s.running++
		metrics.TranscodeJobsRunning.Set(float64(s.running))
		s.mu.Unlock()
		return true
	}
	if len(s.waiters) >= s.maxQueue {
		s.mu.Unlock()
		return false
	}

	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	metrics.TranscodeJobsWaiting.Set(float64(len(s.waiters)))
	s.mu.Unlock()

	select {
	case <-ready:
		return true
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		select {
		case <-ready:
			// Granted while cancelling: pass the slot on.
			s.releaseLocked()
		default:
			s.removeWaiterLocked(ready)
		}
		return false
	}
}

// Release frees a slot, handing it to the oldest waiter if any.
func (s *Scheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

// releaseLocked hands the slot to the head of the queue or decrements the
// running count. Caller holds s.mu.
func (s *Scheduler) releaseLocked() {
	if len(s.waiters) > 0 {
		ready := s.waiters[0]
		s.waiters = s.waiters[1:]
		metrics.TranscodeJobsWaiting.Set(float64(len(s.waiters)))
		close(ready)
		return
	}
	s.running--
	metrics.TranscodeJobsRunning.Set(float64(s.running))
}

func (s *Scheduler) removeWaiterLocked(ready chan struct{}) {
	for i, w := range s.waiters {
		if w == ready {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			metrics.TranscodeJobsWaiting.Set(float64(len(s.waiters)))
			return
		}
	}
}

// Stats returns the current queue snapshot.
func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStats{
		Running:       s.running,
		Waiting:       len(s.waiters),
		MaxConcurrent: s.maxConcurrent,
		MaxQueue:      s.maxQueue,
	}
}
