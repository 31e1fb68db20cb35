package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/domain/repository"
	"github.com/hszk-dev/tunecast/internal/hlscache"
	"github.com/hszk-dev/tunecast/internal/infrastructure/metrics"
)

// preloadMarkerLimit caps the dedup marker set. The set only has to stop
// bursts of identical requests, so wholesale clearing is fine.
const preloadMarkerLimit = 100

// PreloadService warms the segment cache in the background: the head of a
// freshly resolved playlist (bulk) and the tracks following the one just
// played (read-ahead). Tasks ride the queue when one is configured and fall
// back to an in-process goroutine otherwise.
type PreloadService struct {
	playlists *PlaylistService
	generator *GenerateService
	cache     *hlscache.DiskCache
	queue     repository.PreloadQueue
	autoCount int
	readAhead int
	logger    *slog.Logger

	mu      sync.Mutex
	markers map[string]struct{}
}

// NewPreloadService builds the service. queue may be nil; every task then
// runs on an in-process goroutine. readAhead is how many tracks past the
// one just played get warmed.
func NewPreloadService(
	playlists *PlaylistService,
	generator *GenerateService,
	cache *hlscache.DiskCache,
	queue repository.PreloadQueue,
	autoCount, readAhead int,
	logger *slog.Logger,
) *PreloadService {
	return &PreloadService{
		playlists: playlists,
		generator: generator,
		cache:     cache,
		queue:     queue,
		autoCount: autoCount,
		readAhead: readAhead,
		logger:    logger,
		markers:   make(map[string]struct{}),
	}
}

// RequestBulk enqueues warming of the first count tracks of a playlist.
func (s *PreloadService) RequestBulk(ctx context.Context, source model.Source, mode model.Mode, playlistID, credential, coverURL string, count int) {
	if count <= 0 {
		return
	}
	task := repository.PreloadTask{
		Kind:       repository.PreloadBulk,
		Source:     source,
		Mode:       mode,
		PlaylistID: playlistID,
		Count:      count,
		CoverURL:   coverURL,
		Credential: credential,
	}
	if !s.mark(taskMarker(task)) {
		return
	}
	s.enqueue(ctx, task)
}

// RequestReadAhead enqueues warming of the tracks after anchorTrackID.
func (s *PreloadService) RequestReadAhead(ctx context.Context, source model.Source, mode model.Mode, playlistID, anchorTrackID, credential, coverURL string) {
	if s.readAhead <= 0 {
		return
	}
	task := repository.PreloadTask{
		Kind:          repository.PreloadReadAhead,
		Source:        source,
		Mode:          mode,
		PlaylistID:    playlistID,
		AnchorTrackID: anchorTrackID,
		Count:         s.readAhead,
		CoverURL:      coverURL,
		Credential:    credential,
	}
	if !s.mark(taskMarker(task)) {
		return
	}
	s.enqueue(ctx, task)
}

// taskMarker derives the dedup marker from the task itself, so the handler
// can drop it once the task completes wherever the task came from.
func taskMarker(task repository.PreloadTask) string {
	if task.Kind == repository.PreloadReadAhead {
		return fmt.Sprintf("next:%s:%s:%s", task.Source, task.Mode, task.AnchorTrackID)
	}
	return fmt.Sprintf("bulk:%s:%s:%s", task.Source, task.Mode, task.PlaylistID)
}

// Run consumes queued tasks until ctx is cancelled. It returns immediately
// when no queue is configured.
func (s *PreloadService) Run(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.ConsumePreloadTasks(ctx, s.Handle)
}

// Handle warms the cache for one task. Errors are reported for logging but
// tasks are never retried.
func (s *PreloadService) Handle(task repository.PreloadTask) error {
	// Markers live only while the task is queued or running; clearing here
	// lets a later trigger re-warm after eviction empties the cache.
	defer s.unmark(taskMarker(task))

	ctx := context.Background()

	playlist, err := s.playlists.Resolve(ctx, task.Source, task.PlaylistID, task.Credential)
	if err != nil {
		metrics.PreloadTracksTotal.WithLabelValues(metrics.PreloadResultError).Inc()
		return fmt.Errorf("resolve playlist %s: %w", task.PlaylistID, err)
	}

	tracks := s.pickTracks(playlist, task)
	if len(tracks) == 0 {
		return nil
	}

	cat, err := s.playlists.Catalogue(task.Source)
	if err != nil {
		return err
	}

	var firstErr error
	for _, track := range tracks {
		if err := s.warmTrack(ctx, cat, task, track); err != nil {
			s.logger.Warn("preload track failed",
				"kind", task.Kind,
				"source", task.Source,
				"track", track.ID,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *PreloadService) pickTracks(playlist *model.Playlist, task repository.PreloadTask) []model.Track {
	switch task.Kind {
	case repository.PreloadReadAhead:
		_, idx := playlist.TrackByID(task.AnchorTrackID)
		if idx < 0 {
			return nil
		}
		end := idx + 1 + task.Count
		if end > len(playlist.Tracks) {
			end = len(playlist.Tracks)
		}
		return playlist.Tracks[idx+1 : end]
	default:
		end := task.Count
		if end > len(playlist.Tracks) {
			end = len(playlist.Tracks)
		}
		return playlist.Tracks[:end]
	}
}

func (s *PreloadService) warmTrack(ctx context.Context, cat catalogueResolver, task repository.PreloadTask, track model.Track) error {
	key := model.NewCacheKey(task.Source, task.Mode, track.ID)
	if s.cache.IsCached(key) {
		metrics.PreloadTracksTotal.WithLabelValues(metrics.PreloadResultSkipped).Inc()
		return nil
	}

	audioURL, err := cat.ResolveTrackURL(ctx, track.ID, task.Credential)
	if err != nil {
		metrics.PreloadTracksTotal.WithLabelValues(metrics.PreloadResultError).Inc()
		return fmt.Errorf("resolve track %s: %w", track.ID, err)
	}

	coverURL := task.CoverURL
	if coverURL == "" {
		coverURL = cat.TrackCoverURL(track)
	}

	if _, err := s.generator.EnsureCached(ctx, key, audioURL, coverURL); err != nil {
		metrics.PreloadTracksTotal.WithLabelValues(metrics.PreloadResultError).Inc()
		return fmt.Errorf("generate %s: %w", key, err)
	}
	metrics.PreloadTracksTotal.WithLabelValues(metrics.PreloadResultGenerated).Inc()
	return nil
}

// catalogueResolver is the slice of the catalogue interface preload needs.
type catalogueResolver interface {
	ResolveTrackURL(ctx context.Context, trackID, credential string) (string, error)
	TrackCoverURL(track model.Track) string
}

// mark records a dedup marker, reporting false when it was already set.
func (s *PreloadService) mark(marker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[marker]; ok {
		return false
	}
	if len(s.markers) >= preloadMarkerLimit {
		s.markers = make(map[string]struct{})
	}
	s.markers[marker] = struct{}{}
	return true
}

func (s *PreloadService) unmark(marker string) {
	s.mu.Lock()
	delete(s.markers, marker)
	s.mu.Unlock()
}

func (s *PreloadService) enqueue(ctx context.Context, task repository.PreloadTask) {
	if s.queue != nil {
		err := s.queue.PublishPreloadTask(ctx, task)
		if err == nil {
			return
		}
		s.logger.Warn("preload publish failed, running inline", "kind", task.Kind, "error", err)
	}
	go func() {
		if err := s.Handle(task); err != nil {
			s.logger.Warn("inline preload failed", "kind", task.Kind, "error", err)
		}
	}()
}
