package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hszk-dev/tunecast/internal/catalogue"
	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/domain/repository"
	"github.com/hszk-dev/tunecast/internal/infrastructure/metrics"
)

// ErrSourceUnknown is returned for sources no catalogue is registered for.
var ErrSourceUnknown = errors.New("unknown catalogue source")

// PlaylistService resolves playlists through the metadata cache, falling
// back to the upstream catalogue on misses, corrupt rows and rows cached
// before covers were stored. Concurrent resolutions of one playlist are
// coalesced.
type PlaylistService struct {
	catalogues map[model.Source]catalogue.Catalogue
	store      repository.PlaylistCache
	ttl        time.Duration
	group      singleflight.Group
	logger     *slog.Logger
}

func NewPlaylistService(catalogues []catalogue.Catalogue, store repository.PlaylistCache, ttl time.Duration, logger *slog.Logger) *PlaylistService {
	byID := make(map[model.Source]catalogue.Catalogue, len(catalogues))
	for _, cat := range catalogues {
		byID[cat.Source()] = cat
	}
	return &PlaylistService{
		catalogues: byID,
		store:      store,
		ttl:        ttl,
		logger:     logger,
	}
}

// Catalogue returns the registered catalogue for source.
func (s *PlaylistService) Catalogue(source model.Source) (catalogue.Catalogue, error) {
	cat, ok := s.catalogues[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnknown, source)
	}
	return cat, nil
}

// Resolve returns the playlist for source/playlistID, from cache when a
// fresh usable entry exists.
func (s *PlaylistService) Resolve(ctx context.Context, source model.Source, playlistID, credential string) (*model.Playlist, error) {
	if !model.ValidPlaylistID(playlistID) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidPlaylistID, playlistID)
	}
	cat, err := s.Catalogue(source)
	if err != nil {
		return nil, err
	}

	key := cat.PlayLogPlaylistID(playlistID)
	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.resolve(ctx, cat, key, playlistID, credential)
	})
	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*model.Playlist), nil
}

func (s *PlaylistService) resolve(ctx context.Context, cat catalogue.Catalogue, key, playlistID, credential string) (*model.Playlist, error) {
	entry, err := s.store.Get(ctx, key)
	switch {
	case err == nil && hasTrackCovers(entry.Tracks):
		return &model.Playlist{
			ID:        playlistID,
			Name:      entry.Name,
			Cover:     entry.Cover,
			SongCount: entry.SongCount,
			Tracks:    entry.Tracks,
		}, nil
	case err == nil:
		// Cached before covers were stored; refresh from upstream.
	case errors.Is(err, repository.ErrPlaylistNotCached):
	case errors.Is(err, repository.ErrPlaylistCorrupt):
		s.logger.Warn("discarding corrupt playlist cache row", "key", key, "error", err)
	default:
		// Database trouble must not take playback down with it.
		s.logger.Warn("playlist cache lookup failed", "key", key, "error", err)
	}

	playlist, err := cat.ResolvePlaylist(ctx, playlistID, credential)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	setErr := s.store.Set(ctx, &repository.PlaylistCacheEntry{
		Key:       key,
		Name:      playlist.Name,
		Cover:     playlist.Cover,
		SongCount: playlist.SongCount,
		Tracks:    playlist.Tracks,
		CachedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}, s.ttl)
	if setErr != nil {
		s.logger.Warn("playlist cache write failed", "key", key, "error", setErr)
	}
	return playlist, nil
}

// hasTrackCovers reports whether at least one track carries a cover URL.
// Entries written before cover support have none and must be refreshed.
func hasTrackCovers(tracks []model.Track) bool {
	for _, t := range tracks {
		if t.Cover != "" {
			return true
		}
	}
	return false
}
