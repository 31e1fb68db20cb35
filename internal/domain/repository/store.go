package repository

import (
	"context"
	"time"

	"github.com/hszk-dev/tunecast/internal/domain/model"
)

// UserRepository looks up accounts by playback token or id.
// Implementations should be provided by the infrastructure layer.
type UserRepository interface {
	// GetByToken retrieves a user by their opaque legacy token.
	// Returns ErrUserNotFound if no user matches.
	GetByToken(ctx context.Context, source model.Source, token string) (*model.User, error)

	// GetByID retrieves a user by numeric id.
	// Returns ErrUserNotFound if no user matches.
	GetByID(ctx context.Context, source model.Source, id int64) (*model.User, error)
}

// PlaylistCacheEntry is one row of the playlist metadata cache. Tracks is
// decoded lazily so corrupt rows can be detected and reported distinctly.
type PlaylistCacheEntry struct {
	Key       string
	Name      string
	Cover     string
	SongCount int
	Tracks    []model.Track
	CachedAt  time.Time
	ExpiresAt time.Time
}

// PlaylistCache stores resolved playlists keyed by "source-scoped" playlist
// key (playlist id for netease, "qq:<id>" for QQ).
type PlaylistCache interface {
	// Get returns the fresh entry for key, ErrPlaylistNotCached if absent or
	// expired, or ErrPlaylistCorrupt if the stored track list cannot be
	// decoded.
	Get(ctx context.Context, key string) (*PlaylistCacheEntry, error)

	// Set upserts the entry for key with the given time-to-live.
	Set(ctx context.Context, entry *PlaylistCacheEntry, ttl time.Duration) error

	// PurgeExpired removes entries past their expiry.
	PurgeExpired(ctx context.Context) (int64, error)
}

// PlayLogRepository records playback starts. Failures are advisory; callers
// log and continue.
type PlayLogRepository interface {
	Record(ctx context.Context, entry *model.PlayLog) error
}
