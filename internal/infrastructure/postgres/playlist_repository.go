package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hszk-dev/tunecast/internal/domain/repository"
)

// PlaylistRepository implements repository.PlaylistCache using PostgreSQL.
// Track lists are stored as a JSON column; a row that fails to decode is
// reported as corrupt so callers can re-resolve from the upstream.
type PlaylistRepository struct {
	db DBTX
}

var _ repository.PlaylistCache = (*PlaylistRepository)(nil)

func NewPlaylistRepository(db DBTX) *PlaylistRepository {
	return &PlaylistRepository{db: db}
}

// Get returns the fresh cache entry for key.
func (r *PlaylistRepository) Get(ctx context.Context, key string) (*repository.PlaylistCacheEntry, error) {
	const query = `
		SELECT key, name, cover, song_count, tracks, cached_at, expires_at
		FROM playlists
		WHERE key = $1 AND expires_at > now()
	`

	var (
		entry     repository.PlaylistCacheEntry
		cover     *string
		tracksRaw []byte
	)
	err := r.db.QueryRow(ctx, query, key).Scan(
		&entry.Key,
		&entry.Name,
		&cover,
		&entry.SongCount,
		&tracksRaw,
		&entry.CachedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrPlaylistNotCached
		}
		return nil, fmt.Errorf("failed to get playlist %s: %w", key, err)
	}
	if cover != nil {
		entry.Cover = *cover
	}

	if err := json.Unmarshal(tracksRaw, &entry.Tracks); err != nil {
		return nil, fmt.Errorf("%w: playlist %s: %v", repository.ErrPlaylistCorrupt, key, err)
	}
	if len(entry.Tracks) == 0 {
		return nil, fmt.Errorf("%w: playlist %s: empty track list", repository.ErrPlaylistCorrupt, key)
	}
	return &entry, nil
}

// Set upserts the entry for key with the given time-to-live.
func (r *PlaylistRepository) Set(ctx context.Context, entry *repository.PlaylistCacheEntry, ttl time.Duration) error {
	const query = `
		INSERT INTO playlists (key, name, cover, song_count, tracks, cached_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE
		SET name = EXCLUDED.name,
		    cover = EXCLUDED.cover,
		    song_count = EXCLUDED.song_count,
		    tracks = EXCLUDED.tracks,
		    cached_at = EXCLUDED.cached_at,
		    expires_at = EXCLUDED.expires_at
	`

	tracksRaw, err := json.Marshal(entry.Tracks)
	if err != nil {
		return fmt.Errorf("failed to marshal tracks: %w", err)
	}

	now := time.Now()
	_, err = r.db.Exec(ctx, query,
		entry.Key,
		entry.Name,
		nullString(entry.Cover),
		entry.SongCount,
		tracksRaw,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert playlist %s: %w", entry.Key, err)
	}
	return nil
}

// PurgeExpired removes entries past their expiry.
func (r *PlaylistRepository) PurgeExpired(ctx context.Context) (int64, error) {
	const query = `DELETE FROM playlists WHERE expires_at <= now()`

	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired playlists: %w", err)
	}
	return tag.RowsAffected(), nil
}

// nullString returns nil for empty strings, otherwise a pointer to the string.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
