package repository

import "errors"

var (
	// ErrUserNotFound is returned when no user matches a token or id.
	ErrUserNotFound = errors.New("user not found")

	// ErrPlaylistNotCached is returned when the playlist metadata cache has
	// no fresh entry for a key.
	ErrPlaylistNotCached = errors.New("playlist not cached")

	// ErrPlaylistCorrupt is returned when a cached playlist entry exists but
	// its serialized track list cannot be decoded. Callers should fall back
	// to live resolution.
	ErrPlaylistCorrupt = errors.New("playlist cache entry corrupt")
)
