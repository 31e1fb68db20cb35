// Package catalogue resolves tracks and playlists from upstream music
// services. Each source implements the Catalogue interface; handlers pick
// one by route prefix.
package catalogue

import (
	"context"
	"errors"
	"net/url"
	"regexp"

	"github.com/hszk-dev/tunecast/internal/domain/model"
)

var (
	// ErrTrackUnavailable is returned when the upstream has no playable URL
	// for a track (region lock, paid-only, removed).
	ErrTrackUnavailable = errors.New("track unavailable")

	// ErrPlaylistNotFound is returned when the upstream does not know the
	// playlist id.
	ErrPlaylistNotFound = errors.New("playlist not found")

	// ErrUpstream wraps transport or decoding failures talking to the
	// upstream API.
	ErrUpstream = errors.New("upstream error")
)

// Catalogue is one upstream music service.
type Catalogue interface {
	// Source identifies the service.
	Source() model.Source

	// ResolveTrackURL returns a downloadable audio URL for a track.
	// credential is the caller's upstream cookie string, may be empty.
	ResolveTrackURL(ctx context.Context, trackID, credential string) (string, error)

	// ResolvePlaylist fetches playlist metadata including its track list.
	ResolvePlaylist(ctx context.Context, playlistID, credential string) (*model.Playlist, error)

	// TrackCoverURL picks the cover image to render for a track, applying
	// source-specific size optimization, with a configurable fallback.
	TrackCoverURL(track model.Track) string

	// PlayLogTrackID and PlayLogPlaylistID map ids to the form recorded in
	// play logs, so rows from different sources don't collide.
	PlayLogTrackID(trackID string) string
	PlayLogPlaylistID(playlistID string) string
}

var neteaseCoverHost = regexp.MustCompile(`^p\d+\.music\.126\.net$`)

// OptimizeNeteaseCover requests a 1080x1080 rendition from netease image
// hosts. Other URLs pass through unchanged.
func OptimizeNeteaseCover(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !neteaseCoverHost.MatchString(u.Hostname()) {
		return raw
	}
	q := u.Query()
	q.Set("param", "1080y1080")
	u.RawQuery = q.Encode()
	return u.String()
}
