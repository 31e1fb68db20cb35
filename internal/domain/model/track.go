package model

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Source identifies the upstream catalogue a track belongs to.
type Source string

const (
	SourceNetease Source = "netease"
	SourceQQ      Source = "qq"
)

func (s Source) IsValid() bool {
	switch s {
	case SourceNetease, SourceQQ:
		return true
	default:
		return false
	}
}

func (s Source) String() string {
	return string(s)
}

// Mode selects the cover treatment for generated segments. It never affects
// the audio, only which still image is looped behind it.
type Mode string

const (
	ModeDefault   Mode = "default"
	ModeLiteVideo Mode = "lite_video"
)

// ParseMode maps a raw query value to a known mode, defaulting to ModeDefault.
func ParseMode(raw string) Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ModeLiteVideo)) {
		return ModeLiteVideo
	}
	return ModeDefault
}

func (m Mode) IsLiteVideo() bool {
	return m == ModeLiteVideo
}

func (m Mode) String() string {
	return string(m)
}

var (
	ErrInvalidTrackID    = errors.New("invalid track ID for source")
	ErrInvalidPlaylistID = errors.New("invalid playlist ID")
	ErrInvalidCacheKey   = errors.New("invalid cache key")
)

var (
	neteaseIDPattern = regexp.MustCompile(`^\d{1,20}$`)
	qqIDPattern      = regexp.MustCompile(`^[A-Za-z0-9]{1,64}$`)
)

// ValidTrackID reports whether id is a well-formed track identifier for the
// given source. Netease uses numeric ids; QQ uses alphanumeric mids.
func ValidTrackID(source Source, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if source == SourceQQ {
		return qqIDPattern.MatchString(id)
	}
	return neteaseIDPattern.MatchString(id)
}

// ValidPlaylistID reports whether id is a well-formed playlist identifier.
// Both upstreams use numeric playlist ids.
func ValidPlaylistID(id string) bool {
	return neteaseIDPattern.MatchString(id)
}

// CacheKey uniquely identifies one cacheable unit of transcode work.
// Two keys are equal iff source, mode and track id all match.
type CacheKey struct {
	Source  Source
	Mode    Mode
	TrackID string
}

func NewCacheKey(source Source, mode Mode, trackID string) CacheKey {
	if mode != ModeLiteVideo {
		mode = ModeDefault
	}
	return CacheKey{Source: source, Mode: mode, TrackID: trackID}
}

// String returns the canonical "source:mode:trackID" form used for lock
// table entries and preload dedup markers.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Source, k.Mode, k.TrackID)
}

// FSName returns a filesystem-safe encoding of the key that round-trips
// arbitrary track ids through ParseFSName.
func (k CacheKey) FSName() string {
	return url.QueryEscape(k.String())
}

// ParseCacheKey parses the canonical "source:mode:trackID" form.
func ParseCacheKey(s string) (CacheKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return CacheKey{}, ErrInvalidCacheKey
	}
	source := Source(parts[0])
	if !source.IsValid() {
		return CacheKey{}, ErrInvalidCacheKey
	}
	mode := Mode(parts[1])
	if mode != ModeDefault && mode != ModeLiteVideo {
		return CacheKey{}, ErrInvalidCacheKey
	}
	if parts[2] == "" {
		return CacheKey{}, ErrInvalidCacheKey
	}
	return CacheKey{Source: source, Mode: mode, TrackID: parts[2]}, nil
}

// ParseFSName decodes a directory name produced by FSName back to a key.
func ParseFSName(name string) (CacheKey, error) {
	decoded, err := url.QueryUnescape(name)
	if err != nil {
		return CacheKey{}, fmt.Errorf("%w: %s", ErrInvalidCacheKey, name)
	}
	return ParseCacheKey(decoded)
}

// Track is one playable entry of a playlist as cached from an upstream
// catalogue. Duration is in whole seconds; Cover may be empty.
type Track struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Artist   string `json:"artist"`
	Duration int    `json:"duration"`
	Cover    string `json:"cover,omitempty"`
}

// Playlist is the resolved form of an upstream playlist.
type Playlist struct {
	ID        string
	Name      string
	Cover     string
	SongCount int
	Tracks    []Track
}

// TrackByID returns the track with the given id and its position, or -1.
func (p *Playlist) TrackByID(id string) (Track, int) {
	for i, t := range p.Tracks {
		if t.ID == id {
			return t, i
		}
	}
	return Track{}, -1
}
