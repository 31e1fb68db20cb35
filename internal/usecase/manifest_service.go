package usecase

import (
	"fmt"
	"math"
	"time"

	"github.com/mogiioin/hls-m3u8/m3u8"

	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/hlscache"
)

// unknownTrackDuration substitutes for tracks whose catalogue duration is
// missing. Players re-fetch the manifest, so the estimate only has to be
// long enough to keep them seeking forward.
const unknownTrackDuration = 240

// SegmentURLFunc renders the public URL of one segment of one track.
type SegmentURLFunc func(trackID string, index int) string

// ManifestService synthesizes a single VOD playlist spanning all tracks of
// a playlist. Cached tracks contribute their exact segment durations;
// uncached tracks contribute an estimate that converges to the exact shape
// once the track is generated.
type ManifestService struct {
	cache           *hlscache.DiskCache
	segmentDuration float64
}

func NewManifestService(cache *hlscache.DiskCache, segmentDuration float64) *ManifestService {
	return &ManifestService{
		cache:           cache,
		segmentDuration: segmentDuration,
	}
}

// trackSegments is the per-track plan the playlist is assembled from.
type trackSegments struct {
	trackID   string
	durations []float64
}

// Build renders the playlist for tracks[start:], one DISCONTINUITY per
// track boundary and a PROGRAM-DATE-TIME anchor per track.
func (s *ManifestService) Build(playlist *model.Playlist, start int, source model.Source, mode model.Mode, segmentURL SegmentURLFunc) ([]byte, error) {
	if start < 0 || start >= len(playlist.Tracks) {
		start = 0
	}
	tracks := playlist.Tracks[start:]
	if len(tracks) == 0 {
		return nil, fmt.Errorf("playlist %s has no tracks", playlist.ID)
	}

	plans := make([]trackSegments, 0, len(tracks))
	total := 0
	for _, track := range tracks {
		durations := s.segmentPlan(model.NewCacheKey(source, mode, track.ID), track.Duration)
		plans = append(plans, trackSegments{trackID: track.ID, durations: durations})
		total += len(durations)
	}

	media, err := m3u8.NewMediaPlaylist(0, uint(total))
	if err != nil {
		return nil, fmt.Errorf("new media playlist: %w", err)
	}
	media.MediaType = m3u8.VOD
	media.SetWritePrecision(6)

	anchor := time.Now().UTC()
	for trackIdx, plan := range plans {
		for segIdx, duration := range plan.durations {
			uri := segmentURL(plan.trackID, segIdx)
			if err := media.Append(uri, duration, ""); err != nil {
				return nil, fmt.Errorf("append segment: %w", err)
			}
			if segIdx == 0 {
				if trackIdx > 0 {
					if err := media.SetDiscontinuity(); err != nil {
						return nil, fmt.Errorf("set discontinuity: %w", err)
					}
				}
				if err := media.SetProgramDateTime(anchor); err != nil {
					return nil, fmt.Errorf("set program date time: %w", err)
				}
			}
			anchor = anchor.Add(time.Duration(duration * float64(time.Second)))
		}
	}

	media.SetTargetDuration(uint(s.segmentDuration) + 1)
	media.Close()
	return media.Encode().Bytes(), nil
}

// segmentPlan returns the exact durations for a cached track, or an
// estimate derived from the catalogue duration otherwise. Only a descriptor
// the serving layer would accept counts; a stale or wrong-version entry
// regenerates on first request and may come back with different durations.
func (s *ManifestService) segmentPlan(key model.CacheKey, catalogueDuration int) []float64 {
	if desc, err := s.cache.ValidDescriptor(key); err == nil && len(desc.SegmentDurations) > 0 {
		return desc.SegmentDurations
	}
	return s.estimate(catalogueDuration)
}

func (s *ManifestService) estimate(catalogueDuration int) []float64 {
	total := float64(catalogueDuration)
	if total <= 0 {
		total = unknownTrackDuration
	}
	count := int(math.Ceil(total / s.segmentDuration))
	if count < 1 {
		count = 1
	}
	durations := make([]float64, count)
	for i := range durations {
		durations[i] = s.segmentDuration
	}
	if remainder := total - float64(count-1)*s.segmentDuration; remainder > 0 {
		durations[count-1] = remainder
	}
	return durations
}
