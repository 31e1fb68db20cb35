// Package transcoder turns a downloaded audio file plus a cover image into
// an HLS rendition: a still-image video track over the original audio, cut
// into fixed-duration MPEG-TS segments.
package transcoder

import (
	"context"
	"errors"
)

var (
	// ErrStalled is returned when ffmpeg produced no output for longer than
	// the stall timeout and was killed.
	ErrStalled = errors.New("transcode stalled")

	// ErrNoSegments is returned when ffmpeg exited successfully but wrote no
	// segment files.
	ErrNoSegments = errors.New("no segments produced")
)

// Input describes one transcode job. All paths are local files prepared by
// the caller; the transcoder never touches the network.
type Input struct {
	// AudioPath is the downloaded audio file.
	AudioPath string
	// CoverPath is the downloaded cover image used as the video track.
	CoverPath string
	// OutputDir receives the ffmpeg playlist and segment files. It must
	// exist and should be a scratch directory; the caller publishes the
	// results elsewhere.
	OutputDir string
}

// Result holds the artifacts of a completed transcode.
type Result struct {
	// ManifestPath is the playlist ffmpeg wrote. Its EXTINF entries carry
	// the exact per-segment durations.
	ManifestPath string
	// SegmentPaths lists the produced segment files in playback order.
	SegmentPaths []string
}

// Transcoder converts an audio/cover pair into HLS segments.
type Transcoder interface {
	Transcode(ctx context.Context, in Input) (*Result, error)
}
