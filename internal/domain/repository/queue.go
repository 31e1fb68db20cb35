package repository

import (
	"context"

	"github.com/hszk-dev/tunecast/internal/domain/model"
)

// PreloadKind distinguishes the two background caching flows.
type PreloadKind string

const (
	// PreloadBulk caches the first N tracks of a freshly resolved playlist.
	PreloadBulk PreloadKind = "bulk"
	// PreloadReadAhead caches the 1-2 tracks following the one just played.
	PreloadReadAhead PreloadKind = "read_ahead"
)

// PreloadTask asks the background worker to warm the segment cache. The
// credential is the user's decrypted upstream cookie; tasks stay within one
// process so it never crosses a trust boundary in the clear beyond the
// broker configured for this deployment.
type PreloadTask struct {
	Kind       PreloadKind  `json:"kind"`
	Source     model.Source `json:"source"`
	Mode       model.Mode   `json:"mode"`
	PlaylistID string       `json:"playlist_id"`
	// AnchorTrackID is the just-played track for read-ahead tasks.
	AnchorTrackID string `json:"anchor_track_id,omitempty"`
	// Count limits how many tracks a bulk task warms.
	Count      int    `json:"count,omitempty"`
	CoverURL   string `json:"cover_url,omitempty"`
	Credential string `json:"credential"`
}

// PreloadQueue decouples request handlers from cache warming. Publish must
// not block the caller on transcode work.
type PreloadQueue interface {
	// PublishPreloadTask enqueues a warming task.
	PublishPreloadTask(ctx context.Context, task PreloadTask) error

	// ConsumePreloadTasks delivers tasks to handler until ctx is cancelled.
	// Handler errors are not redelivered; preload is best effort.
	ConsumePreloadTasks(ctx context.Context, handler func(task PreloadTask) error) error

	// Close gracefully closes the connection to the queue.
	Close() error
}
