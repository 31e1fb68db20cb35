package postgres

import (
	"context"
	"fmt"

	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/domain/repository"
)

// PlayLogRepository implements repository.PlayLogRepository using PostgreSQL.
type PlayLogRepository struct {
	db DBTX
}

var _ repository.PlayLogRepository = (*PlayLogRepository)(nil)

func NewPlayLogRepository(db DBTX) *PlayLogRepository {
	return &PlayLogRepository{db: db}
}

// Record inserts one playback-start row.
func (r *PlayLogRepository) Record(ctx context.Context, entry *model.PlayLog) error {
	const query = `
		INSERT INTO play_logs (user_id, playlist_id, track_id, track_name, artist, played_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(ctx, query,
		entry.UserID,
		entry.PlaylistID,
		entry.TrackID,
		nullString(entry.TrackName),
		nullString(entry.Artist),
		entry.PlayedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record play log: %w", err)
	}
	return nil
}
