package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the database liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Health reports process and database liveness. The process answers "ok"
// even when the database is down; playback from a warm cache still works.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", Database: "up"}
		if err := db.Ping(ctx); err != nil {
			resp.Database = "down"
		}
		JSON(w, http.StatusOK, resp)
	}
}
