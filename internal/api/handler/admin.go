package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hszk-dev/tunecast/internal/hlscache"
	"github.com/hszk-dev/tunecast/internal/usecase"
)

// adminEntryLimit caps the per-entry listing in the status response.
const adminEntryLimit = 50

// AdminConfigEcho reports the effective cache settings in the status body.
type AdminConfigEcho struct {
	CacheDir        string  `json:"cacheDir"`
	MaxAgeHours     float64 `json:"maxAgeHours"`
	MaxSizeBytes    int64   `json:"maxSizeBytes"`
	SegmentDuration int     `json:"segmentDuration"`
}

// AdminCacheEntry is one cache directory in the status listing.
type AdminCacheEntry struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"sizeBytes"`
	ModTime   time.Time `json:"modTime"`
}

// AdminStatusResponse is the body of GET /admin/cache/status.
type AdminStatusResponse struct {
	EntryCount     int                `json:"entryCount"`
	TotalSizeBytes int64              `json:"totalSizeBytes"`
	Queue          usecase.QueueStats `json:"queue"`
	Config         AdminConfigEcho    `json:"config"`
	Entries        []AdminCacheEntry  `json:"entries"`
}

// AdminHandler exposes the operator cache surface.
type AdminHandler struct {
	cache     *hlscache.DiskCache
	scheduler *usecase.Scheduler
	config    AdminConfigEcho
	logger    *slog.Logger
}

func NewAdminHandler(cache *hlscache.DiskCache, scheduler *usecase.Scheduler, config AdminConfigEcho, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		cache:     cache,
		scheduler: scheduler,
		config:    config,
		logger:    logger,
	}
}

// CacheStatus handles GET /admin/cache/status.
func (h *AdminHandler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := h.cache.Entries()
	if err != nil {
		Error(w, http.StatusInternalServerError, "cache_scan_failed", "Could not list cache entries")
		return
	}

	resp := AdminStatusResponse{
		EntryCount: len(entries),
		Queue:      h.scheduler.Stats(),
		Config:     h.config,
		Entries:    make([]AdminCacheEntry, 0, adminEntryLimit),
	}
	for _, e := range entries {
		resp.TotalSizeBytes += e.SizeBytes
		if len(resp.Entries) >= adminEntryLimit {
			continue
		}
		name := e.DirName
		if e.KeyValid {
			name = e.Key.String()
		}
		resp.Entries = append(resp.Entries, AdminCacheEntry{
			Key:       name,
			SizeBytes: e.SizeBytes,
			ModTime:   e.ModTime,
		})
	}

	JSON(w, http.StatusOK, resp)
}

// PurgeCache handles DELETE /admin/cache.
func (h *AdminHandler) PurgeCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.PurgeAll(); err != nil {
		h.logger.Error("cache purge failed", "error", err)
		Error(w, http.StatusInternalServerError, "purge_failed", "Cache purge did not complete")
		return
	}
	h.logger.Info("cache purged by admin")
	JSON(w, http.StatusOK, map[string]string{"status": "purged"})
}
