package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/tunecast/internal/auth"
	"github.com/hszk-dev/tunecast/internal/catalogue"
	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/domain/repository"
	"github.com/hszk-dev/tunecast/internal/hlscache"
	"github.com/hszk-dev/tunecast/internal/infrastructure/metrics"
	"github.com/hszk-dev/tunecast/internal/usecase"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	// segmentCacheControl is safe because segment content is immutable for
	// a given key until eviction, and eviction changes the URL outcome to a
	// regeneration, not different bytes.
	segmentCacheControl = "public, max-age=86400"

	busyRetryAfterSeconds = 5
)

var errTrackNotInPlaylist = errors.New("track not in playlist")

// HLSConfig is the handler-facing slice of the server configuration.
type HLSConfig struct {
	BaseURL         string
	PreloadAuto     int
	PreloadMaxCount int
	// LegacyTokenTTL bounds lite_video cover bindings for tokens that carry
	// no expiry of their own.
	LegacyTokenTTL time.Duration
}

// HLSDeps collects the collaborators of HLSHandler.
type HLSDeps struct {
	Users     repository.UserRepository
	PlayLogs  repository.PlayLogRepository
	Cipher    *auth.Cipher
	Tokens    *auth.TokenIssuer
	Playlists *usecase.PlaylistService
	Manifests *usecase.ManifestService
	Generator *usecase.GenerateService
	Preloads  *usecase.PreloadService
	Covers    *usecase.CoverService
	Cache     *hlscache.DiskCache
	Scheduler *usecase.Scheduler
	Config    HLSConfig
	Logger    *slog.Logger
}

// HLSHandler serves manifests and segments for one or more catalogue
// sources. Every route authenticates the access token before touching the
// cache or the upstream.
type HLSHandler struct {
	deps HLSDeps
}

func NewHLSHandler(deps HLSDeps) *HLSHandler {
	return &HLSHandler{deps: deps}
}

// Mount registers the playback routes for one source.
func (h *HLSHandler) Mount(r chi.Router, source model.Source) {
	r.Get("/{token}/{playlistID}/stream.m3u8", h.Stream(source))
	r.Get("/{token}/{playlistID}/seg/{trackID}/{index}.ts", h.Segment(source))
	r.Get("/{token}/{playlistID}/song/{trackID}.ts", h.Song(source))
	r.Post("/{token}/{playlistID}/preload", h.Preload(source))
}

// RoutePrefix returns the mount point for a source's playback routes.
func RoutePrefix(source model.Source) string {
	if source == model.SourceQQ {
		return "/api/qq/hls"
	}
	return "/api/hls"
}

// session is an authenticated request context.
type session struct {
	user       *model.User
	credential string
	// coverTTL is how long a lite_video background binding for this token
	// may live.
	coverTTL time.Duration
}

func (h *HLSHandler) authenticate(ctx context.Context, source model.Source, token, playlistID string) (*session, error) {
	if !auth.IsLikelyToken(token) {
		return nil, auth.ErrBadToken
	}

	var (
		user *model.User
		err  error
		ttl  = h.deps.Config.LegacyTokenTTL
	)
	if auth.IsLegacyToken(token) {
		user, err = h.deps.Users.GetByToken(ctx, source, token)
	} else {
		var claims *auth.TokenClaims
		claims, err = h.deps.Tokens.Verify(token, playlistID)
		if err == nil {
			ttl = time.Until(claims.ExpiresAt)
			user, err = h.deps.Users.GetByID(ctx, source, claims.UserID)
		}
	}
	if err != nil {
		return nil, err
	}

	credential := ""
	if user.Credential != "" {
		credential, err = h.deps.Cipher.Decrypt(user.Credential)
		if err != nil {
			// A corrupt credential only loses the per-user upstream
			// session; anonymous resolution still works for free tracks.
			h.deps.Logger.Warn("stored credential unreadable", "user_id", user.ID)
			credential = ""
		}
	}
	return &session{user: user, credential: credential, coverTTL: ttl}, nil
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	default:
		return http.StatusUnauthorized
	}
}

// Stream handles GET /{token}/{playlistID}/stream.m3u8.
func (h *HLSHandler) Stream(source model.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		playlistID := chi.URLParam(r, "playlistID")
		mode := model.ParseMode(r.URL.Query().Get("mode"))
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))

		sess, err := h.authenticate(r.Context(), source, token, playlistID)
		if err != nil {
			h.manifestError(w, authStatus(err), "access denied")
			return
		}

		playlist, err := h.deps.Playlists.Resolve(r.Context(), source, playlistID, sess.credential)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, catalogue.ErrPlaylistNotFound) || errors.Is(err, model.ErrInvalidPlaylistID) {
				status = http.StatusNotFound
			}
			h.manifestError(w, status, "playlist unavailable")
			return
		}

		coverURL := ""
		if mode.IsLiteVideo() {
			coverURL = h.deps.Covers.BackgroundForToken(r.Context(), token, sess.coverTTL)
		}

		doc, err := h.deps.Manifests.Build(playlist, start, source, mode, h.segmentURL(source, token, playlistID, mode))
		if err != nil {
			h.manifestError(w, http.StatusInternalServerError, "manifest build failed")
			return
		}

		w.Header().Set("Content-Type", manifestContentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Write(doc)

		h.deps.Preloads.RequestBulk(r.Context(), source, mode, playlistID, sess.credential, coverURL, h.deps.Config.PreloadAuto)
	}
}

func (h *HLSHandler) segmentURL(source model.Source, token, playlistID string, mode model.Mode) usecase.SegmentURLFunc {
	return func(trackID string, index int) string {
		u := fmt.Sprintf("%s%s/%s/%s/seg/%s/%d.ts",
			h.deps.Config.BaseURL, RoutePrefix(source), token, playlistID, url.PathEscape(trackID), index)
		if mode.IsLiteVideo() {
			u += "?mode=" + string(model.ModeLiteVideo)
		}
		return u
	}
}

// manifestError answers a manifest request with a playlist-shaped error
// body, which players surface better than a bare status code.
func (h *HLSHandler) manifestError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", manifestContentType)
	w.WriteHeader(status)
	fmt.Fprintf(w, "#EXTM3U\n#EXT-X-ERROR: %s\n", reason)
}

// Segment handles GET /{token}/{playlistID}/seg/{trackID}/{index}.ts.
func (h *HLSHandler) Segment(source model.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		playlistID := chi.URLParam(r, "playlistID")
		trackID := chi.URLParam(r, "trackID")
		mode := model.ParseMode(r.URL.Query().Get("mode"))

		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil || index < 0 {
			Error(w, http.StatusBadRequest, "invalid_segment_index", "Segment index must be a non-negative integer")
			return
		}
		if !model.ValidTrackID(source, trackID) {
			Error(w, http.StatusBadRequest, "invalid_track_id", "Malformed track identifier")
			return
		}

		sess, err := h.authenticate(r.Context(), source, token, playlistID)
		if err != nil {
			Error(w, authStatus(err), "access_denied", "Token rejected")
			return
		}

		key := model.NewCacheKey(source, mode, trackID)
		info, statErr := h.deps.Cache.StatSegment(key, index)
		if statErr != nil {
			metrics.SegmentRequestsTotal.WithLabelValues(metrics.SegmentStatusMiss).Inc()
			info, err = h.generateAndStat(r.Context(), source, key, token, playlistID, trackID, index, sess)
			if err != nil {
				h.segmentError(w, err)
				return
			}
		} else {
			metrics.SegmentRequestsTotal.WithLabelValues(metrics.SegmentStatusHit).Inc()
		}

		h.serveSegment(w, r, key, index, info)

		if index == 0 {
			go h.afterFirstSegment(source, mode, token, playlistID, trackID, sess)
		}
	}
}

// generateAndStat runs the transcode pipeline for a cache miss and re-stats
// the requested segment.
func (h *HLSHandler) generateAndStat(ctx context.Context, source model.Source, key model.CacheKey, token, playlistID, trackID string, index int, sess *session) (os.FileInfo, error) {
	cat, err := h.deps.Playlists.Catalogue(source)
	if err != nil {
		return nil, err
	}

	playlist, err := h.deps.Playlists.Resolve(ctx, source, playlistID, sess.credential)
	if err != nil {
		return nil, err
	}
	track, pos := playlist.TrackByID(trackID)
	if pos < 0 {
		return nil, errTrackNotInPlaylist
	}

	audioURL, err := cat.ResolveTrackURL(ctx, trackID, sess.credential)
	if err != nil {
		return nil, err
	}
	coverURL := cat.TrackCoverURL(track)
	if key.Mode.IsLiteVideo() {
		coverURL = h.deps.Covers.BackgroundForToken(ctx, token, sess.coverTTL)
	}

	if _, err := h.deps.Generator.EnsureCached(ctx, key, audioURL, coverURL); err != nil {
		return nil, err
	}
	return h.deps.Cache.StatSegment(key, index)
}

func (h *HLSHandler) segmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, usecase.ErrBusy):
		h.busyResponse(w)
	case errors.Is(err, errTrackNotInPlaylist):
		Error(w, http.StatusNotFound, "track_not_found", "Track is not part of this playlist")
	case errors.Is(err, hlscache.ErrSegmentMissing):
		Error(w, http.StatusNotFound, "segment_not_found", "Segment index out of range")
	case errors.Is(err, catalogue.ErrTrackUnavailable):
		Error(w, http.StatusBadGateway, "track_unavailable", "Upstream has no playable URL for this track")
	case errors.Is(err, catalogue.ErrPlaylistNotFound):
		Error(w, http.StatusNotFound, "playlist_not_found", "Playlist not found")
	default:
		Error(w, http.StatusInternalServerError, "generation_failed", "Segment generation failed")
	}
}

// BusyResponse is the 503 body when the transcode queue is saturated.
type BusyResponse struct {
	Error      string             `json:"error"`
	RetryAfter int                `json:"retryAfter"`
	Queue      usecase.QueueStats `json:"queue"`
}

func (h *HLSHandler) busyResponse(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(busyRetryAfterSeconds))
	JSON(w, http.StatusServiceUnavailable, BusyResponse{
		Error:      "busy",
		RetryAfter: busyRetryAfterSeconds,
		Queue:      h.deps.Scheduler.Stats(),
	})
}

func (h *HLSHandler) serveSegment(w http.ResponseWriter, r *http.Request, key model.CacheKey, index int, info os.FileInfo) {
	f, err := os.Open(h.deps.Cache.SegmentPath(key, index))
	if err != nil {
		Error(w, http.StatusInternalServerError, "segment_read_failed", "Segment vanished while serving")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Cache-Control", segmentCacheControl)
	w.Header().Set("ETag", fmt.Sprintf(`W/"%x-%x"`, info.Size(), info.ModTime().Unix()))
	// ServeContent handles If-None-Match/If-Modified-Since and ranges.
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// afterFirstSegment records the playback start and kicks read-ahead. Runs
// detached from the request; failures are logged and dropped.
func (h *HLSHandler) afterFirstSegment(source model.Source, mode model.Mode, token, playlistID, trackID string, sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cat, err := h.deps.Playlists.Catalogue(source)
	if err != nil {
		return
	}

	entry := &model.PlayLog{
		UserID:     sess.user.ID,
		PlaylistID: cat.PlayLogPlaylistID(playlistID),
		TrackID:    cat.PlayLogTrackID(trackID),
		PlayedAt:   time.Now(),
	}
	if playlist, err := h.deps.Playlists.Resolve(ctx, source, playlistID, sess.credential); err == nil {
		if track, pos := playlist.TrackByID(trackID); pos >= 0 {
			entry.TrackName = track.Name
			entry.Artist = track.Artist
		}
	}
	if err := h.deps.PlayLogs.Record(ctx, entry); err != nil {
		h.deps.Logger.Warn("play log insert failed", "track", trackID, "error", err)
	}

	coverURL := ""
	if mode.IsLiteVideo() {
		coverURL = h.deps.Covers.BackgroundForToken(ctx, token, sess.coverTTL)
	}
	h.deps.Preloads.RequestReadAhead(ctx, source, mode, playlistID, trackID, sess.credential, coverURL)
}

// Song handles GET /{token}/{playlistID}/song/{trackID}.ts, a convenience
// alias for the first segment of a track.
func (h *HLSHandler) Song(source model.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		playlistID := chi.URLParam(r, "playlistID")
		trackID := chi.URLParam(r, "trackID")

		target := fmt.Sprintf("%s/%s/%s/seg/%s/0.ts",
			RoutePrefix(source), token, playlistID, url.PathEscape(trackID))
		if mode := model.ParseMode(r.URL.Query().Get("mode")); mode.IsLiteVideo() {
			target += "?mode=" + string(mode)
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

// PreloadRequest is the body of POST /{token}/{playlistID}/preload.
type PreloadRequest struct {
	Count int `json:"count"`
}

// TrackPreloadStatus reports the outcome for one track of a preload call.
type TrackPreloadStatus struct {
	TrackID string `json:"trackId"`
	Status  string `json:"status"`
}

// PreloadResponse is the body answering a preload call.
type PreloadResponse struct {
	PlaylistID string               `json:"playlistId"`
	Results    []TrackPreloadStatus `json:"results"`
}

// Preload handles POST /{token}/{playlistID}/preload: synchronously warms
// the first count tracks and reports per-track outcomes.
func (h *HLSHandler) Preload(source model.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		playlistID := chi.URLParam(r, "playlistID")
		mode := model.ParseMode(r.URL.Query().Get("mode"))

		var req PreloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
			return
		}
		if req.Count < 1 {
			req.Count = 1
		}
		if req.Count > h.deps.Config.PreloadMaxCount {
			req.Count = h.deps.Config.PreloadMaxCount
		}

		sess, err := h.authenticate(r.Context(), source, token, playlistID)
		if err != nil {
			Error(w, authStatus(err), "access_denied", "Token rejected")
			return
		}

		cat, err := h.deps.Playlists.Catalogue(source)
		if err != nil {
			Error(w, http.StatusNotFound, "unknown_source", "Unknown catalogue source")
			return
		}
		playlist, err := h.deps.Playlists.Resolve(r.Context(), source, playlistID, sess.credential)
		if err != nil {
			Error(w, http.StatusBadGateway, "playlist_unavailable", "Playlist resolution failed")
			return
		}

		count := req.Count
		if count > len(playlist.Tracks) {
			count = len(playlist.Tracks)
		}
		results := make([]TrackPreloadStatus, 0, count)
		for _, track := range playlist.Tracks[:count] {
			results = append(results, TrackPreloadStatus{
				TrackID: track.ID,
				Status:  h.preloadOne(r.Context(), cat, source, mode, token, track, sess),
			})
		}

		JSON(w, http.StatusOK, PreloadResponse{PlaylistID: playlistID, Results: results})
	}
}

func (h *HLSHandler) preloadOne(ctx context.Context, cat catalogue.Catalogue, source model.Source, mode model.Mode, token string, track model.Track, sess *session) string {
	key := model.NewCacheKey(source, mode, track.ID)
	if h.deps.Cache.IsCached(key) {
		return "cached"
	}

	audioURL, err := cat.ResolveTrackURL(ctx, track.ID, sess.credential)
	if err != nil {
		return "no_url"
	}
	coverURL := cat.TrackCoverURL(track)
	if mode.IsLiteVideo() {
		coverURL = h.deps.Covers.BackgroundForToken(ctx, token, sess.coverTTL)
	}

	if _, err := h.deps.Generator.EnsureCached(ctx, key, audioURL, coverURL); err != nil {
		h.deps.Logger.Warn("preload generation failed", "track", track.ID, "error", err)
		return "error"
	}
	return "generated"
}
