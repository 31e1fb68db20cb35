package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/tunecast/internal/auth"
	"github.com/hszk-dev/tunecast/internal/catalogue"
	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/domain/repository"
	"github.com/hszk-dev/tunecast/internal/hlscache"
	"github.com/hszk-dev/tunecast/internal/transcoder"
	"github.com/hszk-dev/tunecast/internal/usecase"
)

const (
	testSigningKey = "unit-test-signing-key-32bytes!!!"
	legacyToken    = "0123456789abcdef0123456789abcdef"
	testPlaylistID = "987654"
	testUserID     = int64(42)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Stubs

type stubUsers struct {
	user *model.User
}

func (s *stubUsers) GetByToken(ctx context.Context, source model.Source, token string) (*model.User, error) {
	if token == legacyToken {
		return s.user, nil
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubUsers) GetByID(ctx context.Context, source model.Source, id int64) (*model.User, error) {
	if id == s.user.ID {
		return s.user, nil
	}
	return nil, repository.ErrUserNotFound
}

type stubPlayLogs struct {
	mu      sync.Mutex
	entries []*model.PlayLog
}

func (s *stubPlayLogs) Record(ctx context.Context, entry *model.PlayLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubPlayLogs) recorded() []*model.PlayLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.PlayLog(nil), s.entries...)
}

type stubPlaylistStore struct{}

func (stubPlaylistStore) Get(ctx context.Context, key string) (*repository.PlaylistCacheEntry, error) {
	return nil, repository.ErrPlaylistNotCached
}

func (stubPlaylistStore) Set(ctx context.Context, entry *repository.PlaylistCacheEntry, ttl time.Duration) error {
	return nil
}

func (stubPlaylistStore) PurgeExpired(ctx context.Context) (int64, error) { return 0, nil }

type stubCatalogue struct {
	source model.Source
}

func (s *stubCatalogue) Source() model.Source { return s.source }

func (s *stubCatalogue) ResolveTrackURL(ctx context.Context, trackID, credential string) (string, error) {
	if trackID == "33" {
		return "", catalogue.ErrTrackUnavailable
	}
	return "https://m701.music.126.net/audio/" + trackID + ".mp3", nil
}

func (s *stubCatalogue) ResolvePlaylist(ctx context.Context, playlistID, credential string) (*model.Playlist, error) {
	if playlistID != testPlaylistID {
		return nil, catalogue.ErrPlaylistNotFound
	}
	return &model.Playlist{
		ID:        playlistID,
		Name:      "Fixture Mix",
		SongCount: 3,
		Tracks: []model.Track{
			{ID: "11", Name: "First", Artist: "A", Duration: 25},
			{ID: "22", Name: "Second", Artist: "B", Duration: 18},
			{ID: "33", Name: "Third", Artist: "C", Duration: 30},
		},
	}, nil
}

func (s *stubCatalogue) TrackCoverURL(track model.Track) string {
	if track.Cover != "" {
		return track.Cover
	}
	return "https://p1.music.126.net/default.jpg"
}

func (s *stubCatalogue) PlayLogTrackID(trackID string) string       { return trackID }
func (s *stubCatalogue) PlayLogPlaylistID(playlistID string) string { return playlistID }

type stubDownloader struct{}

func (stubDownloader) Download(ctx context.Context, rawURL, destPath string) error {
	return os.WriteFile(destPath, []byte("payload"), 0o644)
}

type stubTranscoder struct {
	mu    sync.Mutex
	calls int
}

func (s *stubTranscoder) Transcode(ctx context.Context, input transcoder.Input) (*transcoder.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	durations := []float64{10, 10, 5.2}
	var manifest strings.Builder
	manifest.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:11\n#EXT-X-MEDIA-SEQUENCE:0\n")
	paths := make([]string, len(durations))
	for i, d := range durations {
		name := fmt.Sprintf("seg_%04d.ts", i)
		path := filepath.Join(input.OutputDir, name)
		if err := os.WriteFile(path, bytes.Repeat([]byte{0x47}, 2048), 0o644); err != nil {
			return nil, err
		}
		fmt.Fprintf(&manifest, "#EXTINF:%.6f,\n%s\n", d, name)
		paths[i] = path
	}
	manifest.WriteString("#EXT-X-ENDLIST\n")
	manifestPath := filepath.Join(input.OutputDir, "index.m3u8")
	if err := os.WriteFile(manifestPath, []byte(manifest.String()), 0o644); err != nil {
		return nil, err
	}
	return &transcoder.Result{ManifestPath: manifestPath, SegmentPaths: paths}, nil
}

func (s *stubTranscoder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubBindings struct {
	mu   sync.Mutex
	data map[string]string
}

func (s *stubBindings) Get(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[token]; ok {
		return v, nil
	}
	return "", fmt.Errorf("no binding")
}

func (s *stubBindings) Set(ctx context.Context, token, coverURL string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]string)
	}
	s.data[token] = coverURL
	return nil
}

type allowAll struct{}

func (allowAll) IsAllowed(rawURL string) (bool, string) { return true, "" }

type noopSweeper struct{}

func (noopSweeper) Schedule() {}

// Fixture

type hlsFixture struct {
	router     *chi.Mux
	cache      *hlscache.DiskCache
	transcoder *stubTranscoder
	playLogs   *stubPlayLogs
	tokens     *auth.TokenIssuer
	scheduler  *usecase.Scheduler
}

func newHLSFixture(t *testing.T, maxConcurrent, maxQueue int) *hlsFixture {
	t.Helper()
	logger := discardLogger()

	cache, err := hlscache.NewDiskCache(filepath.Join(t.TempDir(), "cache"), time.Hour, hlscache.VideoParams{Width: 1920, Height: 1080})
	if err != nil {
		t.Fatalf("NewDiskCache() failed: %v", err)
	}

	cipher, err := auth.NewCipher(testSigningKey)
	if err != nil {
		t.Fatalf("NewCipher() failed: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(testSigningKey, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer() failed: %v", err)
	}
	credential, err := cipher.Encrypt("MUSIC_U=cookie")
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	scheduler := usecase.NewScheduler(maxConcurrent, maxQueue)
	locks := usecase.NewLockTable()
	trans := &stubTranscoder{}
	generator := usecase.NewGenerateService(
		scheduler, locks, cache, stubDownloader{}, trans, noopSweeper{},
		t.TempDir(), logger,
	)

	cat := &stubCatalogue{source: model.SourceNetease}
	playlists := usecase.NewPlaylistService([]catalogue.Catalogue{cat}, stubPlaylistStore{}, 30*time.Minute, logger)
	manifests := usecase.NewManifestService(cache, 10)
	covers := usecase.NewCoverService(&stubBindings{}, allowAll{}, "http://127.0.0.1:1/bg", time.Second, "https://p1.music.126.net/default.jpg", logger)
	preloads := usecase.NewPreloadService(playlists, generator, cache, nil, 0, 0, logger)
	playLogs := &stubPlayLogs{}

	hls := NewHLSHandler(HLSDeps{
		Users:     &stubUsers{user: &model.User{ID: testUserID, Source: model.SourceNetease, Credential: credential}},
		PlayLogs:  playLogs,
		Cipher:    cipher,
		Tokens:    tokens,
		Playlists: playlists,
		Manifests: manifests,
		Generator: generator,
		Preloads:  preloads,
		Covers:    covers,
		Cache:     cache,
		Scheduler: scheduler,
		Config: HLSConfig{
			PreloadAuto:     0,
			PreloadMaxCount: 20,
			LegacyTokenTTL:  5 * time.Minute,
		},
		Logger: logger,
	})

	r := chi.NewRouter()
	r.Route(RoutePrefix(model.SourceNetease), func(r chi.Router) {
		hls.Mount(r, model.SourceNetease)
	})

	return &hlsFixture{
		router:     r,
		cache:      cache,
		transcoder: trans,
		playLogs:   playLogs,
		tokens:     tokens,
		scheduler:  scheduler,
	}
}

func (f *hlsFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func streamURL(token string) string {
	return fmt.Sprintf("/api/hls/%s/%s/stream.m3u8", token, testPlaylistID)
}

func segmentURL(token, trackID string, index int) string {
	return fmt.Sprintf("/api/hls/%s/%s/seg/%s/%d.ts", token, testPlaylistID, trackID, index)
}

// Tests

func TestStream_ReturnsManifest(t *testing.T) {
	f := newHLSFixture(t, 2, 4)

	rec := f.do(httptest.NewRequest(http.MethodGet, streamURL(legacyToken), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != manifestContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"#EXTM3U",
		"#EXT-X-PLAYLIST-TYPE:VOD",
		"#EXT-X-ENDLIST",
		fmt.Sprintf("/api/hls/%s/%s/seg/11/0.ts", legacyToken, testPlaylistID),
	} {
		if !strings.Contains(body, want) {
			t.Errorf("manifest missing %q:\n%s", want, body)
		}
	}
}

func TestStream_SignedToken(t *testing.T) {
	f := newHLSFixture(t, 2, 4)
	token, err := f.tokens.Issue(testUserID, testPlaylistID)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, streamURL(token), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestStream_TokenBoundToOtherPlaylist(t *testing.T) {
	f := newHLSFixture(t, 2, 4)
	token, err := f.tokens.Issue(testUserID, "111111")
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, streamURL(token), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "#EXT-X-ERROR") {
		t.Errorf("error body not manifest-shaped: %s", rec.Body.String())
	}
}

func TestStream_UnknownToken(t *testing.T) {
	f := newHLSFixture(t, 2, 4)
	rec := f.do(httptest.NewRequest(http.MethodGet, streamURL("ffffffffffffffffffffffffffffffff"), nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestSegment_MissGeneratesThenServes(t *testing.T) {
	f := newHLSFixture(t, 2, 4)

	rec := f.do(httptest.NewRequest(http.MethodGet, segmentURL(legacyToken, "11", 0), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != segmentContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("missing ETag")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != segmentCacheControl {
		t.Errorf("Cache-Control = %q", cc)
	}
	if f.transcoder.callCount() != 1 {
		t.Errorf("transcoder calls = %d, want 1", f.transcoder.callCount())
	}

	// Warm requests must never re-invoke the transcoder.
	rec = f.do(httptest.NewRequest(http.MethodGet, segmentURL(legacyToken, "11", 1), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("warm status = %d", rec.Code)
	}
	if f.transcoder.callCount() != 1 {
		t.Errorf("transcoder calls = %d after warm request, want 1", f.transcoder.callCount())
	}

	// First-segment side effect: a play log row.
	deadline := time.After(2 * time.Second)
	for len(f.playLogs.recorded()) == 0 {
		select {
		case <-deadline:
			t.Fatal("play log never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	entry := f.playLogs.recorded()[0]
	if entry.UserID != testUserID || entry.TrackID != "11" || entry.TrackName != "First" {
		t.Errorf("play log entry = %+v", entry)
	}
}

func TestSegment_ConditionalRequest(t *testing.T) {
	f := newHLSFixture(t, 2, 4)

	first := f.do(httptest.NewRequest(http.MethodGet, segmentURL(legacyToken, "11", 0), nil))
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}
	etag := first.Header().Get("ETag")

	req := httptest.NewRequest(http.MethodGet, segmentURL(legacyToken, "11", 0), nil)
	req.Header.Set("If-None-Match", etag)
	second := f.do(req)
	if second.Code != http.StatusNotModified {
		t.Errorf("status = %d with matching If-None-Match, want 304", second.Code)
	}
}

func TestSegment_InvalidIndex(t *testing.T) {
	f := newHLSFixture(t, 2, 4)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/hls/"+legacyToken+"/"+testPlaylistID+"/seg/11/beef.ts", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSegment_IndexOutOfRange(t *testing.T) {
	f := newHLSFixture(t, 2, 4)
	rec := f.do(httptest.NewRequest(http.MethodGet, segmentURL(legacyToken, "11", 99), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSegment_TrackNotInPlaylist(t *testing.T) {
	f := newHLSFixture(t, 2, 4)
	rec := f.do(httptest.NewRequest(http.MethodGet, segmentURL(legacyToken, "404", 0), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSegment_BusyQueue(t *testing.T) {
	f := newHLSFixture(t, 1, 0)
	if !f.scheduler.Acquire(context.Background()) {
		t.Fatal("could not occupy the only slot")
	}
	defer f.scheduler.Release()

	rec := f.do(httptest.NewRequest(http.MethodGet, segmentURL(legacyToken, "11", 0), nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var busy BusyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &busy); err != nil {
		t.Fatalf("busy body not JSON: %v", err)
	}
	if busy.Error != "busy" || busy.RetryAfter < 1 || busy.Queue.MaxConcurrent != 1 {
		t.Errorf("busy response = %+v", busy)
	}
}

func TestSong_RedirectsToFirstSegment(t *testing.T) {
	f := newHLSFixture(t, 2, 4)
	url := fmt.Sprintf("/api/hls/%s/%s/song/11.ts?mode=lite_video", legacyToken, testPlaylistID)

	rec := f.do(httptest.NewRequest(http.MethodGet, url, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	want := fmt.Sprintf("/api/hls/%s/%s/seg/11/0.ts?mode=lite_video", legacyToken, testPlaylistID)
	if got := rec.Header().Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestPreload_PerTrackStatuses(t *testing.T) {
	f := newHLSFixture(t, 2, 4)

	// Warm track 11 so the report distinguishes cached from generated.
	warm := f.do(httptest.NewRequest(http.MethodGet, segmentURL(legacyToken, "11", 0), nil))
	if warm.Code != http.StatusOK {
		t.Fatalf("warmup status = %d", warm.Code)
	}

	body, _ := json.Marshal(PreloadRequest{Count: 3})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/hls/%s/%s/preload", legacyToken, testPlaylistID), bytes.NewReader(body))
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp PreloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := map[string]string{"11": "cached", "22": "generated", "33": "no_url"}
	if len(resp.Results) != len(want) {
		t.Fatalf("results = %+v", resp.Results)
	}
	for _, r := range resp.Results {
		if want[r.TrackID] != r.Status {
			t.Errorf("track %s status = %q, want %q", r.TrackID, r.Status, want[r.TrackID])
		}
	}
}

func TestStream_PlaylistNotFound(t *testing.T) {
	f := newHLSFixture(t, 2, 4)
	rec := f.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/hls/%s/111111/stream.m3u8", legacyToken), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
