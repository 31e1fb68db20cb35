package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/domain/repository"
	"github.com/hszk-dev/tunecast/internal/hlscache"
	"github.com/hszk-dev/tunecast/internal/transcoder"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testVideo = hlscache.VideoParams{Width: 1920, Height: 1080}

func testKey(id string) model.CacheKey {
	return model.NewCacheKey(model.SourceNetease, model.ModeDefault, id)
}

type mockDownloader struct {
	mu    sync.Mutex
	calls int

	downloadFunc func(ctx context.Context, rawURL, destPath string) error
}

func (m *mockDownloader) Download(ctx context.Context, rawURL, destPath string) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, rawURL, destPath)
	}
	return os.WriteFile(destPath, []byte("payload"), 0o644)
}

type mockTranscoder struct {
	mu    sync.Mutex
	calls int

	transcodeFunc func(ctx context.Context, input transcoder.Input) (*transcoder.Result, error)
}

func (m *mockTranscoder) Transcode(ctx context.Context, input transcoder.Input) (*transcoder.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.transcodeFunc(ctx, input)
}

func (m *mockTranscoder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockSweeper struct {
	mu    sync.Mutex
	calls int
}

func (m *mockSweeper) Schedule() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

type mockCatalogue struct {
	source model.Source

	resolveTrackURLFunc func(ctx context.Context, trackID, credential string) (string, error)
	resolvePlaylistFunc func(ctx context.Context, playlistID, credential string) (*model.Playlist, error)

	mu            sync.Mutex
	playlistCalls int
}

func (m *mockCatalogue) Source() model.Source { return m.source }

func (m *mockCatalogue) ResolveTrackURL(ctx context.Context, trackID, credential string) (string, error) {
	if m.resolveTrackURLFunc != nil {
		return m.resolveTrackURLFunc(ctx, trackID, credential)
	}
	return "https://m701.music.126.net/audio/" + trackID + ".mp3", nil
}

func (m *mockCatalogue) ResolvePlaylist(ctx context.Context, playlistID, credential string) (*model.Playlist, error) {
	m.mu.Lock()
	m.playlistCalls++
	m.mu.Unlock()
	if m.resolvePlaylistFunc != nil {
		return m.resolvePlaylistFunc(ctx, playlistID, credential)
	}
	return nil, fmt.Errorf("no playlist stub for %s", playlistID)
}

func (m *mockCatalogue) TrackCoverURL(track model.Track) string {
	if track.Cover != "" {
		return track.Cover
	}
	return "https://p1.music.126.net/default.jpg"
}

func (m *mockCatalogue) PlayLogTrackID(trackID string) string {
	if m.source == model.SourceQQ {
		return "qq:" + trackID
	}
	return trackID
}

func (m *mockCatalogue) PlayLogPlaylistID(playlistID string) string {
	if m.source == model.SourceQQ {
		return "qq:" + playlistID
	}
	return playlistID
}

func (m *mockCatalogue) resolvePlaylistCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playlistCalls
}

type mockPlaylistCache struct {
	mu   sync.Mutex
	sets []*repository.PlaylistCacheEntry

	getFunc func(ctx context.Context, key string) (*repository.PlaylistCacheEntry, error)
	setFunc func(ctx context.Context, entry *repository.PlaylistCacheEntry, ttl time.Duration) error
}

func (m *mockPlaylistCache) Get(ctx context.Context, key string) (*repository.PlaylistCacheEntry, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, key)
	}
	return nil, repository.ErrPlaylistNotCached
}

func (m *mockPlaylistCache) Set(ctx context.Context, entry *repository.PlaylistCacheEntry, ttl time.Duration) error {
	m.mu.Lock()
	m.sets = append(m.sets, entry)
	m.mu.Unlock()
	if m.setFunc != nil {
		return m.setFunc(ctx, entry, ttl)
	}
	return nil
}

func (m *mockPlaylistCache) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

func (m *mockPlaylistCache) setCalls() []*repository.PlaylistCacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*repository.PlaylistCacheEntry(nil), m.sets...)
}

type mockPreloadQueue struct {
	mu        sync.Mutex
	published []repository.PreloadTask

	publishFunc func(ctx context.Context, task repository.PreloadTask) error
}

func (m *mockPreloadQueue) PublishPreloadTask(ctx context.Context, task repository.PreloadTask) error {
	m.mu.Lock()
	m.published = append(m.published, task)
	m.mu.Unlock()
	if m.publishFunc != nil {
		return m.publishFunc(ctx, task)
	}
	return nil
}

func (m *mockPreloadQueue) ConsumePreloadTasks(ctx context.Context, handler func(task repository.PreloadTask) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockPreloadQueue) Close() error { return nil }

func (m *mockPreloadQueue) publishedTasks() []repository.PreloadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.PreloadTask(nil), m.published...)
}

// writeTranscodeOutput fakes an ffmpeg run: segment files plus the playlist
// ffmpeg would have written for the given durations.
func writeTranscodeOutput(t *testing.T, dir string, durations []float64) *transcoder.Result {
	t.Helper()

	var manifest strings.Builder
	manifest.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:11\n#EXT-X-MEDIA-SEQUENCE:0\n")
	paths := make([]string, len(durations))
	for i, d := range durations {
		name := fmt.Sprintf("seg_%04d.ts", i)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, bytes.Repeat([]byte{0x47}, 2048), 0o644); err != nil {
			t.Fatalf("write segment: %v", err)
		}
		fmt.Fprintf(&manifest, "#EXTINF:%.6f,\n%s\n", d, name)
		paths[i] = path
	}
	manifest.WriteString("#EXT-X-ENDLIST\n")

	manifestPath := filepath.Join(dir, "index.m3u8")
	if err := os.WriteFile(manifestPath, []byte(manifest.String()), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return &transcoder.Result{ManifestPath: manifestPath, SegmentPaths: paths}
}

// generateFixture wires a GenerateService over real cache, scheduler and
// lock table with mocked edges.
type generateFixture struct {
	service    *GenerateService
	cache      *hlscache.DiskCache
	scheduler  *Scheduler
	locks      *LockTable
	downloader *mockDownloader
	transcoder *mockTranscoder
	sweeper    *mockSweeper
	tempDir    string
}

func newGenerateFixture(t *testing.T, maxConcurrent, maxQueue int, durations []float64) *generateFixture {
	t.Helper()

	cache, err := hlscache.NewDiskCache(filepath.Join(t.TempDir(), "cache"), time.Hour, testVideo)
	if err != nil {
		t.Fatalf("NewDiskCache() failed: %v", err)
	}
	f := &generateFixture{
		cache:      cache,
		scheduler:  NewScheduler(maxConcurrent, maxQueue),
		locks:      NewLockTable(),
		downloader: &mockDownloader{},
		sweeper:    &mockSweeper{},
		tempDir:    t.TempDir(),
	}
	f.transcoder = &mockTranscoder{
		transcodeFunc: func(ctx context.Context, input transcoder.Input) (*transcoder.Result, error) {
			return writeTranscodeOutput(t, input.OutputDir, durations), nil
		},
	}
	f.service = NewGenerateService(
		f.scheduler, f.locks, f.cache, f.downloader, f.transcoder, f.sweeper,
		f.tempDir, discardLogger(),
	)
	return f
}
