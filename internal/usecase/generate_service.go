package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mogiioin/hls-m3u8/m3u8"
	"golang.org/x/sync/errgroup"

	"github.com/hszk-dev/tunecast/internal/domain/model"
	"github.com/hszk-dev/tunecast/internal/hlscache"
	"github.com/hszk-dev/tunecast/internal/infrastructure/metrics"
	"github.com/hszk-dev/tunecast/internal/transcoder"
)

// ErrBusy is returned when the job queue is full. Callers should surface
// it as a retryable condition, not a failure.
var ErrBusy = errors.New("transcode queue full")

// Downloader fetches a remote file to a local path.
type Downloader interface {
	Download(ctx context.Context, rawURL, destPath string) error
}

// SweepScheduler requests an eviction sweep.
type SweepScheduler interface {
	Schedule()
}

// GenerateService turns a resolved track (audio URL + cover URL) into a
// published cache entry. Concurrent requests for one key share a single
// generation; total concurrency is bounded by the scheduler.
type GenerateService struct {
	scheduler  *Scheduler
	locks      *LockTable
	cache      *hlscache.DiskCache
	downloader Downloader
	transcoder transcoder.Transcoder
	sweeper    SweepScheduler
	tempDir    string
	logger     *slog.Logger
}

func NewGenerateService(
	scheduler *Scheduler,
	locks *LockTable,
	cache *hlscache.DiskCache,
	downloader Downloader,
	trans transcoder.Transcoder,
	sweeper SweepScheduler,
	tempDir string,
	logger *slog.Logger,
) *GenerateService {
	return &GenerateService{
		scheduler:  scheduler,
		locks:      locks,
		cache:      cache,
		downloader: downloader,
		transcoder: trans,
		sweeper:    sweeper,
		tempDir:    tempDir,
		logger:     logger,
	}
}

// EnsureCached returns the descriptor for key, generating and publishing
// the entry first when needed. Followers of an in-flight generation block
// until the creator finishes and share its result.
func (s *GenerateService) EnsureCached(ctx context.Context, key model.CacheKey, audioURL, coverURL string) (*hlscache.Descriptor, error) {
	if s.cache.IsCached(key) {
		return s.cache.Descriptor(key)
	}

	gen, creator := s.locks.Begin(key)
	if !creator {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
		return gen.Wait(ctx)
	}
	metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()

	desc, err := s.generate(ctx, key, audioURL, coverURL)
	s.locks.Finish(key, gen, desc, err)
	s.sweeper.Schedule()
	return desc, err
}

func (s *GenerateService) generate(ctx context.Context, key model.CacheKey, audioURL, coverURL string) (*hlscache.Descriptor, error) {
	// The lock may have been acquired behind a finishing generation for
	// the same key.
	if s.cache.IsCached(key) {
		return s.cache.Descriptor(key)
	}

	if !s.scheduler.Acquire(ctx) {
		metrics.TranscodeJobsTotal.WithLabelValues(metrics.JobResultBusy).Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBusy
	}
	defer s.scheduler.Release()

	jobDir := filepath.Join(s.tempDir, uuid.NewString())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		metrics.TranscodeJobsTotal.WithLabelValues(metrics.JobResultError).Inc()
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	audioPath := filepath.Join(jobDir, "audio.src")
	coverPath := filepath.Join(jobDir, "cover.img")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.downloader.Download(gctx, audioURL, audioPath); err != nil {
			return fmt.Errorf("audio: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.downloader.Download(gctx, coverURL, coverPath); err != nil {
			return fmt.Errorf("cover: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		metrics.TranscodeJobsTotal.WithLabelValues(metrics.JobResultError).Inc()
		return nil, fmt.Errorf("download: %w", err)
	}

	result, err := s.transcoder.Transcode(ctx, transcoder.Input{
		AudioPath: audioPath,
		CoverPath: coverPath,
		OutputDir: jobDir,
	})
	if err != nil {
		if errors.Is(err, transcoder.ErrStalled) {
			metrics.TranscodeJobsTotal.WithLabelValues(metrics.JobResultStalled).Inc()
		} else {
			metrics.TranscodeJobsTotal.WithLabelValues(metrics.JobResultError).Inc()
		}
		return nil, err
	}

	durations, err := parseSegmentDurations(result.ManifestPath, len(result.SegmentPaths))
	if err != nil {
		metrics.TranscodeJobsTotal.WithLabelValues(metrics.JobResultError).Inc()
		return nil, err
	}

	desc, err := s.cache.Publish(key, result.SegmentPaths, durations)
	if err != nil {
		metrics.TranscodeJobsTotal.WithLabelValues(metrics.JobResultError).Inc()
		return nil, fmt.Errorf("publish: %w", err)
	}

	metrics.TranscodeJobsTotal.WithLabelValues(metrics.JobResultSuccess).Inc()
	s.logger.Info("cache entry generated",
		"key", key.String(),
		"segments", desc.SegmentCount,
		"duration", desc.TotalDuration,
		"bytes", desc.CacheBytes,
	)
	return desc, nil
}

// parseSegmentDurations reads the exact per-segment durations out of the
// playlist ffmpeg wrote.
func parseSegmentDurations(manifestPath string, segmentCount int) ([]float64, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	playlist, listType, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return nil, fmt.Errorf("manifest %s is not a media playlist", manifestPath)
	}

	segments := media.GetAllSegments()
	if len(segments) != segmentCount {
		return nil, fmt.Errorf("manifest lists %d segments, found %d files", len(segments), segmentCount)
	}

	durations := make([]float64, len(segments))
	for i, seg := range segments {
		durations[i] = seg.Duration
	}
	return durations, nil
}
