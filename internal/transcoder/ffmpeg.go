package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// stderrDiagnosticLimit caps how much ffmpeg stderr is kept for error
	// reporting.
	stderrDiagnosticLimit = 300

	// stallCheckInterval is how often the watchdog compares against the
	// last observed ffmpeg activity.
	stallCheckInterval = time.Second

	segmentFilePattern = "seg_%04d.ts"
	manifestFileName   = "index.m3u8"
)

// FFmpegConfig holds configuration for the slideshow transcoder.
type FFmpegConfig struct {
	// FFmpegPath is the ffmpeg binary; "ffmpeg" resolves via PATH.
	FFmpegPath string

	// StallTimeout kills ffmpeg when it produces no stderr output for this
	// long. This is an inactivity bound, not a total-duration bound: a slow
	// but progressing encode is never killed.
	StallTimeout time.Duration

	// SegmentDuration is the target HLS segment length in seconds.
	SegmentDuration int

	// CoverWidth and CoverHeight set the output canvas. The cover is scaled
	// to fit and padded, never cropped or stretched.
	CoverWidth  int
	CoverHeight int

	// CoverFPS is the video frame rate. Low values keep still-image encodes
	// cheap.
	CoverFPS int

	// Threads limits ffmpeg's thread count; 0 lets ffmpeg decide.
	Threads int
}

// FFmpegTranscoder implements Transcoder by invoking the ffmpeg CLI.
type FFmpegTranscoder struct {
	config FFmpegConfig
	logger *slog.Logger
}

var _ Transcoder = (*FFmpegTranscoder)(nil)

func NewFFmpegTranscoder(cfg FFmpegConfig, logger *slog.Logger) *FFmpegTranscoder {
	return &FFmpegTranscoder{
		config: cfg,
		logger: logger,
	}
}

// Transcode runs ffmpeg on the prepared inputs and waits for completion.
// The process is killed when cancelled via ctx or when stderr goes quiet
// for longer than the stall timeout.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, in Input) (*Result, error) {
	if err := t.validateInputs(in); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(in.OutputDir, manifestFileName)
	segmentPattern := filepath.Join(in.OutputDir, segmentFilePattern)
	args := t.buildArgs(in, manifestPath, segmentPattern)

	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, args...)
	cmd.Stdout = nil

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	watch := newActivityWatch()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watch.consume(stderr)
	}()

	watchdogDone := make(chan struct{})
	stalled := make(chan struct{}, 1)
	go t.runWatchdog(cmd, watch, watchdogDone, stalled)

	waitErr := cmd.Wait()
	close(watchdogDone)
	wg.Wait()

	select {
	case <-stalled:
		t.logger.Error("ffmpeg stalled",
			"stall_timeout", t.config.StallTimeout,
			"stderr", watch.diagnostic(),
		)
		return nil, fmt.Errorf("%w after %s of inactivity: %s",
			ErrStalled, t.config.StallTimeout, watch.diagnostic())
	default:
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcode cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", waitErr, watch.diagnostic())
	}

	segments, err := collectSegments(in.OutputDir)
	if err != nil {
		return nil, err
	}

	return &Result{
		ManifestPath: manifestPath,
		SegmentPaths: segments,
	}, nil
}

// runWatchdog kills ffmpeg when stderr activity stops for the stall timeout.
func (t *FFmpegTranscoder) runWatchdog(cmd *exec.Cmd, watch *activityWatch, done <-chan struct{}, stalled chan<- struct{}) {
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if watch.idleFor() <= t.config.StallTimeout {
				continue
			}
			select {
			case stalled <- struct{}{}:
			default:
			}
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			return
		}
	}
}

func (t *FFmpegTranscoder) validateInputs(in Input) error {
	for _, path := range []string{in.AudioPath, in.CoverPath} {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("input %s: %w", path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("input %s is a directory", path)
		}
	}
	info, err := os.Stat(in.OutputDir)
	if err != nil {
		return fmt.Errorf("output dir %s: %w", in.OutputDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %s is not a directory", in.OutputDir)
	}
	return nil
}

// buildArgs constructs the ffmpeg invocation. The cover image loops as a
// still video track; keyframes are forced at segment boundaries so every
// segment is independently decodable.
func (t *FFmpegTranscoder) buildArgs(in Input, manifestPath, segmentPattern string) []string {
	fps := t.config.CoverFPS
	seg := t.config.SegmentDuration
	gop := int(math.Round(float64(fps * seg)))
	if gop < 1 {
		gop = 1
	}

	scaleFilter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		t.config.CoverWidth, t.config.CoverHeight,
		t.config.CoverWidth, t.config.CoverHeight,
	)

	args := []string{
		"-loop", "1",
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", in.CoverPath,
		"-i", in.AudioPath,
	}
	if t.config.Threads > 0 {
		args = append(args, "-threads", fmt.Sprintf("%d", t.config.Threads))
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "stillimage",
		"-crf", "28",
		"-r", fmt.Sprintf("%d", fps),
		"-g", fmt.Sprintf("%d", gop),
		"-keyint_min", fmt.Sprintf("%d", gop),
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", seg),
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-pix_fmt", "yuv420p",
		"-vf", scaleFilter,
		"-shortest",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", seg),
		"-hls_list_size", "0",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", segmentPattern,
		"-y",
		manifestPath,
	)
	return args
}

func collectSegments(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ts") {
			continue
		}
		segments = append(segments, filepath.Join(outputDir, entry.Name()))
	}
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}
	sort.Strings(segments)
	return segments, nil
}

// activityWatch tracks when ffmpeg last wrote to stderr and retains the
// head of the output for diagnostics.
type activityWatch struct {
	mu       sync.Mutex
	lastSeen time.Time
	head     strings.Builder
}

func newActivityWatch() *activityWatch {
	return &activityWatch{lastSeen: time.Now()}
}

func (w *activityWatch) consume(r io.Reader) {
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			w.mu.Lock()
			w.lastSeen = time.Now()
			if remaining := stderrDiagnosticLimit - w.head.Len(); remaining > 0 {
				chunk := buf[:n]
				if len(chunk) > remaining {
					chunk = chunk[:remaining]
				}
				w.head.Write(chunk)
			}
			w.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (w *activityWatch) idleFor() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastSeen)
}

func (w *activityWatch) diagnostic() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(w.head.String())
}
