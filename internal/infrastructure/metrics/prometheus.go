// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tunecast"

var (
	// TranscodeJobsRunning tracks currently running transcode jobs.
	TranscodeJobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_running",
			Help:      "Number of transcode jobs currently running",
		},
	)

	// TranscodeJobsWaiting tracks transcode jobs queued for a slot.
	TranscodeJobsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_waiting",
			Help:      "Number of transcode jobs waiting for a free slot",
		},
	)

	// TranscodeJobsTotal tracks completed transcode jobs.
	// Labels:
	//   - result: success, error, stalled, busy
	TranscodeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_jobs_total",
			Help:      "Total number of transcode jobs by result",
		},
		[]string{"result"},
	)

	// SegmentRequestsTotal tracks segment cache lookups at serve time.
	// Labels:
	//   - status: hit, miss
	SegmentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_requests_total",
			Help:      "Total number of segment requests by cache status",
		},
		[]string{"status"},
	)

	// DownloadsTotal tracks guarded upstream downloads.
	// Labels:
	//   - status: ok, blocked, too_large, error
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Total number of guarded downloads by outcome",
		},
		[]string{"status"},
	)

	// DownloadBytesTotal tracks bytes fetched from upstream CDNs.
	DownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Total bytes downloaded from upstream CDNs",
		},
	)

	// EvictionDeletesTotal tracks cache directories removed by sweeps.
	EvictionDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eviction_deletes_total",
			Help:      "Total number of cache entries deleted by eviction sweeps",
		},
	)

	// EvictionBytesFreedTotal tracks bytes reclaimed by sweeps.
	EvictionBytesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eviction_bytes_freed_total",
			Help:      "Total bytes freed by eviction sweeps",
		},
	)

	// SingleflightRequestsTotal tracks playlist resolution coalescing.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)

	// PreloadTracksTotal tracks per-track preload outcomes.
	// Labels:
	//   - result: generated, skipped, error
	PreloadTracksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preload_tracks_total",
			Help:      "Total number of preloaded tracks by outcome",
		},
		[]string{"result"},
	)
)

// Transcode job result constants.
const (
	JobResultSuccess = "success"
	JobResultError   = "error"
	JobResultStalled = "stalled"
	JobResultBusy    = "busy"
)

// Segment cache status constants.
const (
	SegmentStatusHit  = "hit"
	SegmentStatusMiss = "miss"
)

// Download outcome constants.
const (
	DownloadStatusOK       = "ok"
	DownloadStatusBlocked  = "blocked"
	DownloadStatusTooLarge = "too_large"
	DownloadStatusError    = "error"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)

// Preload outcome constants.
const (
	PreloadResultGenerated = "generated"
	PreloadResultSkipped   = "skipped"
	PreloadResultError     = "error"
)
