// Package hlscache stores generated HLS renditions on local disk: one
// directory per cache key holding numbered MPEG-TS segments and an
// info.json descriptor with the exact per-segment durations.
package hlscache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hszk-dev/tunecast/internal/domain/model"
)

const (
	// DescriptorVersion identifies the current info.json layout. Entries
	// written by older versions are treated as cache misses.
	DescriptorVersion = 2

	descriptorFileName = "info.json"
	segmentFilePattern = "seg_%04d.ts"

	// minSegmentBytes is the smallest plausible MPEG-TS segment. Anything
	// shorter is a truncated write and is treated as missing.
	minSegmentBytes = 1024

	// descriptorMemoLimit bounds the in-memory descriptor index. On
	// overflow roughly the oldest fifth is dropped.
	descriptorMemoLimit = 1000
)

var (
	// ErrNotCached is returned when a key has no valid cache entry.
	ErrNotCached = errors.New("entry not cached")

	// ErrSegmentMissing is returned when a requested segment file is absent
	// or too short to be a real segment.
	ErrSegmentMissing = errors.New("segment missing")
)

// VideoParams records the canvas an entry was rendered at. Entries rendered
// at different dimensions are stale.
type VideoParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Descriptor is the persisted metadata of one cache entry (info.json).
type Descriptor struct {
	Version          int         `json:"version"`
	TrackID          string      `json:"trackId"`
	SegmentCount     int         `json:"segmentCount"`
	SegmentDurations []float64   `json:"segmentDurations"`
	TotalDuration    float64     `json:"totalDuration"`
	CacheBytes       int64       `json:"cacheBytes"`
	Video            VideoParams `json:"video"`
	// Timestamp is the generation time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Age returns how long ago the entry was generated.
func (d *Descriptor) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(d.Timestamp))
}

// DiskCache manages the on-disk segment store.
type DiskCache struct {
	root   string
	maxAge time.Duration
	video  VideoParams

	mu   sync.Mutex
	memo map[string]memoEntry
}

type memoEntry struct {
	desc     *Descriptor
	loadedAt time.Time
}

func NewDiskCache(root string, maxAge time.Duration, video VideoParams) (*DiskCache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &DiskCache{
		root:   root,
		maxAge: maxAge,
		video:  video,
		memo:   make(map[string]memoEntry),
	}, nil
}

// Root returns the cache root directory.
func (c *DiskCache) Root() string {
	return c.root
}

// EntryDir returns the directory holding one key's segments.
func (c *DiskCache) EntryDir(key model.CacheKey) string {
	return filepath.Join(c.root, key.FSName())
}

// SegmentName returns the file name of segment index within an entry.
func SegmentName(index int) string {
	return fmt.Sprintf(segmentFilePattern, index)
}

// SegmentPath returns the absolute path of one segment file.
func (c *DiskCache) SegmentPath(key model.CacheKey, index int) string {
	return filepath.Join(c.EntryDir(key), SegmentName(index))
}

// Descriptor loads a key's info.json, consulting the in-memory index
// first. ErrNotCached is returned for absent or unreadable descriptors.
func (c *DiskCache) Descriptor(key model.CacheKey) (*Descriptor, error) {
	name := key.FSName()

	c.mu.Lock()
	if entry, ok := c.memo[name]; ok {
		c.mu.Unlock()
		return entry.desc, nil
	}
	c.mu.Unlock()

	desc, err := readDescriptor(filepath.Join(c.EntryDir(key), descriptorFileName))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.memoStore(name, desc)
	c.mu.Unlock()
	return desc, nil
}

// memoStore inserts into the descriptor index, shedding the oldest fifth
// when the bound is hit. Caller holds c.mu.
func (c *DiskCache) memoStore(name string, desc *Descriptor) {
	if len(c.memo) >= descriptorMemoLimit {
		type aged struct {
			name     string
			loadedAt time.Time
		}
		entries := make([]aged, 0, len(c.memo))
		for n, e := range c.memo {
			entries = append(entries, aged{n, e.loadedAt})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].loadedAt.Before(entries[j].loadedAt)
		})
		for _, e := range entries[:descriptorMemoLimit/5] {
			delete(c.memo, e.name)
		}
	}
	c.memo[name] = memoEntry{desc: desc, loadedAt: time.Now()}
}

func readDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrNotCached
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, ErrNotCached
	}
	return &desc, nil
}

// ValidDescriptor returns the descriptor only when the entry is a usable
// hit, so callers never act on metadata the serving layer would reject.
func (c *DiskCache) ValidDescriptor(key model.CacheKey) (*Descriptor, error) {
	desc, err := c.Descriptor(key)
	if err != nil {
		return nil, err
	}
	if !c.descriptorValid(desc) {
		return nil, ErrNotCached
	}
	return desc, nil
}

// IsCached reports whether a key has a usable entry: a current-version
// descriptor rendered at the configured canvas, within the age bound, with
// at least one segment.
func (c *DiskCache) IsCached(key model.CacheKey) bool {
	_, err := c.ValidDescriptor(key)
	return err == nil
}

func (c *DiskCache) descriptorValid(desc *Descriptor) bool {
	if desc.Version != DescriptorVersion {
		return false
	}
	if desc.Video != c.video {
		return false
	}
	if desc.SegmentCount <= 0 || len(desc.SegmentDurations) != desc.SegmentCount {
		return false
	}
	return desc.Age(time.Now()) < c.maxAge
}

// StatSegment verifies a segment file exists and looks complete, returning
// its file info for conditional-request headers.
func (c *DiskCache) StatSegment(key model.CacheKey, index int) (fs.FileInfo, error) {
	info, err := os.Stat(c.SegmentPath(key, index))
	if err != nil {
		return nil, ErrSegmentMissing
	}
	if !info.Mode().IsRegular() || info.Size() <= minSegmentBytes {
		return nil, ErrSegmentMissing
	}
	return info, nil
}

// Publish moves freshly transcoded segments into the entry directory and
// writes the descriptor last, so a crash mid-publish leaves a miss rather
// than a corrupt hit. Segment files are moved with rename and must live on
// the same filesystem as the cache.
func (c *DiskCache) Publish(key model.CacheKey, segmentPaths []string, durations []float64) (*Descriptor, error) {
	if len(segmentPaths) == 0 {
		return nil, errors.New("publish: no segments")
	}
	if len(segmentPaths) != len(durations) {
		return nil, fmt.Errorf("publish: %d segments but %d durations", len(segmentPaths), len(durations))
	}

	dir := c.EntryDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create entry dir: %w", err)
	}

	var totalBytes int64
	for i, src := range segmentPaths {
		dst := filepath.Join(dir, SegmentName(i))
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("publish segment %d: %w", i, err)
		}
		if info, err := os.Stat(dst); err == nil {
			totalBytes += info.Size()
		}
	}

	var total float64
	for _, d := range durations {
		total += d
	}
	desc := &Descriptor{
		Version:          DescriptorVersion,
		TrackID:          key.TrackID,
		SegmentCount:     len(segmentPaths),
		SegmentDurations: durations,
		TotalDuration:    total,
		CacheBytes:       totalBytes,
		Video:            c.video,
		Timestamp:        time.Now().UnixMilli(),
	}
	if err := c.writeDescriptor(dir, desc); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.memoStore(key.FSName(), desc)
	c.mu.Unlock()
	return desc, nil
}

func (c *DiskCache) writeDescriptor(dir string, desc *Descriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	tmp := filepath.Join(dir, descriptorFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, descriptorFileName)); err != nil {
		return fmt.Errorf("publish descriptor: %w", err)
	}
	return nil
}

// Purge removes one entry and forgets its memoized descriptor.
func (c *DiskCache) Purge(key model.CacheKey) error {
	c.mu.Lock()
	delete(c.memo, key.FSName())
	c.mu.Unlock()
	return os.RemoveAll(c.EntryDir(key))
}

// PurgeAll removes every entry under the cache root.
func (c *DiskCache) PurgeAll() error {
	c.mu.Lock()
	c.memo = make(map[string]memoEntry)
	c.mu.Unlock()

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("read cache root: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// forget drops a memoized descriptor by directory name.
func (c *DiskCache) forget(dirName string) {
	c.mu.Lock()
	delete(c.memo, dirName)
	c.mu.Unlock()
}

// EntryInfo describes one on-disk entry for eviction and admin listings.
type EntryInfo struct {
	DirName string
	Key     model.CacheKey
	// KeyValid is false for directories whose name does not parse as a
	// cache key (manual copies, leftovers from other versions).
	KeyValid  bool
	SizeBytes int64
	// ModTime is the directory's own modification time, a proxy for entry
	// age when no descriptor is readable.
	ModTime time.Time
}

// Entries lists the cache's top-level directories with sizes.
func (c *DiskCache) Entries() ([]EntryInfo, error) {
	dirEntries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("read cache root: %w", err)
	}

	infos := make([]EntryInfo, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		info := EntryInfo{DirName: de.Name()}
		if key, err := model.ParseFSName(de.Name()); err == nil {
			info.Key = key
			info.KeyValid = true
		}
		if stat, err := de.Info(); err == nil {
			info.ModTime = stat.ModTime()
		}
		info.SizeBytes = dirSize(filepath.Join(c.root, de.Name()))
		infos = append(infos, info)
	}
	return infos, nil
}

// TotalSize returns the summed size of all entries.
func (c *DiskCache) TotalSize() (int64, error) {
	entries, err := c.Entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total, nil
}

func dirSize(dir string) int64 {
	var size int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
