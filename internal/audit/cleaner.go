package audit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"transitbd/tracker/internal/logging"
)

// RetentionPolicy defines how many audit artefacts are retained on disk.
type RetentionPolicy struct {
	MaxSegments  int
	MaxSnapshots int
	MaxAge       time.Duration
}

// StorageStats summarises the disk footprint of the audit directory.
type StorageStats struct {
	Segments  int
	Snapshots int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner prunes audit segments and snapshots according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	// active reports the segment currently being written, which is never removed.
	active func() string
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the audit directory.
func NewCleaner(dir string, policy RetentionPolicy, active func() string, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	if active == nil {
		active = func() string { return "" }
	}
	return &Cleaner{dir: dir, policy: policy, log: logger.With(logging.String("component", "audit_cleaner")), now: time.Now, active: active}
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type artefact struct {
	path    string
	isDir   bool
	size    int64
	modTime time.Time
}

// Sweep applies the retention policy once.
func (c *Cleaner) Sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("audit retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}

	//1.- Split the directory into segments and snapshots, newest first by name.
	var segments, snapshots []artefact
	active := c.active()
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(c.dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}
		art := artefact{path: path, isDir: entry.IsDir(), size: info.Size(), modTime: info.ModTime()}
		switch {
		case entry.IsDir() && strings.HasPrefix(name, segmentPrefix):
			if path == active {
				continue
			}
			if size, err := directorySize(path); err == nil {
				art.size = size
			}
			segments = append(segments, art)
		case !entry.IsDir() && strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotSuffix):
			snapshots = append(snapshots, art)
		}
	}
	newestFirst := func(list []artefact) {
		sort.Slice(list, func(i, j int) bool { return list[i].path > list[j].path })
	}
	newestFirst(segments)
	newestFirst(snapshots)

	now := c.now()
	stats := StorageStats{LastSweep: now}
	keptSegments := c.prune(segments, c.policy.MaxSegments, now, false)
	keptSnapshots := c.prune(snapshots, c.policy.MaxSnapshots, now, true)
	for _, art := range keptSegments {
		stats.Segments++
		stats.Bytes += art.size
	}
	for _, art := range keptSnapshots {
		stats.Snapshots++
		stats.Bytes += art.size
	}

	//2.- Publish the refreshed statistics.
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// prune removes artefacts beyond the count or age limits. keepNewest retains the newest
// artefact regardless of age so a restart always has something to restore from.
func (c *Cleaner) prune(list []artefact, limit int, now time.Time, keepNewest bool) []artefact {
	kept := make([]artefact, 0, len(list))
	for i, art := range list {
		reasons := make([]string, 0, 2)
		if c.policy.MaxAge > 0 && now.Sub(art.modTime) > c.policy.MaxAge && !(keepNewest && i == 0) {
			reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
		}
		if limit > 0 && len(kept) >= limit {
			reasons = append(reasons, fmt.Sprintf(">=%d kept", limit))
		}
		if len(reasons) == 0 {
			kept = append(kept, art)
			continue
		}
		if err := remove(art); err != nil {
			c.log.Warn("audit retention removal failed", logging.Error(err), logging.String("path", art.path))
			kept = append(kept, art)
			continue
		}
		c.log.Info("audit retention removed artefact", logging.String("path", art.path), logging.String("reason", strings.Join(reasons, ", ")))
	}
	return kept
}

func remove(art artefact) error {
	if art.isDir {
		return os.RemoveAll(art.path)
	}
	if err := os.Remove(art.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func directorySize(root string) (int64, error) {
	var total int64
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, walkErr
}
