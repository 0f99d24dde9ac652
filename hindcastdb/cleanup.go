package hindcastdb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricItemsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindcast",
		Name:      "db_items_deleted_total",
		Help:      "Total number of items removed by retention cleanup.",
	})
	metricCleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindcast",
		Name:      "db_cleanup_duration_seconds",
		Help:      "Records the amount of time to run retention cleanup.",
		Buckets:   prometheus.ExponentialBuckets(.01, 2, 10),
	})
)

// Cleanup destroys every item whose date bucket precedes the retention cutoff
// and removes it from all indices within the same critical section. Returns
// the number of items removed. Zero retentionDays uses the configured default.
func (s *fileStore) Cleanup(retentionDays int) (int, error) {
	start := time.Now()
	defer func() { metricCleanupDuration.Observe(time.Since(start).Seconds()) }()

	if retentionDays <= 0 {
		retentionDays = s.cfg.RetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")

	s.mtx.Lock()

	expired := make([]string, 0)
	for date, bucket := range s.indices.ByTimestamp {
		if date >= cutoff {
			continue
		}
		expired = append(expired, bucket...)
		delete(s.indices.ByTimestamp, date)
	}

	for _, id := range expired {
		if err := os.RemoveAll(s.itemDir(id)); err != nil {
			level.Warn(s.logger).Log("msg", "failed to remove expired item", "id", id, "err", err)
		}
		dropID(s.indices.ByID, id)
		dropID(s.indices.ByType, id)
		dropID(s.indices.BySource, id)
		dropID(s.indices.ByTag, id)
	}

	s.persistIndicesLocked()
	s.mtx.Unlock()

	s.rebuildStats()

	metricItemsDeleted.Add(float64(len(expired)))
	level.Info(s.logger).Log("msg", "retention cleanup complete", "removed", len(expired),
		"cutoff", cutoff, "size", humanize.Bytes(uint64(s.Stats().TotalBytes)))

	return len(expired), nil
}

// dropID removes id from every bucket of one index, deleting buckets that
// become empty.
func dropID(idx map[string][]string, id string) {
	for key, bucket := range idx {
		kept := bucket[:0]
		for _, existing := range bucket {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(idx, key)
			continue
		}
		idx[key] = kept
	}
}

// rebuildStats re-derives storage stats by scanning the data tree.
func (s *fileStore) rebuildStats() {
	var items, datasets int
	var bytes int64

	root := filepath.Join(s.cfg.Path, dataDir)
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		bytes += info.Size()
		switch info.Name() {
		case "metadata.json":
			items++
		default:
			if filepath.Base(filepath.Dir(filepath.Dir(path))) == datasetsDir && isDatasetMeta(info.Name()) {
				datasets++
			}
		}
		return nil
	})

	s.mtx.Lock()
	s.stats = Stats{ItemCount: items, DatasetCount: datasets, TotalBytes: bytes}
	s.mtx.Unlock()

	metricItemCount.Set(float64(items))
}

func isDatasetMeta(name string) bool {
	const suffix = "_metadata.json"
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
