package trust

import (
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBufferFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindcast",
		Name:      "trust_buffer_flushes_total",
		Help:      "Total number of trust buffer flushes.",
	}, []string{"trigger"})
	metricBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindcast",
		Name:      "trust_buffer_size",
		Help:      "Current number of buffered trust updates.",
	})
)

// BufferConfig bounds the trust-update buffer.
type BufferConfig struct {
	MaxBufferSize     int           `yaml:"max_buffer_size"`
	FlushThreshold    int           `yaml:"flush_threshold"`
	AutoFlushInterval time.Duration `yaml:"auto_flush_interval"`
}

// RegisterFlagsAndApplyDefaults registers buffer flags with the given prefix.
func (cfg *BufferConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxBufferSize, prefix+"max-buffer-size", 1000, "Maximum pending trust updates held in the buffer.")
	f.IntVar(&cfg.FlushThreshold, prefix+"flush-threshold", 100, "Pending update count that triggers a flush.")
	f.DurationVar(&cfg.AutoFlushInterval, prefix+"auto-flush-interval", 5*time.Second, "Elapsed time since last flush that triggers a flush.")
}

func (cfg *BufferConfig) applyDefaults() {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 1000
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 100
	}
	if cfg.AutoFlushInterval <= 0 {
		cfg.AutoFlushInterval = 5 * time.Second
	}
}

type evidence struct {
	succeeded bool
	weight    float64
}

// BufferStats is a point-in-time snapshot of buffer counters.
type BufferStats struct {
	UpdatesBuffered    int     `json:"updates_buffered"`
	UpdatesFlushed     int     `json:"updates_flushed"`
	FlushOperations    int     `json:"flush_operations"`
	AutoFlushes        int     `json:"auto_flushes"`
	ManualFlushes      int     `json:"manual_flushes"`
	CurrentBufferSize  int     `json:"current_buffer_size"`
	UniqueKeys         int     `json:"unique_keys"`
	AvgUpdatesPerFlush float64 `json:"avg_updates_per_flush"`
	BufferUtilization  float64 `json:"buffer_utilization"`
}

// Buffer coalesces trust updates per key before handing them to the tracker,
// trading a little latency for far fewer tracker critical sections.
type Buffer struct {
	mtx sync.Mutex

	cfg     BufferConfig
	logger  log.Logger
	tracker *Tracker

	pending   map[string][]evidence
	size      int
	lastFlush time.Time

	buffered      int
	flushed       int
	flushOps      int
	autoFlushes   int
	manualFlushes int
}

// NewBuffer returns a Buffer that drains into tracker.
func NewBuffer(cfg BufferConfig, tracker *Tracker, logger log.Logger) *Buffer {
	cfg.applyDefaults()

	return &Buffer{
		cfg:       cfg,
		logger:    logger,
		tracker:   tracker,
		pending:   make(map[string][]evidence),
		lastFlush: time.Now(),
	}
}

// Add buffers one update. Returns true when the add triggered a flush.
func (b *Buffer) Add(key string, succeeded bool, weight float64) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.addLocked(key, succeeded, weight)
	return b.maybeFlushLocked()
}

// AddBatch buffers a set of updates en bloc. Returns true when the add
// triggered a flush.
func (b *Buffer) AddBatch(updates []Update) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for _, u := range updates {
		b.addLocked(u.Key, u.Succeeded, u.Weight)
	}
	return b.maybeFlushLocked()
}

func (b *Buffer) addLocked(key string, succeeded bool, weight float64) {
	if weight <= 0 {
		return
	}

	// never hold more than the configured maximum
	if b.size >= b.cfg.MaxBufferSize {
		b.flushLocked("auto")
	}

	b.pending[key] = append(b.pending[key], evidence{succeeded: succeeded, weight: weight})
	b.size++
	b.buffered++
	metricBufferSize.Set(float64(b.size))
}

func (b *Buffer) maybeFlushLocked() bool {
	if b.size >= b.cfg.FlushThreshold || time.Since(b.lastFlush) > b.cfg.AutoFlushInterval {
		b.flushLocked("auto")
		return true
	}
	return false
}

// Flush forces a flush and returns the number of events drained.
func (b *Buffer) Flush() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.flushLocked("manual")
}

// flushLocked aggregates pending evidence per key and succeeded value, then
// submits at most two weighted updates per key to the tracker.
func (b *Buffer) flushLocked(trigger string) int {
	drained := b.size
	if drained == 0 {
		b.lastFlush = time.Now()
		return 0
	}

	aggregated := make([]Update, 0, 2*len(b.pending))
	for key, events := range b.pending {
		var successWeight, failureWeight float64
		for _, e := range events {
			if e.succeeded {
				successWeight += e.weight
			} else {
				failureWeight += e.weight
			}
		}

		if successWeight > 0 {
			aggregated = append(aggregated, Update{Key: key, Succeeded: true, Weight: successWeight})
		}
		if failureWeight > 0 {
			aggregated = append(aggregated, Update{Key: key, Succeeded: false, Weight: failureWeight})
		}
	}

	b.tracker.BatchUpdate(aggregated)

	level.Debug(b.logger).Log("msg", "flushed trust buffer", "events", drained, "keys", len(b.pending), "trigger", trigger)

	b.pending = make(map[string][]evidence)
	b.size = 0
	b.lastFlush = time.Now()

	b.flushed += drained
	b.flushOps++
	if trigger == "auto" {
		b.autoFlushes++
	} else {
		b.manualFlushes++
	}

	metricBufferFlushes.WithLabelValues(trigger).Inc()
	metricBufferSize.Set(0)

	return drained
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	s := BufferStats{
		UpdatesBuffered:   b.buffered,
		UpdatesFlushed:    b.flushed,
		FlushOperations:   b.flushOps,
		AutoFlushes:       b.autoFlushes,
		ManualFlushes:     b.manualFlushes,
		CurrentBufferSize: b.size,
		UniqueKeys:        len(b.pending),
		BufferUtilization: float64(b.size) / float64(b.cfg.MaxBufferSize) * 100,
	}
	if b.flushOps > 0 {
		s.AvgUpdatesPerFlush = float64(b.flushed) / float64(b.flushOps)
	}
	return s
}
