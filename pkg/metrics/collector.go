package metrics

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricCollectorQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindcast",
		Name:      "collector_queue_length",
		Help:      "Current length of the metrics collector queue.",
	})
	metricCollectorBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindcast",
		Name:      "collector_batch_duration_seconds",
		Help:      "Records the amount of time to process one collector batch.",
		Buckets:   prometheus.ExponentialBuckets(.001, 2, 10),
	})
	metricCollectorFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindcast",
		Name:      "collector_records_failed_total",
		Help:      "Total number of records that exhausted their retries.",
	})
)

// ErrQueueFull is returned by Submit when the queue has no room. The record
// is not enqueued; callers observe the rejection instead of a silent drop.
var ErrQueueFull = errors.New("metrics queue is full")

const idleSleep = 100 * time.Millisecond

// Sink receives records drained from the collector queue.
type Sink interface {
	StoreMetric(r *Record) (string, error)
}

// CollectorConfig configures the background drain worker.
type CollectorConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	QueueSize     int           `yaml:"queue_size"`
}

// RegisterFlagsAndApplyDefaults registers collector flags with the given prefix.
func (cfg *CollectorConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, prefix+"batch-size", 50, "Records drained per collector batch.")
	f.DurationVar(&cfg.FlushInterval, prefix+"flush-interval", 5*time.Second, "Idle interval between drain attempts.")
	f.IntVar(&cfg.MaxRetries, prefix+"max-retries", 3, "Store retries before a record is declared failed.")
	f.DurationVar(&cfg.RetryDelay, prefix+"retry-delay", time.Second, "Base delay between store retries.")
	f.IntVar(&cfg.QueueSize, prefix+"queue-size", 4096, "Bounded queue size; submissions beyond this are rejected.")
}

func (cfg *CollectorConfig) applyDefaults() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
}

// CollectorStats is a point-in-time snapshot of collector counters.
type CollectorStats struct {
	MetricsSubmitted int64         `json:"metrics_submitted"`
	MetricsProcessed int64         `json:"metrics_processed"`
	MetricsFailed    int64         `json:"metrics_failed"`
	BatchesProcessed int64         `json:"batches_processed"`
	ProcessingTime   time.Duration `json:"processing_time"`
	QueueSize        int           `json:"queue_size"`
	SuccessRate      float64       `json:"success_rate"`
	AvgBatchTime     time.Duration `json:"avg_batch_time"`
}

// ErrorCallback is invoked for every record that exhausts its retries.
type ErrorCallback func(r *Record, err error)

// Collector decouples metric producers from the store with a bounded queue
// drained by one background worker.
type Collector struct {
	cfg    CollectorConfig
	logger log.Logger
	sink   Sink

	queue chan *Record
	quit  chan struct{}
	done  chan struct{}

	running *atomic.Bool

	submitted *atomic.Int64
	processed *atomic.Int64
	failed    *atomic.Int64
	batches   *atomic.Int64

	procMtx  sync.Mutex
	procTime time.Duration

	cbMtx     sync.Mutex
	callbacks []ErrorCallback
}

// NewCollector returns a stopped Collector draining into sink.
func NewCollector(cfg CollectorConfig, sink Sink, logger log.Logger) *Collector {
	cfg.applyDefaults()

	return &Collector{
		cfg:       cfg,
		logger:    logger,
		sink:      sink,
		queue:     make(chan *Record, cfg.QueueSize),
		running:   atomic.NewBool(false),
		submitted: atomic.NewInt64(0),
		processed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		batches:   atomic.NewInt64(0),
	}
}

// Start brings up the drain worker. Idempotent.
func (c *Collector) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop()
}

// Submit fills record defaults, enqueues it and returns its id without
// blocking. A full queue yields ErrQueueFull.
func (c *Collector) Submit(r *Record) (string, error) {
	r.EnsureDefaults()

	select {
	case c.queue <- r:
		c.submitted.Inc()
		metricCollectorQueueLength.Set(float64(len(c.queue)))
		return r.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// RegisterErrorCallback registers a best-effort notification for records
// that permanently fail.
func (c *Collector) RegisterErrorCallback(cb ErrorCallback) {
	c.cbMtx.Lock()
	defer c.cbMtx.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Stop shuts the worker down. With wait set it blocks until the queue has
// drained or the timeout elapses; on timeout the remaining depth is logged
// and the queued records stay in memory until process exit.
func (c *Collector) Stop(wait bool, timeout time.Duration) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	close(c.quit)

	if !wait {
		return nil
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		remaining := len(c.queue)
		level.Warn(c.logger).Log("msg", "collector stop timed out", "remaining", remaining)
		return errors.Errorf("collector stop timed out with %d records queued", remaining)
	}
}

// Stats returns a snapshot of collector counters.
func (c *Collector) Stats() CollectorStats {
	c.procMtx.Lock()
	procTime := c.procTime
	c.procMtx.Unlock()

	s := CollectorStats{
		MetricsSubmitted: c.submitted.Load(),
		MetricsProcessed: c.processed.Load(),
		MetricsFailed:    c.failed.Load(),
		BatchesProcessed: c.batches.Load(),
		ProcessingTime:   procTime,
		QueueSize:        len(c.queue),
	}
	if total := s.MetricsProcessed + s.MetricsFailed; total > 0 {
		s.SuccessRate = float64(s.MetricsProcessed) / float64(total)
	}
	if s.BatchesProcessed > 0 {
		s.AvgBatchTime = procTime / time.Duration(s.BatchesProcessed)
	}
	return s
}

func (c *Collector) loop() {
	defer close(c.done)

	for {
		select {
		case <-c.quit:
			// graceful stop: drain whatever is left
			for {
				batch := c.collect()
				if len(batch) == 0 {
					return
				}
				c.processBatch(batch)
			}
		default:
		}

		batch := c.collect()
		if len(batch) == 0 {
			select {
			case <-c.quit:
				continue
			case <-time.After(idleSleep):
				continue
			}
		}

		c.processBatch(batch)
	}
}

// collect drains up to BatchSize records without blocking.
func (c *Collector) collect() []*Record {
	var batch []*Record
	for len(batch) < c.cfg.BatchSize {
		select {
		case r := <-c.queue:
			batch = append(batch, r)
		default:
			metricCollectorQueueLength.Set(float64(len(c.queue)))
			return batch
		}
	}
	metricCollectorQueueLength.Set(float64(len(c.queue)))
	return batch
}

func (c *Collector) processBatch(batch []*Record) {
	start := time.Now()

	for _, r := range batch {
		if err := c.storeWithRetries(r); err != nil {
			c.failed.Inc()
			metricCollectorFailed.Inc()
			level.Error(c.logger).Log("msg", "metric record permanently failed", "id", r.ID, "err", err)
			c.notifyError(r, err)
			continue
		}
		c.processed.Inc()
	}

	elapsed := time.Since(start)
	c.batches.Inc()
	metricCollectorBatchDuration.Observe(elapsed.Seconds())

	c.procMtx.Lock()
	c.procTime += elapsed
	c.procMtx.Unlock()
}

func (c *Collector) storeWithRetries(r *Record) error {
	b := backoff.New(context.Background(), backoff.Config{
		MinBackoff: c.cfg.RetryDelay,
		MaxBackoff: 4 * c.cfg.RetryDelay,
		MaxRetries: c.cfg.MaxRetries + 1,
	})

	var lastErr error
	for b.Ongoing() {
		if _, lastErr = c.sink.StoreMetric(r); lastErr == nil {
			return nil
		}
		b.Wait()
	}
	return lastErr
}

func (c *Collector) notifyError(r *Record, err error) {
	c.cbMtx.Lock()
	callbacks := make([]ErrorCallback, len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.cbMtx.Unlock()

	for _, cb := range callbacks {
		cb(r, err)
	}
}
