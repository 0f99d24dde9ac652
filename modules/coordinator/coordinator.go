package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/hindcast/hindcast/hindcastdb"
	"github.com/hindcast/hindcast/pkg/metrics"
	"github.com/hindcast/hindcast/pkg/pool"
	"github.com/hindcast/hindcast/pkg/trust"
)

var (
	metricBatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindcast",
		Name:      "coordinator_batches_completed_total",
		Help:      "Total number of batches processed successfully.",
	})
	metricBatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindcast",
		Name:      "coordinator_batches_failed_total",
		Help:      "Total number of batches that failed.",
	})
	metricBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindcast",
		Name:      "coordinator_batch_duration_seconds",
		Help:      "Records the amount of time to process one batch.",
		Buckets:   prometheus.ExponentialBuckets(.01, 2, 12),
	})
)

const progressInterval = 2 * time.Second

// ErrTrainingInProgress is returned when StartTraining is re-entered.
var ErrTrainingInProgress = errors.New("training already in progress")

// ProgressFunc receives periodic progress reports during a run.
type ProgressFunc func(completed, failed, total int, elapsed time.Duration)

// RuntimeInfo describes the worker runtime backing a run.
type RuntimeInfo struct {
	Workers          int    `json:"workers"`
	ThreadsPerWorker int    `json:"threads_per_worker"`
	QueueDepth       int    `json:"queue_depth"`
	DashboardURL     string `json:"dashboard_url,omitempty"`
}

// Summary is the aggregate result of one training run.
type Summary struct {
	Batches     BatchStats     `json:"batches"`
	Variables   VariableStats  `json:"variables"`
	Performance Performance    `json:"performance"`
	Runtime     RuntimeSummary `json:"runtime"`
	Errors      []string       `json:"errors,omitempty"`
}

type BatchStats struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

type VariableStats struct {
	Total       int                `json:"total"`
	TrustScores map[string]float64 `json:"trust_scores"`
}

type Performance struct {
	DurationSeconds         float64 `json:"duration_seconds"`
	SpeedupFactor           float64 `json:"speedup_factor"`
	EstimatedSequentialTime float64 `json:"estimated_sequential_time"`
}

// RuntimeSummary reports the runtime used, or Status "Not used" when batches
// ran without a pool.
type RuntimeSummary struct {
	Status string       `json:"status,omitempty"`
	Info   *RuntimeInfo `json:"info,omitempty"`
}

// Coordinator owns the outer concurrent workflow of one training run.
type Coordinator struct {
	cfg    Config
	logger log.Logger

	tracker      *trust.Tracker
	buffer       *trust.Buffer
	metricsStore *metrics.Store
	collector    *metrics.Collector

	runtime     *pool.Pool
	runtimeInfo *RuntimeInfo

	isTraining *atomic.Bool

	mtx           sync.Mutex
	batches       []*Batch
	errs          []string
	completed     int
	failed        int
	trainingStart time.Time
	trainingEnd   time.Time
	totalVars     int
	preloadPoints int

	stopper  *pool.Stopper
	progress ProgressFunc

	// swapped out by tests to inject worker failures
	process func(*Batch, workerConfig, log.Logger) (*BatchResult, error)
}

// New builds a Coordinator and its coordinator-side components.
func New(cfg Config, logger log.Logger) (*Coordinator, error) {
	cfg.applyDefaults()

	metricsStore, err := metrics.NewStore(cfg.MetricsStore, logger)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator metrics store")
	}

	tracker := trust.NewTracker(cfg.Tracker, logger)

	c := &Coordinator{
		cfg:          cfg,
		logger:       logger,
		tracker:      tracker,
		buffer:       trust.NewBuffer(cfg.Buffer, tracker, logger),
		metricsStore: metricsStore,
		collector:    metrics.NewCollector(cfg.Collector, metricsStore, logger),
		isTraining:   atomic.NewBool(false),
		process:      processBatch,
	}
	c.collector.Start()

	return c, nil
}

// Tracker exposes the coordinator-side trust tracker.
func (c *Coordinator) Tracker() *trust.Tracker { return c.tracker }

// Batches returns the planned batches.
func (c *Coordinator) Batches() []*Batch {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.batches
}

// PrepareTrainingBatches partitions the window and validates inputs. With
// preloadData set it opens the configured store and records how many
// observations are available per variable.
func (c *Coordinator) PrepareTrainingBatches(variables []string, start, end time.Time, batchDays, overlapDays, batchLimit int, preloadData bool) ([]*Batch, error) {
	batches, err := planBatches(variables, start, end, batchDays, overlapDays, batchLimit)
	if err != nil {
		return nil, err
	}

	preloaded := 0
	if preloadData {
		preloaded, err = c.preload(variables, start, end)
		if err != nil {
			level.Warn(c.logger).Log("msg", "preload failed, continuing without it", "err", err)
		}
	}

	c.mtx.Lock()
	c.batches = batches
	c.totalVars = len(variables)
	c.preloadPoints = preloaded
	c.completed = 0
	c.failed = 0
	c.errs = nil
	c.mtx.Unlock()

	kvs := []interface{}{"msg", "training batches prepared", "batches", len(batches),
		"variables", len(variables), "batch_days", batchDays, "overlap_days", overlapDays}
	if preloadData {
		kvs = append(kvs, "preloaded_points", preloaded)
	}
	level.Info(c.logger).Log(kvs...)

	return batches, nil
}

func (c *Coordinator) preload(variables []string, start, end time.Time) (int, error) {
	store, err := hindcastdb.New(c.cfg.Storage, c.logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	total := 0
	for _, v := range variables {
		points, err := store.RetrieveTimeSeries(v)
		if err != nil {
			return total, err
		}
		for _, p := range points {
			if !p.Timestamp.Before(start) && p.Timestamp.Before(end) {
				total++
			}
		}
	}
	return total, nil
}

// StartTraining runs every planned batch to completion, reporting progress
// roughly every two seconds. It blocks the calling goroutine for the whole
// run and refuses re-entry while a run is active.
func (c *Coordinator) StartTraining(progress ProgressFunc) error {
	if !c.isTraining.CompareAndSwap(false, true) {
		return ErrTrainingInProgress
	}

	c.mtx.Lock()
	batches := c.batches
	c.trainingStart = time.Now()
	c.trainingEnd = time.Time{}
	c.progress = progress
	c.mtx.Unlock()

	if len(batches) == 0 {
		c.isTraining.Store(false)
		return errors.New("no batches prepared")
	}

	c.runtime = pool.NewPool(&c.cfg.Pool)
	c.runtimeInfo = &RuntimeInfo{
		Workers:          c.runtime.Workers(),
		ThreadsPerWorker: c.cfg.ThreadsPerWorker,
		QueueDepth:       c.runtime.QueueDepth(),
	}
	if c.cfg.DashboardPort > 0 {
		c.runtimeInfo.DashboardURL = fmt.Sprintf("http://localhost:%d/metrics", c.cfg.DashboardPort)
	}

	level.Info(c.logger).Log("msg", "training started", "batches", len(batches),
		"workers", c.runtimeInfo.Workers, "threads_per_worker", c.runtimeInfo.ThreadsPerWorker)

	doneCh := make(chan struct{}, len(batches))

	payloads := make([]interface{}, 0, len(batches))
	for i, b := range batches {
		payloads = append(payloads, &workerJob{
			batch: b,
			cfg: workerConfig{
				threads:      c.cfg.ThreadsPerWorker,
				seed:         c.trainingStart.UnixNano() + int64(i),
				storage:      c.cfg.Storage,
				metricsStore: c.cfg.MetricsStore,
				collector:    c.cfg.Collector,
				buffer:       c.cfg.Buffer,
				tracker:      c.cfg.Tracker,
			},
		})
	}

	stopper, err := c.runtime.RunStoppableJobs(payloads, func(payload interface{}, _ <-chan struct{}) error {
		job := payload.(*workerJob)
		c.runJob(job)
		doneCh <- struct{}{}
		return nil
	})
	if err != nil {
		c.runtime.Shutdown()
		c.runtime = nil
		c.isTraining.Store(false)
		return errors.Wrap(err, "submitting batches")
	}

	c.mtx.Lock()
	c.stopper = stopper
	c.mtx.Unlock()

	c.waitForBatches(len(batches), doneCh)
	c.finish()

	return nil
}

type workerJob struct {
	batch *Batch
	cfg   workerConfig
}

func (c *Coordinator) runJob(job *workerJob) {
	start := time.Now()
	result, err := c.process(job.batch, job.cfg, c.logger)
	elapsed := time.Since(start)

	metricBatchDuration.Observe(elapsed.Seconds())

	c.mtx.Lock()
	defer c.mtx.Unlock()

	job.batch.Processed = true
	job.batch.ProcessingTime = elapsed

	if err != nil {
		c.failed++
		c.errs = append(c.errs, fmt.Sprintf("batch %s: %v", job.batch.ID, err))
		metricBatchesFailed.Inc()
		level.Error(c.logger).Log("msg", "batch failed", "batch", job.batch.ID, "err", err)
		return
	}

	job.batch.Result = result
	c.completed++
	metricBatchesCompleted.Inc()

	c.applyTrustUpdatesLocked(result)
}

// applyTrustUpdatesLocked folds a worker's evidence into the coordinator's
// trust state. Weighted aggregate updates are equivalent to the worker's
// per-event stream because weight addition commutes.
func (c *Coordinator) applyTrustUpdatesLocked(result *BatchResult) {
	if result == nil || result.Skipped {
		return
	}

	updates := make([]trust.Update, 0, 2*len(result.TrustUpdates))
	for key, summary := range result.TrustUpdates {
		successes := float64(int(summary.SuccessRate*float64(summary.Updates) + 0.5))
		failures := float64(summary.Updates) - successes

		updates = append(updates,
			trust.Update{Key: key, Succeeded: true, Weight: successes},
			trust.Update{Key: key, Succeeded: false, Weight: failures},
		)
	}
	c.buffer.AddBatch(updates)
}

func (c *Coordinator) waitForBatches(total int, doneCh <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	settled := 0
	for settled < total && c.isTraining.Load() {
		select {
		case <-doneCh:
			settled++
		case <-ticker.C:
			c.reportProgress(total)
		}
	}

	if !c.isTraining.Load() {
		// cancelled: wait for in-flight workers, skip everything queued
		c.mtx.Lock()
		stopper := c.stopper
		c.mtx.Unlock()
		if stopper != nil {
			_ = stopper.Stop()
		}
		// drain completions that raced with cancellation
		for {
			select {
			case <-doneCh:
			default:
				return
			}
		}
	}
}

func (c *Coordinator) reportProgress(total int) {
	c.mtx.Lock()
	completed, failed := c.completed, c.failed
	progress := c.progress
	elapsed := time.Since(c.trainingStart)
	c.mtx.Unlock()

	if progress != nil {
		progress(completed, failed, total, elapsed)
	}
	level.Debug(c.logger).Log("msg", "training progress", "completed", completed,
		"failed", failed, "total", total, "elapsed", elapsed)
}

func (c *Coordinator) finish() {
	c.buffer.Flush()

	c.mtx.Lock()
	c.trainingEnd = time.Now()
	completed, failed := c.completed, c.failed
	total := len(c.batches)
	elapsed := c.trainingEnd.Sub(c.trainingStart)
	c.mtx.Unlock()

	c.isTraining.Store(false)

	if c.runtime != nil {
		c.runtime.Shutdown()
		c.runtime = nil
	}

	if _, err := c.collector.Submit(&metrics.Record{
		MetricType: metrics.TypeTrainingSummary,
		Metrics: map[string]float64{
			"total_batches":     float64(total),
			"completed_batches": float64(completed),
			"failed_batches":    float64(failed),
			"duration_seconds":  elapsed.Seconds(),
		},
	}); err != nil {
		level.Warn(c.logger).Log("msg", "failed to submit training summary metric", "err", err)
	}

	level.Info(c.logger).Log("msg", "training finished", "completed", completed,
		"failed", failed, "duration", elapsed)
}

// StopTraining cancels the run: outstanding batches are skipped, in-flight
// workers finish and buffered trust updates are flushed. Two consecutive
// calls behave as one.
func (c *Coordinator) StopTraining() {
	if !c.isTraining.CompareAndSwap(true, false) {
		return
	}

	level.Info(c.logger).Log("msg", "stopping training")

	c.mtx.Lock()
	stopper := c.stopper
	c.mtx.Unlock()

	if stopper != nil {
		_ = stopper.Stop()
	}

	c.buffer.Flush()
}

// IsTraining reports whether a run is active.
func (c *Coordinator) IsTraining() bool {
	return c.isTraining.Load()
}

// ResultsSummary aggregates the run into the persisted summary document.
func (c *Coordinator) ResultsSummary() *Summary {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	total := len(c.batches)

	variables := make(map[string]struct{})
	for _, b := range c.batches {
		for _, v := range b.Variables {
			variables[v] = struct{}{}
		}
	}
	keys := make([]string, 0, len(variables))
	for v := range variables {
		keys = append(keys, v)
	}

	s := &Summary{
		Batches: BatchStats{
			Total:     total,
			Completed: c.completed,
			Failed:    c.failed,
		},
		Variables: VariableStats{
			Total:       len(keys),
			TrustScores: c.tracker.TrustBatch(keys),
		},
	}
	if total > 0 {
		s.Batches.SuccessRate = float64(c.completed) / float64(total)
	}

	if !c.trainingEnd.IsZero() {
		duration := c.trainingEnd.Sub(c.trainingStart)
		s.Performance.DurationSeconds = duration.Seconds()

		var batchTime time.Duration
		successful := 0
		for _, b := range c.batches {
			if b.Result != nil && b.Result.Success {
				batchTime += b.ProcessingTime
				successful++
			}
		}
		if successful > 0 && duration > 0 {
			avg := batchTime / time.Duration(successful)
			estimated := avg * time.Duration(total)
			s.Performance.EstimatedSequentialTime = estimated.Seconds()
			s.Performance.SpeedupFactor = estimated.Seconds() / duration.Seconds()
		}
	}

	if c.runtimeInfo != nil {
		s.Runtime = RuntimeSummary{Info: c.runtimeInfo}
	} else {
		s.Runtime = RuntimeSummary{Status: "Not used"}
	}

	errs := c.errs
	if len(errs) > 10 {
		errs = errs[:10]
	}
	s.Errors = errs

	return s
}

// CollectorStats exposes the coordinator-side collector counters.
func (c *Coordinator) CollectorStats() metrics.CollectorStats {
	return c.collector.Stats()
}

// Close releases coordinator-side resources. The collector drains first so
// no acknowledged record is lost.
func (c *Coordinator) Close() error {
	c.StopTraining()
	err := c.collector.Stop(true, 10*time.Second)
	if c.runtime != nil {
		c.runtime.Shutdown()
		c.runtime = nil
	}
	return err
}
