package coordinator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/hindcast/hindcast/hindcastdb"
	"github.com/hindcast/hindcast/pkg/boundedwaitgroup"
	"github.com/hindcast/hindcast/pkg/metrics"
	"github.com/hindcast/hindcast/pkg/trust"
)

// updatesPerVariable is the evidence volume the stand-in evaluator emits for
// every variable with data in the batch window.
const updatesPerVariable = 100

// workerConfig is the plain data a worker task needs to re-initialise its own
// components. Workers are shared-nothing with respect to coordinator state.
type workerConfig struct {
	threads int
	seed    int64

	storage      hindcastdb.Config
	metricsStore metrics.StoreConfig
	collector    metrics.CollectorConfig
	buffer       trust.BufferConfig
	tracker      trust.TrackerConfig
}

// processBatch is the hot path, invoked exactly once per batch. It
// re-initialises the configured store subtype plus a fresh collector and
// trust buffer, loads the batch window, derives evidence and reports one
// batch metric record.
func processBatch(b *Batch, cfg workerConfig, logger log.Logger) (*BatchResult, error) {
	start := time.Now()

	store, err := hindcastdb.New(cfg.storage, logger)
	if err != nil {
		return nil, errors.Wrap(err, "worker store init")
	}
	defer store.Close()

	metricsStore, err := metrics.NewStore(cfg.metricsStore, logger)
	if err != nil {
		return nil, errors.Wrap(err, "worker metrics store init")
	}

	collector := metrics.NewCollector(cfg.collector, metricsStore, logger)
	collector.Start()
	defer collector.Stop(true, 5*time.Second)

	tracker := trust.NewTracker(cfg.tracker, logger)
	buffer := trust.NewBuffer(cfg.buffer, tracker, logger)
	defer buffer.Flush()

	observations, err := loadWindow(store, b, cfg.threads)
	if err != nil {
		return nil, err
	}

	totalPoints := 0
	for _, points := range observations {
		totalPoints += len(points)
	}

	if totalPoints == 0 {
		level.Debug(logger).Log("msg", "batch window empty, skipping", "batch", b.ID)
		return &BatchResult{
			Success:        true,
			Skipped:        true,
			ProcessingTime: time.Since(start),
			Metrics:        BatchMetrics{TimePeriodDays: periodDays(b)},
		}, nil
	}

	rng := rand.New(rand.NewSource(cfg.seed))

	trustUpdates := make(map[string]TrustUpdateSummary, len(observations))
	var successRateSum float64
	var processed int

	for variable, points := range observations {
		if len(points) == 0 {
			continue
		}

		// stand-in for the real rule evaluator; the interface it preserves
		// is one batch-update into the buffer per variable
		sr := 0.7 + rng.Float64()*0.3
		successes := int(math.Round(updatesPerVariable * sr))

		updates := make([]trust.Update, 0, updatesPerVariable)
		for i := 0; i < updatesPerVariable; i++ {
			updates = append(updates, trust.Update{
				Key:       variable,
				Succeeded: i < successes,
				Weight:    1.0,
			})
		}
		buffer.AddBatch(updates)

		trustUpdates[variable] = TrustUpdateSummary{SuccessRate: sr, Updates: updatesPerVariable}
		successRateSum += sr
		processed++
	}

	result := &BatchResult{
		Success:        true,
		ProcessingTime: time.Since(start),
		Metrics: BatchMetrics{
			TotalDataPoints:    totalPoints,
			VariablesProcessed: processed,
			TimePeriodDays:     periodDays(b),
			AvgSuccessRate:     successRateSum / float64(processed),
		},
		TrustUpdates: trustUpdates,
	}

	if _, err := collector.Submit(&metrics.Record{
		MetricType: metrics.TypeRetrodictionBatch,
		Tags:       []string{"batch:" + b.ID},
		Metrics: map[string]float64{
			"total_data_points":   float64(totalPoints),
			"variables_processed": float64(processed),
			"time_period_days":    float64(periodDays(b)),
			"avg_success_rate":    result.Metrics.AvgSuccessRate,
		},
	}); err != nil {
		level.Warn(logger).Log("msg", "failed to submit batch metric", "batch", b.ID, "err", err)
	}

	return result, nil
}

// loadWindow retrieves every variable's history and keeps the observations
// falling in [batch.Start, batch.End). Loads run concurrently, bounded by
// threads.
func loadWindow(store hindcastdb.Store, b *Batch, threads int) (map[string][]hindcastdb.TimeSeriesPoint, error) {
	if threads <= 0 {
		threads = 1
	}

	var mtx sync.Mutex
	observations := make(map[string][]hindcastdb.TimeSeriesPoint, len(b.Variables))
	var firstErr error

	bwg := boundedwaitgroup.New(uint(threads))
	for _, variable := range b.Variables {
		bwg.Add(1)
		go func(v string) {
			defer bwg.Done()

			points, err := store.RetrieveTimeSeries(v)

			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "loading %s", v)
				}
				return
			}

			kept := make([]hindcastdb.TimeSeriesPoint, 0, len(points))
			for _, p := range points {
				// compare parsed instants, inclusive-exclusive across the run
				if !p.Timestamp.Before(b.Start) && p.Timestamp.Before(b.End) {
					kept = append(kept, p)
				}
			}
			observations[v] = kept
		}(variable)
	}
	bwg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return observations, nil
}

func periodDays(b *Batch) int {
	return int(b.End.Sub(b.Start).Hours() / 24)
}
