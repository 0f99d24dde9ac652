package coordinator

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindcast/hindcast/hindcastdb"
	"github.com/hindcast/hindcast/pkg/metrics"
	"github.com/hindcast/hindcast/pkg/trust"
)

func testWorkerConfig(t *testing.T) workerConfig {
	t.Helper()
	return workerConfig{
		threads: 2,
		seed:    1,
		storage: hindcastdb.Config{
			Backend: hindcastdb.BackendFile,
			Path:    t.TempDir(),
		},
		metricsStore: metrics.StoreConfig{Root: t.TempDir()},
		collector: metrics.CollectorConfig{
			FlushInterval: 10 * time.Millisecond,
			RetryDelay:    time.Millisecond,
		},
		buffer:  trust.BufferConfig{},
		tracker: trust.TrackerConfig{},
	}
}

func seedVariable(t *testing.T, cfg hindcastdb.Config, variable string, start time.Time, days int) {
	t.Helper()

	store, err := hindcastdb.New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	defer store.Close()

	points := make([]hindcastdb.TimeSeriesPoint, 0, days)
	for i := 0; i < days; i++ {
		points = append(points, hindcastdb.TimeSeriesPoint{
			Timestamp: start.AddDate(0, 0, i),
			Value:     float64(i),
		})
	}
	_, err = store.StoreTimeSeries(variable, points)
	require.NoError(t, err)
}

func TestProcessBatchEmptyWindowSkips(t *testing.T) {
	cfg := testWorkerConfig(t)

	b := &Batch{
		ID:        "b1",
		Start:     day("2023-01-01"),
		End:       day("2023-01-11"),
		Variables: []string{"temperature"},
	}

	result, err := processBatch(b, cfg, log.NewNopLogger())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, result.Metrics.TotalDataPoints)
	assert.Equal(t, 10, result.Metrics.TimePeriodDays)
	assert.Empty(t, result.TrustUpdates)
}

func TestProcessBatch(t *testing.T) {
	cfg := testWorkerConfig(t)

	start := day("2023-01-01")
	seedVariable(t, cfg.storage, "temperature", start, 30)
	seedVariable(t, cfg.storage, "pressure", start, 30)
	// data entirely outside the batch window
	seedVariable(t, cfg.storage, "humidity", start.AddDate(0, 0, 60), 30)

	b := &Batch{
		ID:        "b1",
		Start:     start,
		End:       start.AddDate(0, 0, 10),
		Variables: []string{"temperature", "pressure", "humidity"},
	}

	result, err := processBatch(b, cfg, log.NewNopLogger())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.Skipped)

	// 10 in-window points per seeded variable, none for humidity
	assert.Equal(t, 20, result.Metrics.TotalDataPoints)
	assert.Equal(t, 2, result.Metrics.VariablesProcessed)
	assert.Equal(t, 10, result.Metrics.TimePeriodDays)

	require.Len(t, result.TrustUpdates, 2)
	for _, v := range []string{"temperature", "pressure"} {
		summary, ok := result.TrustUpdates[v]
		require.True(t, ok, v)
		assert.Equal(t, updatesPerVariable, summary.Updates)
		assert.GreaterOrEqual(t, summary.SuccessRate, 0.7)
		assert.Less(t, summary.SuccessRate, 1.0)
	}
	_, hasHumidity := result.TrustUpdates["humidity"]
	assert.False(t, hasHumidity)

	assert.GreaterOrEqual(t, result.Metrics.AvgSuccessRate, 0.7)
	assert.Less(t, result.Metrics.AvgSuccessRate, 1.0)
}

func TestProcessBatchDeterministicSeed(t *testing.T) {
	cfgA := testWorkerConfig(t)
	cfgB := testWorkerConfig(t)
	cfgB.seed = cfgA.seed

	start := day("2023-01-01")
	seedVariable(t, cfgA.storage, "v", start, 10)
	seedVariable(t, cfgB.storage, "v", start, 10)

	b := &Batch{ID: "b", Start: start, End: start.AddDate(0, 0, 10), Variables: []string{"v"}}

	r1, err := processBatch(b, cfgA, log.NewNopLogger())
	require.NoError(t, err)
	r2, err := processBatch(b, cfgB, log.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, r1.TrustUpdates["v"].SuccessRate, r2.TrustUpdates["v"].SuccessRate)
}

func TestProcessBatchWindowBoundaries(t *testing.T) {
	cfg := testWorkerConfig(t)

	start := day("2023-01-10")
	// seed from 9 days before the window to 9 days after its end
	seedVariable(t, cfg.storage, "v", start.AddDate(0, 0, -9), 28)

	b := &Batch{ID: "b", Start: start, End: start.AddDate(0, 0, 10), Variables: []string{"v"}}

	result, err := processBatch(b, cfg, log.NewNopLogger())
	require.NoError(t, err)

	// [start, end): the point exactly at end is excluded
	assert.Equal(t, 10, result.Metrics.TotalDataPoints)
}

func TestProcessBatchRecordsMetric(t *testing.T) {
	cfg := testWorkerConfig(t)

	start := day("2023-01-01")
	seedVariable(t, cfg.storage, "v", start, 10)

	b := &Batch{ID: "b", Start: start, End: start.AddDate(0, 0, 10), Variables: []string{"v"}}

	_, err := processBatch(b, cfg, log.NewNopLogger())
	require.NoError(t, err)

	// collector drained into the metrics store before returning
	store, err := metrics.NewStore(cfg.metricsStore, log.NewNopLogger())
	require.NoError(t, err)

	records, err := store.QueryMetrics(metrics.Query{Types: []string{metrics.TypeRetrodictionBatch}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, float64(10), records[0].Metrics["total_data_points"])
	assert.Contains(t, records[0].Tags, "batch:b")
}
