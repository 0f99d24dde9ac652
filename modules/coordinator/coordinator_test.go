package coordinator

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindcast/hindcast/hindcastdb"
	"github.com/hindcast/hindcast/pkg/metrics"
	"github.com/hindcast/hindcast/pkg/pool"
)

func testCoordinatorConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		MaxWorkers:       2,
		ThreadsPerWorker: 2,
		Pool:             pool.Config{MaxWorkers: 2, QueueDepth: 100},
		Storage: hindcastdb.Config{
			Backend: hindcastdb.BackendFile,
			Path:    t.TempDir(),
		},
		MetricsStore: metrics.StoreConfig{Root: t.TempDir()},
		Collector: metrics.CollectorConfig{
			FlushInterval: 10 * time.Millisecond,
			RetryDelay:    time.Millisecond,
		},
	}
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTrainingRun(t *testing.T) {
	cfg := testCoordinatorConfig(t)
	c := newTestCoordinator(t, cfg)

	start := day("2023-01-01")
	variables := []string{"temperature", "pressure"}
	for _, v := range variables {
		seedVariable(t, cfg.Storage, v, start, 30)
	}

	batches, err := c.PrepareTrainingBatches(variables, start, start.AddDate(0, 0, 30), 10, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	require.NoError(t, c.StartTraining(nil))
	assert.False(t, c.IsTraining())

	s := c.ResultsSummary()
	assert.Equal(t, 3, s.Batches.Total)
	assert.Equal(t, 3, s.Batches.Completed)
	assert.Equal(t, 0, s.Batches.Failed)
	assert.Equal(t, 1.0, s.Batches.SuccessRate)
	assert.Empty(t, s.Errors)

	assert.Equal(t, 2, s.Variables.Total)
	for _, v := range variables {
		score := s.Variables.TrustScores[v]
		assert.Greater(t, score, 0.6, v)
		assert.Less(t, score, 1.0, v)
	}

	assert.Greater(t, s.Performance.DurationSeconds, 0.0)
	assert.Greater(t, s.Performance.EstimatedSequentialTime, 0.0)
	assert.Greater(t, s.Performance.SpeedupFactor, 0.0)

	require.NotNil(t, s.Runtime.Info)
	assert.Equal(t, 2, s.Runtime.Info.Workers)
	assert.Equal(t, 2, s.Runtime.Info.ThreadsPerWorker)

	// the run summary record went through the coordinator's own collector
	assert.GreaterOrEqual(t, c.CollectorStats().MetricsSubmitted, int64(1))

	// every batch carries its result
	for _, b := range c.Batches() {
		assert.True(t, b.Processed)
		require.NotNil(t, b.Result)
		assert.True(t, b.Result.Success)
		assert.Greater(t, b.ProcessingTime, time.Duration(0))
	}
}

func TestTrainingEmptyWindow(t *testing.T) {
	cfg := testCoordinatorConfig(t)
	c := newTestCoordinator(t, cfg)

	start := day("2023-01-01")
	_, err := c.PrepareTrainingBatches([]string{"v"}, start, start.AddDate(0, 0, 10), 10, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, c.StartTraining(nil))

	s := c.ResultsSummary()
	assert.Equal(t, 1, s.Batches.Completed)
	assert.Equal(t, 0, s.Batches.Failed)

	// no evidence: the prior survives
	assert.Equal(t, 0.5, s.Variables.TrustScores["v"])

	require.NotNil(t, c.Batches()[0].Result)
	assert.True(t, c.Batches()[0].Result.Skipped)
}

func TestTrainingFailureIsolation(t *testing.T) {
	cfg := testCoordinatorConfig(t)
	c := newTestCoordinator(t, cfg)

	start := day("2023-01-01")
	batches, err := c.PrepareTrainingBatches([]string{"v"}, start, start.AddDate(0, 0, 40), 10, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, batches, 4)

	failing := batches[1].ID
	c.process = func(b *Batch, _ workerConfig, _ log.Logger) (*BatchResult, error) {
		if b.ID == failing {
			return nil, errors.New("synthetic worker failure")
		}
		return &BatchResult{
			Success: true,
			Metrics: BatchMetrics{TotalDataPoints: 1, VariablesProcessed: 1},
			TrustUpdates: map[string]TrustUpdateSummary{
				"v": {SuccessRate: 0.8, Updates: 100},
			},
		}, nil
	}

	require.NoError(t, c.StartTraining(nil))

	s := c.ResultsSummary()
	assert.Equal(t, 4, s.Batches.Total)
	assert.Equal(t, 3, s.Batches.Completed)
	assert.Equal(t, 1, s.Batches.Failed)
	assert.InDelta(t, 0.75, s.Batches.SuccessRate, 1e-9)

	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "synthetic worker failure")

	// 3 successful batches, 80 successes + 20 failures each
	assert.InDelta(t, 241.0/302.0, s.Variables.TrustScores["v"], 1e-9)
}

func TestStartTrainingWithoutBatches(t *testing.T) {
	c := newTestCoordinator(t, testCoordinatorConfig(t))

	err := c.StartTraining(nil)
	assert.Error(t, err)
	assert.False(t, c.IsTraining())
}

func TestStartTrainingRefusesReentry(t *testing.T) {
	cfg := testCoordinatorConfig(t)
	c := newTestCoordinator(t, cfg)

	start := day("2023-01-01")
	_, err := c.PrepareTrainingBatches([]string{"v"}, start, start.AddDate(0, 0, 10), 10, 0, 0, false)
	require.NoError(t, err)

	release := make(chan struct{})
	c.process = func(*Batch, workerConfig, log.Logger) (*BatchResult, error) {
		<-release
		return &BatchResult{Success: true}, nil
	}

	done := make(chan error, 1)
	go func() { done <- c.StartTraining(nil) }()

	require.Eventually(t, c.IsTraining, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.StartTraining(nil), ErrTrainingInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestStopTrainingIdempotent(t *testing.T) {
	c := newTestCoordinator(t, testCoordinatorConfig(t))

	// stopping when idle is a no-op
	c.StopTraining()
	c.StopTraining()
	assert.False(t, c.IsTraining())
}

func TestStopTrainingCancelsOutstandingBatches(t *testing.T) {
	cfg := testCoordinatorConfig(t)
	cfg.MaxWorkers = 1
	cfg.Pool.MaxWorkers = 1
	c := newTestCoordinator(t, cfg)

	start := day("2023-01-01")
	batches, err := c.PrepareTrainingBatches([]string{"v"}, start, start.AddDate(0, 0, 100), 10, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, batches, 10)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	c.process = func(*Batch, workerConfig, log.Logger) (*BatchResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &BatchResult{Success: true}, nil
	}

	done := make(chan error, 1)
	go func() { done <- c.StartTraining(nil) }()

	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	c.StopTraining()

	require.NoError(t, <-done)
	assert.False(t, c.IsTraining())

	s := c.ResultsSummary()
	assert.Less(t, s.Batches.Completed+s.Batches.Failed, s.Batches.Total)
}

func TestResultsSummaryBeforeTraining(t *testing.T) {
	c := newTestCoordinator(t, testCoordinatorConfig(t))

	s := c.ResultsSummary()
	assert.Equal(t, 0, s.Batches.Total)
	assert.Equal(t, 0.0, s.Batches.SuccessRate)
	assert.Equal(t, "Not used", s.Runtime.Status)
	assert.Nil(t, s.Runtime.Info)
	assert.Equal(t, 0.0, s.Performance.DurationSeconds)
}

func TestPrepareTrainingBatchesResetsCounters(t *testing.T) {
	cfg := testCoordinatorConfig(t)
	c := newTestCoordinator(t, cfg)

	start := day("2023-01-01")
	_, err := c.PrepareTrainingBatches([]string{"v"}, start, start.AddDate(0, 0, 10), 10, 0, 0, false)
	require.NoError(t, err)
	require.NoError(t, c.StartTraining(nil))

	// re-planning clears prior run state
	_, err = c.PrepareTrainingBatches([]string{"v"}, start, start.AddDate(0, 0, 20), 10, 0, 0, false)
	require.NoError(t, err)

	s := c.ResultsSummary()
	assert.Equal(t, 2, s.Batches.Total)
	assert.Equal(t, 0, s.Batches.Completed)
	assert.Empty(t, s.Errors)
}
