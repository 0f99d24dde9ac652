package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindcast/hindcast/hindcastdb"
	"github.com/hindcast/hindcast/modules/coordinator"
	"github.com/hindcast/hindcast/pkg/metrics"
	"github.com/hindcast/hindcast/pkg/pool"
)

type recordingStage struct {
	name     string
	failWith error
	log      *[]string
}

func (s *recordingStage) Name() string { return s.name }

func (s *recordingStage) Execute(*Context) error {
	*s.log = append(*s.log, "exec:"+s.name)
	return s.failWith
}

type recordingRollbackStage struct {
	recordingStage
	rollbackErr error
}

func (s *recordingRollbackStage) Rollback(*Context) error {
	*s.log = append(*s.log, "rollback:"+s.name)
	return s.rollbackErr
}

func TestPipelineRollbackOrder(t *testing.T) {
	var trace []string

	p := &Pipeline{
		logger: log.NewNopLogger(),
		stages: []Stage{
			&recordingRollbackStage{recordingStage: recordingStage{name: "one", log: &trace}},
			&recordingRollbackStage{recordingStage: recordingStage{name: "two", log: &trace}},
			&recordingStage{name: "three", log: &trace, failWith: errors.New("boom")},
			&recordingStage{name: "four", log: &trace},
		},
	}

	err := p.Run(&Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "stage three")

	// the failed stage and everything after it never roll back; completed
	// stages roll back in reverse
	assert.Equal(t, []string{"exec:one", "exec:two", "exec:three", "rollback:two", "rollback:one"}, trace)
}

func TestPipelineSuccessStillCleansUp(t *testing.T) {
	var trace []string

	p := &Pipeline{
		logger: log.NewNopLogger(),
		stages: []Stage{
			&recordingRollbackStage{recordingStage: recordingStage{name: "one", log: &trace}},
			&recordingStage{name: "two", log: &trace},
		},
	}

	require.NoError(t, p.Run(&Context{}))
	assert.Equal(t, []string{"exec:one", "exec:two", "rollback:one"}, trace)
}

func TestPipelineOriginalErrorWinsOverRollbackError(t *testing.T) {
	var trace []string

	p := &Pipeline{
		logger: log.NewNopLogger(),
		stages: []Stage{
			&recordingRollbackStage{
				recordingStage: recordingStage{name: "one", log: &trace},
				rollbackErr:    errors.New("rollback failed too"),
			},
			&recordingStage{name: "two", log: &trace, failWith: errors.New("original")},
		},
	}

	err := p.Run(&Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "original")
	assert.NotContains(t, err.Error(), "rollback failed too")
}

func TestResolveOutputPathPreference(t *testing.T) {
	// caller-supplied path wins
	ctx := &Context{
		Params:        Params{OutputPath: "/tmp/mine.json"},
		IsBatchJob:    true,
		BatchJobID:    "job-1",
		ResultsBucket: "bucket",
	}
	assert.Equal(t, "/tmp/mine.json", resolveOutputPath(ctx))

	// batch-job path needs both the flag and a results bucket
	ctx.Params.OutputPath = ""
	assert.Equal(t, filepath.Join("results", "training_results_job-1.json"), resolveOutputPath(ctx))

	ctx.ResultsBucket = ""
	got := resolveOutputPath(ctx)
	assert.Contains(t, got, "training_results_")
	assert.NotContains(t, got, "job-1")
}

func TestUploadTarget(t *testing.T) {
	tests := []struct {
		name       string
		ctx        *Context
		wantBucket string
		wantKey    string
		wantOK     bool
	}{
		{
			name: "training failed",
			ctx: &Context{
				TrainingSuccess: false,
				Params:          Params{RemoteOutput: "s3://b/k"},
			},
			wantOK: false,
		},
		{
			name: "explicit remote output",
			ctx: &Context{
				TrainingSuccess: true,
				Params:          Params{RemoteOutput: "s3://my-bucket/results/run.json"},
			},
			wantBucket: "my-bucket",
			wantKey:    "results/run.json",
			wantOK:     true,
		},
		{
			name: "malformed remote output",
			ctx: &Context{
				TrainingSuccess: true,
				Params:          Params{RemoteOutput: "s3://bucketonly"},
			},
			wantOK: false,
		},
		{
			name: "batch job with results bucket",
			ctx: &Context{
				TrainingSuccess:    true,
				IsBatchJob:         true,
				ResultsBucket:      "jobs",
				ResolvedOutputPath: "results/training_results_x.json",
			},
			wantBucket: "jobs",
			wantKey:    "training_results_x.json",
			wantOK:     true,
		},
		{
			name: "batch job without bucket",
			ctx: &Context{
				TrainingSuccess: true,
				IsBatchJob:      true,
			},
			wantOK: false,
		},
		{
			name: "nothing configured",
			ctx: &Context{
				TrainingSuccess: true,
			},
			wantOK: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bucket, key, ok := uploadTarget(tc.ctx)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.wantBucket, bucket)
				assert.Equal(t, tc.wantKey, key)
			}
		})
	}
}

func TestUploadStageSkipsSilently(t *testing.T) {
	called := false
	s := &uploadStage{
		logger: log.NewNopLogger(),
		upload: func(context.Context, string, string, string, string) error {
			called = true
			return nil
		},
	}

	ctx := &Context{TrainingSuccess: true}
	require.NoError(t, s.Execute(ctx))
	assert.False(t, called)
	assert.False(t, ctx.UploadAttempted)
}

func TestUploadStageFailureIsNonFatal(t *testing.T) {
	s := &uploadStage{
		logger: log.NewNopLogger(),
		upload: func(context.Context, string, string, string, string) error {
			return errors.New("access denied")
		},
	}

	ctx := &Context{
		TrainingSuccess: true,
		Params:          Params{RemoteOutput: "s3://b/k.json"},
	}
	require.NoError(t, s.Execute(ctx))
	assert.True(t, ctx.UploadAttempted)
	assert.False(t, ctx.UploadSuccess)
	assert.Contains(t, ctx.UploadError, "access denied")
}

func TestUploadStageSuccess(t *testing.T) {
	var gotBucket, gotKey, gotFile string
	s := &uploadStage{
		logger: log.NewNopLogger(),
		upload: func(_ context.Context, _, bucket, key, file string) error {
			gotBucket, gotKey, gotFile = bucket, key, file
			return nil
		},
	}

	ctx := &Context{
		TrainingSuccess:    true,
		Params:             Params{RemoteOutput: "s3://b/k.json"},
		ResolvedOutputPath: "/tmp/results.json",
	}
	require.NoError(t, s.Execute(ctx))
	assert.True(t, ctx.UploadSuccess)
	assert.Equal(t, "b", gotBucket)
	assert.Equal(t, "k.json", gotKey)
	assert.Equal(t, "/tmp/results.json", gotFile)
}

func TestEnvironmentStageBatchJobDetection(t *testing.T) {
	t.Setenv(envBatchJobID, "")
	t.Setenv(envResultsBucket, "")

	s := &environmentStage{logger: log.NewNopLogger()}

	ctx := &Context{}
	require.NoError(t, s.Execute(ctx))
	assert.False(t, ctx.IsBatchJob)

	t.Setenv(envBatchJobID, "job-42")
	t.Setenv(envResultsBucket, "results")

	ctx = &Context{}
	require.NoError(t, s.Execute(ctx))
	assert.True(t, ctx.IsBatchJob)
	assert.Equal(t, "job-42", ctx.BatchJobID)
	assert.Equal(t, "results", ctx.ResultsBucket)
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Setenv(envBatchJobID, "")
	t.Setenv(envResultsBucket, "")

	cfg := coordinator.Config{
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

	start := day(t, "2023-01-01")

	store, err := hindcastdb.New(cfg.Storage, log.NewNopLogger())
	require.NoError(t, err)
	points := make([]hindcastdb.TimeSeriesPoint, 0, 30)
	for i := 0; i < 30; i++ {
		points = append(points, hindcastdb.TimeSeriesPoint{Timestamp: start.AddDate(0, 0, i), Value: float64(i)})
	}
	_, err = store.StoreTimeSeries("temperature", points)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	output := filepath.Join(t.TempDir(), "results.json")
	params := Params{
		Variables:  []string{"temperature"},
		Start:      start,
		End:        start.AddDate(0, 0, 30),
		BatchDays:  10,
		OutputPath: output,
	}

	p, runCtx := New(cfg, params, log.NewNopLogger())
	require.NoError(t, p.Run(runCtx))

	assert.True(t, runCtx.TrainingSuccess)
	assert.Equal(t, hindcastdb.BackendFile, runCtx.StoreName)
	assert.False(t, runCtx.UploadAttempted)

	require.NotNil(t, runCtx.Summary)
	assert.Equal(t, 3, runCtx.Summary.Batches.Completed)
	assert.Greater(t, runCtx.Summary.Variables.TrustScores["temperature"], 0.6)

	// results were written to the caller-supplied path
	buff, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(buff), "trust_scores")

	// rollback hooks released resources
	assert.Nil(t, runCtx.Store)
	assert.Nil(t, runCtx.Coordinator)
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return ts
}
