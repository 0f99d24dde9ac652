package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/hindcast/hindcast/hindcastdb"
	"github.com/hindcast/hindcast/modules/coordinator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	envRegion        = "AWS_REGION"
	envResultsBucket = "HINDCAST_RESULTS_BUCKET"
	envDataBucket    = "HINDCAST_DATA_BUCKET"
	envBatchJobID    = "HINDCAST_BATCH_JOB_ID"
)

// environmentStage resolves paths and environment, and decides whether this
// run executes as a managed batch job.
type environmentStage struct {
	logger log.Logger
}

func (s *environmentStage) Name() string { return "environment" }

func (s *environmentStage) Execute(ctx *Context) error {
	ctx.Region = os.Getenv(envRegion)
	ctx.ResultsBucket = os.Getenv(envResultsBucket)
	ctx.DataBucket = os.Getenv(envDataBucket)
	ctx.BatchJobID = os.Getenv(envBatchJobID)
	ctx.IsBatchJob = ctx.BatchJobID != ""

	if ctx.Params.LogDir != "" {
		if err := os.MkdirAll(ctx.Params.LogDir, 0o755); err != nil {
			return errors.Wrap(err, "creating log dir")
		}
	}
	if ctx.Config.Storage.Path != "" {
		if err := os.MkdirAll(ctx.Config.Storage.Path, 0o755); err != nil {
			return errors.Wrap(err, "creating storage root")
		}
	}

	level.Info(s.logger).Log("msg", "environment resolved", "is_batch_job", ctx.IsBatchJob,
		"region", ctx.Region, "results_bucket", ctx.ResultsBucket)
	return nil
}

// storeStage instantiates the configured data store subtype and records its
// name so workers can re-initialise the same subtype.
type storeStage struct {
	logger log.Logger
}

func (s *storeStage) Name() string { return "data-store" }

func (s *storeStage) Execute(ctx *Context) error {
	store, err := hindcastdb.New(ctx.Config.Storage, s.logger)
	if err != nil {
		return errors.Wrap(err, "initialising data store")
	}
	ctx.Store = store
	ctx.StoreName = ctx.Config.Storage.Backend

	level.Info(s.logger).Log("msg", "data store ready", "backend", ctx.StoreName,
		"path", ctx.Config.Storage.Path)
	return nil
}

func (s *storeStage) Rollback(ctx *Context) error {
	if ctx.Store == nil {
		return nil
	}
	err := ctx.Store.Close()
	ctx.Store = nil
	return err
}

// runtimeStage brings up the coordinator and its worker runtime.
type runtimeStage struct {
	logger log.Logger
}

func (s *runtimeStage) Name() string { return "runtime" }

func (s *runtimeStage) Execute(ctx *Context) error {
	coord, err := coordinator.New(ctx.Config, s.logger)
	if err != nil {
		return errors.Wrap(err, "initialising coordinator")
	}
	ctx.Coordinator = coord

	level.Info(s.logger).Log("msg", "runtime ready", "max_workers", ctx.Config.MaxWorkers,
		"threads_per_worker", ctx.Config.ThreadsPerWorker)
	return nil
}

func (s *runtimeStage) Rollback(ctx *Context) error {
	if ctx.Coordinator == nil {
		return nil
	}
	err := ctx.Coordinator.Close()
	ctx.Coordinator = nil
	return err
}

// trainingStage runs the full training workflow and writes the summary to
// the resolved output path.
type trainingStage struct {
	logger log.Logger
}

func (s *trainingStage) Name() string { return "training" }

func (s *trainingStage) Execute(ctx *Context) error {
	p := ctx.Params

	if _, err := ctx.Coordinator.PrepareTrainingBatches(p.Variables, p.Start, p.End,
		p.BatchDays, p.OverlapDays, p.BatchLimit, p.PreloadData); err != nil {
		return errors.Wrap(err, "preparing batches")
	}

	if err := ctx.Coordinator.StartTraining(ctx.Progress); err != nil {
		return errors.Wrap(err, "training run")
	}

	ctx.Summary = ctx.Coordinator.ResultsSummary()
	ctx.TrainingSuccess = true
	ctx.ResolvedOutputPath = resolveOutputPath(ctx)

	if err := writeSummary(ctx.ResolvedOutputPath, ctx.Summary); err != nil {
		return errors.Wrap(err, "writing results")
	}

	level.Info(s.logger).Log("msg", "training results written", "path", ctx.ResolvedOutputPath,
		"completed", ctx.Summary.Batches.Completed, "failed", ctx.Summary.Batches.Failed)
	return nil
}

// resolveOutputPath picks, in order, the caller-supplied path, a batch-job
// derived path when a results bucket exists, then a timestamped default.
func resolveOutputPath(ctx *Context) string {
	if ctx.Params.OutputPath != "" {
		return ctx.Params.OutputPath
	}
	if ctx.IsBatchJob && ctx.ResultsBucket != "" {
		return filepath.Join("results", fmt.Sprintf("training_results_%s.json", ctx.BatchJobID))
	}
	return filepath.Join("results", fmt.Sprintf("training_results_%s.json",
		time.Now().UTC().Format("20060102T150405")))
}

func writeSummary(path string, summary *coordinator.Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// uploadFunc pushes one local file to an object-storage bucket.
type uploadFunc func(ctx context.Context, region, bucket, key, file string) error

// uploadStage copies the results file to object storage when the run is
// configured for it. Failures are recorded on the context, never returned.
type uploadStage struct {
	logger log.Logger
	upload uploadFunc
}

func (s *uploadStage) Name() string { return "results-upload" }

func (s *uploadStage) Execute(ctx *Context) error {
	bucket, key, ok := uploadTarget(ctx)
	if !ok {
		level.Debug(s.logger).Log("msg", "results upload skipped")
		return nil
	}

	ctx.UploadAttempted = true

	uploadCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := s.upload(uploadCtx, ctx.Region, bucket, key, ctx.ResolvedOutputPath); err != nil {
		ctx.UploadSuccess = false
		ctx.UploadError = err.Error()
		level.Warn(s.logger).Log("msg", "results upload failed", "bucket", bucket, "key", key, "err", err)
		return nil
	}

	ctx.UploadSuccess = true
	level.Info(s.logger).Log("msg", "results uploaded", "bucket", bucket, "key", key)
	return nil
}

// uploadTarget decides whether and where to upload: an explicit remote
// output wins, then batch-job mode with a results bucket.
func uploadTarget(ctx *Context) (bucket, key string, ok bool) {
	if !ctx.TrainingSuccess {
		return "", "", false
	}

	if ctx.Params.RemoteOutput != "" {
		trimmed := strings.TrimPrefix(ctx.Params.RemoteOutput, "s3://")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], true
		}
		return "", "", false
	}

	if ctx.IsBatchJob && ctx.ResultsBucket != "" {
		return ctx.ResultsBucket, filepath.Base(ctx.ResolvedOutputPath), true
	}

	return "", "", false
}

func minioUpload(ctx context.Context, region, bucket, key, file string) error {
	client, err := minio.New("s3.amazonaws.com", &minio.Options{
		Creds:  credentials.NewEnvAWS(),
		Secure: true,
		Region: region,
	})
	if err != nil {
		return errors.Wrap(err, "creating object-storage client")
	}

	_, err = client.FPutObject(ctx, bucket, key, file, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}
