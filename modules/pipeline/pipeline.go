package pipeline

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/hindcast/hindcast/hindcastdb"
	"github.com/hindcast/hindcast/modules/coordinator"
)

// Stage is one step of the training pipeline. Execute mutates the shared
// context in place.
type Stage interface {
	Name() string
	Execute(ctx *Context) error
}

// RollbackStage is a Stage that holds a resource needing release. Rollback
// runs in reverse stage order on every terminal path.
type RollbackStage interface {
	Stage
	Rollback(ctx *Context) error
}

// Params are the caller-supplied inputs of one run.
type Params struct {
	Variables   []string
	Start       time.Time
	End         time.Time
	BatchDays   int
	OverlapDays int
	BatchLimit  int
	PreloadData bool

	OutputPath   string
	RemoteOutput string
	LogDir       string
}

// Context is the state threaded through the stages.
type Context struct {
	Params Params
	Config coordinator.Config

	// set by the environment stage
	Region        string
	ResultsBucket string
	DataBucket    string
	BatchJobID    string
	IsBatchJob    bool

	// set by the store stage
	StoreName string
	Store     hindcastdb.Store

	// set by the runtime stage
	Coordinator *coordinator.Coordinator

	// set by the training stage
	TrainingSuccess    bool
	Summary            *coordinator.Summary
	ResolvedOutputPath string

	// set by the upload stage
	UploadAttempted bool
	UploadSuccess   bool
	UploadError     string

	Progress coordinator.ProgressFunc
}

// Pipeline runs stages in order and rolls back in reverse.
type Pipeline struct {
	stages []Stage
	logger log.Logger
}

// New assembles the standard five-stage training pipeline.
func New(cfg coordinator.Config, params Params, logger log.Logger) (*Pipeline, *Context) {
	ctx := &Context{
		Params: params,
		Config: cfg,
	}

	p := &Pipeline{
		logger: logger,
		stages: []Stage{
			&environmentStage{logger: logger},
			&storeStage{logger: logger},
			&runtimeStage{logger: logger},
			&trainingStage{logger: logger},
			&uploadStage{logger: logger, upload: minioUpload},
		},
	}
	return p, ctx
}

// Run executes every stage in order. The first failure stops execution,
// completed stages roll back in reverse, and the triggering error is
// returned unchanged in meaning. On success the same rollback hooks run as
// resource cleanup.
func (p *Pipeline) Run(ctx *Context) error {
	var executed []Stage
	var runErr error

	for _, stage := range p.stages {
		level.Info(p.logger).Log("msg", "pipeline stage starting", "stage", stage.Name())
		if err := stage.Execute(ctx); err != nil {
			runErr = errors.Wrapf(err, "stage %s", stage.Name())
			level.Error(p.logger).Log("msg", "pipeline stage failed", "stage", stage.Name(), "err", err)
			break
		}
		executed = append(executed, stage)
	}

	cleanupErr := p.rollback(ctx, executed)

	if runErr != nil {
		if cleanupErr != nil {
			level.Warn(p.logger).Log("msg", "rollback reported errors", "err", cleanupErr)
		}
		return runErr
	}
	return cleanupErr
}

func (p *Pipeline) rollback(ctx *Context, executed []Stage) error {
	var errs error
	for i := len(executed) - 1; i >= 0; i-- {
		r, ok := executed[i].(RollbackStage)
		if !ok {
			continue
		}
		level.Debug(p.logger).Log("msg", "rolling back stage", "stage", r.Name())
		if err := r.Rollback(ctx); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "rollback %s", r.Name()))
		}
	}
	return errs
}
