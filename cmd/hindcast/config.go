package main

import (
	"flag"

	dslog "github.com/grafana/dskit/log"

	"github.com/hindcast/hindcast/modules/coordinator"
)

// Config is the root configuration of the hindcast binary, loadable from
// flags plus an optional YAML file.
type Config struct {
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
	LogDir    string      `yaml:"log_dir"`

	Variables   string `yaml:"variables"`
	Start       string `yaml:"start"`
	End         string `yaml:"end"`
	BatchDays   int    `yaml:"batch_days"`
	OverlapDays int    `yaml:"overlap_days"`
	BatchLimit  int    `yaml:"batch_limit"`
	PreloadData bool   `yaml:"preload_data"`

	Output       string `yaml:"output"`
	RemoteOutput string `yaml:"remote_output"`

	Coordinator coordinator.Config `yaml:"coordinator"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	_ = cfg.LogLevel.Set("info")
	f.Var(&cfg.LogLevel, "log.level", "Log level: debug, info, warn, error.")
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	f.StringVar(&cfg.LogDir, "log.dir", "", "Directory for log files, created if missing.")

	f.StringVar(&cfg.Variables, "variables", "", "Comma-separated variables to train on.")
	f.StringVar(&cfg.Start, "start", "", "Training window start, YYYY-MM-DD.")
	f.StringVar(&cfg.End, "end", "", "Training window end, YYYY-MM-DD.")
	f.IntVar(&cfg.BatchDays, "batch-days", 30, "Length of each training batch in days.")
	f.IntVar(&cfg.OverlapDays, "overlap-days", 0, "Overlap between consecutive batches in days.")
	f.IntVar(&cfg.BatchLimit, "batch-limit", 0, "Maximum number of batches, 0 for unlimited.")
	f.BoolVar(&cfg.PreloadData, "preload-data", false, "Count available observations before training.")

	f.StringVar(&cfg.Output, "output", "", "Local path for the training results file.")
	f.StringVar(&cfg.RemoteOutput, "remote-output", "", "Remote results target, s3://bucket/key.")

	cfg.Coordinator.RegisterFlagsAndApplyDefaults(prefix+"coordinator.", f)
}
