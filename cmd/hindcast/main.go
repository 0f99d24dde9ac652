package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/hindcast/hindcast/modules/pipeline"
	"github.com/hindcast/hindcast/pkg/util/log"
)

const appName = "hindcast"

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	log.InitLogger(config.LogFormat, config.LogLevel)

	params, err := buildParams(config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "invalid parameters", "err", err)
		os.Exit(1)
	}

	if port := config.Coordinator.DashboardPort; port > 0 {
		go serveDashboard(port)
	}

	p, runCtx := pipeline.New(config.Coordinator, params, log.Logger)
	runCtx.Progress = func(completed, failed, total int, elapsed time.Duration) {
		level.Info(log.Logger).Log("msg", "progress", "completed", completed,
			"failed", failed, "total", total, "elapsed", elapsed.Round(time.Second))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		level.Info(log.Logger).Log("msg", "received signal, stopping training", "signal", sig)
		if runCtx.Coordinator != nil {
			runCtx.Coordinator.StopTraining()
		}
	}()

	level.Info(log.Logger).Log("msg", "starting "+appName, "variables", config.Variables,
		"start", config.Start, "end", config.End, "batch_days", config.BatchDays)

	if err := p.Run(runCtx); err != nil {
		level.Error(log.Logger).Log("msg", "training pipeline failed", "err", err)
		os.Exit(1)
	}
}

func buildParams(cfg *Config) (pipeline.Params, error) {
	var params pipeline.Params

	variables := strings.Split(cfg.Variables, ",")
	kept := variables[:0]
	for _, v := range variables {
		if v = strings.TrimSpace(v); v != "" {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return params, fmt.Errorf("at least one -variables entry is required")
	}

	start, err := time.Parse("2006-01-02", cfg.Start)
	if err != nil {
		return params, fmt.Errorf("invalid -start: %w", err)
	}
	end, err := time.Parse("2006-01-02", cfg.End)
	if err != nil {
		return params, fmt.Errorf("invalid -end: %w", err)
	}

	return pipeline.Params{
		Variables:    kept,
		Start:        start,
		End:          end,
		BatchDays:    cfg.BatchDays,
		OverlapDays:  cfg.OverlapDays,
		BatchLimit:   cfg.BatchLimit,
		PreloadData:  cfg.PreloadData,
		OutputPath:   cfg.Output,
		RemoteOutput: cfg.RemoteOutput,
		LogDir:       cfg.LogDir,
	}, nil
}

func serveDashboard(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		level.Warn(log.Logger).Log("msg", "dashboard server stopped", "err", err)
	}
}

func loadConfig() (*Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")

	// Try to find -config.file and -config.expand-env. Parsing stops on the
	// first unknown flag, so retry from every position until found or the
	// arguments run out.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay with config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	return config, nil
}
