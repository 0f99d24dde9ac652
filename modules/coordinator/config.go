package coordinator

import (
	"flag"

	"github.com/hindcast/hindcast/hindcastdb"
	"github.com/hindcast/hindcast/pkg/metrics"
	"github.com/hindcast/hindcast/pkg/pool"
	"github.com/hindcast/hindcast/pkg/trust"
)

// Config wires the coordinator and the configs its workers re-initialise
// their own components from.
type Config struct {
	MaxWorkers       int `yaml:"max_workers"`
	ThreadsPerWorker int `yaml:"threads_per_worker"`
	DashboardPort    int `yaml:"dashboard_port"`

	Pool pool.Config `yaml:"pool"`

	Storage      hindcastdb.Config       `yaml:"storage"`
	MetricsStore metrics.StoreConfig     `yaml:"metrics_store"`
	Collector    metrics.CollectorConfig `yaml:"metrics_collector"`
	Buffer       trust.BufferConfig      `yaml:"trust_buffer"`
	Tracker      trust.TrackerConfig     `yaml:"trust_tracker"`
}

// RegisterFlagsAndApplyDefaults registers coordinator flags with the given prefix.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxWorkers, prefix+"max-workers", 4, "Number of parallel batch workers.")
	f.IntVar(&cfg.ThreadsPerWorker, prefix+"threads-per-worker", 2, "Concurrent variable loads per worker.")
	f.IntVar(&cfg.DashboardPort, prefix+"dashboard-port", 0, "Port the observability dashboard is served on, 0 to disable.")

	cfg.Pool.RegisterFlagsAndApplyDefaults(prefix+"pool.", f)
	cfg.Storage.RegisterFlagsAndApplyDefaults(prefix+"storage.", f)
	cfg.MetricsStore.RegisterFlagsAndApplyDefaults(prefix+"metrics-store.", f)
	cfg.Collector.RegisterFlagsAndApplyDefaults(prefix+"metrics-collector.", f)
	cfg.Buffer.RegisterFlagsAndApplyDefaults(prefix+"trust-buffer.", f)
	cfg.Tracker.RegisterFlagsAndApplyDefaults(prefix+"trust-tracker.", f)
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.ThreadsPerWorker <= 0 {
		cfg.ThreadsPerWorker = 2
	}
	if cfg.Pool.MaxWorkers <= 0 {
		cfg.Pool.MaxWorkers = cfg.MaxWorkers
	}
	if cfg.Pool.QueueDepth <= 0 {
		cfg.Pool.QueueDepth = 1000
	}
}
