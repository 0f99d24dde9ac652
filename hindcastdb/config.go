package hindcastdb

import (
	"flag"

	"github.com/klauspost/compress/gzip"
)

const (
	// BackendFile is the only backend registered by this package.
	BackendFile = "file"

	dataDir     = "data"
	indicesDir  = "indices"
	metadataDir = "metadata"
	datasetsDir = "datasets"

	defaultMaxVersions   = 5
	defaultRetentionDays = 30
)

// Config configures a data store instance. It is plain data so a worker can
// re-initialise an identical store from a copy.
type Config struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`

	Compression      bool `yaml:"compression"`
	CompressionLevel int  `yaml:"compression_level"`

	Versioning  bool `yaml:"versioning"`
	MaxVersions int  `yaml:"max_versions"`

	RetentionDays int `yaml:"retention_days"`
}

// RegisterFlagsAndApplyDefaults registers store flags with the given prefix.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"backend", BackendFile, "Data store backend to use.")
	f.StringVar(&cfg.Path, prefix+"path", "./data-store", "Root directory of the data store.")
	f.BoolVar(&cfg.Compression, prefix+"compression", true, "Gzip item payloads on disk.")
	f.IntVar(&cfg.CompressionLevel, prefix+"compression-level", gzip.DefaultCompression, "Gzip level for item payloads.")
	f.BoolVar(&cfg.Versioning, prefix+"versioning", true, "Keep multiple versions per item id.")
	f.IntVar(&cfg.MaxVersions, prefix+"max-versions", defaultMaxVersions, "Versions retained per item id.")
	f.IntVar(&cfg.RetentionDays, prefix+"retention-days", defaultRetentionDays, "Default retention window for cleanup.")
}

func (cfg *Config) applyDefaults() {
	if cfg.Backend == "" {
		cfg.Backend = BackendFile
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = gzip.DefaultCompression
	}
	if cfg.MaxVersions <= 0 {
		cfg.MaxVersions = defaultMaxVersions
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
}
