package metrics

import (
	"fmt"
	"time"

	"github.com/dgryski/go-farm"
)

// Metric types emitted by the training run.
const (
	TypeRetrodictionBatch = "retrodiction_batch"
	TypeTrainingSummary   = "training_summary"
)

// Record is a single metric document. Records are immutable once stored.
type Record struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	MetricType string             `json:"metric_type"`
	Model      string             `json:"model,omitempty"`
	RuleType   string             `json:"rule_type,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Metrics    map[string]float64 `json:"metrics"`
	Cost       float64            `json:"cost,omitempty"`
	APICalls   int                `json:"api_calls,omitempty"`
	TokenUsage int                `json:"token_usage,omitempty"`
}

// EnsureDefaults fills a missing timestamp with now and derives the id from
// the record header when absent.
func (r *Record) EnsureDefaults() {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.Timestamp = r.Timestamp.UTC()

	if r.ID == "" {
		r.ID = Fingerprint([]byte(r.Timestamp.Format(time.RFC3339Nano) + r.MetricType + r.Model))
	}
}

// DateKey returns the index bucket for the record's timestamp.
func (r *Record) DateKey() string {
	return r.Timestamp.UTC().Format("2006-01-02")
}

// Fingerprint returns a hex-encoded 128 bit content hash.
func Fingerprint(data []byte) string {
	lo, hi := farm.Fingerprint128(data)
	return fmt.Sprintf("%016x%016x", hi, lo)
}
