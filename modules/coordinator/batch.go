package coordinator

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Planning errors surface before any worker runs; the run aborts.
var (
	ErrNoVariables     = errors.New("at least one variable is required")
	ErrInvalidWindow   = errors.New("start must precede end")
	ErrInvalidBatching = errors.New("batch days must exceed overlap days and be positive")
)

// minBatchLength drops trailing slivers shorter than a day.
const minBatchLength = 24 * time.Hour

// Batch is one contiguous date-range slice of the training window. It is
// created by the coordinator, mutated once by the worker that processes it
// and read-only thereafter.
type Batch struct {
	ID             string        `json:"batch_id"`
	Start          time.Time     `json:"start_time"`
	End            time.Time     `json:"end_time"`
	Variables      []string      `json:"variables"`
	Processed      bool          `json:"processed"`
	ProcessingTime time.Duration `json:"processing_time"`
	Result         *BatchResult  `json:"results,omitempty"`
}

// BatchMetrics summarises what one worker saw.
type BatchMetrics struct {
	TotalDataPoints    int     `json:"total_data_points"`
	VariablesProcessed int     `json:"variables_processed"`
	TimePeriodDays     int     `json:"time_period_days"`
	AvgSuccessRate     float64 `json:"avg_success_rate"`
}

// TrustUpdateSummary reports the evidence a worker emitted for one key.
type TrustUpdateSummary struct {
	SuccessRate float64 `json:"success_rate"`
	Updates     int     `json:"updates"`
}

// BatchResult is produced exactly once per processed batch.
type BatchResult struct {
	Success        bool                          `json:"success"`
	Skipped        bool                          `json:"skipped,omitempty"`
	ProcessingTime time.Duration                 `json:"processing_time"`
	Metrics        BatchMetrics                  `json:"metrics"`
	RulesGenerated []string                      `json:"rules_generated,omitempty"`
	TrustUpdates   map[string]TrustUpdateSummary `json:"trust_updates,omitempty"`
}

// planBatches partitions [start, end) into batches of batchDays advancing by
// batchDays-overlapDays. Trailing batches shorter than 24h are dropped.
func planBatches(variables []string, start, end time.Time, batchDays, overlapDays, batchLimit int) ([]*Batch, error) {
	if len(variables) == 0 {
		return nil, ErrNoVariables
	}
	if !start.Before(end) {
		return nil, ErrInvalidWindow
	}
	if batchDays <= 0 || overlapDays < 0 || overlapDays >= batchDays {
		return nil, ErrInvalidBatching
	}

	step := time.Duration(batchDays-overlapDays) * 24 * time.Hour
	length := time.Duration(batchDays) * 24 * time.Hour

	var batches []*Batch
	for cursor := start; cursor.Before(end); cursor = cursor.Add(step) {
		batchEnd := cursor.Add(length)
		if batchEnd.After(end) {
			batchEnd = end
		}
		if batchEnd.Sub(cursor) < minBatchLength {
			break
		}

		vars := make([]string, len(variables))
		copy(vars, variables)

		batches = append(batches, &Batch{
			ID:        uuid.New().String(),
			Start:     cursor,
			End:       batchEnd,
			Variables: vars,
		})

		if batchLimit > 0 && len(batches) >= batchLimit {
			break
		}

		// a batch that reached the window end closes the plan
		if !batchEnd.Before(end) {
			break
		}
	}

	return batches, nil
}
