package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return ts
}

func TestPlanBatchesValidation(t *testing.T) {
	start, end := day("2023-01-01"), day("2023-02-01")

	_, err := planBatches(nil, start, end, 10, 0, 0)
	assert.ErrorIs(t, err, ErrNoVariables)

	_, err = planBatches([]string{"v"}, end, start, 10, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = planBatches([]string{"v"}, start, start, 10, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = planBatches([]string{"v"}, start, end, 0, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidBatching)

	_, err = planBatches([]string{"v"}, start, end, 10, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidBatching)

	_, err = planBatches([]string{"v"}, start, end, 10, -1, 0)
	assert.ErrorIs(t, err, ErrInvalidBatching)
}

func TestPlanBatchesNoOverlap(t *testing.T) {
	batches, err := planBatches([]string{"a", "b"}, day("2023-01-01"), day("2023-01-31"), 10, 0, 0)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	for i, b := range batches {
		assert.Equal(t, day("2023-01-01").AddDate(0, 0, i*10), b.Start)
		assert.Equal(t, b.Start.AddDate(0, 0, 10), b.End)
		assert.Equal(t, []string{"a", "b"}, b.Variables)
		assert.NotEmpty(t, b.ID)
		assert.False(t, b.Processed)
	}

	// contiguous, no gaps
	for i := 1; i < len(batches); i++ {
		assert.Equal(t, batches[i-1].End, batches[i].Start)
	}
}

func TestPlanBatchesWithOverlap(t *testing.T) {
	start := day("2023-01-01")
	batches, err := planBatches([]string{"v"}, start, start.AddDate(0, 0, 30), 10, 3, 0)
	require.NoError(t, err)
	require.Len(t, batches, 4)

	// consecutive batches advance by batchDays-overlapDays
	wantOffsets := []int{0, 7, 14, 21}
	for i, b := range batches {
		assert.Equal(t, start.AddDate(0, 0, wantOffsets[i]), b.Start, "batch %d", i)
	}

	// last batch is clamped to the window end
	last := batches[len(batches)-1]
	assert.Equal(t, start.AddDate(0, 0, 30), last.End)
}

func TestPlanBatchesDropsShortTail(t *testing.T) {
	start := day("2023-01-01")

	// 25-day window, 10-day batches: the 5-day tail survives but a sub-day
	// tail would not
	batches, err := planBatches([]string{"v"}, start, start.AddDate(0, 0, 25), 10, 0, 0)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, start.AddDate(0, 0, 25), batches[2].End)

	shortEnd := start.AddDate(0, 0, 20).Add(12 * time.Hour)
	batches, err = planBatches([]string{"v"}, start, shortEnd, 10, 0, 0)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestPlanBatchesLimit(t *testing.T) {
	start := day("2023-01-01")

	batches, err := planBatches([]string{"v"}, start, start.AddDate(0, 0, 100), 10, 0, 3)
	require.NoError(t, err)
	assert.Len(t, batches, 3)
}

func TestPlanBatchesSingleWindow(t *testing.T) {
	start := day("2023-01-01")

	// batch longer than the window yields one clamped batch
	batches, err := planBatches([]string{"v"}, start, start.AddDate(0, 0, 5), 30, 0, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, start, batches[0].Start)
	assert.Equal(t, start.AddDate(0, 0, 5), batches[0].End)
}

func TestPlanBatchesUniqueIDs(t *testing.T) {
	batches, err := planBatches([]string{"v"}, day("2023-01-01"), day("2023-03-01"), 10, 0, 0)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for _, b := range batches {
		_, dup := seen[b.ID]
		assert.False(t, dup)
		seen[b.ID] = struct{}{}
	}
}
