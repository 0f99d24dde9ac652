package trust

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAggregationMatchesDirectUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := []string{"a", "b", "c", "d"}

	var updates []Update
	for i := 0; i < 500; i++ {
		updates = append(updates, Update{
			Key:       keys[rng.Intn(len(keys))],
			Succeeded: rng.Float64() < 0.6,
			Weight:    rng.Float64()*2 + 0.1,
		})
	}

	direct := NewTracker(TrackerConfig{}, testLogger())
	direct.BatchUpdate(updates)

	buffered := NewTracker(TrackerConfig{}, testLogger())
	buf := NewBuffer(BufferConfig{FlushThreshold: 10000, AutoFlushInterval: time.Hour}, buffered, testLogger())
	for _, u := range updates {
		buf.Add(u.Key, u.Succeeded, u.Weight)
	}
	buf.Flush()

	for _, k := range keys {
		assert.InDelta(t, direct.Trust(k), buffered.Trust(k), 1e-9)
	}
}

func TestBufferFlushThreshold(t *testing.T) {
	tr := NewTracker(TrackerConfig{}, testLogger())
	buf := NewBuffer(BufferConfig{FlushThreshold: 5, AutoFlushInterval: time.Hour}, tr, testLogger())

	for i := 0; i < 4; i++ {
		assert.False(t, buf.Add("k", true, 1))
	}
	assert.Equal(t, 0.5, tr.Trust("k"))

	assert.True(t, buf.Add("k", true, 1))
	assert.InDelta(t, 6.0/7.0, tr.Trust("k"), 1e-9)

	stats := buf.Stats()
	assert.Equal(t, 0, stats.CurrentBufferSize)
	assert.Equal(t, 1, stats.AutoFlushes)
}

func TestBufferElapsedTimeFlush(t *testing.T) {
	tr := NewTracker(TrackerConfig{}, testLogger())
	buf := NewBuffer(BufferConfig{FlushThreshold: 1000, AutoFlushInterval: time.Nanosecond}, tr, testLogger())

	time.Sleep(time.Millisecond)
	assert.True(t, buf.Add("k", true, 1))
	assert.InDelta(t, 2.0/3.0, tr.Trust("k"), 1e-9)
}

func TestBufferMaxSizePreFlush(t *testing.T) {
	tr := NewTracker(TrackerConfig{}, testLogger())
	buf := NewBuffer(BufferConfig{MaxBufferSize: 10, FlushThreshold: 1000, AutoFlushInterval: time.Hour}, tr, testLogger())

	for i := 0; i < 25; i++ {
		buf.Add("k", true, 1)
	}

	stats := buf.Stats()
	assert.LessOrEqual(t, stats.CurrentBufferSize, 10)
	assert.Equal(t, 25, stats.UpdatesBuffered)
}

func TestBufferAddBatch(t *testing.T) {
	tr := NewTracker(TrackerConfig{}, testLogger())
	buf := NewBuffer(BufferConfig{FlushThreshold: 1000, AutoFlushInterval: time.Hour}, tr, testLogger())

	buf.AddBatch([]Update{
		{Key: "a", Succeeded: true, Weight: 3},
		{Key: "a", Succeeded: false, Weight: 1},
		{Key: "b", Succeeded: true, Weight: 1},
		{Key: "b", Succeeded: true, Weight: 0}, // dropped
	})

	stats := buf.Stats()
	assert.Equal(t, 3, stats.CurrentBufferSize)
	assert.Equal(t, 2, stats.UniqueKeys)

	drained := buf.Flush()
	assert.Equal(t, 3, drained)

	assert.InDelta(t, 4.0/6.0, tr.Trust("a"), 1e-9)
	assert.InDelta(t, 2.0/3.0, tr.Trust("b"), 1e-9)
}

func TestBufferFlushEmpty(t *testing.T) {
	tr := NewTracker(TrackerConfig{}, testLogger())
	buf := NewBuffer(BufferConfig{}, tr, testLogger())

	assert.Equal(t, 0, buf.Flush())
	assert.Equal(t, 0, tr.Len())
}

func TestBufferStats(t *testing.T) {
	tr := NewTracker(TrackerConfig{}, testLogger())
	buf := NewBuffer(BufferConfig{MaxBufferSize: 100, FlushThreshold: 50, AutoFlushInterval: time.Hour}, tr, testLogger())

	for i := 0; i < 10; i++ {
		buf.Add("k", true, 1)
	}
	buf.Flush()
	for i := 0; i < 4; i++ {
		buf.Add("k", false, 1)
	}

	stats := buf.Stats()
	require.Equal(t, 14, stats.UpdatesBuffered)
	assert.Equal(t, 10, stats.UpdatesFlushed)
	assert.Equal(t, 1, stats.FlushOperations)
	assert.Equal(t, 1, stats.ManualFlushes)
	assert.Equal(t, 0, stats.AutoFlushes)
	assert.Equal(t, 4, stats.CurrentBufferSize)
	assert.Equal(t, 1, stats.UniqueKeys)
	assert.InDelta(t, 10.0, stats.AvgUpdatesPerFlush, 1e-9)
	assert.InDelta(t, 4.0, stats.BufferUtilization, 1e-9)
}
