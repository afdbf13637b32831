package metrics

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTracker(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	operations := []string{"get", "set", "remove", "clean"}
	for _, op := range operations {
		tracker.Record(op, 1*time.Millisecond)
		tracker.Record(op, 5*time.Millisecond)
		tracker.Record(op, 10*time.Millisecond)
		tracker.Record(op, 50*time.Millisecond)
		tracker.Record(op, 100*time.Millisecond)
	}

	for _, op := range operations {
		stats, err := tracker.GetStats(op)
		require.NoError(t, err)
		assert.Equal(t, int64(5), stats.Count)
		assert.InDelta(t, 1, stats.Min, 0.1)
		assert.InDelta(t, 100, stats.Max, 1)
		assert.InDelta(t, 10, stats.P50, 5)
	}

	all := tracker.GetAllStats()
	require.Len(t, all, len(operations))
	assert.Equal(t, "clean", all[0].Operation)
	assert.Equal(t, "set", all[3].Operation)

	_, err := tracker.GetStats("nonexistent")
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestLatencyTrackerRecordFunc(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	expected := errors.New("boom")
	err := tracker.RecordFunc("op", func() error {
		time.Sleep(2 * time.Millisecond)
		return expected
	})
	assert.Equal(t, expected, err)

	q, err := tracker.GetQuantile("op", 0.5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, q, 1.9)
}

func TestStatsString(t *testing.T) {
	assert.Equal(t, "  get: no data", Stats{Operation: "get"}.String())
	s := Stats{Operation: "get", Count: 2, Min: 1, P50: 1, P90: 2, P95: 2, P99: 2, Max: 2}
	assert.Contains(t, s.String(), "get (n=2)")
}
