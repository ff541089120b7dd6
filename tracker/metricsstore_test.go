package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsStoreQueryUnknownKey(t *testing.T) {
	store := NewMetricsStore(7)
	_, err := store.Query("nope", LastHours(1), Minutes(10), time.Now())
	require.ErrorIs(t, err, ErrMetricNotFound)
}

func TestMetricsStoreQueryMeanBucketing(t *testing.T) {
	store := NewMetricsStore(7)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// 360 one-minute samples, values 1..360: the first 6-hour bucket of the
	// spec's worked example (whose four buckets average 180/540/900/1260);
	// their integer mean is 180.
	for i := 0; i < 360; i++ {
		store.Record("x.active_peers", int64(i+1), base.Add(time.Duration(i)*time.Minute))
	}

	now := base.Add(360 * time.Minute)
	result, err := store.Query("x.active_peers", LastHours(6), Minutes(360), now)
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	require.EqualValues(t, 180, result.Data[0].Value)
}

func TestMetricsStoreQueryMaxAggregationForTorrents(t *testing.T) {
	store := NewMetricsStore(7)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store.Record("torrents", 3, base)
	store.Record("torrents", 9, base.Add(10*time.Minute))
	store.Record("torrents", 5, base.Add(20*time.Minute))

	now := base.Add(30 * time.Minute)
	result, err := store.Query("torrents", LastHours(1), Minutes(30), now)
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	require.EqualValues(t, 9, result.Data[0].Value)
}

func TestMetricsStoreEvictsOldestBeyondRetention(t *testing.T) {
	store := NewMetricsStore(1) // 1440 minute-points max
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < minutesPerDay+10; i++ {
		store.Record("k", int64(i), base.Add(time.Duration(i)*time.Minute))
	}

	shard := store.shardFor("k")
	shard.mu.Lock()
	series := shard.series["k"]
	shard.mu.Unlock()

	require.Len(t, series, minutesPerDay)
	require.EqualValues(t, 10, series[0].value) // oldest 10 evicted
}

func TestMetricsStoreWindowShiftsToSeriesStart(t *testing.T) {
	store := NewMetricsStore(7)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	store.Record("late.active_peers", 4, base)

	now := base.Add(time.Hour)
	result, err := store.Query("late.active_peers", LastHours(6), Hours(1), now)
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	require.EqualValues(t, 4, result.Data[0].Value)
}
