package tracker

import (
	"errors"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// ErrMetricNotFound is returned by Query for a key with no recorded samples.
var ErrMetricNotFound = errors.New("metric not found")

const minutesPerDay = 1440

// sample is one (value, timestamp) point of a metric's series.
type sample struct {
	value int64
	at    time.Time
}

// TimeFrame bounds how far back from now a query looks.
type TimeFrame struct {
	unit   time.Duration
	amount int
}

// LastHours builds a TimeFrame spanning the last n hours.
func LastHours(n int) TimeFrame { return TimeFrame{unit: time.Hour, amount: n} }

// LastDays builds a TimeFrame spanning the last n days.
func LastDays(n int) TimeFrame { return TimeFrame{unit: 24 * time.Hour, amount: n} }

func (f TimeFrame) duration() time.Duration { return f.unit * time.Duration(f.amount) }

// GroupBy sizes the buckets a query's window is chunked into.
type GroupBy struct {
	unit   time.Duration
	amount int
}

// Hours builds a GroupBy bucketing by n-hour windows.
func Hours(n int) GroupBy { return GroupBy{unit: time.Hour, amount: n} }

// Minutes builds a GroupBy bucketing by n-minute windows.
func Minutes(n int) GroupBy { return GroupBy{unit: time.Minute, amount: n} }

func (g GroupBy) duration() time.Duration { return g.unit * time.Duration(g.amount) }

// DataPoint is one bucket of a Query result.
type DataPoint struct {
	Moment time.Time
	Value  int64
}

// QueryResult is the JSON-shaped response of a metrics query.
type QueryResult struct {
	Data []DataPoint
}

const numShards = 16

// MetricsStore is a bounded, queryable history of every metric's snapshots.
// The map is sharded by murmur3(key) to reduce contention on what spec
// treats conceptually as a single guarding mutex: each shard owns its own
// mutex and a disjoint subset of keys, so two unrelated metrics never block
// each other.
type MetricsStore struct {
	storeDays int
	shards    [numShards]*metricsShard
}

type metricsShard struct {
	mu     sync.Mutex
	series map[string][]sample
}

// NewMetricsStore constructs a MetricsStore retaining storeDays of
// minute-granularity history per key.
func NewMetricsStore(storeDays int) *MetricsStore {
	s := &MetricsStore{storeDays: storeDays}
	for i := range s.shards {
		s.shards[i] = &metricsShard{series: make(map[string][]sample)}
	}
	return s
}

func (s *MetricsStore) shardFor(key string) *metricsShard {
	h := murmur3.Sum32([]byte(key))
	return s.shards[h%uint32(numShards)]
}

// Record implements SnapshotSink: appends (value, at) to key's series,
// evicting the oldest sample once the series exceeds storeDays*1440 points.
func (s *MetricsStore) Record(key string, value int64, at time.Time) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	series := append(shard.series[key], sample{value: value, at: at})
	maxLen := s.storeDays * minutesPerDay
	if len(series) > maxLen {
		series = series[len(series)-maxLen:]
	}
	shard.series[key] = series
}

// Query returns the bucketed series for key over the window ending at now
// and spanning timeFrame, chunked into groupBy-sized buckets. Keys ending
// in ".active_peers" aggregate by integer-division mean; keys ending in
// ".complete_download_peers", or named "torrents", aggregate by maximum.
// Buckets with no stored samples are filled with zero. Returns
// ErrMetricNotFound if key has never been recorded.
func (s *MetricsStore) Query(key string, timeFrame TimeFrame, groupBy GroupBy, now time.Time) (QueryResult, error) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	series := append([]sample(nil), shard.series[key]...)
	shard.mu.Unlock()

	if series == nil {
		return QueryResult{}, ErrMetricNotFound
	}

	windowStart := now.Add(-timeFrame.duration())
	if len(series) > 0 && series[0].at.After(windowStart) {
		windowStart = series[0].at
	}

	bucketSize := groupBy.duration()
	var data []DataPoint
	idx := 0
	for bucketStart := windowStart; bucketStart.Before(now); bucketStart = bucketStart.Add(bucketSize) {
		bucketEnd := bucketStart.Add(bucketSize)

		for idx < len(series) && series[idx].at.Before(bucketStart) {
			idx++
		}
		j := idx
		var values []int64
		for j < len(series) && series[j].at.Before(bucketEnd) {
			values = append(values, series[j].value)
			j++
		}

		data = append(data, DataPoint{
			Moment: bucketStart.Add(bucketSize / 2),
			Value:  aggregate(key, values),
		})
	}

	return QueryResult{Data: data}, nil
}

func aggregate(key string, values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	if usesMax(key) {
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return sum / int64(len(values))
}

func usesMax(key string) bool {
	if key == "torrents" {
		return true
	}
	return hasSuffix(key, ".complete_download_peers")
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
