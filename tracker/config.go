// Package tracker implements the announce-protocol side of the tracker:
// an HTTP front dispatching onto a worker pool, a per-info-hash active
// peer set, a time-series metrics aggregator, and a query-able metrics
// store, per spec.md §4.10.
package tracker

import "time"

// TrackerID is returned verbatim in every announce response.
const TrackerID = "Polleria Rustiseria Tracker ID :)"

// Config bounds the tracker's listen address, worker pool size, announce
// defaults, and metrics retention.
type Config struct {
	ListenPort       int           `yaml:"listen_port"`
	PoolWorkers      int           `yaml:"pool_workers"`
	StaticDir        string        `yaml:"static_dir"`
	AnnounceInterval int           `yaml:"announce_interval"`
	DefaultNumWant   int           `yaml:"default_numwant"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MetricsStoreDays int           `yaml:"metrics_store_days"`

	// Backend selects the ActivePeerSet store: "local" (default, in-memory,
	// one process) or "redis" (shared across tracker replicas).
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

func (c *Config) applyDefaults() {
	if c.PoolWorkers == 0 {
		c.PoolWorkers = 5
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = 120
	}
	if c.DefaultNumWant == 0 {
		c.DefaultNumWant = 50
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 60 * time.Second
	}
	if c.MetricsStoreDays == 0 {
		c.MetricsStoreDays = 7
	}
}
