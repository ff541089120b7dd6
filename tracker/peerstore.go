package tracker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/polleria/bittorrent/core"
)

// peerRecord is one peer's announced state within a single info-hash's
// ActivePeerSet (spec.md §3).
type peerRecord struct {
	IP         string
	Port       int
	Left       int64
	LastSeenAt time.Time
}

// peerStore is the per-info-hash ActivePeerSet backend the AnnounceManager
// delegates to. Exactly one peerStore backs a running tracker; the choice
// between localPeerStore and redisPeerStore is a deployment concern
// (Config.Backend), not something the manager's command-handling logic
// needs to know about.
type peerStore interface {
	// Upsert records id's announced state under h, unless event is
	// "stopped" in which case it removes id instead. It returns whether id
	// was already a live (non-expired) member of h's set before this call,
	// and whether h had no live members before this call.
	Upsert(h core.InfoHash, id core.PeerID, rec peerRecord, event string, interval time.Duration) (wasKnownPeer, isNewTorrent bool, err error)

	// List returns every live (non-expired) peer under h.
	List(h core.InfoHash, interval time.Duration) (map[core.PeerID]peerRecord, error)
}

// localPeerStore is an in-memory peerStore, one map per info-hash, pruned
// lazily against Config.AnnounceInterval on every access. This is the
// default backend and what spec.md §3's ActivePeerSet literally describes.
type localPeerStore struct {
	clk  clockIface
	sets map[core.InfoHash]map[core.PeerID]peerRecord
}

// clockIface is the subset of clock.Clock localPeerStore needs; declared
// narrowly so tests can fake just Now().
type clockIface interface {
	Now() time.Time
}

func newLocalPeerStore(clk clockIface) *localPeerStore {
	return &localPeerStore{clk: clk, sets: make(map[core.InfoHash]map[core.PeerID]peerRecord)}
}

func (s *localPeerStore) prune(h core.InfoHash, interval time.Duration) map[core.PeerID]peerRecord {
	set, ok := s.sets[h]
	if !ok {
		return nil
	}
	if interval <= 0 {
		return set
	}
	now := s.clk.Now()
	for id, rec := range set {
		if now.Sub(rec.LastSeenAt) > interval {
			delete(set, id)
		}
	}
	return set
}

func (s *localPeerStore) Upsert(h core.InfoHash, id core.PeerID, rec peerRecord, event string, interval time.Duration) (bool, bool, error) {
	set := s.prune(h, interval)
	isNewTorrent := len(set) == 0
	if set == nil {
		set = make(map[core.PeerID]peerRecord)
		s.sets[h] = set
	}
	_, wasKnownPeer := set[id]
	if event == "stopped" {
		delete(set, id)
	} else {
		set[id] = rec
	}
	return wasKnownPeer, isNewTorrent, nil
}

func (s *localPeerStore) List(h core.InfoHash, interval time.Duration) (map[core.PeerID]peerRecord, error) {
	set := s.prune(h, interval)
	out := make(map[core.PeerID]peerRecord, len(set))
	for id, rec := range set {
		out[id] = rec
	}
	return out, nil
}

// RedisConfig configures redisPeerStore's connection pool, grounded on the
// teacher's tracker/peerstore/redis.go RedisConfig shape.
type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxActiveConns  int           `yaml:"max_active_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

func (c *RedisConfig) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxActiveConns == 0 {
		c.MaxActiveConns = 50
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = 5 * time.Minute
	}
}

// redisPeerStore is a peerStore backed by a Redis hash per info-hash,
// grounded on the teacher's tracker/peerstore/redis.go RedisStore --
// adapted from that file's sliding-window SADD/SRANDMEMBER sampling scheme
// to spec.md §3's exact "evict when now - last_seen_at > interval"
// semantics: every peer is one hash field, serialized as
// "ip|port|left|unix_nanos", pruned at read/write time rather than via a
// Redis-side TTL (a single hash field cannot carry its own TTL).
type redisPeerStore struct {
	config RedisConfig
	pool   *redis.Pool
	clk    clockIface
}

func newRedisPeerStore(config RedisConfig, clk clockIface) (*redisPeerStore, error) {
	config.applyDefaults()
	if config.Addr == "" {
		return nil, fmt.Errorf("tracker: redis backend requires config.Addr")
	}
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				config.Addr,
				redis.DialConnectTimeout(config.DialTimeout),
				redis.DialReadTimeout(config.ReadTimeout),
				redis.DialWriteTimeout(config.WriteTimeout))
		},
		MaxIdle:     config.MaxIdleConns,
		MaxActive:   config.MaxActiveConns,
		IdleTimeout: config.IdleConnTimeout,
		Wait:        true,
	}
	c, err := pool.Dial()
	if err != nil {
		return nil, fmt.Errorf("dial redis: %s", err)
	}
	c.Close()
	return &redisPeerStore{config: config, pool: pool, clk: clk}, nil
}

func peerSetKey(h core.InfoHash) string {
	return "bittorrent:peerset:" + h.Hex()
}

func serializePeerRecord(rec peerRecord) string {
	return fmt.Sprintf("%s|%d|%d|%d", rec.IP, rec.Port, rec.Left, rec.LastSeenAt.UnixNano())
}

func deserializePeerRecord(s string) (peerRecord, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return peerRecord{}, fmt.Errorf("invalid peer record encoding %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return peerRecord{}, fmt.Errorf("parse port: %s", err)
	}
	left, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return peerRecord{}, fmt.Errorf("parse left: %s", err)
	}
	nanos, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return peerRecord{}, fmt.Errorf("parse last_seen_at: %s", err)
	}
	return peerRecord{IP: parts[0], Port: port, Left: left, LastSeenAt: time.Unix(0, nanos)}, nil
}

func (s *redisPeerStore) rawSet(h core.InfoHash) (map[core.PeerID]peerRecord, error) {
	c := s.pool.Get()
	defer c.Close()

	raw, err := redis.StringMap(c.Do("HGETALL", peerSetKey(h)))
	if err != nil {
		return nil, fmt.Errorf("HGETALL: %s", err)
	}
	out := make(map[core.PeerID]peerRecord, len(raw))
	for hexID, encoded := range raw {
		id, err := core.NewPeerID(hexID)
		if err != nil {
			continue
		}
		rec, err := deserializePeerRecord(encoded)
		if err != nil {
			continue
		}
		out[id] = rec
	}
	return out, nil
}

func (s *redisPeerStore) prune(h core.InfoHash, interval time.Duration) (map[core.PeerID]peerRecord, error) {
	set, err := s.rawSet(h)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return set, nil
	}
	now := s.clk.Now()
	var stale []core.PeerID
	for id, rec := range set {
		if now.Sub(rec.LastSeenAt) > interval {
			stale = append(stale, id)
			delete(set, id)
		}
	}
	if len(stale) > 0 {
		c := s.pool.Get()
		defer c.Close()
		for _, id := range stale {
			c.Send("HDEL", peerSetKey(h), id.String())
		}
		c.Flush()
		for range stale {
			c.Receive()
		}
	}
	return set, nil
}

func (s *redisPeerStore) Upsert(h core.InfoHash, id core.PeerID, rec peerRecord, event string, interval time.Duration) (bool, bool, error) {
	set, err := s.prune(h, interval)
	if err != nil {
		return false, false, err
	}
	isNewTorrent := len(set) == 0
	_, wasKnownPeer := set[id]

	c := s.pool.Get()
	defer c.Close()

	if event == "stopped" {
		if _, err := c.Do("HDEL", peerSetKey(h), id.String()); err != nil {
			return false, false, fmt.Errorf("HDEL: %s", err)
		}
	} else {
		if _, err := c.Do("HSET", peerSetKey(h), id.String(), serializePeerRecord(rec)); err != nil {
			return false, false, fmt.Errorf("HSET: %s", err)
		}
	}
	return wasKnownPeer, isNewTorrent, nil
}

func (s *redisPeerStore) List(h core.InfoHash, interval time.Duration) (map[core.PeerID]peerRecord, error) {
	return s.prune(h, interval)
}
