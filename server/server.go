// Package server implements the seeding side of the peer wire protocol: an
// acceptor that binds the local listen port and dispatches each accepted
// socket to a fixed-size worker pool, per spec.md §4.9.
package server

import (
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/time/rate"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/metainfo"
	"github.com/polleria/bittorrent/workerpool"
	"github.com/polleria/bittorrent/xlog"
)

// Config bounds the acceptor's listen address, worker pool size, and
// per-connection timeouts.
type Config struct {
	ListenPort   int           `yaml:"listen_port"`
	PoolWorkers  int           `yaml:"pool_workers"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// RequestsPerSecond caps how many Request messages one connection may
	// have served per second; 0 disables the limit. Protects the fixed
	// worker pool from a single peer that floods Requests instead of
	// waiting for replies.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

func (c *Config) applyDefaults() {
	if c.PoolWorkers == 0 {
		c.PoolWorkers = 5
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 120 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// requestLimiter builds a per-connection rate.Limiter from config, or nil if
// RequestsPerSecond is unset.
func (c *Config) requestLimiter() *rate.Limiter {
	if c.RequestsPerSecond <= 0 {
		return nil
	}
	burst := int(c.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
}

// Acceptor binds listen_port and serves downloads of a single torrent out of
// downloadDir, dispatching each accepted connection to a fixed-size worker
// pool so one slow peer cannot starve the others.
type Acceptor struct {
	config      Config
	localPeerID core.PeerID
	infoHash    core.InfoHash
	info        *metainfo.Info
	downloadDir string
	clk         clock.Clock
	log         xlog.Logger

	ln   net.Listener
	pool *workerpool.Pool
}

// New constructs an Acceptor. It does not bind a socket until ListenAndServe
// is called.
func New(
	config Config,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	info *metainfo.Info,
	downloadDir string,
	clk clock.Clock,
	log xlog.Logger) *Acceptor {

	config.applyDefaults()
	return &Acceptor{
		config:      config,
		localPeerID: localPeerID,
		infoHash:    infoHash,
		info:        info,
		downloadDir: downloadDir,
		clk:         clk,
		log:         log,
	}
}

// ListenAndServe binds the listener and runs the accept loop until Close is
// called, at which point the pending Accept returns an error and
// ListenAndServe returns that error to its caller.
func (a *Acceptor) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.config.ListenPort))
	if err != nil {
		return fmt.Errorf("server: listen: %s", err)
	}
	a.ln = ln
	a.pool = workerpool.New(a.config.PoolWorkers)

	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		a.pool.Submit(func() {
			a.serve(nc)
		})
	}
}

// Close stops accepting new connections and waits for in-flight connections
// to finish.
func (a *Acceptor) Close() error {
	err := a.ln.Close()
	a.pool.Stop()
	return err
}

func (a *Acceptor) serve(nc net.Conn) {
	defer nc.Close()
	c := &conn{
		nc:          nc,
		clk:         a.clk,
		config:      a.config,
		localPeerID: a.localPeerID,
		infoHash:    a.infoHash,
		info:        a.info,
		downloadDir: a.downloadDir,
		log:         a.log,
		limiter:     a.config.requestLimiter(),
	}
	c.run()
}
