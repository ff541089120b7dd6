// Package connmanager is the peer-connection fleet: it holds one worker
// goroutine per open peer connection and forwards piece-download commands
// and tracker re-announces to them.
package connmanager

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/metainfo"
	"github.com/polleria/bittorrent/peer"
	"github.com/polleria/bittorrent/peerconn"
	"github.com/polleria/bittorrent/piecemanager"
	"github.com/polleria/bittorrent/piecesaver"
	"github.com/polleria/bittorrent/xlog"
)

// PeerAddr identifies a peer returned by a tracker announce.
type PeerAddr struct {
	PeerID core.PeerID
	IP     string
	Port   int
}

// TrackerClient is the narrow announce surface the manager re-polls on a
// timer; implemented by package trackerclient.
type TrackerClient interface {
	Announce(event string) (peers []PeerAddr, intervalSeconds int, err error)
}

// Config bounds dial and per-connection I/O behavior.
type Config struct {
	DialTimeout time.Duration
	Conn        peerconn.Config

	// DisableBlacklist turns off the exponential connection blacklist
	// below, for tests that want deterministic immediate retries.
	DisableBlacklist bool
	// InitialBlacklistExpiration is how long a peer is blacklisted after
	// its first connection failure; BlacklistExpirationBackoff raises
	// that duration exponentially on repeat failures, capped at
	// MaxBlacklistExpiration.
	InitialBlacklistExpiration time.Duration
	BlacklistExpirationBackoff float64
	MaxBlacklistExpiration     time.Duration

	// IdleConnTTL closes a connection that has received no new
	// DownloadPiece command for this long. Zero disables idle reaping.
	IdleConnTTL time.Duration
	// IdleCheckInterval is how often the reaper sweeps for idle
	// connections; defaults to IdleConnTTL/4.
	IdleCheckInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.InitialBlacklistExpiration == 0 {
		c.InitialBlacklistExpiration = 10 * time.Second
	}
	if c.BlacklistExpirationBackoff == 0 {
		c.BlacklistExpirationBackoff = 2
	}
	if c.MaxBlacklistExpiration == 0 {
		c.MaxBlacklistExpiration = 10 * time.Minute
	}
	if c.IdleConnTTL > 0 && c.IdleCheckInterval == 0 {
		c.IdleCheckInterval = c.IdleConnTTL / 4
	}
}

type workerHandle struct {
	cmds chan peerconn.Command
}

// blacklistEntry tracks a peer's connection-failure history: Blacklisted
// reports whether the peer is still serving out its backoff window.
// Grounded on lib/torrent/scheduler/conn_state.go's blacklistEntry, here
// keyed by peer id alone since one Manager serves a single torrent.
type blacklistEntry struct {
	expiration time.Time
	failures   int
}

func (e *blacklistEntry) blacklisted(now time.Time) bool {
	return e.expiration.After(now)
}

// Manager is the peer-connection manager of spec.md §4.8: a
// peer_id -> (command channel, join handle) registry, one worker per peer.
type Manager struct {
	localPeerID core.PeerID
	infoHash    core.InfoHash
	info        *metainfo.Info
	piecemgr    *piecemanager.Manager
	saver       *piecesaver.Saver
	tracker     TrackerClient
	clk         clock.Clock
	config      Config
	log         xlog.Logger

	conns sync.Map // core.PeerID -> *workerHandle
	wg    sync.WaitGroup

	mu         sync.Mutex
	blacklist  map[core.PeerID]*blacklistEntry
	lastActive map[core.PeerID]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Manager for a single torrent's swarm.
func New(
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	info *metainfo.Info,
	piecemgr *piecemanager.Manager,
	saver *piecesaver.Saver,
	tracker TrackerClient,
	clk clock.Clock,
	config Config,
	log xlog.Logger,
) *Manager {
	config.applyDefaults()
	return &Manager{
		localPeerID: localPeerID,
		infoHash:    infoHash,
		info:        info,
		piecemgr:    piecemgr,
		saver:       saver,
		tracker:     tracker,
		clk:         clk,
		config:      config,
		log:         log,
		blacklist:   make(map[core.PeerID]*blacklistEntry),
		lastActive:  make(map[core.PeerID]time.Time),
		stop:        make(chan struct{}),
	}
}

// StartConnections opens one connection per peer not already connected and
// not currently serving out a connection-failure backoff window, each
// driven by its own worker goroutine. Returns how many new connections it
// started, so a periodic re-announce can tell the piece manager whether it
// turned up anyone new.
func (m *Manager) StartConnections(peers []PeerAddr) int {
	started := 0
	for _, p := range peers {
		if p.PeerID == m.localPeerID {
			continue
		}
		if _, exists := m.conns.Load(p.PeerID); exists {
			continue
		}
		if m.isBlacklisted(p.PeerID) {
			continue
		}
		m.startWorker(p)
		started++
	}
	return started
}

// DropPeer closes peerID's connection, if one is open, and blacklists it
// like any other connection failure so it is not immediately redialed on
// the next re-announce. Called by the piece manager once a peer exceeds
// its consecutive piece-validation failure budget.
func (m *Manager) DropPeer(peerID core.PeerID) {
	m.recordConnFailure(peerID)
	v, ok := m.conns.Load(peerID)
	if !ok {
		return
	}
	handle := v.(*workerHandle)
	select {
	case handle.cmds <- peerconn.CloseCommand{}:
	default:
	}
}

// isBlacklisted reports whether peerID is still within a connection-failure
// backoff window established by recordConnFailure.
func (m *Manager) isBlacklisted(peerID core.PeerID) bool {
	if m.config.DisableBlacklist {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.blacklist[peerID]
	return ok && e.blacklisted(m.clk.Now())
}

// recordConnFailure blacklists peerID for an exponentially growing window,
// capped at Config.MaxBlacklistExpiration. Grounded on
// lib/torrent/scheduler/conn_state.go's connState.Blacklist.
func (m *Manager) recordConnFailure(peerID core.PeerID) {
	if m.config.DisableBlacklist {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blacklist[peerID]
	if !ok {
		e = &blacklistEntry{}
		m.blacklist[peerID] = e
	}
	backoff := math.Pow(m.config.BlacklistExpirationBackoff, float64(e.failures))
	d := time.Duration(backoff) * m.config.InitialBlacklistExpiration
	if d > m.config.MaxBlacklistExpiration {
		d = m.config.MaxBlacklistExpiration
	}
	e.expiration = m.clk.Now().Add(d)
	e.failures++
	m.log.Infof("peer %s blacklisted for %s after %d connection failures", peerID, d, e.failures)
}

// recordConnSuccess clears any accumulated failure history for peerID once
// it has completed a handshake and ready-wait cleanly.
func (m *Manager) recordConnSuccess(peerID core.PeerID) {
	m.mu.Lock()
	delete(m.blacklist, peerID)
	m.mu.Unlock()
}

func (m *Manager) startWorker(p PeerAddr) {
	handle := &workerHandle{cmds: make(chan peerconn.Command, 1)}
	if _, loaded := m.conns.LoadOrStore(p.PeerID, handle); loaded {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.conns.Delete(p.PeerID)
		m.runWorker(p, handle)
	}()
}

func (m *Manager) runWorker(p PeerAddr, handle *workerHandle) {
	addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
	nc, err := net.DialTimeout("tcp", addr, m.config.DialTimeout)
	if err != nil {
		m.log.Errorf("dial %s: %s", addr, err)
		m.recordConnFailure(p.PeerID)
		m.piecemgr.Send(piecemanager.FailedConnectionCommand{PeerID: p.PeerID})
		return
	}

	// Socket deadlines are absolute wall-clock times, so the service gets
	// a real clock even when the manager's own clock is a test mock.
	svc := peerconn.NewTCPService(nc, clock.New(), m.config.Conn)
	local := peer.Handshake{InfoHash: m.infoHash, PeerID: m.localPeerID}
	events := &eventAdapter{piecemgr: m.piecemgr, saver: m.saver}

	conn, err := peerconn.New(local, m.info, svc, events, m.log)
	if err != nil {
		m.log.Errorf("connect to %s: %s", addr, err)
		m.recordConnFailure(p.PeerID)
		m.piecemgr.Send(piecemanager.FailedConnectionCommand{PeerID: p.PeerID})
		return
	}
	m.recordConnSuccess(p.PeerID)
	m.touch(p.PeerID)

	conn.Run(handle.cmds)
}

// touch records peerID's connection as active now, resetting its idle-reap
// deadline.
func (m *Manager) touch(peerID core.PeerID) {
	m.mu.Lock()
	m.lastActive[peerID] = m.clk.Now()
	m.mu.Unlock()
}

// DownloadPiece forwards a download command to peerID's connection, if one
// is currently open. If the connection has since gone away, reports
// FailedConnection so the piece manager reassigns the piece rather than
// waiting forever.
func (m *Manager) DownloadPiece(peerID core.PeerID, pieceIndex int) {
	v, ok := m.conns.Load(peerID)
	if !ok {
		m.piecemgr.Send(piecemanager.FailedConnectionCommand{PeerID: peerID})
		return
	}
	handle := v.(*workerHandle)
	m.touch(peerID)
	select {
	case handle.cmds <- peerconn.DownloadPieceCommand{PieceIndex: pieceIndex}:
	default:
		// The piece manager only issues one in-flight download per
		// connection (spec.md §4.5); a full channel here would indicate a
		// scheduling bug upstream, not a condition to recover from here.
	}
}

// CloseConnections signals every open connection to close and waits for
// every worker to exit.
func (m *Manager) CloseConnections() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.conns.Range(func(key, value interface{}) bool {
		handle := value.(*workerHandle)
		select {
		case handle.cmds <- peerconn.CloseCommand{}:
		default:
		}
		return true
	})
	m.wg.Wait()
}

// RunIdleReaper periodically closes connections that have received no new
// DownloadPiece command for Config.IdleConnTTL, freeing the peer-connection
// slot for peers with actual work pending. A no-op if IdleConnTTL is zero.
// Grounded on lib/torrent/scheduler/events.go's preemptionTickEvent; runs
// until CloseConnections is called.
func (m *Manager) RunIdleReaper() {
	if m.config.IdleConnTTL <= 0 {
		return
	}
	ticker := m.clk.Ticker(m.config.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	now := m.clk.Now()
	var stale []core.PeerID
	m.mu.Lock()
	for peerID, at := range m.lastActive {
		if now.Sub(at) > m.config.IdleConnTTL {
			stale = append(stale, peerID)
		}
	}
	for _, peerID := range stale {
		delete(m.lastActive, peerID)
	}
	m.mu.Unlock()

	for _, peerID := range stale {
		v, ok := m.conns.Load(peerID)
		if !ok {
			continue
		}
		handle := v.(*workerHandle)
		m.log.Infof("closing idle connection to peer %s", peerID)
		select {
		case handle.cmds <- peerconn.CloseCommand{}:
		default:
		}
	}
}

// RunReannounce polls the tracker every interval for a fresh peer list and
// starts connections for any peer not already known, reporting how many
// (if any) turned up new to the piece manager so it can detect a stalled
// swarm. Runs until CloseConnections is called.
func (m *Manager) RunReannounce(interval time.Duration) {
	ticker := m.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			peers, _, err := m.tracker.Announce("")
			if err != nil {
				m.log.Errorf("re-announce failed: %s", err)
				m.piecemgr.Send(piecemanager.ReannouncedCommand{NewPeers: 0})
				continue
			}
			started := m.StartConnections(peers)
			m.piecemgr.Send(piecemanager.ReannouncedCommand{NewPeers: started})
		case <-m.stop:
			return
		}
	}
}

// eventAdapter routes peerconn.Events callbacks to the piece manager and
// piece saver, translating between the two actors' command vocabularies.
type eventAdapter struct {
	piecemgr *piecemanager.Manager
	saver    *piecesaver.Saver
}

func (a *eventAdapter) PeerBitfield(peerID core.PeerID, bf *peer.Bitfield) {
	a.piecemgr.Send(piecemanager.PeerBitfieldCommand{PeerID: peerID, Bitfield: bf})
}

func (a *eventAdapter) Have(peerID core.PeerID, pieceIndex int) {
	a.piecemgr.Send(piecemanager.HaveCommand{PeerID: peerID, PieceIndex: pieceIndex})
}

func (a *eventAdapter) Save(pieceIndex int, peerID core.PeerID, data []byte) {
	a.saver.Send(piecesaver.ValidateAndSaveCommand{PieceIndex: pieceIndex, PeerID: peerID, Data: data})
}

func (a *eventAdapter) FailedDownload(pieceIndex int, peerID core.PeerID, err error) {
	a.piecemgr.Send(piecemanager.FailedDownloadCommand{PieceIndex: pieceIndex, PeerID: peerID})
}

func (a *eventAdapter) FailedConnection(peerID core.PeerID, err error) {
	a.piecemgr.Send(piecemanager.FailedConnectionCommand{PeerID: peerID})
}
