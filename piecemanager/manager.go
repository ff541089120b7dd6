// Package piecemanager implements the global download plan: the single
// owner of which pieces remain, are in flight, or are complete.
package piecemanager

import (
	"errors"
	"sort"

	"github.com/willf/bitset"
	"go.uber.org/atomic"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/peer"
	"github.com/polleria/bittorrent/xlog"
)

// maxConsecutiveFailures is how many piece-hash mismatches from the same
// peer the manager tolerates before treating it as chronic misbehavior
// rather than transient corruption (spec.md §8 S2: "after three blocks
// hash-mismatch").
const maxConsecutiveFailures = 3

// ErrStalled is surfaced through Err once Done closes with remaining
// pieces still outstanding and no peer left able to serve any of them.
var ErrStalled = errors.New("piecemanager: download stalled, no peer can serve a remaining piece")

// Command is sent on the manager's inbound channel. Every command is
// applied serially by the single goroutine running Manager.Run, so no
// locking is needed around the manager's internal sets.
type Command interface {
	apply(m *Manager)
}

// PeerBitfieldCommand records peerID's claim set, first received at the end
// of a connection's ready-wait phase.
type PeerBitfieldCommand struct {
	PeerID   core.PeerID
	Bitfield *peer.Bitfield
}

// SuccessfulDownloadCommand moves pieceIndex from in-flight to complete.
type SuccessfulDownloadCommand struct {
	PieceIndex int
	PeerID     core.PeerID
}

// FailedDownloadCommand returns pieceIndex to remaining.
type FailedDownloadCommand struct {
	PieceIndex int
	PeerID     core.PeerID
}

// FailedConnectionCommand returns every piece assigned to peerID to
// remaining and forgets the peer.
type FailedConnectionCommand struct {
	PeerID core.PeerID
}

// HaveCommand updates peerID's claim set with one additional piece,
// reported out-of-band from a connection's ongoing download loop.
type HaveCommand struct {
	PeerID     core.PeerID
	PieceIndex int
}

// TrackerReAskedCommand is a no-op hook point for when the connection
// manager refreshes its peer list; reserved for future availability
// bookkeeping.
type TrackerReAskedCommand struct{}

// ReannouncedCommand reports the outcome of a periodic tracker re-announce.
// NewPeers is the number of peers connmanager started connections to as a
// result. When a re-announce yields no new peers and the manager is
// already starved (schedule found no idle peer that could serve any
// remaining piece, and no piece was in flight), the download can never progress further and is
// declared stalled.
type ReannouncedCommand struct {
	NewPeers int
}

// StopCommand terminates the manager's Run loop.
type StopCommand struct{}

func (c PeerBitfieldCommand) apply(m *Manager) {
	m.peerBitfields[c.PeerID] = c.Bitfield
	if _, ok := m.busy[c.PeerID]; !ok {
		m.busy[c.PeerID] = false
	}
	m.schedule()
}

func (c SuccessfulDownloadCommand) apply(m *Manager) {
	m.inFlight.Clear(uint(c.PieceIndex))
	m.complete.Set(uint(c.PieceIndex))
	delete(m.assignments, c.PieceIndex)
	m.busy[c.PeerID] = false
	delete(m.failures, c.PeerID)
	m.completeCount.Store(int64(m.complete.Count()))
	if m.complete.Count() == uint(m.numPieces) {
		m.finish(nil)
	}
	m.schedule()
}

// FailedDownloadCommand.apply returns the piece to remaining so schedule
// can reassign it -- per spec.md §7 a single piece-validation failure
// (bad coordinates, SHA-1 mismatch) must not kill the connection, since it
// may be transient corruption rather than a lying peer. Only once the same
// peer racks up maxConsecutiveFailures in a row is it treated as chronic
// misbehavior and dropped via Scheduler.DropPeer.
func (c FailedDownloadCommand) apply(m *Manager) {
	m.inFlight.Clear(uint(c.PieceIndex))
	m.remaining.Set(uint(c.PieceIndex))
	delete(m.assignments, c.PieceIndex)
	m.busy[c.PeerID] = false

	m.failures[c.PeerID]++
	if m.failures[c.PeerID] >= maxConsecutiveFailures {
		m.log.Errorf("peer %s exceeded %d consecutive piece failures, dropping", c.PeerID, maxConsecutiveFailures)
		delete(m.peerBitfields, c.PeerID)
		delete(m.busy, c.PeerID)
		delete(m.failures, c.PeerID)
		m.scheduler.DropPeer(c.PeerID)
	}

	m.schedule()
}

func (c FailedConnectionCommand) apply(m *Manager) {
	for idx, peerID := range m.assignments {
		if peerID == c.PeerID {
			m.inFlight.Clear(uint(idx))
			m.remaining.Set(uint(idx))
			delete(m.assignments, idx)
		}
	}
	delete(m.peerBitfields, c.PeerID)
	delete(m.busy, c.PeerID)
	delete(m.failures, c.PeerID)
	m.schedule()
}

func (c ReannouncedCommand) apply(m *Manager) {
	m.schedule()
	if c.NewPeers > 0 {
		return
	}
	if m.starved && m.remaining.Count() > 0 {
		m.log.Errorf("download stalled: %d pieces remaining, no peer can serve them, re-announce found no new peers", m.remaining.Count())
		m.finish(ErrStalled)
	}
}

func (c HaveCommand) apply(m *Manager) {
	bf, ok := m.peerBitfields[c.PeerID]
	if ok {
		bf.Set(c.PieceIndex)
	}
	m.schedule()
}

func (c TrackerReAskedCommand) apply(m *Manager) {}

func (c StopCommand) apply(m *Manager) {}

// Scheduler is the callback the manager uses to instruct the connection
// manager to start downloading a piece from a peer, or to sever a peer
// that has proven chronically unreliable.
type Scheduler interface {
	DownloadPiece(peerID core.PeerID, pieceIndex int)
	DropPeer(peerID core.PeerID)
}

// Manager is the single owner of remaining/in-flight/complete piece sets
// and every peer's known bitfield.
type Manager struct {
	numPieces int
	remaining *bitset.BitSet
	inFlight  *bitset.BitSet
	complete  *bitset.BitSet

	peerBitfields map[core.PeerID]*peer.Bitfield
	busy          map[core.PeerID]bool // false == idle
	assignments   map[int]core.PeerID  // pieceIndex -> assigned peer
	failures      map[core.PeerID]int  // consecutive FailedDownloadCommand count

	scheduler Scheduler
	log       xlog.Logger

	// completeCount mirrors complete.Count(), updated on every
	// SuccessfulDownloadCommand. Callers outside the Run goroutine (a
	// progress logger, a metrics poller) read it via Progress without
	// going through the command channel, which would otherwise round-trip
	// through -- and contend with -- the scheduling loop just to report a
	// number that never needs read-your-writes consistency.
	completeCount atomic.Int64

	// starved reports whether the last schedule() pass left at least one
	// piece in remaining with no idle peer able to serve any remaining
	// piece and no piece in flight. Consulted by ReannouncedCommand to decide whether a
	// re-announce that found no new peers means the download is stuck.
	starved bool

	cmds   chan Command
	onDone chan struct{}
	err    error
}

// New constructs a Manager for a torrent of numPieces pieces, with every
// piece initially in remaining.
func New(numPieces int, scheduler Scheduler, log xlog.Logger) *Manager {
	remaining := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		remaining.Set(uint(i))
	}
	return &Manager{
		numPieces:     numPieces,
		remaining:     remaining,
		inFlight:      bitset.New(uint(numPieces)),
		complete:      bitset.New(uint(numPieces)),
		peerBitfields: make(map[core.PeerID]*peer.Bitfield),
		busy:          make(map[core.PeerID]bool),
		assignments:   make(map[int]core.PeerID),
		failures:      make(map[core.PeerID]int),
		scheduler:     scheduler,
		log:           log,
		cmds:          make(chan Command),
		onDone:        make(chan struct{}),
	}
}

// Send enqueues a command for serialized application. Must not be called
// from within the goroutine running Run.
func (m *Manager) Send(c Command) {
	m.cmds <- c
}

// Done returns a channel closed once every piece has moved to complete, or
// once the download has been declared stalled. Check Err after Done closes
// to distinguish the two.
func (m *Manager) Done() <-chan struct{} { return m.onDone }

// Err returns the error that caused Done to close, or nil if every piece
// completed successfully. Only meaningful after Done has closed.
func (m *Manager) Err() error { return m.err }

// finish closes onDone with err recorded, if it has not already been
// closed. Idempotent: a stall declared after completion, or vice versa,
// is a no-op on the second call.
func (m *Manager) finish(err error) {
	if m.onDone == nil {
		return
	}
	m.err = err
	close(m.onDone)
	m.onDone = nil
}

// Progress reports how many of numPieces pieces have completed. Safe to
// call concurrently from any goroutine, including while Run is blocked
// applying a command.
func (m *Manager) Progress() (complete, total int) {
	return int(m.completeCount.Load()), m.numPieces
}

// Run applies commands serially until a StopCommand is received.
func (m *Manager) Run() {
	for c := range m.cmds {
		if _, ok := c.(StopCommand); ok {
			return
		}
		c.apply(m)
	}
}

// availability returns how many known peer bitfields claim pieceIndex.
func (m *Manager) availability(pieceIndex int) int {
	n := 0
	for _, bf := range m.peerBitfields {
		if bf.Has(pieceIndex) {
			n++
		}
	}
	return n
}

// idlePeersWithPiece returns the idle peers claiming pieceIndex, sorted by
// peer-id byte order.
func (m *Manager) idlePeersWithPiece(pieceIndex int) []core.PeerID {
	var peers []core.PeerID
	for peerID, isBusy := range m.busy {
		if isBusy {
			continue
		}
		bf, ok := m.peerBitfields[peerID]
		if !ok || !bf.Has(pieceIndex) {
			continue
		}
		peers = append(peers, peerID)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].LessThan(peers[j]) })
	return peers
}

// schedule assigns as many (peer, piece) pairs as it can: among remaining
// pieces, lowest availability first (ties broken by lowest index), to any
// idle peer holding that piece (ties broken by peer-id byte order).
func (m *Manager) schedule() {
	for {
		if m.remaining.Count() == 0 {
			m.starved = false
			return
		}

		bestIndex := -1
		bestAvailability := -1
		var bestPeer core.PeerID
		found := false

		for i := 0; i < m.numPieces; i++ {
			if !m.remaining.Test(uint(i)) {
				continue
			}
			idle := m.idlePeersWithPiece(i)
			if len(idle) == 0 {
				continue
			}
			avail := m.availability(i)
			if !found || avail < bestAvailability {
				bestIndex = i
				bestAvailability = avail
				bestPeer = idle[0]
				found = true
			}
		}

		if !found {
			m.starved = m.inFlight.Count() == 0
			return
		}
		m.starved = false

		m.remaining.Clear(uint(bestIndex))
		m.inFlight.Set(uint(bestIndex))
		m.assignments[bestIndex] = bestPeer
		m.busy[bestPeer] = true

		m.scheduler.DownloadPiece(bestPeer, bestIndex)
	}
}
