package tracker

import (
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/polleria/bittorrent/bencode"
	"github.com/polleria/bittorrent/core"
)

// MissingParamError indicates a mandatory announce query parameter was
// absent.
type MissingParamError struct{ Name string }

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("tracker: missing announce param %q", e.Name)
}

// AnnounceParams is one parsed announce request. InfoHash and PeerID carry
// raw (already percent-decoded) bytes, not the wire's percent-encoded form.
type AnnounceParams struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
	IP       string
	Port     int
	Left     int64
	Event    string // "started", "stopped", "completed", or "" for keep-alive
	NumWant  int
}

// AnnounceCommand is sent on the manager's inbound channel; Reply receives
// exactly one TrackerResponse or error.
type AnnounceCommand struct {
	Params AnnounceParams
	Reply  chan<- announceResult
}

type announceResult struct {
	response TrackerResponse
	err      error
}

func (c AnnounceCommand) apply(m *AnnounceManager) {
	resp, err := m.handle(c.Params)
	c.Reply <- announceResult{resp, err}
}

type command interface {
	apply(m *AnnounceManager)
}

// StopCommand terminates the manager's Run loop.
type StopCommand struct{}

func (StopCommand) apply(m *AnnounceManager) {}

// TrackerResponse is the bencoded body returned from a successful announce.
type TrackerResponse struct {
	Interval   int
	TrackerID  string
	Complete   int
	Incomplete int
	Peers      []AnnouncePeerAddr
}

// AnnouncePeerAddr is one peer entry in a TrackerResponse.
type AnnouncePeerAddr struct {
	IP     string
	Port   int
	PeerID core.PeerID
}

// IncrementSink is the subset of the time-series aggregator the announce
// manager signals. Satisfied by *Aggregator.
type IncrementSink interface {
	Increment(key string)
}

// AnnounceManager is the single owner of every info-hash's ActivePeerSet.
// Every AnnounceCommand is applied serially by the goroutine running Run,
// so the peer sets need no locking.
type AnnounceManager struct {
	config     Config
	aggregator IncrementSink
	clk        clock.Clock

	store peerStore

	cmds chan command
}

// New constructs an AnnounceManager backed by config.Backend's peerStore
// ("local", the default, or "redis"). Call Run in its own goroutine to
// start processing commands.
func New(config Config, aggregator IncrementSink, clk clock.Clock) (*AnnounceManager, error) {
	config.applyDefaults()
	store, err := newPeerStore(config, clk)
	if err != nil {
		return nil, fmt.Errorf("tracker: init peer store: %s", err)
	}
	return &AnnounceManager{
		config:     config,
		aggregator: aggregator,
		clk:        clk,
		store:      store,
		cmds:       make(chan command),
	}, nil
}

// newPeerStore selects the peerStore backend named by config.Backend.
func newPeerStore(config Config, clk clock.Clock) (peerStore, error) {
	switch config.Backend {
	case "", "local":
		return newLocalPeerStore(clk), nil
	case "redis":
		return newRedisPeerStore(config.Redis, clk)
	default:
		return nil, fmt.Errorf("tracker: unknown peer store backend %q", config.Backend)
	}
}

// Run applies commands serially until a StopCommand is received.
func (m *AnnounceManager) Run() {
	for c := range m.cmds {
		if _, ok := c.(StopCommand); ok {
			return
		}
		c.apply(m)
	}
}

// Send enqueues c for serialized application. Must not be called from
// within the goroutine running Run.
func (m *AnnounceManager) Send(c command) {
	m.cmds <- c
}

// Announce submits params and blocks for the resulting TrackerResponse.
// Safe to call concurrently from many HTTP-front workers.
func (m *AnnounceManager) Announce(params AnnounceParams) (TrackerResponse, error) {
	reply := make(chan announceResult, 1)
	m.Send(AnnounceCommand{Params: params, Reply: reply})
	result := <-reply
	return result.response, result.err
}

// Stop terminates the manager's Run goroutine.
func (m *AnnounceManager) Stop() {
	m.Send(StopCommand{})
}

func (m *AnnounceManager) handle(p AnnounceParams) (TrackerResponse, error) {
	interval := time.Duration(m.config.AnnounceInterval) * time.Second

	rec := peerRecord{IP: p.IP, Port: p.Port, Left: p.Left, LastSeenAt: m.clk.Now()}
	wasKnownPeer, isNewTorrent, err := m.store.Upsert(p.InfoHash, p.PeerID, rec, p.Event, interval)
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("tracker: upsert peer: %s", err)
	}

	infoHashHex := p.InfoHash.Hex()
	if isNewTorrent {
		m.aggregator.Increment("torrents")
	}
	if !wasKnownPeer && p.Event != "stopped" {
		m.aggregator.Increment(infoHashHex + ".active_peers")
	}
	if p.Event == "completed" {
		m.aggregator.Increment(infoHashHex + ".complete_download_peers")
	}

	numWant := p.NumWant
	if numWant <= 0 {
		numWant = m.config.DefaultNumWant
	}

	set, err := m.store.List(p.InfoHash, interval)
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("tracker: list peers: %s", err)
	}

	var complete, incomplete int
	var peers []AnnouncePeerAddr
	for peerID, peer := range set {
		if peer.Left == 0 {
			complete++
		} else {
			incomplete++
		}
		if peerID == p.PeerID {
			continue // never hand a peer back to itself.
		}
		if len(peers) >= numWant {
			continue
		}
		peers = append(peers, AnnouncePeerAddr{IP: peer.IP, Port: peer.Port, PeerID: peerID})
	}

	return TrackerResponse{
		Interval:   m.config.AnnounceInterval,
		TrackerID:  TrackerID,
		Complete:   complete,
		Incomplete: incomplete,
		Peers:      peers,
	}, nil
}

// EncodeTrackerResponse bencodes resp as the BEP-3 announce response
// dictionary.
func EncodeTrackerResponse(resp TrackerResponse) []byte {
	peerVals := make([]bencode.Value, len(resp.Peers))
	for i, p := range resp.Peers {
		peerVals[i] = bencode.NewDict(bencode.NewDictFromPairs(
			bencode.DictEntry{Key: []byte("ip"), Value: bencode.NewString(p.IP)},
			bencode.DictEntry{Key: []byte("port"), Value: bencode.NewInt(int64(p.Port))},
			bencode.DictEntry{Key: []byte("peer id"), Value: bencode.NewBytes(p.PeerID[:])},
		))
	}
	d := bencode.NewDictFromPairs(
		bencode.DictEntry{Key: []byte("interval"), Value: bencode.NewInt(int64(resp.Interval))},
		bencode.DictEntry{Key: []byte("tracker_id"), Value: bencode.NewString(resp.TrackerID)},
		bencode.DictEntry{Key: []byte("complete"), Value: bencode.NewInt(int64(resp.Complete))},
		bencode.DictEntry{Key: []byte("incomplete"), Value: bencode.NewInt(int64(resp.Incomplete))},
		bencode.DictEntry{Key: []byte("peers"), Value: bencode.NewList(peerVals)},
	)
	return bencode.Encode(bencode.NewDict(d))
}
