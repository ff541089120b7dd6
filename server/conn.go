package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/andres-erbsen/clock"
	"golang.org/x/time/rate"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/metainfo"
	"github.com/polleria/bittorrent/peer"
	"github.com/polleria/bittorrent/xlog"
)

// conn drives one accepted socket through the seeding side of the wire
// protocol: handshake, initial messages, then a request-service loop. Unlike
// the client-side peerconn.Conn, a read timeout here terminates the
// connection outright rather than retrying -- a peer that goes quiet for 120s
// is not worth holding a worker pool slot for.
type conn struct {
	nc          net.Conn
	clk         clock.Clock
	config      Config
	localPeerID core.PeerID
	infoHash    core.InfoHash
	info        *metainfo.Info
	downloadDir string
	log         xlog.Logger

	// limiter bounds how many Request messages this connection serves per
	// second; nil when Config.RequestsPerSecond is unset.
	limiter *rate.Limiter
}

func (c *conn) run() {
	remotePeerID, err := c.handshake()
	if err != nil {
		c.log.Errorf("server: handshake failed: %s", err)
		return
	}

	if err := c.sendUnchoke(); err != nil {
		c.log.Errorf("server: send unchoke to %s: %s", remotePeerID, err)
		return
	}
	if err := c.sendBitfield(); err != nil {
		c.log.Errorf("server: send bitfield to %s: %s", remotePeerID, err)
		return
	}

	c.serveRequests(remotePeerID)
}

// handshake reads the remote's handshake first, then replies with the local
// one -- the reverse order of the client side, since the server does not
// know who is calling until it reads.
func (c *conn) handshake() (core.PeerID, error) {
	c.nc.SetReadDeadline(c.clk.Now().Add(c.config.ReadTimeout))
	remote, err := peer.ReadHandshake(c.nc)
	if err != nil {
		return core.PeerID{}, err
	}
	if remote.InfoHash != c.infoHash {
		return core.PeerID{}, fmt.Errorf("info hash mismatch: got %s", remote.InfoHash.Hex())
	}

	c.nc.SetWriteDeadline(c.clk.Now().Add(c.config.WriteTimeout))
	local := peer.Handshake{InfoHash: c.infoHash, PeerID: c.localPeerID}
	if err := peer.WriteHandshake(c.nc, local); err != nil {
		return core.PeerID{}, err
	}
	return remote.PeerID, nil
}

func (c *conn) sendUnchoke() error {
	c.nc.SetWriteDeadline(c.clk.Now().Add(c.config.WriteTimeout))
	return peer.WriteMessage(c.nc, peer.NewUnchoke())
}

func (c *conn) sendBitfield() error {
	c.nc.SetWriteDeadline(c.clk.Now().Add(c.config.WriteTimeout))
	return peer.WriteMessage(c.nc, peer.NewBitfieldMessage(c.localBitfield()))
}

// localBitfield probes the download directory for which pieces are already
// on disk, rather than tracking completion in memory -- the acceptor has no
// other view of progress.
func (c *conn) localBitfield() *peer.Bitfield {
	bf := peer.NewBitfield(c.info.NumPieces())
	for i := 0; i < c.info.NumPieces(); i++ {
		if c.hasPiece(i) {
			bf.Set(i)
		}
	}
	return bf
}

func (c *conn) hasPiece(index int) bool {
	_, err := os.Stat(c.piecePath(index))
	return err == nil
}

func (c *conn) piecePath(index int) string {
	return filepath.Join(c.downloadDir, fmt.Sprintf("%d", index))
}

// serveRequests answers Request messages until the remote disconnects,
// chokes, cancels, declares disinterest, or goes quiet past the read
// timeout. All other message ids are accepted and ignored.
func (c *conn) serveRequests(remotePeerID core.PeerID) {
	for {
		c.nc.SetReadDeadline(c.clk.Now().Add(c.config.ReadTimeout))
		m, err := peer.ReadMessage(c.nc)
		if err != nil {
			return
		}
		if m.KeepAlive {
			continue
		}
		switch m.ID {
		case peer.Request:
			c.handleRequest(m, remotePeerID)
		case peer.Cancel, peer.Choke, peer.NotInterested:
			return
		default:
			continue
		}
	}
}

func (c *conn) handleRequest(m *peer.Message, remotePeerID core.PeerID) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Infof("server: dropping request from %s: rate limit exceeded", remotePeerID)
		return
	}

	index, begin, length, err := m.RequestFields()
	if err != nil {
		c.log.Errorf("server: malformed request from %s: %s", remotePeerID, err)
		return
	}
	if !c.hasPiece(int(index)) {
		c.log.Infof("client doesn't have piece %d", index)
		return
	}

	data, err := os.ReadFile(c.piecePath(int(index)))
	if err != nil {
		c.log.Errorf("server: read piece %d: %s", index, err)
		return
	}

	start := begin
	if start > uint32(len(data)) {
		start = uint32(len(data))
	}
	end := start + length
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	block := data[start:end]

	c.nc.SetWriteDeadline(c.clk.Now().Add(c.config.WriteTimeout))
	if err := peer.WriteMessage(c.nc, peer.NewPieceMessage(index, begin, block)); err != nil {
		c.log.Errorf("server: send piece %d to %s: %s", index, remotePeerID, err)
	}
}
