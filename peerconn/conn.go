package peerconn

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/metainfo"
	"github.com/polleria/bittorrent/peer"
	"github.com/polleria/bittorrent/xlog"
)

// Sentinel errors surfaced from the download loop, matching the failure
// model named by the connection state machine.
var (
	ErrInvalidPieceHash = errors.New("peerconn: downloaded piece failed hash validation")
	ErrInvalidBlock     = errors.New("peerconn: piece message did not match outstanding request")
	ErrInvalidMessage   = errors.New("peerconn: malformed or unexpected message")
)

// Command is sent on a running Conn's command channel by the connection
// manager.
type Command interface {
	isCommand()
}

// DownloadPieceCommand directs the connection to download one piece.
type DownloadPieceCommand struct {
	PieceIndex int
}

func (DownloadPieceCommand) isCommand() {}

// CloseCommand terminates the connection.
type CloseCommand struct{}

func (CloseCommand) isCommand() {}

// Events is the set of callbacks a Conn reports progress to. In
// production, PeerBitfield/Have/FailedDownload/FailedConnection are
// implemented by the piece manager (possibly via an adapter owned by the
// connection manager), and Save is implemented by the piece saver.
type Events interface {
	PeerBitfield(peerID core.PeerID, bf *peer.Bitfield)
	Have(peerID core.PeerID, pieceIndex int)
	Save(pieceIndex int, peerID core.PeerID, data []byte)
	FailedDownload(pieceIndex int, peerID core.PeerID, err error)
	FailedConnection(peerID core.PeerID, err error)
}

// Conn runs the client-initiated peer connection state machine of one
// socket: handshake, ready-wait, then a download loop that accepts one
// piece-download command at a time.
type Conn struct {
	peerID   core.PeerID
	infoHash core.InfoHash
	info     *metainfo.Info
	service  Service
	events   Events
	log      xlog.Logger

	choked bool
}

// New performs the handshake and ready-wait steps (§4.5 steps 1-2) against
// svc, blocking until they complete. On success, the returned Conn is ready
// to run its download loop via Run.
func New(
	localHandshake peer.Handshake,
	info *metainfo.Info,
	svc Service,
	events Events,
	log xlog.Logger,
) (*Conn, error) {
	remote, err := svc.Handshake(localHandshake)
	if err != nil {
		return nil, fmt.Errorf("handshake: %s", err)
	}
	if remote.InfoHash != localHandshake.InfoHash {
		return nil, fmt.Errorf("handshake: info hash mismatch")
	}

	c := &Conn{
		peerID:   remote.PeerID,
		infoHash: remote.InfoHash,
		info:     info,
		service:  svc,
		events:   events,
		log:      log,
		choked:   true,
	}

	if err := c.readyWait(); err != nil {
		svc.Close()
		return nil, fmt.Errorf("ready-wait: %s", err)
	}

	return c, nil
}

// PeerID returns the remote peer's id, as recorded from the handshake.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

func (c *Conn) readyWait() error {
	if err := c.service.Send(peer.NewUnchoke()); err != nil {
		return err
	}
	if err := c.service.Send(peer.NewInterested()); err != nil {
		return err
	}

	var bf *peer.Bitfield
	for {
		m, err := c.service.Recv()
		if err != nil {
			return err
		}
		if m.KeepAlive {
			continue
		}
		switch m.ID {
		case peer.Choke:
			c.choked = true
		case peer.Unchoke:
			c.choked = false
		case peer.BitfieldID:
			parsed, err := peer.NewBitfieldFromBytes(m.Payload, c.info.NumPieces())
			if err != nil {
				return ErrInvalidMessage
			}
			bf = parsed
			c.events.PeerBitfield(c.peerID, bf)
		case peer.Have:
			idx, err := m.HaveIndex()
			if err != nil {
				return ErrInvalidMessage
			}
			c.events.Have(c.peerID, int(idx))
		default:
			// Recorded and ignored.
		}
		if !c.choked && bf != nil && bf.Any() {
			return nil
		}
	}
}

// Run drives the download loop, reading commands off cmds until it closes
// or a CloseCommand arrives. A fatal transport or protocol error reports
// FailedConnection and returns; a non-fatal piece failure (hash mismatch,
// or a Piece frame with the wrong coordinates) reports FailedDownload for the piece in question and continues serving
// further commands.
func (c *Conn) Run(cmds <-chan Command) {
	defer c.service.Close()

	for cmd := range cmds {
		switch cmd := cmd.(type) {
		case DownloadPieceCommand:
			if err := c.downloadPiece(cmd.PieceIndex); err != nil {
				c.events.FailedConnection(c.peerID, err)
				return
			}
		case CloseCommand:
			return
		}
	}
}

func (c *Conn) pieceLength(index int) int {
	total := c.info.TotalLength()
	remaining := total - int64(index)*c.info.PieceLength
	if remaining < c.info.PieceLength {
		return int(remaining)
	}
	return int(c.info.PieceLength)
}

// downloadPiece runs step 3 of §4.5 for a single piece. It returns a
// non-nil error only for conditions the caller must treat as fatal
// (connection death); a hash mismatch or a block with the wrong
// coordinates reports FailedDownload and returns nil so the connection
// keeps serving further commands.
func (c *Conn) downloadPiece(index int) error {
	length := c.pieceLength(index)
	buf := make([]byte, 0, length)

	for offset := 0; offset < length; offset += peer.BlockSize {
		blockLen := peer.BlockSize
		if remaining := length - offset; remaining < peer.BlockSize {
			blockLen = remaining
		}
		if err := c.service.Send(peer.NewRequest(uint32(index), uint32(offset), uint32(blockLen))); err != nil {
			c.events.FailedDownload(index, c.peerID, err)
			return err
		}
		block, err := c.awaitPiece(uint32(index), uint32(offset))
		if err == ErrInvalidBlock {
			c.events.FailedDownload(index, c.peerID, err)
			return nil
		}
		if err != nil {
			c.events.FailedDownload(index, c.peerID, err)
			return err
		}
		buf = append(buf, block...)
	}

	sum := sha1.Sum(buf)
	expected := c.info.PieceHash(index)
	if !bytes.Equal(sum[:], expected[:]) {
		c.events.FailedDownload(index, c.peerID, ErrInvalidPieceHash)
		return nil
	}

	c.events.Save(index, c.peerID, buf)
	return nil
}

// awaitPiece reads frames until a Piece frame matching (index, begin)
// arrives, forwarding Have messages to events and tracking Choke/Unchoke
// in c.choked along the way.
func (c *Conn) awaitPiece(index, begin uint32) ([]byte, error) {
	for {
		m, err := c.service.Recv()
		if err != nil {
			return nil, err
		}
		if m.KeepAlive {
			continue
		}
		switch m.ID {
		case peer.Piece:
			gotIndex, gotBegin, block, err := m.PieceFields()
			if err != nil {
				return nil, ErrInvalidMessage
			}
			if gotIndex != index || gotBegin != begin {
				return nil, ErrInvalidBlock
			}
			return block, nil
		case peer.Have:
			idx, err := m.HaveIndex()
			if err != nil {
				return nil, ErrInvalidMessage
			}
			c.events.Have(c.peerID, int(idx))
		case peer.Choke:
			c.choked = true
		case peer.Unchoke:
			c.choked = false
		default:
			// Recorded and ignored.
		}
	}
}
