// Package piecesaver validates and persists downloaded pieces to the local
// download directory.
package piecesaver

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/metainfo"
	"github.com/polleria/bittorrent/piecemanager"
	"github.com/polleria/bittorrent/xlog"
)

// ErrEmptyPiece is logged for a zero-length buffer, which can never be a
// valid piece; the piece itself is reported as FailedDownload.
var ErrEmptyPiece = errors.New("piecesaver: piece buffer is empty")

// Command is processed serially by the single goroutine running Saver.Run.
type Command interface {
	apply(s *Saver)
}

// ValidateAndSaveCommand validates data against the torrent's recorded hash
// for pieceIndex, and on success writes it to disk.
type ValidateAndSaveCommand struct {
	PieceIndex int
	PeerID     core.PeerID
	Data       []byte
}

// StopCommand terminates the saver's Run loop.
type StopCommand struct{}

func (c StopCommand) apply(s *Saver) {}

func (c ValidateAndSaveCommand) apply(s *Saver) {
	if len(c.Data) == 0 {
		s.log.Errorf("piece %d from %s: %s", c.PieceIndex, c.PeerID, ErrEmptyPiece)
		s.manager.Send(piecemanager.FailedDownloadCommand{PieceIndex: c.PieceIndex, PeerID: c.PeerID})
		return
	}

	sum := sha1.Sum(c.Data)
	expected := s.info.PieceHash(c.PieceIndex)
	if sum != expected {
		s.log.Errorf("piece %d from %s: hash mismatch", c.PieceIndex, c.PeerID)
		s.manager.Send(piecemanager.FailedDownloadCommand{PieceIndex: c.PieceIndex, PeerID: c.PeerID})
		return
	}

	if err := s.write(c.PieceIndex, c.Data); err != nil {
		s.log.Errorf("piece %d from %s: write failed: %s", c.PieceIndex, c.PeerID, err)
		s.manager.Send(piecemanager.FailedDownloadCommand{PieceIndex: c.PieceIndex, PeerID: c.PeerID})
		return
	}

	s.manager.Send(piecemanager.SuccessfulDownloadCommand{PieceIndex: c.PieceIndex, PeerID: c.PeerID})
}

// manager is the narrow piece manager surface the saver reports back to.
type manager interface {
	Send(c piecemanager.Command)
}

// Saver is the single-threaded validate-and-persist worker of spec.md §4.7.
type Saver struct {
	downloadDir string
	info        *metainfo.Info
	manager     manager
	log         xlog.Logger

	cmds chan Command
}

// New constructs a Saver that writes validated pieces under downloadDir.
func New(downloadDir string, info *metainfo.Info, manager manager, log xlog.Logger) *Saver {
	return &Saver{
		downloadDir: downloadDir,
		info:        info,
		manager:     manager,
		log:         log,
		cmds:        make(chan Command),
	}
}

// Send enqueues a command. Must not be called from within Run's goroutine.
func (s *Saver) Send(c Command) {
	s.cmds <- c
}

// Run applies commands serially until a StopCommand is received.
func (s *Saver) Run() {
	for c := range s.cmds {
		if _, ok := c.(StopCommand); ok {
			return
		}
		c.apply(s)
	}
}

func (s *Saver) write(pieceIndex int, data []byte) error {
	if err := os.MkdirAll(s.downloadDir, 0755); err != nil {
		return fmt.Errorf("create download dir: %s", err)
	}
	path := filepath.Join(s.downloadDir, fmt.Sprintf("%d", pieceIndex))
	return os.WriteFile(path, data, 0644)
}
