package piecesaver

import (
	"crypto/sha1"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/metainfo"
	"github.com/polleria/bittorrent/piecemanager"
	"github.com/polleria/bittorrent/xlog"
)

type recordingManager struct {
	cmds chan piecemanager.Command
}

func newRecordingManager() *recordingManager {
	return &recordingManager{cmds: make(chan piecemanager.Command, 16)}
}

func (m *recordingManager) Send(c piecemanager.Command) {
	m.cmds <- c
}

func recvCommand(t *testing.T, m *recordingManager) piecemanager.Command {
	t.Helper()
	select {
	case c := <-m.cmds:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command")
		return nil
	}
}

func randomPeerID(t *testing.T) core.PeerID {
	t.Helper()
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return id
}

func infoWithPiece(data []byte) *metainfo.Info {
	sum := sha1.Sum(data)
	return &metainfo.Info{
		PieceLength: int64(len(data)),
		Pieces:      sum[:],
		Name:        "test",
		Length:      int64(len(data)),
	}
}

func TestValidateAndSaveWritesOnMatch(t *testing.T) {
	dir, err := ioutil.TempDir("", "piecesaver")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	data := []byte("hello world, this is piece 0")
	info := infoWithPiece(data)
	mgr := newRecordingManager()
	s := New(dir, info, mgr, xlog.NewNop())
	go s.Run()
	defer s.Send(StopCommand{})

	peerID := randomPeerID(t)
	s.Send(ValidateAndSaveCommand{PieceIndex: 0, PeerID: peerID, Data: data})

	cmd := recvCommand(t, mgr)
	_, ok := cmd.(piecemanager.SuccessfulDownloadCommand)
	require.True(t, ok)

	written, err := ioutil.ReadFile(filepath.Join(dir, "0"))
	require.NoError(t, err)
	require.Equal(t, data, written)
}

func TestValidateAndSaveFailsOnHashMismatch(t *testing.T) {
	dir, err := ioutil.TempDir("", "piecesaver")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	info := infoWithPiece([]byte("expected data"))
	mgr := newRecordingManager()
	s := New(dir, info, mgr, xlog.NewNop())
	go s.Run()
	defer s.Send(StopCommand{})

	peerID := randomPeerID(t)
	s.Send(ValidateAndSaveCommand{PieceIndex: 0, PeerID: peerID, Data: []byte("corrupted data")})

	cmd := recvCommand(t, mgr)
	_, ok := cmd.(piecemanager.FailedDownloadCommand)
	require.True(t, ok)

	_, err = os.Stat(filepath.Join(dir, "0"))
	require.True(t, os.IsNotExist(err))
}

func TestValidateAndSaveFailsOnEmptyBuffer(t *testing.T) {
	dir, err := ioutil.TempDir("", "piecesaver")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	info := infoWithPiece([]byte("anything"))
	mgr := newRecordingManager()
	s := New(dir, info, mgr, xlog.NewNop())
	go s.Run()
	defer s.Send(StopCommand{})

	s.Send(ValidateAndSaveCommand{PieceIndex: 0, PeerID: randomPeerID(t), Data: nil})

	cmd := recvCommand(t, mgr)
	_, ok := cmd.(piecemanager.FailedDownloadCommand)
	require.True(t, ok)
}
