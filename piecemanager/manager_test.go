package piecemanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/peer"
	"github.com/polleria/bittorrent/xlog"
)

type recordingScheduler struct {
	assigned chan assignment
	dropped  chan core.PeerID
}

type assignment struct {
	peerID     core.PeerID
	pieceIndex int
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{
		assigned: make(chan assignment, 64),
		dropped:  make(chan core.PeerID, 64),
	}
}

func (s *recordingScheduler) DownloadPiece(peerID core.PeerID, pieceIndex int) {
	s.assigned <- assignment{peerID, pieceIndex}
}

func (s *recordingScheduler) DropPeer(peerID core.PeerID) {
	s.dropped <- peerID
}

func randomPeerID(t *testing.T) core.PeerID {
	t.Helper()
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return id
}

func fullBitfield(t *testing.T, numPieces int) *peer.Bitfield {
	t.Helper()
	bf := peer.NewBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		bf.Set(i)
	}
	return bf
}

func recvAssignment(t *testing.T, s *recordingScheduler) assignment {
	t.Helper()
	select {
	case a := <-s.assigned:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for assignment")
		return assignment{}
	}
}

func TestAssignsPieceToSoleIdlePeer(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(3, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	p1 := randomPeerID(t)
	m.Send(PeerBitfieldCommand{PeerID: p1, Bitfield: fullBitfield(t, 3)})

	a := recvAssignment(t, sched)
	require.Equal(t, p1, a.peerID)
	require.Contains(t, []int{0, 1, 2}, a.pieceIndex)
}

func TestPrefersLowestAvailabilityPiece(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(3, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	// p1 has pieces 0 and 1, both at availability 1, so the lower index
	// (piece 0) goes to p1, which is then busy.
	p1 := randomPeerID(t)
	bf1 := peer.NewBitfield(3)
	bf1.Set(0)
	bf1.Set(1)
	m.Send(PeerBitfieldCommand{PeerID: p1, Bitfield: bf1})

	first := recvAssignment(t, sched)

	// p2 has pieces 1 and 2: piece 1 now has availability 2 (p1, p2) and
	// piece 2 availability 1 (p2 only), so p2 is handed piece 2 even
	// though piece 1 has the lower index.
	p2 := randomPeerID(t)
	bf2 := peer.NewBitfield(3)
	bf2.Set(1)
	bf2.Set(2)
	m.Send(PeerBitfieldCommand{PeerID: p2, Bitfield: bf2})

	second := recvAssignment(t, sched)

	require.Equal(t, p1, first.peerID)
	require.Equal(t, 0, first.pieceIndex)
	require.Equal(t, p2, second.peerID)
	require.Equal(t, 2, second.pieceIndex)
}

func TestSuccessfulDownloadMovesToComplete(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(1, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	p1 := randomPeerID(t)
	m.Send(PeerBitfieldCommand{PeerID: p1, Bitfield: fullBitfield(t, 1)})
	a := recvAssignment(t, sched)

	m.Send(SuccessfulDownloadCommand{PieceIndex: a.pieceIndex, PeerID: p1})

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close once the only piece completed")
	}

	complete, total := m.Progress()
	require.Equal(t, 1, complete)
	require.Equal(t, 1, total)
}

func TestFailedDownloadReturnsPieceToRemainingAndReassigns(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(1, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	p1 := randomPeerID(t)
	m.Send(PeerBitfieldCommand{PeerID: p1, Bitfield: fullBitfield(t, 1)})
	a := recvAssignment(t, sched)

	m.Send(FailedDownloadCommand{PieceIndex: a.pieceIndex, PeerID: p1})

	// p1 is idle again and the piece is back in remaining, so it gets
	// reassigned to the same (only) peer.
	a2 := recvAssignment(t, sched)
	require.Equal(t, p1, a2.peerID)
	require.Equal(t, a.pieceIndex, a2.pieceIndex)
}

func TestChronicallyFailingPeerIsDroppedAfterThreshold(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(1, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	p1 := randomPeerID(t)
	m.Send(PeerBitfieldCommand{PeerID: p1, Bitfield: fullBitfield(t, 1)})

	for i := 0; i < maxConsecutiveFailures; i++ {
		a := recvAssignment(t, sched)
		require.Equal(t, p1, a.peerID)
		m.Send(FailedDownloadCommand{PieceIndex: a.pieceIndex, PeerID: p1})
	}

	select {
	case dropped := <-sched.dropped:
		require.Equal(t, p1, dropped)
	case <-time.After(time.Second):
		t.Fatal("expected DropPeer to be called once the failure threshold was reached")
	}

	// The peer was forgotten, so no further assignment is issued even
	// though the piece is still in remaining.
	select {
	case a := <-sched.assigned:
		t.Fatalf("unexpected assignment to a dropped peer: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSuccessfulDownloadResetsFailureCount(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(2, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	p1 := randomPeerID(t)
	m.Send(PeerBitfieldCommand{PeerID: p1, Bitfield: fullBitfield(t, 2)})

	// One failure short of the threshold, then a success: the count must
	// reset rather than carry over to the next failure run.
	for i := 0; i < maxConsecutiveFailures-1; i++ {
		a := recvAssignment(t, sched)
		m.Send(FailedDownloadCommand{PieceIndex: a.pieceIndex, PeerID: p1})
	}
	a := recvAssignment(t, sched)
	m.Send(SuccessfulDownloadCommand{PieceIndex: a.pieceIndex, PeerID: p1})

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		a := recvAssignment(t, sched)
		m.Send(FailedDownloadCommand{PieceIndex: a.pieceIndex, PeerID: p1})
	}

	select {
	case dropped := <-sched.dropped:
		t.Fatalf("peer should not have been dropped, failure count should have reset: %v", dropped)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReannounceWithNoNewPeersStallsWhenStarved(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(1, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	// No peer ever claims the piece, so schedule() can never assign it --
	// the manager is starved from the very first pass.
	m.Send(ReannouncedCommand{NewPeers: 0})

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close once a starved re-announce found no new peers")
	}
	require.Equal(t, ErrStalled, m.Err())
}

func TestReannounceWithNewPeersDoesNotStall(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(1, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	m.Send(ReannouncedCommand{NewPeers: 1})

	select {
	case <-m.Done():
		t.Fatal("Done should not close just because new peers arrived")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailedConnectionReleasesAllAssignedPieces(t *testing.T) {
	sched := newRecordingScheduler()
	m := New(2, sched, xlog.NewNop())
	go m.Run()
	defer m.Send(StopCommand{})

	p1 := randomPeerID(t)
	m.Send(PeerBitfieldCommand{PeerID: p1, Bitfield: fullBitfield(t, 2)})
	// A peer holds one piece at a time, so p1 gets exactly one assignment.
	a := recvAssignment(t, sched)

	m.Send(FailedConnectionCommand{PeerID: p1})

	// p1 is forgotten entirely; no further assignments should occur since
	// there are no known peers left.
	select {
	case a := <-sched.assigned:
		t.Fatalf("unexpected assignment after peer was forgotten: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}

	// The piece p1 held went back to remaining: a new peer is handed the
	// same (lowest-index) piece.
	p2 := randomPeerID(t)
	m.Send(PeerBitfieldCommand{PeerID: p2, Bitfield: fullBitfield(t, 2)})
	a2 := recvAssignment(t, sched)
	require.Equal(t, p2, a2.peerID)
	require.Equal(t, a.pieceIndex, a2.pieceIndex)
}
