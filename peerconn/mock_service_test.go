package peerconn

import (
	"errors"

	"github.com/polleria/bittorrent/peer"
)

// mockService is a scripted Service for tests: Handshake returns a fixed
// reply, and Recv plays back a queue of messages, falling back to
// errQueueExhausted once drained. Sent messages are recorded for assertion.
type mockService struct {
	handshakeReply peer.Handshake
	handshakeErr   error

	recvQueue []*peer.Message
	recvErrs  []error

	sent   []*peer.Message
	closed bool
}

var errQueueExhausted = errors.New("mockService: recv queue exhausted")

func (m *mockService) Handshake(local peer.Handshake) (peer.Handshake, error) {
	return m.handshakeReply, m.handshakeErr
}

func (m *mockService) Send(msg *peer.Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockService) Recv() (*peer.Message, error) {
	if len(m.recvErrs) > 0 {
		err := m.recvErrs[0]
		m.recvErrs = m.recvErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.recvQueue) == 0 {
		return nil, errQueueExhausted
	}
	msg := m.recvQueue[0]
	m.recvQueue = m.recvQueue[1:]
	return msg, nil
}

func (m *mockService) Close() error {
	m.closed = true
	return nil
}

func (m *mockService) queue(msgs ...*peer.Message) {
	m.recvQueue = append(m.recvQueue, msgs...)
}
