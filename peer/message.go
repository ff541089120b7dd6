package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a peer wire protocol message, per BEP-3.
type MessageID byte

// Message ids understood by the peer wire protocol.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	BitfieldID    MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldID:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// BlockSize is the fixed size of a single outbound block request.
const BlockSize = 16 * 1024

// maxMessageSize bounds a single frame's length prefix, guarding against a
// malicious or corrupt peer forcing an unbounded allocation. Large enough to
// hold a Piece message carrying one block.
const maxMessageSize = 1 << 20

// ErrMessageTooLarge indicates a frame's declared length exceeds maxMessageSize.
var ErrMessageTooLarge = errors.New("peer: message exceeds max allowed size")

// ErrUnknownMessageID indicates a frame carried an id outside 0-9.
var ErrUnknownMessageID = errors.New("peer: unknown message id")

// ErrUndersizedPayload indicates a message's payload was too short for its id.
var ErrUndersizedPayload = errors.New("peer: undersized payload for message id")

// Message is a single peer wire protocol frame. KeepAlive is true for the
// zero-length, id-less keep-alive frame, in which case ID and Payload are
// meaningless.
type Message struct {
	KeepAlive bool
	ID        MessageID
	Payload   []byte
}

// NewKeepAlive returns the keep-alive frame.
func NewKeepAlive() *Message { return &Message{KeepAlive: true} }

func simple(id MessageID) *Message { return &Message{ID: id} }

// NewChoke returns a Choke frame.
func NewChoke() *Message { return simple(Choke) }

// NewUnchoke returns an Unchoke frame.
func NewUnchoke() *Message { return simple(Unchoke) }

// NewInterested returns an Interested frame.
func NewInterested() *Message { return simple(Interested) }

// NewNotInterested returns a NotInterested frame.
func NewNotInterested() *Message { return simple(NotInterested) }

// NewHave returns a Have frame announcing pieceIndex.
func NewHave(pieceIndex uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, pieceIndex)
	return &Message{ID: Have, Payload: p}
}

// NewBitfieldMessage returns a Bitfield frame carrying bf's packed bytes.
func NewBitfieldMessage(bf *Bitfield) *Message {
	return &Message{ID: BitfieldID, Payload: bf.Bytes()}
}

// NewRequest returns a Request frame for the given block range.
func NewRequest(index, begin, length uint32) *Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	binary.BigEndian.PutUint32(p[8:12], length)
	return &Message{ID: Request, Payload: p}
}

// NewCancel returns a Cancel frame, same payload shape as Request.
func NewCancel(index, begin, length uint32) *Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// NewPieceMessage returns a Piece frame carrying one block of piece data.
func NewPieceMessage(index, begin uint32, block []byte) *Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return &Message{ID: Piece, Payload: p}
}

// NewPort returns a Port frame (DHT listen port advertisement; accepted on
// the wire but otherwise inert, since DHT is out of scope).
func NewPort(port uint16) *Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)
	return &Message{ID: Port, Payload: p}
}

// RequestFields decodes a Request or Cancel payload.
func (m *Message) RequestFields() (index, begin, length uint32, err error) {
	if len(m.Payload) < 12 {
		return 0, 0, 0, ErrUndersizedPayload
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	length = binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// PieceFields decodes a Piece payload into its index, begin offset, and
// block bytes (a view into m.Payload, not a copy).
func (m *Message) PieceFields() (index, begin uint32, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, ErrUndersizedPayload
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	return index, begin, m.Payload[8:], nil
}

// HaveIndex decodes a Have payload.
func (m *Message) HaveIndex() (uint32, error) {
	if len(m.Payload) < 4 {
		return 0, ErrUndersizedPayload
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// validatePayloadLength rejects payload sizes that could never be valid for
// id, catching truncated/garbage frames before the caller interprets them.
func validatePayloadLength(id MessageID, payloadLen int) error {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if payloadLen != 0 {
			return fmt.Errorf("peer: %s expects empty payload, got %d bytes", id, payloadLen)
		}
	case Have:
		if payloadLen != 4 {
			return ErrUndersizedPayload
		}
	case Request, Cancel:
		if payloadLen != 12 {
			return ErrUndersizedPayload
		}
	case Piece:
		if payloadLen < 8 {
			return ErrUndersizedPayload
		}
	case Port:
		if payloadLen != 2 {
			return ErrUndersizedPayload
		}
	case BitfieldID:
		// Length is torrent-dependent; checked by the caller against the
		// expected piece count.
	default:
		return ErrUnknownMessageID
	}
	return nil
}

// WriteMessage writes m to w in wire framing: length:u32 | id:u8 | payload.
func WriteMessage(w io.Writer, m *Message) error {
	if m.KeepAlive {
		var lenBuf [4]byte
		_, err := w.Write(lenBuf[:])
		return err
	}
	length := uint32(1 + len(m.Payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], length)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.ID)}); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads a single frame from r, validating its declared length
// and, where the id implies a fixed shape, its payload length.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return NewKeepAlive(), nil
	}
	if length > maxMessageSize {
		return nil, ErrMessageTooLarge
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return nil, err
	}
	id := MessageID(idBuf[0])
	if id > Port {
		return nil, ErrUnknownMessageID
	}
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	if err := validatePayloadLength(id, len(payload)); err != nil {
		return nil, err
	}
	return &Message{ID: id, Payload: payload}, nil
}
