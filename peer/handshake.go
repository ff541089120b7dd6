package peer

import (
	"fmt"
	"io"

	"github.com/polleria/bittorrent/core"
)

// protocolString is the fixed BEP-3 protocol identifier.
const protocolString = "BitTorrent protocol"

// HandshakeSize is the fixed wire size of a handshake message.
const HandshakeSize = 1 + len(protocolString) + 8 + 20 + 20

// Handshake is the fixed 68-byte peer handshake: pstrlen, pstr, 8 reserved
// zero bytes, info hash, peer id.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// WriteHandshake writes h to w in its fixed wire layout.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(protocolString))
	copy(buf[1:], protocolString)
	// buf[1+len(protocolString) : 1+len(protocolString)+8] left zeroed.
	off := 1 + len(protocolString) + 8
	copy(buf[off:], h.InfoHash.Bytes())
	copy(buf[off+20:], h.PeerID[:])
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads a fixed 68-byte handshake from r and validates the
// protocol string. The peer id is recorded, not validated (peers may
// legitimately present distinct ids on distinct connections).
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolString) {
		return Handshake{}, fmt.Errorf("peer: unexpected protocol string length %d", pstrlen)
	}
	if string(buf[1:1+pstrlen]) != protocolString {
		return Handshake{}, fmt.Errorf("peer: unexpected protocol string %q", buf[1:1+pstrlen])
	}
	off := 1 + pstrlen + 8
	var h Handshake
	copy(h.InfoHash[:], buf[off:off+20])
	copy(h.PeerID[:], buf[off+20:off+40])
	return h, nil
}
