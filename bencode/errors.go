package bencode

import "errors"

// Decode error kinds, named per the codec's §4.1 contract.
var (
	ErrUnexpectedEnd  = errors.New("bencode: unexpected end of input")
	ErrBadDigit       = errors.New("bencode: bad digit")
	ErrBadLeadingZero = errors.New("bencode: bad leading zero")
	ErrBadKeyType     = errors.New("bencode: dict key must be a byte-string")
)
