// Package metainfo parses .torrent files into Metainfo records.
package metainfo

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"unicode/utf8"

	"github.com/polleria/bittorrent/bencode"
	"github.com/polleria/bittorrent/core"
)

// MissingKeyError indicates a mandatory bencode key was absent.
type MissingKeyError struct{ Name string }

func (e *MissingKeyError) Error() string { return fmt.Sprintf("metainfo: missing key %q", e.Name) }

// WrongTypeError indicates a key was present but held an unexpected bencode kind.
type WrongTypeError struct {
	Name string
	Kind bencode.Kind
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("metainfo: key %q has wrong type %s", e.Name, e.Kind)
}

// DecodeError wraps a failure from the underlying bencode decoder.
type DecodeError struct{ Inner error }

func (e *DecodeError) Error() string { return fmt.Sprintf("metainfo: decode: %s", e.Inner) }
func (e *DecodeError) Unwrap() error { return e.Inner }

// NotUtf8Error indicates a text field's bytes were not valid UTF-8.
type NotUtf8Error struct{ Name string }

func (e *NotUtf8Error) Error() string { return fmt.Sprintf("metainfo: key %q is not valid utf-8", e.Name) }

// FileInfo describes one file of a multi-file torrent.
type FileInfo struct {
	Path   []string
	Length int64
}

// Info is the "info" sub-dictionary of a .torrent file.
type Info struct {
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 digests, one per piece.
	Name        string
	Length      int64 // total bytes, single-file mode only.
	Files       []FileInfo
}

// NumPieces returns the number of 20-byte piece hashes in Pieces.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / 20
}

// PieceHash returns the expected SHA-1 digest of piece i.
func (info *Info) PieceHash(i int) [20]byte {
	var h [20]byte
	copy(h[:], info.Pieces[i*20:(i+1)*20])
	return h
}

// IsDir reports whether info describes a multi-file torrent.
func (info *Info) IsDir() bool {
	return len(info.Files) != 0
}

// TotalLength returns the sum of all file lengths described by info.
func (info *Info) TotalLength() int64 {
	if info.IsDir() {
		var total int64
		for _, fi := range info.Files {
			total += fi.Length
		}
		return total
	}
	return info.Length
}

// Metainfo is a fully parsed .torrent file.
type Metainfo struct {
	Announce string
	InfoHash core.InfoHash
	Info     Info
}

func utf8String(v bencode.Value, name string) (string, error) {
	if v.Kind() != bencode.KindString {
		return "", &WrongTypeError{Name: name, Kind: v.Kind()}
	}
	b := v.Bytes()
	if !utf8.Valid(b) {
		return "", &NotUtf8Error{Name: name}
	}
	return string(b), nil
}

func requireInt(d *bencode.Dict, name string) (int64, error) {
	v, ok := d.Get(name)
	if !ok {
		return 0, &MissingKeyError{Name: name}
	}
	if v.Kind() != bencode.KindInt {
		return 0, &WrongTypeError{Name: name, Kind: v.Kind()}
	}
	return v.Int(), nil
}

func requireString(d *bencode.Dict, name string) (string, error) {
	v, ok := d.Get(name)
	if !ok {
		return "", &MissingKeyError{Name: name}
	}
	return utf8String(v, name)
}

func parseFiles(v bencode.Value) ([]FileInfo, error) {
	if v.Kind() != bencode.KindList {
		return nil, &WrongTypeError{Name: "files", Kind: v.Kind()}
	}
	var files []FileInfo
	for _, entry := range v.List() {
		if entry.Kind() != bencode.KindDict {
			return nil, &WrongTypeError{Name: "files[]", Kind: entry.Kind()}
		}
		d := entry.Dict()
		length, err := requireInt(d, "length")
		if err != nil {
			return nil, err
		}
		pathVal, ok := d.Get("path")
		if !ok {
			return nil, &MissingKeyError{Name: "path"}
		}
		if pathVal.Kind() != bencode.KindList {
			return nil, &WrongTypeError{Name: "path", Kind: pathVal.Kind()}
		}
		var path []string
		for i, seg := range pathVal.List() {
			s, err := utf8String(seg, fmt.Sprintf("path[%d]", i))
			if err != nil {
				return nil, err
			}
			path = append(path, s)
		}
		files = append(files, FileInfo{Path: path, Length: length})
	}
	return files, nil
}

func parseInfo(v bencode.Value) (Info, error) {
	if v.Kind() != bencode.KindDict {
		return Info{}, &WrongTypeError{Name: "info", Kind: v.Kind()}
	}
	d := v.Dict()

	var info Info
	var err error

	if info.PieceLength, err = requireInt(d, "piece length"); err != nil {
		return Info{}, err
	}
	if info.PieceLength <= 0 {
		return Info{}, fmt.Errorf("metainfo: piece length must be positive, got %d", info.PieceLength)
	}

	piecesVal, ok := d.Get("pieces")
	if !ok {
		return Info{}, &MissingKeyError{Name: "pieces"}
	}
	if piecesVal.Kind() != bencode.KindString {
		return Info{}, &WrongTypeError{Name: "pieces", Kind: piecesVal.Kind()}
	}
	info.Pieces = piecesVal.Bytes()
	if len(info.Pieces)%20 != 0 {
		return Info{}, fmt.Errorf("metainfo: pieces length %d is not a multiple of 20", len(info.Pieces))
	}

	if info.Name, err = requireString(d, "name"); err != nil {
		return Info{}, err
	}

	if filesVal, ok := d.Get("files"); ok {
		if info.Files, err = parseFiles(filesVal); err != nil {
			return Info{}, err
		}
	} else {
		if info.Length, err = requireInt(d, "length"); err != nil {
			return Info{}, err
		}
	}

	numPieces := int64(info.NumPieces())
	expected := (info.TotalLength() + info.PieceLength - 1) / info.PieceLength
	if expected != numPieces {
		return Info{}, fmt.Errorf(
			"metainfo: ceil(length/piece_length)=%d does not match pieces count %d", expected, numPieces)
	}

	return info, nil
}

// Load parses a .torrent file from r.
func Load(r io.Reader) (*Metainfo, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, &DecodeError{Inner: err}
	}
	root, err := bencode.DecodeAll(b)
	if err != nil {
		return nil, &DecodeError{Inner: err}
	}
	if root.Kind() != bencode.KindDict {
		return nil, &WrongTypeError{Name: "", Kind: root.Kind()}
	}
	d := root.Dict()

	announce, err := requireString(d, "announce")
	if err != nil {
		return nil, err
	}

	infoVal, ok := d.Get("info")
	if !ok {
		return nil, &MissingKeyError{Name: "info"}
	}
	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	infoBytes := bencode.Encode(infoVal)

	return &Metainfo{
		Announce: announce,
		InfoHash: core.NewInfoHashFromBytes(infoBytes),
		Info:     info,
	}, nil
}

// LoadFile is a convenience wrapper around Load for reading from a path.
func LoadFile(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
