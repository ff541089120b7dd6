// Package bencode implements the BEP-3 bencoding used by .torrent files and
// the tracker announce wire. Unlike a struct-tag-reflection codec, Decode
// returns a generic Value tree so that a decoded sub-dictionary (e.g. the
// "info" dictionary of a .torrent file) can be re-encoded byte-for-byte
// identical to its original bytes, which the info-hash computation in
// package metainfo depends on.
package bencode

import "fmt"

// Kind identifies which bencode type a Value holds.
type Kind int

// The four bencode value kinds.
const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a decoded bencode value. Exactly one of the accessor methods
// is valid, determined by Kind().
type Value struct {
	kind Kind
	i    int64
	s    []byte
	l    []Value
	d    *Dict
}

// DictEntry is a single key/value pair of a Dict, preserved in the order it
// was decoded off the wire.
type DictEntry struct {
	Key   []byte
	Value Value
}

// Dict is a bencode dictionary. Entries are kept in decode order; Encode
// sorts a copy of Entries by raw key bytes before emitting, per BEP-3.
type Dict struct {
	Entries []DictEntry
}

// Get returns the value associated with key, and whether it was present.
func (d *Dict) Get(key string) (Value, bool) {
	for _, e := range d.Entries {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Set inserts or replaces the value for key, preserving first-seen order on
// update and append order on insert.
func (d *Dict) Set(key string, v Value) {
	for i, e := range d.Entries {
		if string(e.Key) == key {
			d.Entries[i].Value = v
			return
		}
	}
	d.Entries = append(d.Entries, DictEntry{Key: []byte(key), Value: v})
}

// Kind returns v's bencode type.
func (v Value) Kind() Kind { return v.kind }

// Int returns v's integer value. Panics if Kind() != KindInt.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		panic(fmt.Sprintf("bencode: Int() called on %v", v.kind))
	}
	return v.i
}

// Bytes returns v's byte-string value. Panics if Kind() != KindString.
func (v Value) Bytes() []byte {
	if v.kind != KindString {
		panic(fmt.Sprintf("bencode: Bytes() called on %v", v.kind))
	}
	return v.s
}

// List returns v's list value. Panics if Kind() != KindList.
func (v Value) List() []Value {
	if v.kind != KindList {
		panic(fmt.Sprintf("bencode: List() called on %v", v.kind))
	}
	return v.l
}

// Dict returns v's dictionary value. Panics if Kind() != KindDict.
func (v Value) Dict() *Dict {
	if v.kind != KindDict {
		panic(fmt.Sprintf("bencode: Dict() called on %v", v.kind))
	}
	return v.d
}

// NewInt wraps an integer as a Value.
func NewInt(i int64) Value { return Value{kind: KindInt, i: i} }

// NewBytes wraps a byte-string as a Value.
func NewBytes(b []byte) Value { return Value{kind: KindString, s: b} }

// NewString wraps a string as a byte-string Value.
func NewString(s string) Value { return Value{kind: KindString, s: []byte(s)} }

// NewList wraps a list as a Value.
func NewList(l []Value) Value { return Value{kind: KindList, l: l} }

// NewDict wraps a dictionary as a Value.
func NewDict(d *Dict) Value { return Value{kind: KindDict, d: d} }

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "unknown"
	}
}
