package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Encode serializes v per BEP-3. Dictionary keys are emitted sorted by raw
// byte order regardless of the order Entries were built in, so that
// Encode(Decode(b)) reproduces b for any bytewise-canonical input.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	writeValue(&buf, v)
	return buf.Bytes()
}

func writeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind() {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		buf.WriteByte('e')
	case KindString:
		writeByteString(buf, v.Bytes())
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List() {
			writeValue(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		writeDict(buf, v.Dict())
	}
}

func writeByteString(buf *bytes.Buffer, s []byte) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.Write(s)
}

func writeDict(buf *bytes.Buffer, d *Dict) {
	entries := make([]DictEntry, len(d.Entries))
	copy(entries, d.Entries)
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
	buf.WriteByte('d')
	for _, e := range entries {
		writeByteString(buf, e.Key)
		writeValue(buf, e.Value)
	}
	buf.WriteByte('e')
}

// EncodeString is a convenience wrapper returning Encode as a string.
func EncodeString(v Value) string {
	return string(Encode(v))
}

// NewDictFromPairs builds a Dict from the given key/value entries, preserving
// the given order for stream-faithful re-encoding of freshly built values
// (Encode will still sort on output, per BEP-3).
func NewDictFromPairs(pairs ...DictEntry) *Dict {
	return &Dict{Entries: pairs}
}
