package core

import (
	"encoding/binary"
	"path/filepath"
)

const (
	// TextSentinel is the element name that marks a text snippet on the
	// TCP stream. Its payload is kept in memory and never written to disk.
	TextSentinel = "___ZIPLINE___TEXT___"

	// FolderSize is the element size announcing a folder. No payload follows.
	FolderSize int64 = -1

	int64Size = 8
	nameDelim = byte(0x00)

	// MaxElementName bounds the bytes buffered while waiting for the name
	// terminator so a garbage stream cannot grow memory unbounded.
	MaxElementName = 32 * 1024
)

// AppendInt64 appends v as a little-endian signed 64-bit integer.
func AppendInt64(b []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(b, uint64(v))
}

// DecodeInt64 reads a little-endian signed 64-bit integer from b.
// A buffer shorter than 8 bytes is treated as the low-order bytes of the
// value and padded with zeros. Only callers that know the stream ended on a
// partial read should rely on the padding; complete frames always carry
// all 8 bytes.
func DecodeInt64(b []byte) int64 {
	if len(b) >= int64Size {
		return int64(binary.LittleEndian.Uint64(b[:int64Size]))
	}

	var scratch [int64Size]byte
	copy(scratch[:], b)
	return int64(binary.LittleEndian.Uint64(scratch[:]))
}

// WireName converts a relative local path to its on-the-wire form.
func WireName(rel string) string {
	return filepath.ToSlash(rel)
}

// AppendElementName appends the UTF-8 name followed by the 0x00 terminator.
func AppendElementName(b []byte, name string) []byte {
	b = append(b, name...)
	return append(b, nameDelim)
}

// AppendElementHeader appends name, terminator and size for one element.
func AppendElementHeader(b []byte, name string, size int64) []byte {
	b = AppendElementName(b, name)
	return AppendInt64(b, size)
}

// AppendStreamHeader appends the element count and total byte size that
// open every transfer stream.
func AppendStreamHeader(b []byte, elements, totalSize int64) []byte {
	b = AppendInt64(b, elements)
	return AppendInt64(b, totalSize)
}
