// Package bin has the byte-level helpers shared by the on-disk format
// readers: big/little-endian scalar reads, 40-bit sizes, null-terminated
// strings and lower-bound searches over fixed-stride record arrays.
package bin

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
)

var ErrBadKey = errors.New("tact: malformed hex key")

func Uint16BE(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

func Uint32BE(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func Uint16LE(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func Uint32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// Uint24BE reads a 3-byte big-endian integer.
func Uint24BE(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// Uint40BE reads a 5-byte big-endian integer. Encoded file sizes in the
// encoding table and in eSpec pages use this width.
func Uint40BE(b []byte) uint64 {
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 |
		uint64(b[3])<<8 | uint64(b[4])
}

func PutUint40BE(b []byte, v uint64) {
	b[0] = byte(v >> 32)
	b[1] = byte(v >> 24)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}

// CString splits a null-terminated string off the head of b. When no
// terminator is present the whole slice is the string and rest is empty.
func CString(b []byte) (s string, rest []byte) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b), nil
	}
	return string(b[:i]), b[i+1:]
}

// LowerBound returns the index of the first record in a fixed-stride array
// whose leading len(key) bytes compare >= key. data holds count records of
// stride bytes each; records must be sorted ascending on their key prefix.
func LowerBound(data []byte, count, stride int, key []byte) int {
	return sort.Search(count, func(i int) bool {
		rec := data[i*stride:]
		return bytes.Compare(rec[:len(key)], key) >= 0
	})
}

// ParseKey decodes a lowercase hex digest of any length.
func ParseKey(s string) ([]byte, error) {
	k, err := hex.DecodeString(s)
	if err != nil || len(k) == 0 {
		return nil, ErrBadKey
	}
	return k, nil
}

func KeyString(k []byte) string {
	return hex.EncodeToString(k)
}
