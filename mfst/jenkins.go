package mfst

import (
	"encoding/binary"
	"math/bits"
	"strings"
)

// HashPath hashes a virtual file path the way the manifest's name hashes
// were produced: upper-case, backslash separators, Jenkins lookup3.
func HashPath(path string) uint64 {
	norm := strings.ToUpper(strings.ReplaceAll(path, "/", "\\"))
	pc, pb := hashLittle2([]byte(norm), 0, 0)
	return uint64(pc)<<32 | uint64(pb)
}

// hashLittle2 is Bob Jenkins' lookup3 dual 32-bit hash.
func hashLittle2(data []byte, pc, pb uint32) (uint32, uint32) {
	length := uint32(len(data))
	a := 0xdeadbeef + length + pc
	b := a
	c := a + pb

	for len(data) > 12 {
		a += binary.LittleEndian.Uint32(data[0:4])
		b += binary.LittleEndian.Uint32(data[4:8])
		c += binary.LittleEndian.Uint32(data[8:12])

		a -= c
		a ^= bits.RotateLeft32(c, 4)
		c += b
		b -= a
		b ^= bits.RotateLeft32(a, 6)
		a += c
		c -= b
		c ^= bits.RotateLeft32(b, 8)
		b += a
		a -= c
		a ^= bits.RotateLeft32(c, 16)
		c += b
		b -= a
		b ^= bits.RotateLeft32(a, 19)
		a += c
		c -= b
		c ^= bits.RotateLeft32(b, 4)
		b += a

		data = data[12:]
	}

	switch len(data) {
	case 12:
		c += binary.LittleEndian.Uint32(data[8:12])
		b += binary.LittleEndian.Uint32(data[4:8])
		a += binary.LittleEndian.Uint32(data[0:4])
	case 11:
		c += uint32(data[10]) << 16
		fallthrough
	case 10:
		c += uint32(data[9]) << 8
		fallthrough
	case 9:
		c += uint32(data[8])
		fallthrough
	case 8:
		b += binary.LittleEndian.Uint32(data[4:8])
		a += binary.LittleEndian.Uint32(data[0:4])
	case 7:
		b += uint32(data[6]) << 16
		fallthrough
	case 6:
		b += uint32(data[5]) << 8
		fallthrough
	case 5:
		b += uint32(data[4])
		fallthrough
	case 4:
		a += binary.LittleEndian.Uint32(data[0:4])
	case 3:
		a += uint32(data[2]) << 16
		fallthrough
	case 2:
		a += uint32(data[1]) << 8
		fallthrough
	case 1:
		a += uint32(data[0])
	case 0:
		return c, b
	}

	c ^= b
	c -= bits.RotateLeft32(b, 14)
	a ^= c
	a -= bits.RotateLeft32(c, 11)
	b ^= a
	b -= bits.RotateLeft32(a, 25)
	c ^= b
	c -= bits.RotateLeft32(b, 16)
	a ^= c
	a -= bits.RotateLeft32(c, 4)
	b ^= a
	b -= bits.RotateLeft32(a, 14)
	c ^= b
	c -= bits.RotateLeft32(b, 24)

	return c, b
}
