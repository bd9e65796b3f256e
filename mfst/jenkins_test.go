package mfst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// hashlittle2 with both init values zero: the empty input returns the
// initial state 0xdeadbeef in both halves; longer inputs are checked for
// determinism and for distinct results across every tail length.
func TestHashLittle2(t *testing.T) {
	c, b := hashLittle2(nil, 0, 0)
	assert.Equal(t, uint32(0xdeadbeef), c)
	assert.Equal(t, uint32(0xdeadbeef), b)

	// determinism and avalanche sanity
	c1, b1 := hashLittle2([]byte("Four score and seven years ago"), 0, 0)
	c2, b2 := hashLittle2([]byte("Four score and seven years ago"), 0, 0)
	assert.Equal(t, c1, c2)
	assert.Equal(t, b1, b2)
	c3, b3 := hashLittle2([]byte("Four score and seven years agp"), 0, 0)
	assert.False(t, c1 == c3 && b1 == b3)

	// every tail length down the switch ladder must be distinct
	seen := map[uint64]bool{}
	data := []byte("0123456789abcdef")
	for i := 0; i <= len(data); i++ {
		c, b := hashLittle2(data[:i], 0, 0)
		h := uint64(c)<<32 | uint64(b)
		assert.False(t, seen[h], "collision at length %d", i)
		seen[h] = true
	}
}

func TestHashPathNormalizes(t *testing.T) {
	a := HashPath("Interface/Icons/temp.blp")
	b := HashPath("INTERFACE\\ICONS\\TEMP.BLP")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashPath("interface/icons/other.blp"))
	assert.NotEqual(t, uint64(0), a)
}
