package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngdplib/tact/mmap"
	"github.com/ngdplib/tact/tact_errors"
	"github.com/ngdplib/tact/utils"
)

func openIndex(t *testing.T, blob []byte) *Index {
	idx, err := Open(mmap.Bytes(blob))
	require.Nil(t, err)
	return idx
}

func TestBuildGroup(t *testing.T) {
	a := openIndex(t, buildIndex(4, []testEntry{
		{key16(0x11), 10, 0},
		{key16(0x33), 30, 10},
	}))
	b := openIndex(t, buildIndex(4, []testEntry{
		{key16(0x22), 20, 0},
		{key16(0x44), 40, 20},
	}))

	dir := t.TempDir()
	path, name, err := BuildGroup(context.Background(), []*Index{a, b}, "", dir, utils.NopLogger{})
	require.Nil(t, err)
	assert.Equal(t, 32, len(name))
	assert.Equal(t, filepath.Join(dir, name+".index"), path)

	g, err := Open(mustMap(t, path))
	require.Nil(t, err)
	assert.Equal(t, 4, g.NumElements())

	e, ok := g.Lookup(key16(0x22))
	assert.True(t, ok)
	assert.Equal(t, 1, e.ArchiveIndex)
	assert.Equal(t, uint64(0), e.Offset)
	assert.Equal(t, uint32(20), e.Size)

	e, ok = g.Lookup(key16(0x33))
	assert.True(t, ok)
	assert.Equal(t, 0, e.ArchiveIndex)
	assert.Equal(t, uint64(10), e.Offset)

	// merged order is ascending by key
	var keys [][]byte
	for e := range g.All() {
		keys = append(keys, bytes.Clone(e.EKey))
	}
	require.Equal(t, 4, len(keys))
	for i := 1; i < len(keys); i++ {
		assert.True(t, bytes.Compare(keys[i-1], keys[i]) < 0)
	}
}

func mustMap(t *testing.T, path string) *mmap.View {
	v, err := mmap.Open(path)
	require.Nil(t, err)
	return v
}

func TestBuildGroupDeterministic(t *testing.T) {
	mk := func(dir string) ([]byte, string) {
		a := openIndex(t, buildIndex(4, []testEntry{{key16(0x11), 10, 0}}))
		b := openIndex(t, buildIndex(4, []testEntry{{key16(0x22), 20, 0}}))
		path, name, err := BuildGroup(context.Background(), []*Index{a, b}, "", dir, utils.NopLogger{})
		require.Nil(t, err)
		blob, err := os.ReadFile(path)
		require.Nil(t, err)
		return blob, name
	}
	blob1, name1 := mk(t.TempDir())
	blob2, name2 := mk(t.TempDir())
	assert.Equal(t, name1, name2)
	assert.Equal(t, blob1, blob2)
}

func TestBuildGroupChecksumMismatch(t *testing.T) {
	a := openIndex(t, buildIndex(4, []testEntry{{key16(0x11), 10, 0}}))
	dir := t.TempDir()
	_, _, err := BuildGroup(context.Background(), []*Index{a},
		strings.Repeat("f", 32), dir, utils.NopLogger{})
	assert.ErrorIs(t, err, tact_errors.ErrCorrupt)
	assert.Contains(t, err.Error(), "group-index checksum mismatch")

	// nothing may be left behind on failure
	names, err := os.ReadDir(dir)
	require.Nil(t, err)
	assert.Equal(t, 0, len(names))
}

func TestBuildGroupManyBlocks(t *testing.T) {
	var entries []testEntry
	for i := 0; i < 400; i++ {
		k := make([]byte, 16)
		binary.BigEndian.PutUint32(k, uint32(i))
		entries = append(entries, testEntry{k, uint32(i + 1), uint32(i)})
	}
	src := openIndex(t, buildIndex(4, entries))

	dir := t.TempDir()
	path, _, err := BuildGroup(context.Background(), []*Index{src}, "", dir, utils.NopLogger{})
	require.Nil(t, err)

	g, err := Open(mustMap(t, path))
	require.Nil(t, err)
	assert.Equal(t, 400, g.NumElements())
	for _, i := range []int{0, 157, 399} {
		k := make([]byte, 16)
		binary.BigEndian.PutUint32(k, uint32(i))
		e, ok := g.Lookup(k)
		assert.True(t, ok, "entry %d", i)
		assert.Equal(t, uint32(i+1), e.Size)
		assert.Equal(t, 0, e.ArchiveIndex)
	}
}
