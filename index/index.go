// Package index reads the block-paged lookup tables that sit next to every
// archive: sorted fixed-stride entries in fixed-size blocks, a TOC of
// last-keys for block dispatch, and a self-describing footer. The same
// reader serves the three flavors in the wild: per-archive indices, the
// standalone-file index and merged group indices, plus the local game
// installation's bucket indices.
package index

import (
	"bytes"
	"fmt"
	"iter"
	"sort"

	"github.com/ngdplib/tact/bin"
	"github.com/ngdplib/tact/mmap"
	"github.com/ngdplib/tact/tact_errors"
)

const footerSize = 28

// Entry is one index row. ArchiveIndex is -1 unless the index flavor
// embeds one (group indices, local bucket indices).
type Entry struct {
	EKey         []byte
	Size         uint32
	Offset       uint64
	ArchiveIndex int
}

type footer struct {
	formatRevision uint8
	flags0, flags1 uint8
	blockSizeKB    uint8
	offsetBytes    uint8
	sizeBytes      uint8
	keyBytes       uint8
	hashBytes      uint8
	numElements    uint32
}

type Index struct {
	view *mmap.View
	foot footer

	blockSize int
	entrySize int
	numBlocks int

	blocks    []byte
	tocKeys   []byte
	tocHashes []byte
}

// Open parses the footer from the tail of view and derives the block
// geometry. The Index borrows view until Close.
func Open(view *mmap.View) (*Index, error) {
	data := view.Data()
	if len(data) < footerSize {
		return nil, fmt.Errorf("%w: index shorter than its footer", tact_errors.ErrCorrupt)
	}
	f := data[len(data)-footerSize:]
	idx := &Index{
		view: view,
		foot: footer{
			formatRevision: f[8],
			flags0:         f[9],
			flags1:         f[10],
			blockSizeKB:    f[11],
			offsetBytes:    f[12],
			sizeBytes:      f[13],
			keyBytes:       f[14],
			hashBytes:      f[15],
			numElements:    bin.Uint32LE(f[16:20]),
		},
	}
	if idx.foot.hashBytes != 8 {
		return nil, fmt.Errorf("%w: index hash width %d", tact_errors.ErrCorrupt, idx.foot.hashBytes)
	}
	if idx.foot.keyBytes == 0 || idx.foot.blockSizeKB == 0 {
		return nil, fmt.Errorf("%w: zero key or block size", tact_errors.ErrCorrupt)
	}
	idx.blockSize = int(idx.foot.blockSizeKB) << 10
	idx.entrySize = int(idx.foot.keyBytes) + int(idx.foot.sizeBytes) + int(idx.foot.offsetBytes)

	body := len(data) - footerSize
	per := idx.blockSize + int(idx.foot.keyBytes) + int(idx.foot.hashBytes)
	idx.numBlocks = body / per
	if idx.numBlocks*per != body {
		return nil, fmt.Errorf("%w: index size %d does not align to %d-byte blocks",
			tact_errors.ErrCorrupt, len(data), idx.blockSize)
	}

	blocksEnd := idx.numBlocks * idx.blockSize
	keysEnd := blocksEnd + idx.numBlocks*int(idx.foot.keyBytes)
	idx.blocks = data[:blocksEnd]
	idx.tocKeys = data[blocksEnd:keysEnd]
	idx.tocHashes = data[keysEnd : keysEnd+idx.numBlocks*int(idx.foot.hashBytes)]
	return idx, nil
}

func (idx *Index) Close() error {
	if idx.view == nil {
		return nil
	}
	v := idx.view
	idx.view = nil
	return v.Close()
}

func (idx *Index) KeyBytes() int     { return int(idx.foot.keyBytes) }
func (idx *Index) NumElements() int  { return int(idx.foot.numElements) }
func (idx *Index) IsFileIndex() bool { return idx.foot.offsetBytes == 0 }

// entriesInBlock bounds a block to its non-padding prefix: a zero size
// field marks the zero-filled tail.
func (idx *Index) entriesInBlock(block []byte) int {
	max := idx.blockSize / idx.entrySize
	if idx.foot.sizeBytes == 0 {
		return max
	}
	sizeOff := int(idx.foot.keyBytes)
	return sort.Search(max, func(i int) bool {
		rec := block[i*idx.entrySize:]
		return readBE(rec[sizeOff:sizeOff+int(idx.foot.sizeBytes)]) == 0
	})
}

// readBE reads a big-endian integer of 1..8 bytes.
func readBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// decode expands the trailing fields of a record by flavor.
func (idx *Index) decode(rec []byte) Entry {
	e := Entry{
		EKey:         rec[:idx.foot.keyBytes],
		ArchiveIndex: -1,
	}
	rest := rec[idx.foot.keyBytes:]
	if idx.foot.sizeBytes > 0 {
		e.Size = uint32(readBE(rest[:idx.foot.sizeBytes]))
		rest = rest[idx.foot.sizeBytes:]
	}
	switch idx.foot.offsetBytes {
	case 0:
		// file index: the blob is the whole archive file
	case 6:
		// group index: {archiveIndex:u16, offset:u32}
		e.ArchiveIndex = int(bin.Uint16BE(rest[0:2]))
		e.Offset = uint64(bin.Uint32BE(rest[2:6]))
	case 5:
		// local bucket index: ten bits of archive number, thirty of offset
		v := bin.Uint40BE(rest[0:5])
		e.ArchiveIndex = int(v >> 30)
		e.Offset = v & (1<<30 - 1)
	default:
		e.Offset = readBE(rest[:idx.foot.offsetBytes])
	}
	return e
}

// Lookup binary-searches the TOC for the candidate block, then the block
// for the key. Both searches are lower bounds over fixed strides.
func (idx *Index) Lookup(ekey []byte) (Entry, bool) {
	if len(ekey) != int(idx.foot.keyBytes) || idx.numBlocks == 0 {
		return Entry{}, false
	}
	// first TOC key >= target; every key in later blocks is greater
	block := bin.LowerBound(idx.tocKeys, idx.numBlocks, int(idx.foot.keyBytes), ekey)
	if block == idx.numBlocks {
		return Entry{}, false
	}
	b := idx.blocks[block*idx.blockSize : (block+1)*idx.blockSize]
	count := idx.entriesInBlock(b)
	i := bin.LowerBound(b, count, idx.entrySize, ekey)
	if i == count {
		return Entry{}, false
	}
	rec := b[i*idx.entrySize : (i+1)*idx.entrySize]
	if !bytes.Equal(rec[:idx.foot.keyBytes], ekey) {
		return Entry{}, false
	}
	return idx.decode(rec), true
}

// All iterates every non-padding entry in file order. Restartable; the
// group builder is its only consumer.
func (idx *Index) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for b := 0; b < idx.numBlocks; b++ {
			block := idx.blocks[b*idx.blockSize : (b+1)*idx.blockSize]
			count := idx.entriesInBlock(block)
			for i := 0; i < count; i++ {
				rec := block[i*idx.entrySize : (i+1)*idx.entrySize]
				if !yield(idx.decode(rec)) {
					return
				}
			}
		}
	}
}
