// Package enc is a read-only view over the encoding table, the manifest
// that maps content keys to encoding keys and decoded sizes, and encoding
// keys to their compression recipe (ESpec) and encoded size. The table is
// page-structured: a small directory of first-keys locates the page, the
// page is scanned in place. Nothing is mutated and nothing is copied out of
// the underlying mapping except returned entries.
package enc

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ngdplib/tact/bin"
	"github.com/ngdplib/tact/mmap"
	"github.com/ngdplib/tact/tact_errors"
)

const headerSize = 22

// Entry is one content-key row: the set of alternate encodings plus the
// decoded file size.
type Entry struct {
	CKey        []byte
	EKeys       [][]byte
	DecodedSize uint64
}

type File struct {
	view *mmap.View

	ckeySize  int
	ekeySize  int
	ckeyPages int
	especPage int

	ckeyPageSize  int
	especPageSize int

	ckeyDir   []byte // ckeyPages records of ckeySize+16
	ckeyData  []byte
	especDir  []byte
	especData []byte
	especBlob []byte

	especOnce  sync.Mutex
	especTable []string // parsed lazily, at most once
}

// Open validates the header and slices the directories and page regions.
// The File borrows view for its whole lifetime.
func Open(view *mmap.View) (*File, error) {
	data := view.Data()
	if len(data) < headerSize || data[0] != 'E' || data[1] != 'N' {
		return nil, fmt.Errorf("%w: not an encoding file", tact_errors.ErrCorrupt)
	}
	if data[2] != 1 {
		return nil, fmt.Errorf("%w: encoding version %d", tact_errors.ErrCorrupt, data[2])
	}
	f := &File{
		view:      view,
		ckeySize:  int(data[3]),
		ekeySize:  int(data[4]),
		ckeyPages: int(bin.Uint32BE(data[9:13])),
		especPage: int(bin.Uint32BE(data[13:17])),
	}
	if f.ckeySize != 16 || f.ekeySize != 16 {
		return nil, fmt.Errorf("%w: unexpected key sizes %d/%d",
			tact_errors.ErrCorrupt, f.ckeySize, f.ekeySize)
	}
	f.ckeyPageSize = int(bin.Uint16BE(data[5:7])) * 1024
	f.especPageSize = int(bin.Uint16BE(data[7:9])) * 1024
	especBlockSize := int(bin.Uint32BE(data[18:22]))

	off := headerSize
	regions := []int{
		especBlockSize,
		f.ckeyPages * (f.ckeySize + 16),
		f.ckeyPages * f.ckeyPageSize,
		f.especPage * (f.ekeySize + 16),
		f.especPage * f.especPageSize,
	}
	total := off
	for _, r := range regions {
		total += r
	}
	if total > len(data) {
		return nil, fmt.Errorf("%w: encoding file truncated (%d < %d)",
			tact_errors.ErrCorrupt, len(data), total)
	}

	f.especBlob = data[off : off+regions[0]]
	off += regions[0]
	f.ckeyDir = data[off : off+regions[1]]
	off += regions[1]
	f.ckeyData = data[off : off+regions[2]]
	off += regions[2]
	f.especDir = data[off : off+regions[3]]
	off += regions[3]
	f.especData = data[off : off+regions[4]]
	return f, nil
}

func (f *File) Close() error {
	if f.view == nil {
		return nil
	}
	v := f.view
	f.view = nil
	return v.Close()
}

func (f *File) EKeySize() int { return f.ekeySize }

// pageFor locates the page whose firstKey is the greatest one <= target.
// Returns -1 on a miss before the first page.
func pageFor(dir []byte, stride, count int, target []byte) int {
	i := sort.Search(count, func(i int) bool {
		return bytes.Compare(dir[i*stride:i*stride+len(target)], target) > 0
	})
	return i - 1
}

// FindByCKey resolves a content key to its encoding entry. The page entry
// layout is variable-stride (keyCount leads each record), so the page is
// scanned linearly; the directory search bounds the scan to one page.
func (f *File) FindByCKey(ckey []byte) (*Entry, error) {
	if len(ckey) != f.ckeySize {
		return nil, fmt.Errorf("%w: ckey width %d", tact_errors.ErrInvariant, len(ckey))
	}
	page := pageFor(f.ckeyDir, f.ckeySize+16, f.ckeyPages, ckey)
	if page < 0 {
		return nil, fmt.Errorf("%w: ckey %s", tact_errors.ErrNotFound, bin.KeyString(ckey))
	}
	p := f.ckeyData[page*f.ckeyPageSize : (page+1)*f.ckeyPageSize]
	for len(p) >= 1+5+f.ckeySize {
		keyCount := int(p[0])
		if keyCount == 0 {
			break // zero padding tail
		}
		need := 1 + 5 + f.ckeySize + keyCount*f.ekeySize
		if need > len(p) {
			return nil, fmt.Errorf("%w: encoding page entry overruns page", tact_errors.ErrCorrupt)
		}
		entryCKey := p[6 : 6+f.ckeySize]
		if bytes.Equal(entryCKey, ckey) {
			e := &Entry{
				CKey:        entryCKey,
				DecodedSize: bin.Uint40BE(p[1:6]),
			}
			keys := p[6+f.ckeySize : need]
			for i := 0; i < keyCount; i++ {
				e.EKeys = append(e.EKeys, keys[i*f.ekeySize:(i+1)*f.ekeySize])
			}
			return e, nil
		}
		if bytes.Compare(entryCKey, ckey) > 0 {
			break // entries ascend, no point scanning further
		}
		p = p[need:]
	}
	return nil, fmt.Errorf("%w: ckey %s", tact_errors.ErrNotFound, bin.KeyString(ckey))
}

// FindESpec resolves an encoding key to its compression recipe string and
// encoded size.
func (f *File) FindESpec(ekey []byte) (string, uint64, error) {
	if len(ekey) != f.ekeySize {
		return "", 0, fmt.Errorf("%w: ekey width %d", tact_errors.ErrInvariant, len(ekey))
	}
	page := pageFor(f.especDir, f.ekeySize+16, f.especPage, ekey)
	if page < 0 {
		return "", 0, fmt.Errorf("%w: ekey %s", tact_errors.ErrNotFound, bin.KeyString(ekey))
	}
	stride := f.ekeySize + 4 + 5
	p := f.especData[page*f.especPageSize : (page+1)*f.especPageSize]
	// zero padding forms the page tail; bound the search to real entries
	// so the lower bound stays over a sorted range
	count := sort.Search(len(p)/stride, func(i int) bool {
		rec := p[i*stride : (i+1)*stride]
		return bytes.Count(rec, []byte{0}) == stride
	})
	i := bin.LowerBound(p, count, stride, ekey)
	if i >= count {
		return "", 0, fmt.Errorf("%w: ekey %s", tact_errors.ErrNotFound, bin.KeyString(ekey))
	}
	rec := p[i*stride:]
	if !bytes.Equal(rec[:f.ekeySize], ekey) {
		return "", 0, fmt.Errorf("%w: ekey %s", tact_errors.ErrNotFound, bin.KeyString(ekey))
	}
	index := bin.Uint32BE(rec[f.ekeySize : f.ekeySize+4])
	size := bin.Uint40BE(rec[f.ekeySize+4 : f.ekeySize+9])

	table := f.especStrings()
	if int(index) >= len(table) {
		return "", 0, fmt.Errorf("%w: espec index %d out of range", tact_errors.ErrCorrupt, index)
	}
	return table[index], size, nil
}

// especStrings parses the null-delimited recipe table on first use. The
// parse runs at most once; concurrent callers block on the mutex.
func (f *File) especStrings() []string {
	f.especOnce.Lock()
	defer f.especOnce.Unlock()
	if f.especTable != nil {
		return f.especTable
	}
	table := []string{}
	rest := f.especBlob
	for len(rest) > 0 {
		var s string
		s, rest = bin.CString(rest)
		table = append(table, s)
	}
	f.especTable = table
	return table
}
