// Package mfst reads the root manifest, the map from game-assigned file
// data IDs (and path hashes) to content keys. The manifest is a sequence of
// pages; each page shares one (contentFlags, localeFlags) pair and stores
// its file IDs delta-coded. Pages irrelevant to the configured locale are
// dropped wholesale at load time and never participate in queries.
package mfst

import (
	"encoding/binary"
	"fmt"

	"github.com/ngdplib/tact/tact_errors"
)

// Content flag bits.
const (
	LoadOnWindows uint32 = 0x8
	LoadOnMacOS   uint32 = 0x10
	LowViolence   uint32 = 0x80
	DoNotLoad     uint32 = 0x100
	UpdatePlugin  uint32 = 0x800
	Encrypted     uint32 = 0x8000000
	NoNames       uint32 = 0x10000000
	UncommonRes   uint32 = 0x20000000
	Bundle        uint32 = 0x40000000
	NoCompression uint32 = 0x80000000
)

// Locale flag bits.
const (
	LocaleEnUS uint32 = 0x2
	LocaleKoKR uint32 = 0x4
	LocaleFrFR uint32 = 0x10
	LocaleDeDE uint32 = 0x20
	LocaleZhCN uint32 = 0x40
	LocaleEsES uint32 = 0x80
	LocaleZhTW uint32 = 0x100
	LocaleEnGB uint32 = 0x200
	LocaleEnCN uint32 = 0x400
	LocaleEnTW uint32 = 0x800
	LocaleEsMX uint32 = 0x1000
	LocaleRuRU uint32 = 0x2000
	LocalePtBR uint32 = 0x4000
	LocaleItIT uint32 = 0x8000
	LocalePtPT uint32 = 0x10000

	// AllWoW is the union of the shipped game languages; pages outside
	// it are format sentinels and always kept.
	AllWoW = LocaleEnUS | LocaleKoKR | LocaleFrFR | LocaleDeDE |
		LocaleZhCN | LocaleEsES | LocaleZhTW | LocaleEnGB | LocaleEnCN |
		LocaleEnTW | LocaleEsMX | LocaleRuRU | LocalePtBR | LocaleItIT |
		LocalePtPT
)

// ParseLocale maps a locale name like "enUS" to its flag bit.
func ParseLocale(name string) (uint32, bool) {
	m := map[string]uint32{
		"enUS": LocaleEnUS, "koKR": LocaleKoKR, "frFR": LocaleFrFR,
		"deDE": LocaleDeDE, "zhCN": LocaleZhCN, "esES": LocaleEsES,
		"zhTW": LocaleZhTW, "enGB": LocaleEnGB, "enCN": LocaleEnCN,
		"enTW": LocaleEnTW, "esMX": LocaleEsMX, "ruRU": LocaleRuRU,
		"ptBR": LocalePtBR, "itIT": LocaleItIT, "ptPT": LocalePtPT,
	}
	f, ok := m[name]
	return f, ok
}

// Record is one root row.
type Record struct {
	CKey         []byte
	NameHash     uint64
	FileDataID   uint32
	ContentFlags uint32
	LocaleFlags  uint32
}

type page struct {
	contentFlags uint32
	localeFlags  uint32
	fdids        []uint32
	ckeys        []byte   // recordCount * 16, borrowed from the blob
	nameHashes   []uint64 // nil for unnamed pages
}

type recordRef struct {
	page  int
	index int
}

type Root struct {
	pages  []page
	byName map[uint64]recordRef

	TotalFileCount uint32
	NamedFileCount uint32
	Version        uint32
}

// Open parses a decoded root blob, keeping only the pages relevant to
// locale. The Root borrows data for its lifetime.
func Open(data []byte, locale uint32) (*Root, error) {
	r := &Root{byName: make(map[uint64]recordRef)}

	allowUnnamed := false
	if len(data) >= 4 && string(data[:4]) == "MFST" {
		if len(data) < 12 {
			return nil, fmt.Errorf("%w: root header truncated", tact_errors.ErrCorrupt)
		}
		headerSize := binary.LittleEndian.Uint32(data[4:8])
		version := binary.LittleEndian.Uint32(data[8:12])
		if headerSize > 1000 {
			// pre-counted form: the two fields are the counts and the
			// header is the twelve bytes already read
			r.TotalFileCount = headerSize
			r.NamedFileCount = version
			r.Version = 0
			data = data[12:]
		} else {
			if len(data) < 20 || uint32(len(data)) < headerSize {
				return nil, fmt.Errorf("%w: root header truncated", tact_errors.ErrCorrupt)
			}
			r.Version = version
			r.TotalFileCount = binary.LittleEndian.Uint32(data[12:16])
			r.NamedFileCount = binary.LittleEndian.Uint32(data[16:20])
			data = data[headerSize:]
		}
		allowUnnamed = r.TotalFileCount != r.NamedFileCount
	}
	// legacy blobs carry no header at all: pages start immediately

	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: root page header truncated", tact_errors.ErrCorrupt)
		}
		recordCount := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if recordCount == 0 {
			continue
		}

		var contentFlags, localeFlags uint32
		switch r.Version {
		case 0, 1:
			if len(data) < 16 {
				return nil, fmt.Errorf("%w: root page flags truncated", tact_errors.ErrCorrupt)
			}
			contentFlags = binary.LittleEndian.Uint32(data[0:4])
			localeFlags = binary.LittleEndian.Uint32(data[4:8])
			data = data[16:] // two reserved words follow
		case 2:
			if len(data) < 13 {
				return nil, fmt.Errorf("%w: root page flags truncated", tact_errors.ErrCorrupt)
			}
			localeFlags = binary.LittleEndian.Uint32(data[0:4])
			unk1 := binary.LittleEndian.Uint32(data[4:8])
			unk2 := binary.LittleEndian.Uint32(data[8:12])
			unk3 := uint32(data[12])
			contentFlags = unk1 | unk2 | unk3<<17
			data = data[13:]
		default:
			return nil, fmt.Errorf("%w: root version %d", tact_errors.ErrCorrupt, r.Version)
		}

		named := !allowUnnamed || contentFlags&NoNames == 0

		need := int(recordCount) * 4
		if len(data) < need {
			return nil, fmt.Errorf("%w: root page deltas truncated", tact_errors.ErrCorrupt)
		}
		deltas := data[:need]
		data = data[need:]

		need = int(recordCount) * 16
		if len(data) < need {
			return nil, fmt.Errorf("%w: root page keys truncated", tact_errors.ErrCorrupt)
		}
		ckeys := data[:need]
		data = data[need:]

		var hashes []byte
		if named {
			need = int(recordCount) * 8
			if len(data) < need {
				return nil, fmt.Errorf("%w: root page name hashes truncated", tact_errors.ErrCorrupt)
			}
			hashes = data[:need]
			data = data[need:]
		}

		// locale filtering keeps format-sentinel pages (no AllWoW
		// overlap) and drops low-violence variants outright
		if localeFlags&locale == 0 && localeFlags&AllWoW != 0 {
			continue
		}
		if contentFlags&LowViolence != 0 {
			continue
		}

		p := page{
			contentFlags: contentFlags,
			localeFlags:  localeFlags,
			fdids:        make([]uint32, recordCount),
			ckeys:        ckeys,
		}
		var fdid uint32
		for i := uint32(0); i < recordCount; i++ {
			delta := binary.LittleEndian.Uint32(deltas[i*4:])
			if i == 0 {
				fdid = delta
			} else {
				fdid = fdid + delta + 1
			}
			p.fdids[i] = fdid
		}
		if named {
			p.nameHashes = make([]uint64, recordCount)
			for i := uint32(0); i < recordCount; i++ {
				p.nameHashes[i] = binary.LittleEndian.Uint64(hashes[i*8:])
			}
		}

		pageIdx := len(r.pages)
		r.pages = append(r.pages, p)
		for i, h := range p.nameHashes {
			if h == 0 {
				continue
			}
			if _, dup := r.byName[h]; !dup {
				r.byName[h] = recordRef{pageIdx, i}
			}
		}
	}
	return r, nil
}

func (r *Root) record(ref recordRef) Record {
	p := &r.pages[ref.page]
	rec := Record{
		CKey:         p.ckeys[ref.index*16 : ref.index*16+16],
		FileDataID:   p.fdids[ref.index],
		ContentFlags: p.contentFlags,
		LocaleFlags:  p.localeFlags,
	}
	if p.nameHashes != nil {
		rec.NameHash = p.nameHashes[ref.index]
	}
	return rec
}

// FindFileDataID scans the kept pages in order; inside a page the decoded
// IDs ascend strictly, so each page is a binary search. FDID ranges of
// different pages may interleave, hence the outer scan.
func (r *Root) FindFileDataID(fdid uint32) (Record, bool) {
	for pi := range r.pages {
		fdids := r.pages[pi].fdids
		lo, hi := 0, len(fdids)
		for lo < hi {
			mid := (lo + hi) / 2
			if fdids[mid] < fdid {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo < len(fdids) && fdids[lo] == fdid {
			return r.record(recordRef{pi, lo}), true
		}
	}
	return Record{}, false
}

// FindNameHash answers path-hash lookups from the map built at load time.
func (r *Root) FindNameHash(hash uint64) (Record, bool) {
	ref, ok := r.byName[hash]
	if !ok {
		return Record{}, false
	}
	return r.record(ref), true
}

// FindName hashes a path and looks it up.
func (r *Root) FindName(path string) (Record, bool) {
	return r.FindNameHash(HashPath(path))
}

// PageCount reports how many pages survived load-time filtering.
func (r *Root) PageCount() int {
	return len(r.pages)
}

// RecordCount reports the number of records across kept pages.
func (r *Root) RecordCount() int {
	n := 0
	for i := range r.pages {
		n += len(r.pages[i].fdids)
	}
	return n
}
