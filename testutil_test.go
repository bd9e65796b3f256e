package tact

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"time"

	"github.com/ngdplib/tact/bin"
)

// hostRouter dispatches requests by host without touching the network;
// hosts without a handler behave like refused connections.
type hostRouter map[string]http.Handler

func (hr hostRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	h, ok := hr[req.URL.Host]
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", req.URL.Host)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

type stubProber struct{}

func (stubProber) Probe(context.Context, string, time.Duration) (time.Duration, error) {
	return time.Millisecond, nil
}

// blteWrap frames payload as a single raw BLTE chunk.
func blteWrap(payload []byte) []byte {
	chunk := append([]byte{'N'}, payload...)
	blob := []byte("BLTE")
	blob = binary.BigEndian.AppendUint32(blob, uint32(8+4+24))
	blob = append(blob, 0x0F, 0, 0, 1)
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(chunk)))
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(payload)))
	sum := md5.Sum(chunk)
	blob = append(blob, sum[:]...)
	return append(blob, chunk...)
}

type idxEntry struct {
	key    []byte
	size   uint32
	offset uint64 // pre-packed for the flavor
}

// buildIndexBlob writes a one-or-more-block index of the given flavor.
// Entries must be sorted by key.
func buildIndexBlob(keyBytes, sizeBytes, offsetBytes int, entries []idxEntry) []byte {
	const blockSizeKB = 4
	blockSize := blockSizeKB << 10
	entrySize := keyBytes + sizeBytes + offsetBytes
	perBlock := blockSize / entrySize
	numBlocks := (len(entries) + perBlock - 1) / perBlock
	if numBlocks == 0 {
		numBlocks = 1
	}

	var out bytes.Buffer
	var tocKeys, tocHashes []byte
	for b := 0; b < numBlocks; b++ {
		block := make([]byte, blockSize)
		w := 0
		var last []byte
		for i := b * perBlock; i < len(entries) && i < (b+1)*perBlock; i++ {
			e := entries[i]
			copy(block[w:], e.key)
			p := block[w+keyBytes:]
			for j := sizeBytes - 1; j >= 0; j-- {
				p[j] = byte(e.size)
				e.size >>= 8
			}
			p = p[sizeBytes:]
			off := e.offset
			for j := offsetBytes - 1; j >= 0; j-- {
				p[j] = byte(off)
				off >>= 8
			}
			last = e.key
			w += entrySize
		}
		out.Write(block)
		k := make([]byte, keyBytes)
		copy(k, last)
		tocKeys = append(tocKeys, k...)
		sum := md5.Sum(block)
		tocHashes = append(tocHashes, sum[:8]...)
	}
	out.Write(tocKeys)
	out.Write(tocHashes)

	tocSum := md5.Sum(append(bytes.Clone(tocKeys), tocHashes...))
	footer := append([]byte{}, tocSum[:8]...)
	footer = append(footer, 1, 0, 0, blockSizeKB,
		byte(offsetBytes), byte(sizeBytes), byte(keyBytes), 8)
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(entries)))
	footSum := md5.Sum(footer)
	footer = append(footer, footSum[:8]...)
	out.Write(footer)
	return out.Bytes()
}

// buildEncodingBlob assembles a minimal one-page encoding table mapping
// each (ckey → ekey, size) triple. Rows are sorted per side as the format
// requires; everything must fit one page.
type encRow struct {
	ckey    []byte
	ekey    []byte
	size    uint64 // decoded
	encSize uint64 // on the wire
}

func buildEncodingBlob(input []encRow) []byte {
	rows := append([]encRow{}, input...)
	sort.Slice(rows, func(i, j int) bool { return bytes.Compare(rows[i].ckey, rows[j].ckey) < 0 })
	byEKey := append([]encRow{}, input...)
	sort.Slice(byEKey, func(i, j int) bool { return bytes.Compare(byEKey[i].ekey, byEKey[j].ekey) < 0 })

	espec := []byte("n\x00z\x00")

	var f bytes.Buffer
	f.WriteString("EN")
	f.WriteByte(1)
	f.WriteByte(16)
	f.WriteByte(16)
	_ = binary.Write(&f, binary.BigEndian, uint16(4)) // ckey page KB
	_ = binary.Write(&f, binary.BigEndian, uint16(4)) // espec page KB
	_ = binary.Write(&f, binary.BigEndian, uint32(1))
	_ = binary.Write(&f, binary.BigEndian, uint32(1))
	f.WriteByte(0)
	_ = binary.Write(&f, binary.BigEndian, uint32(len(espec)))
	f.Write(espec)

	f.Write(rows[0].ckey)
	f.Write(make([]byte, 16))

	page := make([]byte, 4096)
	w := 0
	for _, r := range rows {
		page[w] = 1
		bin.PutUint40BE(page[w+1:w+6], r.size)
		copy(page[w+6:], r.ckey)
		copy(page[w+22:], r.ekey)
		w += 38
	}
	f.Write(page)

	f.Write(byEKey[0].ekey)
	f.Write(make([]byte, 16))
	epage := make([]byte, 4096)
	w = 0
	for _, r := range byEKey {
		copy(epage[w:], r.ekey)
		binary.BigEndian.PutUint32(epage[w+16:], 1)
		bin.PutUint40BE(epage[w+20:w+25], r.encSize)
		w += 25
	}
	f.Write(epage)
	return f.Bytes()
}

// buildRootBlob writes a version-2 manifest with one enUS page.
func buildRootBlob(fdidDeltas []uint32, ckeys [][]byte, nameHashes []uint64) []byte {
	var b bytes.Buffer
	b.WriteString("MFST")
	_ = binary.Write(&b, binary.LittleEndian, uint32(20))
	_ = binary.Write(&b, binary.LittleEndian, uint32(2))
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(fdidDeltas)))
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(fdidDeltas)))
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(fdidDeltas)))
	_ = binary.Write(&b, binary.LittleEndian, uint32(0x2)) // enUS
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	b.WriteByte(0)
	for _, d := range fdidDeltas {
		_ = binary.Write(&b, binary.LittleEndian, d)
	}
	for _, k := range ckeys {
		b.Write(k)
	}
	for _, h := range nameHashes {
		_ = binary.Write(&b, binary.LittleEndian, h)
	}
	return b.Bytes()
}

func md5Key(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}
