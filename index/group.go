package index

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ngdplib/tact/bin"
	"github.com/ngdplib/tact/tact_errors"
	"github.com/ngdplib/tact/utils"
)

// Group-index geometry is fixed: every generated group index uses these
// footer fields regardless of its sources.
const (
	groupBlockSizeKB = 4
	groupKeyBytes    = 16
	groupSizeBytes   = 4
	groupOffsetBytes = 6
	groupHashBytes   = 8
	groupEntrySize   = groupKeyBytes + groupSizeBytes + groupOffsetBytes
)

type mergeRun struct {
	entries []Entry
	archive int
	pos     int
}

// BuildGroup merges the per-archive indices into one group index, writes it
// atomically into dir as <name>.index and returns its path and name. The
// source order defines each entry's archive index. When expectedHex is
// non-empty and differs from the computed name, the build fails without
// touching dir.
func BuildGroup(ctx context.Context, sources []*Index, expectedHex, dir string, log utils.Logger) (string, string, error) {
	runs := make([]*mergeRun, len(sources))

	// fan the per-archive enumeration out; each worker fills a private
	// slice and the merge happens after the join
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src *Index) {
			defer wg.Done()
			run := &mergeRun{archive: i}
			for e := range src.All() {
				if ctx.Err() != nil {
					break
				}
				e.ArchiveIndex = i
				run.entries = append(run.entries, e)
			}
			mu.Lock()
			runs[i] = run
			if firstErr == nil && ctx.Err() != nil {
				firstErr = fmt.Errorf("%w: %v", tact_errors.ErrCancelled, ctx.Err())
			}
			mu.Unlock()
		}(i, src)
	}
	wg.Wait()
	if firstErr != nil {
		return "", "", firstErr
	}

	total := 0
	for _, r := range runs {
		total += len(r.entries)
	}
	merged := mergeRuns(runs, total)
	log.Debug("group index merged", "archives", len(sources), "entries", total)

	blob := encodeGroup(merged)
	name := bin.KeyString(groupName(blob))
	if expectedHex != "" && name != expectedHex {
		return "", "", fmt.Errorf("%w: group-index checksum mismatch: built %s, expected %s",
			tact_errors.ErrCorrupt, name, expectedHex)
	}

	path := filepath.Join(dir, name+".index")
	if err := writeAtomic(path, blob); err != nil {
		return "", "", err
	}
	return path, name, nil
}

// mergeRuns k-way merges the sorted per-archive runs, ties broken by
// archive position so equal keys keep source order.
func mergeRuns(runs []*mergeRun, total int) []Entry {
	h := utils.NewHeap[*mergeRun](func(a, b *mergeRun) bool {
		c := bytes.Compare(a.entries[a.pos].EKey, b.entries[b.pos].EKey)
		if c != 0 {
			return c < 0
		}
		return a.archive < b.archive
	})
	for _, r := range runs {
		if len(r.entries) > 0 {
			h.Push(r)
		}
	}
	merged := make([]Entry, 0, total)
	for h.Len() > 0 {
		r := h.Pop()
		merged = append(merged, r.entries[r.pos])
		r.pos++
		if r.pos < len(r.entries) {
			h.Push(r)
		}
	}
	return merged
}

// encodeGroup lays the merged entries out in 4 KiB blocks and appends the
// TOC and the self-checksummed footer.
func encodeGroup(entries []Entry) []byte {
	blockSize := groupBlockSizeKB << 10
	perBlock := blockSize / groupEntrySize
	numBlocks := (len(entries) + perBlock - 1) / perBlock
	if numBlocks == 0 {
		numBlocks = 1
	}

	var out bytes.Buffer
	tocKeys := make([]byte, 0, numBlocks*groupKeyBytes)
	tocHashes := make([]byte, 0, numBlocks*groupHashBytes)

	for b := 0; b < numBlocks; b++ {
		block := make([]byte, blockSize)
		lo := b * perBlock
		hi := min(lo+perBlock, len(entries))
		w := 0
		var last []byte
		for _, e := range entries[lo:hi] {
			copy(block[w:], e.EKey)
			binary.BigEndian.PutUint32(block[w+groupKeyBytes:], e.Size)
			binary.BigEndian.PutUint16(block[w+groupKeyBytes+4:], uint16(e.ArchiveIndex))
			binary.BigEndian.PutUint32(block[w+groupKeyBytes+6:], uint32(e.Offset))
			last = e.EKey
			w += groupEntrySize
		}
		out.Write(block)
		key := make([]byte, groupKeyBytes)
		copy(key, last)
		tocKeys = append(tocKeys, key...)
		sum := md5.Sum(block)
		tocHashes = append(tocHashes, sum[:groupHashBytes]...)
	}

	out.Write(tocKeys)
	out.Write(tocHashes)

	toc := append(bytes.Clone(tocKeys), tocHashes...)
	tocSum := md5.Sum(toc)

	footer := make([]byte, 0, footerSize)
	footer = append(footer, tocSum[:groupHashBytes]...)
	footer = append(footer,
		1, // format revision
		0, // flags
		0,
		groupBlockSizeKB,
		groupOffsetBytes,
		groupSizeBytes,
		groupKeyBytes,
		groupHashBytes,
	)
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(entries)))
	footSum := md5.Sum(footer) // the 20 meaningful bytes
	footer = append(footer, footSum[:groupHashBytes]...)

	out.Write(footer)
	return out.Bytes()
}

// groupName is the md5 of the full footer; its lowercase hex names the file.
func groupName(blob []byte) []byte {
	sum := md5.Sum(blob[len(blob)-footerSize:])
	return sum[:]
}

// writeAtomic writes via a temp file in the destination directory so the
// final path never holds a partial index.
func writeAtomic(path string, blob []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".group-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
