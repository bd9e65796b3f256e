package tact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ngdplib/tact/index"
	"github.com/ngdplib/tact/mmap"
	"github.com/ngdplib/tact/utils"
)

// localStore reads an installed game's CASC storage: bucket indices under
// Data/data/<nn>.idx and the data.NNN archives they point into. Strictly
// read-only.
type localStore struct {
	base    string
	buckets map[byte]*index.Index
	log     utils.Logger
}

// cascBucket folds the first nine key bytes and mixes the nibbles; the
// result names the bucket index responsible for the key.
func cascBucket(ekey []byte) byte {
	b := ekey[0]
	for i := 1; i < 9; i++ {
		b ^= ekey[i]
	}
	return (b & 0x0F) ^ (b >> 4)
}

// openLocalStore loads one index per bucket, taking the highest-versioned
// .idx file when several generations coexist.
func openLocalStore(base string, log utils.Logger) (*localStore, error) {
	dataDir := filepath.Join(base, "Data", "data")
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}

	// bucket → newest index file; names are <nn><version>.idx with nn
	// the bucket in hex
	newest := map[byte]string{}
	var names []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".idx") || len(e.Name()) < 6 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		var bucket byte
		if _, err := fmt.Sscanf(name[:2], "%02x", &bucket); err != nil {
			continue
		}
		newest[bucket] = name // ascending sort leaves the newest
	}

	s := &localStore{base: base, buckets: make(map[byte]*index.Index), log: log}
	for bucket, name := range newest {
		view, err := mmap.Open(filepath.Join(dataDir, name))
		if err != nil {
			s.close()
			return nil, err
		}
		idx, err := index.Open(view)
		if err != nil {
			// a malformed bucket index disables that bucket only
			log.Warn("skipping unreadable local index", "file", name, "error", err)
			_ = view.Close()
			continue
		}
		s.buckets[bucket] = idx
	}
	log.Info("local game storage attached", "base", base, "buckets", len(s.buckets))
	return s, nil
}

// find resolves an encoding key against the installed storage.
func (s *localStore) find(ekey []byte) (Resource, bool) {
	idx, ok := s.buckets[cascBucket(ekey)]
	if !ok {
		return Resource{}, false
	}
	key := ekey
	if kb := idx.KeyBytes(); kb < len(key) {
		key = key[:kb] // local indices store truncated keys
	}
	e, ok := idx.Lookup(key)
	if !ok {
		return Resource{}, false
	}
	return Resource{
		Path:   filepath.Join(s.base, "Data", "data", fmt.Sprintf("data.%03d", e.ArchiveIndex)),
		Offset: int64(e.Offset),
		Length: int64(e.Size),
		Exists: true,
	}, true
}

// configPath points into the installed storage's config tree.
func (s *localStore) configPath(name string) string {
	return filepath.Join(s.base, "Data", "config", name[0:2], name[2:4], name)
}

func (s *localStore) close() {
	for _, idx := range s.buckets {
		_ = idx.Close()
	}
	s.buckets = nil
}
