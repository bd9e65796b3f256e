package tact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ngdplib/tact/utils"
)

// ResourceKind selects the CDN path family and the cache subdirectory.
type ResourceKind string

const (
	KindConfig ResourceKind = "config"
	KindData   ResourceKind = "data"
)

// diskCache is the persistent download cache: bit-exact CDN copies under
// <root>/<kind>/<xx>/<yy>/<hex>. A process-wide mutex per path keeps
// concurrent downloads of one file at-most-once; writes go through a temp
// file and a rename so a partial file is never visible at the real path.
type diskCache struct {
	root  string
	locks *xsync.MapOf[uint64, *sync.Mutex]
	log   utils.Logger
}

func newDiskCache(root string, log utils.Logger) *diskCache {
	return &diskCache{
		root:  root,
		locks: xsync.NewMapOf[uint64, *sync.Mutex](),
		log:   log,
	}
}

// entryPath fans hex files out over two directory levels named by the
// first two byte pairs.
func (c *diskCache) entryPath(kind ResourceKind, name string) string {
	return filepath.Join(c.root, string(kind), name[0:2], name[2:4], name)
}

// flatPath addresses generated files (group indices) at the cache root.
func (c *diskCache) flatPath(name string) string {
	return filepath.Join(c.root, name)
}

// lock serializes work on one cache path.
func (c *diskCache) lock(path string) func() {
	mu, _ := c.locks.LoadOrStore(xxhash.Sum64String(path), &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// check reports whether path holds a usable entry. A file whose size
// contradicts expectedLength is stale and gets deleted.
func (c *diskCache) check(path string, expectedLength int64) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	if expectedLength > 0 && st.Size() != expectedLength {
		c.log.Warn("cache entry has wrong size, dropping", "path", path,
			"size", st.Size(), "expected", expectedLength)
		_ = os.Remove(path)
		return false
	}
	return true
}

// write streams r into path atomically and returns the byte count. On any
// failure, including a cancelled body read, the temp file is removed and
// the destination stays untouched.
func (c *diskCache) write(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".fetch-*.tmp")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (c *diskCache) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("cache remove failed", "path", path, "error", err)
	}
}

func cdnPath(kind ResourceKind, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", kind, name[0:2], name[2:4], name)
}
