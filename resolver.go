package tact

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/ngdplib/tact/cdn"
	"github.com/ngdplib/tact/tact_errors"
	"github.com/ngdplib/tact/utils"
)

// Resolver turns names and encoding keys into verified local bytes. Source
// precedence is fixed: installed game storage, then the disk cache, then
// the mirror pool. Every download lands in the cache before the caller
// sees it.
type Resolver struct {
	cache  *diskCache
	local  *localStore // nil without a game base directory
	pool   *cdn.Pool
	ledger *ledger
	log    utils.Logger
}

// LocalFind consults the installed game storage only.
func (rv *Resolver) LocalFind(ekey []byte) (Resource, bool) {
	if rv.local == nil {
		return Resource{}, false
	}
	res, ok := rv.local.find(ekey)
	if ok {
		ResolveCount.WithLabelValues("casc", string(KindData)).Inc()
	}
	return res, ok
}

// Cached consults the disk cache only, deleting a stale entry on the way.
func (rv *Resolver) Cached(kind ResourceKind, name string, expectedLength int64) (Resource, bool) {
	path := rv.cache.entryPath(kind, name)
	if !rv.cache.check(path, expectedLength) {
		return Resource{}, false
	}
	ResolveCount.WithLabelValues("cache", string(kind)).Inc()
	return Resource{Path: path, Exists: true}, true
}

// FetchFile returns the whole-file resource for name, downloading it into
// the cache when missing. remoteName differs from name for index files,
// which carry an extension on the wire. validateHex, when non-empty, is
// the lowercase hex digest the file must hash to.
func (rv *Resolver) FetchFile(ctx context.Context, kind ResourceKind, name, remoteName string, expectedLength int64, validateHex string) (Resource, error) {
	if remoteName == "" {
		remoteName = name
	}
	// the installed game keeps configs on disk too
	if rv.local != nil && kind == KindConfig {
		if p := rv.local.configPath(name); rv.cache.check(p, expectedLength) {
			ResolveCount.WithLabelValues("casc", string(kind)).Inc()
			return Resource{Path: p, Exists: true}, nil
		}
	}

	path := rv.cache.entryPath(kind, name)
	unlock := rv.cache.lock(path)
	defer unlock()

	fetch := func() (bool, error) {
		return rv.download(ctx, path, cdnPath(kind, remoteName), expectedLength, kind)
	}
	return rv.ensure(ctx, path, kind, expectedLength, validateHex, fetch)
}

// FetchRange returns length bytes at offset inside the named archive,
// cached as its own file under cacheName.
func (rv *Resolver) FetchRange(ctx context.Context, archiveName string, offset, length int64, cacheName, validateHex string) (Resource, error) {
	path := rv.cache.entryPath(KindData, cacheName)
	unlock := rv.cache.lock(path)
	defer unlock()

	fetch := func() (bool, error) {
		body, err := rv.pool.DownloadRange(ctx, cdnPath(KindData, archiveName), offset, length)
		if err != nil {
			return false, err
		}
		return rv.store(path, body, KindData)
	}
	return rv.ensure(ctx, path, KindData, length, validateHex, fetch)
}

// ensure produces a valid file at path: use the cached copy, else fetch.
// A copy failing validation is deleted and re-fetched exactly once; the
// second failure surfaces as corruption.
func (rv *Resolver) ensure(ctx context.Context, path string, kind ResourceKind, expectedLength int64, validateHex string, fetch func() (bool, error)) (Resource, error) {
	cached := rv.cache.check(path, expectedLength)
	for attempt := 0; attempt < 2; attempt++ {
		if !cached {
			exists, err := fetch()
			if err != nil {
				return Resource{}, err
			}
			if !exists {
				return Resource{}, nil
			}
			ResolveCount.WithLabelValues("remote", string(kind)).Inc()
		}
		if validateHex == "" {
			return Resource{Path: path, Exists: true}, nil
		}
		if err := rv.verify(ctx, path, validateHex); err == nil {
			return Resource{Path: path, Exists: true}, nil
		} else if attempt == 1 || ctx.Err() != nil {
			return Resource{}, err
		}
		// deleted by verify; take the fetch branch once more
		cached = false
	}
	return Resource{}, fmt.Errorf("%w: unreachable", tact_errors.ErrInvariant)
}

// download streams one whole CDN file into path. A drained mirror pool
// reports exists=false rather than an error.
func (rv *Resolver) download(ctx context.Context, path, remotePath string, expectedLength int64, kind ResourceKind) (bool, error) {
	body, err := rv.pool.Download(ctx, remotePath, expectedLength)
	if err != nil {
		return false, err
	}
	exists, err := rv.store(path, body, kind)
	if err != nil {
		return false, err
	}
	if exists && expectedLength > 0 {
		if st, serr := os.Stat(path); serr == nil && st.Size() != expectedLength {
			rv.cache.remove(path)
			return false, fmt.Errorf("%w: fetched %d bytes of %s, want %d",
				tact_errors.ErrTransport, st.Size(), remotePath, expectedLength)
		}
	}
	return exists, nil
}

func (rv *Resolver) store(path string, body io.ReadCloser, kind ResourceKind) (bool, error) {
	defer body.Close()

	// an exhausted pool hands back an empty stream; probe before touching
	// the cache so no empty file ever lands at the real path
	probe := make([]byte, 1)
	if _, perr := io.ReadFull(body, probe); perr != nil {
		if perr == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", tact_errors.ErrTransport, perr)
	}

	n, err := rv.cache.write(path, io.MultiReader(bytes.NewReader(probe), body))
	if err != nil {
		return false, fmt.Errorf("%w: %v", tact_errors.ErrTransport, err)
	}
	DownloadBytes.WithLabelValues(string(kind)).Add(float64(n))
	return true, nil
}

// verify hashes path and compares against the expected digest, consulting
// the ledger first so an unchanged file is not re-hashed. On mismatch the
// file and its ledger entry are dropped.
func (rv *Resolver) verify(ctx context.Context, path, expectedHex string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", tact_errors.ErrNotFound, err)
	}

	var digest []byte
	if known, ok := rv.ledger.knownDigest(path, st.Size(), st.ModTime()); ok {
		digest = known
	} else {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		h := md5.New()
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		digest = h.Sum(nil)
		rv.ledger.recordDigest(path, st.Size(), st.ModTime(), digest)
	}

	if hex.EncodeToString(digest) != expectedHex {
		ValidationResults.WithLabelValues("mismatch").Inc()
		rv.log.WarnCtx(ctx, "checksum mismatch, dropping file", "path", path,
			"got", hex.EncodeToString(digest), "want", expectedHex)
		rv.cache.remove(path)
		rv.ledger.forget(path)
		return fmt.Errorf("%w: checksum mismatch for %s", tact_errors.ErrCorrupt, path)
	}
	ValidationResults.WithLabelValues("ok").Inc()
	return nil
}
