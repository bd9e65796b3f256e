package tact

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngdplib/tact/cdn"
	"github.com/ngdplib/tact/tact_errors"
	"github.com/ngdplib/tact/utils"
)

func testPool(t *testing.T, router hostRouter) *cdn.Pool {
	t.Helper()
	router["patch.test"] = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Name!STRING:0|Path!STRING:0|Hosts!STRING:0\nus|tpr/wow|mirror.test\n"))
	})
	p, err := cdn.NewPool(context.Background(), cdn.PoolOptions{
		Region:    "us",
		Product:   "wow",
		PatchBase: "http://patch.test",
		Client:    &http.Client{Transport: router},
		Prober:    stubProber{},
		Logger:    utils.NopLogger{},
	})
	require.Nil(t, err)
	return p
}

func newTestResolver(t *testing.T, router hostRouter) *Resolver {
	return &Resolver{
		cache: newDiskCache(t.TempDir(), utils.NopLogger{}),
		pool:  testPool(t, router),
		log:   utils.NopLogger{},
	}
}

func TestFetchFileDownloadsOnceThenCaches(t *testing.T) {
	content := []byte("config blob")
	var gets atomic.Int32
	router := hostRouter{
		"mirror.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/tpr/wow/config/ab/cd/abcdef00", r.URL.Path)
			gets.Add(1)
			_, _ = w.Write(content)
		}),
	}
	rv := newTestResolver(t, router)

	res, err := rv.FetchFile(context.Background(), KindConfig, "abcdef00", "", 0, "")
	require.Nil(t, err)
	require.True(t, res.Exists)
	data, err := res.Bytes()
	require.Nil(t, err)
	assert.Equal(t, content, data)

	_, err = rv.FetchFile(context.Background(), KindConfig, "abcdef00", "", 0, "")
	require.Nil(t, err)
	assert.Equal(t, int32(1), gets.Load(), "second request must hit the cache")
}

func TestFetchFileMissingEverywhere(t *testing.T) {
	router := hostRouter{"mirror.test": http.NotFoundHandler()}
	rv := newTestResolver(t, router)

	res, err := rv.FetchFile(context.Background(), KindData, "ffffffff", "", 0, "")
	require.Nil(t, err)
	assert.False(t, res.Exists, "a drained pool is a truthful empty resource")
}

func TestFetchFileAtMostOneDownload(t *testing.T) {
	content := []byte("shared blob")
	var gets atomic.Int32
	router := hostRouter{
		"mirror.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// a whole-file fetch with a known length sends a HEAD first;
			// only the GET is a download
			if r.Method == http.MethodGet {
				gets.Add(1)
			}
			_, _ = w.Write(content)
		}),
	}
	rv := newTestResolver(t, router)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rv.FetchFile(context.Background(), KindData, "00112233", "", int64(len(content)), "")
			assert.Nil(t, err)
			assert.True(t, res.Exists)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), gets.Load(), "concurrent requests must share one fetch")
}

func TestFetchRange(t *testing.T) {
	archive := make([]byte, 1024)
	copy(archive[100:], "slice of archive")
	router := hostRouter{
		"mirror.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bytes=100-115", r.Header.Get("Range"))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(archive[100:116])
		}),
	}
	rv := newTestResolver(t, router)

	res, err := rv.FetchRange(context.Background(), "aabbccdd", 100, 16, "99887766", "")
	require.Nil(t, err)
	require.True(t, res.Exists)
	data, err := res.Bytes()
	require.Nil(t, err)
	assert.Equal(t, []byte("slice of archive"), data)
}

func TestValidateRedownloadsCorruptOnce(t *testing.T) {
	content := []byte("the true contents")
	digest := md5.Sum(content)
	name := hex.EncodeToString(digest[:])

	var gets atomic.Int32
	router := hostRouter{
		"mirror.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// a whole-file fetch with a known length sends a HEAD first;
			// only the GET is a download
			if r.Method == http.MethodGet {
				gets.Add(1)
			}
			_, _ = w.Write(content)
		}),
	}
	rv := newTestResolver(t, router)

	// plant a corrupt cache entry of the right size
	path := rv.cache.entryPath(KindData, name)
	require.Nil(t, os.MkdirAll(filepath.Dir(path), 0o755))
	bad := append([]byte{}, content...)
	bad[0] ^= 0xFF
	require.Nil(t, os.WriteFile(path, bad, 0o644))

	res, err := rv.FetchFile(context.Background(), KindData, name, "", int64(len(content)), name)
	require.Nil(t, err)
	require.True(t, res.Exists)
	data, err := res.Bytes()
	require.Nil(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, int32(1), gets.Load(), "exactly one re-download")
}

func TestValidateSecondCorruptionSurfaces(t *testing.T) {
	var gets atomic.Int32
	router := hostRouter{
		"mirror.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gets.Add(1)
			_, _ = w.Write([]byte("persistently wrong"))
		}),
	}
	rv := newTestResolver(t, router)

	want := md5.Sum([]byte("what it should be"))
	_, err := rv.FetchFile(context.Background(), KindData,
		hex.EncodeToString(want[:]), "", 0, hex.EncodeToString(want[:]))
	assert.ErrorIs(t, err, tact_errors.ErrCorrupt)
	assert.Equal(t, int32(2), gets.Load())

	// the poisoned file must not linger
	path := rv.cache.entryPath(KindData, hex.EncodeToString(want[:]))
	_, serr := os.Stat(path)
	assert.True(t, os.IsNotExist(serr))
}

func TestResolverPrecedence(t *testing.T) {
	content := []byte("identical everywhere")
	sum := md5.Sum(content)
	ekey := sum[:]
	name := hex.EncodeToString(ekey)

	base := t.TempDir()
	writeLocalInstall(t, base, ekey, content, 512)
	local, err := openLocalStore(base, utils.NopLogger{})
	require.Nil(t, err)
	defer local.close()

	var gets atomic.Int32
	router := hostRouter{
		"mirror.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// a whole-file fetch with a known length sends a HEAD first;
			// only the GET is a download
			if r.Method == http.MethodGet {
				gets.Add(1)
			}
			_, _ = w.Write(content)
		}),
	}
	rv := newTestResolver(t, router)
	rv.local = local

	// populate the disk cache too
	path := rv.cache.entryPath(KindData, name)
	require.Nil(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.Nil(t, os.WriteFile(path, content, 0o644))

	// 1. the installed storage wins over the cache
	res, ok := rv.LocalFind(ekey)
	require.True(t, ok)
	assert.Contains(t, res.Path, filepath.Join("Data", "data", "data.000"))

	// 2. dropping the local index falls back to the disk cache
	rv.local = nil
	res, ok = rv.LocalFind(ekey)
	assert.False(t, ok)
	res, ok = rv.Cached(KindData, name, int64(len(content)))
	require.True(t, ok)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, int32(0), gets.Load(), "no network so far")

	// 3. a corrupted cache file under validation is re-fetched exactly once
	bad := append([]byte{}, content...)
	bad[3] ^= 0x55
	require.Nil(t, os.WriteFile(path, bad, 0o644))
	res, err = rv.FetchFile(context.Background(), KindData, name, "", int64(len(content)), name)
	require.Nil(t, err)
	data, err := res.Bytes()
	require.Nil(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, int32(1), gets.Load())
}
