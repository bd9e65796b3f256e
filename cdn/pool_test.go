package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngdplib/tact/utils"
)

// hostRouter dispatches requests by host without touching the network.
// Hosts without a handler behave like refused connections.
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

type stubProber map[string]time.Duration

func (sp stubProber) Probe(_ context.Context, host string, _ time.Duration) (time.Duration, error) {
	rtt, ok := sp[host]
	if !ok {
		return 0, errors.New("host unreachable")
	}
	return rtt, nil
}

func cdnsHandler(hosts string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "Name!STRING:0|Path!STRING:0|Hosts!STRING:0\n" +
			"us|tpr/wow|" + hosts + "\n"
		_, _ = w.Write([]byte(body))
	})
}

func newTestPool(t *testing.T, router hostRouter, prober Prober) *Pool {
	t.Helper()
	router["patch.test"] = cdnsHandler("alpha.test beta.test")
	p, err := NewPool(context.Background(), PoolOptions{
		Region:    "us",
		Product:   "wow",
		PatchBase: "http://patch.test",
		Client:    &http.Client{Transport: router},
		Prober:    prober,
		Logger:    utils.NopLogger{},
	})
	require.Nil(t, err)
	return p
}

func TestPoolRanking(t *testing.T) {
	p := newTestPool(t, hostRouter{}, stubProber{
		"alpha.test": 80 * time.Millisecond,
		"beta.test":  5 * time.Millisecond,
		// fallback host unreachable: sorts last
	})
	mirrors := p.Mirrors()
	require.Equal(t, 3, len(mirrors))
	assert.Equal(t, "beta.test", mirrors[0].Host)
	assert.Equal(t, "alpha.test", mirrors[1].Host)
	assert.Equal(t, "archive.wow.tools", mirrors[2].Host)
	assert.Equal(t, "http://beta.test/tpr/wow", mirrors[0].Base)
}

func TestPoolRankingWithoutICMP(t *testing.T) {
	// all probes fail: declared order survives, fallback stays last
	p := newTestPool(t, hostRouter{}, stubProber{})
	mirrors := p.Mirrors()
	require.Equal(t, 3, len(mirrors))
	assert.Equal(t, "alpha.test", mirrors[0].Host)
	assert.Equal(t, "beta.test", mirrors[1].Host)
	assert.Equal(t, "archive.wow.tools", mirrors[2].Host)
}

func TestDownloadFailover(t *testing.T) {
	router := hostRouter{
		"alpha.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}),
		"beta.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/tpr/wow/data/ab/cd/abcd", r.URL.Path)
			_, _ = w.Write([]byte("payload"))
		}),
	}
	p := newTestPool(t, router, stubProber{
		"alpha.test": time.Millisecond,
		"beta.test":  2 * time.Millisecond,
	})

	body, err := p.Download(context.Background(), "data/ab/cd/abcd", 0)
	require.Nil(t, err)
	data, _ := io.ReadAll(body)
	_ = body.Close()
	assert.Equal(t, "payload", string(data))
}

func TestDownloadExhaustedPoolIsEmptyStream(t *testing.T) {
	router := hostRouter{
		"alpha.test": http.NotFoundHandler(),
		"beta.test":  http.NotFoundHandler(),
	}
	p := newTestPool(t, router, stubProber{"alpha.test": time.Millisecond})

	body, err := p.Download(context.Background(), "data/aa/bb/aabb", 0)
	require.Nil(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, 0, len(data))
}

func TestDownloadHeadPreflight(t *testing.T) {
	var alphaGets, betaGets int
	router := hostRouter{
		"alpha.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				w.Header().Set("Content-Length", "999")
				return
			}
			alphaGets++
		}),
		"beta.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				// no HEAD support: tolerated
				http.Error(w, "no", http.StatusMethodNotAllowed)
				return
			}
			betaGets++
			_, _ = w.Write([]byte("four"))
		}),
	}
	p := newTestPool(t, router, stubProber{
		"alpha.test": time.Millisecond,
		"beta.test":  2 * time.Millisecond,
	})

	body, err := p.Download(context.Background(), "data/aa/bb/aabb", 4)
	require.Nil(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, "four", string(data))
	// the lying mirror was rejected before its GET
	assert.Equal(t, 0, alphaGets)
	assert.Equal(t, 1, betaGets)
}

func TestDownloadRangeHeader(t *testing.T) {
	router := hostRouter{
		"alpha.test": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bytes=100-149", r.Header.Get("Range"))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(make([]byte, 50))
		}),
	}
	p := newTestPool(t, router, stubProber{"alpha.test": time.Millisecond})

	body, err := p.DownloadRange(context.Background(), "data/aa/bb/aabb", 100, 50)
	require.Nil(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, 50, len(data))
}
