package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ngdplib/tact/tact_errors"
	"github.com/ngdplib/tact/utils"
)

var PoolRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tact",
	Subsystem: "cdn",
	Name:      "requests",
}, []string{"host", "result"})

var PingRTT = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tact",
	Subsystem: "cdn",
	Name:      "ping_rtt_ms",
	Buckets:   []float64{1, 5, 10, 20, 50, 100, 200, 400},
}, []string{"host"})

const (
	perMirrorPingTimeout = 400 * time.Millisecond
	overallPingBudget    = time.Second

	// unreachable mirrors sort behind every reachable one
	unreachableRTT = float64(time.Hour / time.Millisecond)

	// the archival mirror keeps old builds long after the CDN has
	// dropped them; it stays in the pool no matter how it pings
	fallbackHost = "archive.wow.tools"
)

// Mirror is one ranked CDN endpoint. The base URI carries the path stem.
type Mirror struct {
	Base string
	Host string
	rtt  *utils.AvgVal
}

func (m *Mirror) RTTEstimateMs() float64 {
	return m.rtt.Val()
}

// Prober measures a latency estimate for one host. The default sends an
// ICMP echo; tests stub it.
type Prober interface {
	Probe(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)
}

type icmpProber struct{}

func (icmpProber) Probe(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, err
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	// unprivileged UDP echo; falls back cleanly where ICMP sockets need root
	pinger.SetPrivileged(false)
	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("no echo from %s", host)
	}
	return stats.AvgRtt, nil
}

// Pool is the ranked mirror set. The order is fixed after construction;
// the mutex serializes downloads and guards later re-ranking.
type Pool struct {
	mu      sync.Mutex
	mirrors []*Mirror
	client  *http.Client
	log     utils.Logger
}

type PoolOptions struct {
	Region    string
	Product   string
	PatchBase string // override for tests
	Client    *http.Client
	Prober    Prober
	Logger    utils.Logger
	// ExtraMirrors are complete base URIs appended after the discovered
	// hosts and before ranking.
	ExtraMirrors []string
}

// NewPool discovers the region's mirrors, appends the archival fallback
// and ranks everything by a parallel latency probe. Probes that miss the
// one-second budget leave their mirror at the tail; a platform without
// ICMP support yields equal synthetic estimates and keeps the declared
// order.
func NewPool(ctx context.Context, opts PoolOptions) (*Pool, error) {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = utils.NopLogger{}
	}
	if opts.Prober == nil {
		opts.Prober = icmpProber{}
	}

	entry, err := CDNs(ctx, opts.Client, opts.PatchBase, opts.Region, opts.Product)
	if err != nil {
		return nil, err
	}

	p := &Pool{client: opts.Client, log: opts.Logger}
	for _, host := range entry.Hosts {
		p.mirrors = append(p.mirrors, &Mirror{
			Base: fmt.Sprintf("http://%s/%s", host, entry.Stem),
			Host: host,
		})
	}
	p.mirrors = append(p.mirrors, &Mirror{
		Base: fmt.Sprintf("http://%s/%s", fallbackHost, entry.Stem),
		Host: fallbackHost,
	})
	for _, base := range opts.ExtraMirrors {
		u, err := url.Parse(base)
		if err != nil {
			continue
		}
		p.mirrors = append(p.mirrors, &Mirror{Base: strings.TrimSuffix(base, "/"), Host: u.Host})
	}

	p.rank(ctx, opts.Prober)
	return p, nil
}

// rank probes every mirror in parallel under the one-second budget and
// stable-sorts by estimate, so ties keep the declared order.
func (p *Pool) rank(ctx context.Context, prober Prober) {
	ctx, cancel := context.WithTimeout(ctx, overallPingBudget)
	defer cancel()

	var wg sync.WaitGroup
	for _, m := range p.mirrors {
		m.rtt = utils.NewAvgVal(unreachableRTT)
		wg.Add(1)
		go func(m *Mirror) {
			defer wg.Done()
			rtt, err := prober.Probe(ctx, m.Host, perMirrorPingTimeout)
			if err != nil {
				p.log.Debug("mirror unreachable", "host", m.Host, "error", err)
				return
			}
			ms := float64(rtt) / float64(time.Millisecond)
			m.rtt = utils.NewAvgVal(ms)
			PingRTT.WithLabelValues(m.Host).Observe(ms)
		}(m)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	sort.SliceStable(p.mirrors, func(i, j int) bool {
		return p.mirrors[i].rtt.Val() < p.mirrors[j].rtt.Val()
	})
	for _, m := range p.mirrors {
		p.log.Debug("mirror ranked", "host", m.Host, "rtt_ms", m.rtt.Val())
	}
}

// Mirrors snapshots the ranked order.
func (p *Pool) Mirrors() []*Mirror {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Mirror, len(p.mirrors))
	copy(out, p.mirrors)
	return out
}

// Download fetches resourcePath whole from the first mirror that answers.
// When expectedLength is positive, each mirror gets a HEAD preflight (405
// counts as no answer, not a failure) and is rejected on a Content-Length
// mismatch. Exhausting the pool returns an empty stream and no error; the
// caller decides whether that is fatal.
func (p *Pool) Download(ctx context.Context, resourcePath string, expectedLength int64) (io.ReadCloser, error) {
	return p.download(ctx, resourcePath, -1, -1, expectedLength)
}

// DownloadRange fetches length bytes at offset using an HTTP range request
// against the archive's path.
func (p *Pool) DownloadRange(ctx context.Context, resourcePath string, offset, length int64) (io.ReadCloser, error) {
	return p.download(ctx, resourcePath, offset, length, 0)
}

func (p *Pool) download(ctx context.Context, resourcePath string, offset, length, expectedLength int64) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.mirrors {
		body, err := p.tryMirror(ctx, m, resourcePath, offset, length, expectedLength)
		if err == nil {
			PoolRequests.WithLabelValues(m.Host, "hit").Inc()
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", tact_errors.ErrCancelled, ctx.Err())
		}
		PoolRequests.WithLabelValues(m.Host, "miss").Inc()
		p.log.DebugCtx(ctx, "mirror failed over", "host", m.Host, "path", resourcePath, "error", err)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (p *Pool) tryMirror(ctx context.Context, m *Mirror, resourcePath string, offset, length, expectedLength int64) (io.ReadCloser, error) {
	url := m.Base + "/" + resourcePath

	if offset < 0 && expectedLength > 0 {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusMethodNotAllowed:
			// no answer; fall through to the GET
		case resp.StatusCode/100 != 2:
			return nil, fmt.Errorf("HEAD %s", resp.Status)
		case resp.ContentLength >= 0 && resp.ContentLength != expectedLength:
			return nil, fmt.Errorf("mirror reports %d bytes, want %d", resp.ContentLength, expectedLength)
		}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if offset >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s", resp.Status)
	}
	if offset < 0 && expectedLength > 0 && resp.ContentLength >= 0 && resp.ContentLength != expectedLength {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("mirror sends %d bytes, want %d", resp.ContentLength, expectedLength)
	}
	m.rtt.Add(float64(time.Since(start)) / float64(time.Millisecond))
	return resp.Body, nil
}
