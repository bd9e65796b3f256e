// Package tact is a content-addressed game content client: it resolves
// logical file identifiers through the root, encoding and archive-index
// manifests, fetches the addressed blobs from an installed game storage,
// a disk cache or a ranked pool of CDN mirrors, verifies them by digest
// and unwraps the block-compressed container.
package tact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ngdplib/tact/bin"
	"github.com/ngdplib/tact/blte"
	"github.com/ngdplib/tact/cdn"
	"github.com/ngdplib/tact/config"
	"github.com/ngdplib/tact/enc"
	"github.com/ngdplib/tact/index"
	"github.com/ngdplib/tact/mfst"
	"github.com/ngdplib/tact/mmap"
	"github.com/ngdplib/tact/tact_errors"
	"github.com/ngdplib/tact/utils"
)

type Options struct {
	Product string
	Region  string
	Locale  string

	// CacheDir roots the persistent download cache; defaults to a tact
	// directory inside the user cache directory.
	CacheDir string

	// BaseDir points at an installed game; empty disables local reads.
	BaseDir string

	// BuildConfig/CDNConfig pin a build by hash; left empty they come
	// from the versions service.
	BuildConfig string
	CDNConfig   string

	// Keys supplies named encryption keys to the container codec.
	Keys blte.KeyProvider

	// PatchBase overrides the patch service endpoint (tests).
	PatchBase string
	HTTP      *http.Client
	Prober    cdn.Prober
	Logger    utils.Logger
}

func (o *Options) setDefaults() error {
	if o.Product == "" {
		o.Product = "wow"
	}
	if o.Region == "" {
		o.Region = "us"
	}
	if o.Locale == "" {
		o.Locale = "enUS"
	}
	if o.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return err
		}
		o.CacheDir = filepath.Join(base, "tact")
	}
	if o.HTTP == nil {
		o.HTTP = &http.Client{Timeout: 5 * time.Minute}
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	return nil
}

// Client is one opened build. Manifests load once at Open and answer
// queries lock-free; the resolver and mirror pool live as long as the
// client.
type Client struct {
	opts   Options
	log    utils.Logger
	locale uint32

	pool     *cdn.Pool
	resolver *Resolver
	ledger   *ledger

	buildCfg config.BuildConfig
	cdnCfg   config.CDNConfig
	archives []string

	group    *index.Index
	fileIdx  *index.Index
	encoding *enc.File
	root     *mfst.Root
	install  *Install

	blobs *lru.Cache[string, []byte]
}

// Open wires a build: configurations, group and file indices, encoding,
// root and install, in that order, each step failing fast.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	log := opts.Logger

	locale, ok := mfst.ParseLocale(opts.Locale)
	if !ok {
		return nil, fmt.Errorf("%w: unknown locale %q", tact_errors.ErrInvariant, opts.Locale)
	}

	if opts.BuildConfig == "" || opts.CDNConfig == "" {
		v, err := cdn.Versions(ctx, opts.HTTP, opts.PatchBase, opts.Region, opts.Product)
		if err != nil {
			return nil, err
		}
		opts.BuildConfig, opts.CDNConfig = v.BuildConfig, v.CDNConfig
		log.Info("version resolved", "product", opts.Product,
			"build_config", opts.BuildConfig, "cdn_config", opts.CDNConfig)
	}

	pool, err := cdn.NewPool(ctx, cdn.PoolOptions{
		Region:    opts.Region,
		Product:   opts.Product,
		PatchBase: opts.PatchBase,
		Client:    opts.HTTP,
		Prober:    opts.Prober,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		log:    log,
		locale: locale,
		pool:   pool,
	}
	cacheRoot := filepath.Join(opts.CacheDir, opts.Product)
	c.ledger = openLedger(filepath.Join(cacheRoot, "ledger"), log)
	c.resolver = &Resolver{
		cache:  newDiskCache(cacheRoot, log),
		pool:   pool,
		ledger: c.ledger,
		log:    log,
	}
	if opts.BaseDir != "" {
		local, err := openLocalStore(opts.BaseDir, log)
		if err != nil {
			log.Warn("local game storage unusable, continuing without it",
				"base", opts.BaseDir, "error", err)
		} else {
			c.resolver.local = local
		}
	}
	c.blobs, _ = lru.New[string, []byte](64)

	if err := c.openBuild(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) openBuild(ctx context.Context) error {
	var err error
	if c.buildCfg, c.cdnCfg, err = c.fetchConfigs(ctx); err != nil {
		return err
	}
	if c.archives, err = c.cdnCfg.Archives(); err != nil {
		return err
	}
	if err = c.openGroupIndex(ctx); err != nil {
		return err
	}
	if err = c.openFileIndex(ctx); err != nil {
		return err
	}
	if err = c.openEncoding(ctx); err != nil {
		return err
	}
	if err = c.openRoot(ctx); err != nil {
		return err
	}
	return c.openInstall(ctx)
}

func (c *Client) fetchConfigs(ctx context.Context) (config.BuildConfig, config.CDNConfig, error) {
	parse := func(hex string) (*config.Config, error) {
		res, err := c.resolver.FetchFile(ctx, KindConfig, hex, "", 0, "")
		if err != nil {
			return nil, err
		}
		if !res.Exists {
			return nil, fmt.Errorf("%w: config %s", tact_errors.ErrTransport, hex)
		}
		data, err := res.Bytes()
		if err != nil {
			return nil, err
		}
		return config.Parse(bytes.NewReader(data))
	}
	b, err := parse(c.opts.BuildConfig)
	if err != nil {
		return config.BuildConfig{}, config.CDNConfig{}, err
	}
	d, err := parse(c.opts.CDNConfig)
	if err != nil {
		return config.BuildConfig{}, config.CDNConfig{}, err
	}
	return config.BuildConfig{Config: b}, config.CDNConfig{Config: d}, nil
}

// openGroupIndex resolves the premerged group index when the CDN
// configuration names one, and builds it from the per-archive indices
// otherwise.
func (c *Client) openGroupIndex(ctx context.Context) error {
	groupHex := c.cdnCfg.ArchiveGroup()

	cached := c.resolver.cache.flatPath(groupHex + ".index")
	if groupHex != "" && c.resolver.cache.check(cached, 0) {
		return c.mapIndex(cached, &c.group)
	}

	if groupHex != "" {
		res, err := c.resolver.FetchFile(ctx, KindData, groupHex, groupHex+".index", 0, "")
		if err == nil && res.Exists {
			return c.mapIndex(res.Path, &c.group)
		}
		c.log.Info("archive-group not served, building locally", "group", groupHex)
	}

	start := time.Now()
	sources := make([]*index.Index, len(c.archives))
	defer func() {
		for _, s := range sources {
			if s != nil {
				_ = s.Close()
			}
		}
	}()
	for i, hex := range c.archives {
		res, err := c.resolver.FetchFile(ctx, KindData, hex+".index", hex+".index", 0, "")
		if err != nil {
			return err
		}
		if !res.Exists {
			return fmt.Errorf("%w: archive index %s", tact_errors.ErrTransport, hex)
		}
		if err := c.mapIndex(res.Path, &sources[i]); err != nil {
			return err
		}
	}
	path, name, err := index.BuildGroup(ctx, sources, groupHex, c.resolver.cache.root, c.log)
	if err != nil {
		return err
	}
	GroupBuildDuration.Observe(time.Since(start).Seconds())
	c.log.Info("group index built", "name", name, "archives", len(sources),
		"took", time.Since(start).String())
	return c.mapIndex(path, &c.group)
}

func (c *Client) openFileIndex(ctx context.Context) error {
	hex := c.cdnCfg.FileIndex()
	if hex == "" {
		return nil
	}
	res, err := c.resolver.FetchFile(ctx, KindData, hex+".index", hex+".index", 0, "")
	if err != nil {
		return err
	}
	if !res.Exists {
		return fmt.Errorf("%w: file index %s", tact_errors.ErrTransport, hex)
	}
	if err := c.mapIndex(res.Path, &c.fileIdx); err != nil {
		return err
	}
	if !c.fileIdx.IsFileIndex() {
		return fmt.Errorf("%w: %s is not a file index", tact_errors.ErrCorrupt, hex)
	}
	return nil
}

func (c *Client) mapIndex(path string, out **index.Index) error {
	view, err := mmap.Open(path)
	if err != nil {
		return err
	}
	idx, err := index.Open(view)
	if err != nil {
		_ = view.Close()
		return err
	}
	*out = idx
	return nil
}

func (c *Client) openEncoding(ctx context.Context) error {
	_, ekeyHex, err := c.buildCfg.EncodingKeys()
	if err != nil {
		return err
	}
	decodedSize, encodedSize, err := c.buildCfg.EncodingSizes()
	if err != nil {
		return err
	}
	ekey, err := bin.ParseKey(ekeyHex)
	if err != nil {
		return err
	}
	raw, err := c.fetchByEKey(ctx, ekey, int64(encodedSize), true)
	if err != nil {
		return err
	}
	decoded, err := blte.Decode(raw, decodedSize, c.opts.Keys)
	if err != nil {
		return err
	}
	c.encoding, err = enc.Open(mmap.Bytes(decoded))
	if err == nil {
		c.log.Info("encoding table opened", "decoded_size", decodedSize)
	}
	return err
}

func (c *Client) openRoot(ctx context.Context) error {
	ckeyHex, err := c.buildCfg.RootCKey()
	if err != nil {
		return err
	}
	decoded, err := c.decodeByCKeyHex(ctx, ckeyHex, true)
	if err != nil {
		return err
	}
	c.root, err = mfst.Open(decoded, c.locale)
	if err == nil {
		c.log.Info("root manifest opened", "pages", c.root.PageCount(),
			"records", c.root.RecordCount())
	}
	return err
}

func (c *Client) openInstall(ctx context.Context) error {
	ckeyHex, err := c.buildCfg.InstallCKey()
	if err != nil {
		return err
	}
	decoded, err := c.decodeByCKeyHex(ctx, ckeyHex, true)
	if err != nil {
		return err
	}
	c.install, err = ParseInstall(decoded)
	if err == nil {
		c.log.Info("install manifest opened", "entries", len(c.install.Entries))
	}
	return err
}

// decodeByCKeyHex runs the full chain for a manifest addressed by content
// key: encoding entry, candidate encodings, fetch, unwrap.
func (c *Client) decodeByCKeyHex(ctx context.Context, ckeyHex string, validate bool) ([]byte, error) {
	ckey, err := bin.ParseKey(ckeyHex)
	if err != nil {
		return nil, err
	}
	entry, err := c.encoding.FindByCKey(ckey)
	if err != nil {
		return nil, err
	}
	return c.decodeEntry(ctx, entry, validate)
}

// fetchByEKey returns the raw (still BLTE-wrapped) bytes for an encoding
// key, trying the installed storage, the cache, the group index, the file
// index and finally a direct whole-file fetch.
func (c *Client) fetchByEKey(ctx context.Context, ekey []byte, expectedLength int64, validate bool) ([]byte, error) {
	res, err := c.openByEKey(ctx, ekey, expectedLength, validate)
	if err != nil {
		return nil, err
	}
	if !res.Exists {
		return nil, fmt.Errorf("%w: ekey %s unreachable on every source",
			tact_errors.ErrTransport, bin.KeyString(ekey))
	}
	return res.Bytes()
}

func (c *Client) openByEKey(ctx context.Context, ekey []byte, expectedLength int64, validate bool) (Resource, error) {
	if res, ok := c.resolver.LocalFind(ekey); ok {
		return res, nil
	}

	hex := bin.KeyString(ekey)
	validateHex := ""
	if validate {
		validateHex = hex
	}

	if res, ok := c.resolver.Cached(KindData, hex, expectedLength); ok {
		if validateHex == "" {
			return res, nil
		}
		if err := c.resolver.verify(ctx, res.Path, validateHex); err == nil {
			return res, nil
		}
		// fall through: the corrupt copy is gone, re-resolve below
	}

	if c.group != nil {
		if e, ok := c.group.Lookup(ekey); ok {
			if e.ArchiveIndex < 0 || e.ArchiveIndex >= len(c.archives) {
				return Resource{}, fmt.Errorf("%w: archive index %d out of range",
					tact_errors.ErrCorrupt, e.ArchiveIndex)
			}
			return c.resolver.FetchRange(ctx, c.archives[e.ArchiveIndex],
				int64(e.Offset), int64(e.Size), hex, validateHex)
		}
	}
	if c.fileIdx != nil {
		if e, ok := c.fileIdx.Lookup(ekey); ok {
			return c.resolver.FetchFile(ctx, KindData, hex, "", int64(e.Size), validateHex)
		}
	}
	return c.resolver.FetchFile(ctx, KindData, hex, "", expectedLength, validateHex)
}

// decodeEntry unwraps one encoding entry, falling over to the next
// alternate encoding when a needed encryption key is missing.
func (c *Client) decodeEntry(ctx context.Context, entry *enc.Entry, validate bool) ([]byte, error) {
	var lastErr error
	for _, ekey := range entry.EKeys {
		hex := bin.KeyString(ekey)
		if blob, ok := c.blobs.Get(hex); ok {
			return blob, nil
		}

		var encodedSize int64
		if _, size, err := c.encoding.FindESpec(ekey); err == nil {
			encodedSize = int64(size)
		}
		raw, err := c.fetchByEKey(ctx, ekey, encodedSize, validate)
		if err != nil {
			lastErr = err
			continue
		}
		decoded, err := blte.Decode(raw, entry.DecodedSize, c.opts.Keys)
		if err != nil {
			if isMissingKey(err) {
				c.log.InfoCtx(ctx, "encrypted encoding skipped", "ekey", hex, "error", err)
				lastErr = err
				continue
			}
			return nil, err
		}
		c.blobs.Add(hex, decoded)
		return decoded, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: encoding entry has no usable ekey", tact_errors.ErrInvariant)
	}
	return nil, lastErr
}

func isMissingKey(err error) bool {
	return errors.Is(err, tact_errors.ErrMissingKey)
}

// Root exposes the loaded root manifest.
func (c *Client) Root() *mfst.Root { return c.root }

// Encoding exposes the loaded encoding table.
func (c *Client) Encoding() *enc.File { return c.encoding }

// Install exposes the loaded install manifest.
func (c *Client) Install() *Install { return c.install }

// Mirrors reports the ranked mirror pool.
func (c *Client) Mirrors() []*cdn.Mirror { return c.pool.Mirrors() }

func (c *Client) Close() {
	if c.group != nil {
		_ = c.group.Close()
	}
	if c.fileIdx != nil {
		_ = c.fileIdx.Close()
	}
	if c.encoding != nil {
		_ = c.encoding.Close()
	}
	if c.resolver != nil && c.resolver.local != nil {
		c.resolver.local.close()
	}
	c.ledger.close()
}
