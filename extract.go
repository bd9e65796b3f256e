package tact

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ngdplib/tact/bin"
	"github.com/ngdplib/tact/blte"
	"github.com/ngdplib/tact/tact_errors"
	"github.com/ngdplib/tact/utils"
)

// traced stamps the request context with a trace id so every log line of
// one extraction can be tied together.
func traced(ctx context.Context, by string, id any) context.Context {
	return utils.WithDefaultArgs(ctx, "trace", uuid.NewString(), by, id)
}

// ExtractFileDataID returns the decoded bytes of a file addressed by its
// game-assigned id.
func (c *Client) ExtractFileDataID(ctx context.Context, fdid uint32) ([]byte, error) {
	ctx = traced(ctx, "fdid", fdid)
	defer observe("fdid", time.Now())

	rec, ok := c.root.FindFileDataID(fdid)
	if !ok {
		return nil, fmt.Errorf("%w: file data id %d", tact_errors.ErrNotFound, fdid)
	}
	return c.extractCKey(ctx, rec.CKey)
}

// ExtractContentKey returns the decoded bytes of a file addressed by the
// digest of its contents.
func (c *Client) ExtractContentKey(ctx context.Context, ckey []byte) ([]byte, error) {
	ctx = traced(ctx, "ckey", bin.KeyString(ckey))
	defer observe("ckey", time.Now())
	return c.extractCKey(ctx, ckey)
}

// ExtractEncodingKey returns the decoded bytes of a specific encoding,
// bypassing the content-key indirection. The decoded size is unknown on
// this path, so the container's own chunk table is the only length check.
func (c *Client) ExtractEncodingKey(ctx context.Context, ekey []byte) ([]byte, error) {
	ctx = traced(ctx, "ekey", bin.KeyString(ekey))
	defer observe("ekey", time.Now())

	var encodedSize int64
	if _, size, err := c.encoding.FindESpec(ekey); err == nil {
		encodedSize = int64(size)
	}
	raw, err := c.fetchByEKey(ctx, ekey, encodedSize, false)
	if err != nil {
		return nil, err
	}
	return c.decodeRaw(raw, 0)
}

// ExtractFileName returns the decoded bytes of a file addressed by its
// virtual path: first through the root's name hashes, then through the
// install manifest.
func (c *Client) ExtractFileName(ctx context.Context, name string) ([]byte, error) {
	ctx = traced(ctx, "name", name)
	defer observe("name", time.Now())

	if rec, ok := c.root.FindName(name); ok {
		return c.extractCKey(ctx, rec.CKey)
	}
	if e, ok := c.install.Find(name); ok {
		c.log.DebugCtx(ctx, "name resolved through install manifest")
		return c.extractCKey(ctx, e.CKey)
	}
	return nil, fmt.Errorf("%w: file name %q", tact_errors.ErrNotFound, name)
}

func (c *Client) extractCKey(ctx context.Context, ckey []byte) ([]byte, error) {
	entry, err := c.encoding.FindByCKey(ckey)
	if err != nil {
		return nil, err
	}
	return c.decodeEntry(ctx, entry, false)
}

func (c *Client) decodeRaw(raw []byte, decodedSize uint64) ([]byte, error) {
	return blte.Decode(raw, decodedSize, c.opts.Keys)
}

func observe(by string, start time.Time) {
	ExtractDuration.WithLabelValues(by).Observe(time.Since(start).Seconds())
}
