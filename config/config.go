// Package config parses the build and CDN configuration blobs: one
// assignment per line, `key = v1 v2` or `key v1 v2`, `#` comments.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ngdplib/tact/tact_errors"
)

type Config struct {
	values map[string][]string
}

func Parse(r io.Reader) (*Config, error) {
	c := &Config{values: make(map[string][]string)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		key, rest, found := strings.Cut(line, "=")
		if !found {
			key, rest, _ = strings.Cut(line, " ")
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		var vals []string
		for _, v := range strings.Fields(rest) {
			vals = append(vals, v)
		}
		c.values[key] = vals
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", tact_errors.ErrCorrupt, err)
	}
	return c, nil
}

// Get returns every value of key, nil when absent.
func (c *Config) Get(key string) []string {
	return c.values[key]
}

// First returns the first value of key, "" when absent or empty.
func (c *Config) First(key string) string {
	v := c.values[key]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// require fetches key or fails with a corrupt-config error naming it.
func (c *Config) require(key string, n int) ([]string, error) {
	v := c.values[key]
	if len(v) < n {
		return nil, fmt.Errorf("%w: config key %q needs %d values, has %d",
			tact_errors.ErrCorrupt, key, n, len(v))
	}
	return v, nil
}

// BuildConfig wraps the keys the build orchestrator consumes.
type BuildConfig struct {
	*Config
}

// EncodingKeys returns the encoding file's content hash and encoding hash.
func (b BuildConfig) EncodingKeys() (ckey, ekey string, err error) {
	v, err := b.require("encoding", 2)
	if err != nil {
		return "", "", err
	}
	return v[0], v[1], nil
}

// EncodingSizes returns the decoded and encoded sizes of the encoding file.
func (b BuildConfig) EncodingSizes() (decoded, encoded uint64, err error) {
	v, err := b.require("encoding-size", 1)
	if err != nil {
		return 0, 0, err
	}
	decoded, err = strconv.ParseUint(v[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad encoding-size %q", tact_errors.ErrCorrupt, v[0])
	}
	if len(v) > 1 {
		encoded, err = strconv.ParseUint(v[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: bad encoding-size %q", tact_errors.ErrCorrupt, v[1])
		}
	}
	return decoded, encoded, nil
}

func (b BuildConfig) RootCKey() (string, error) {
	v, err := b.require("root", 1)
	if err != nil {
		return "", err
	}
	return v[0], nil
}

func (b BuildConfig) InstallCKey() (string, error) {
	v, err := b.require("install", 1)
	if err != nil {
		return "", err
	}
	return v[0], nil
}

// CDNConfig wraps the keys naming the build's archives and indices.
type CDNConfig struct {
	*Config
}

// Archives returns the archive hash list; position is the archive index.
func (c CDNConfig) Archives() ([]string, error) {
	return c.require("archives", 1)
}

// ArchiveGroup returns the pre-merged group index hash, "" when the config
// does not carry one.
func (c CDNConfig) ArchiveGroup() string {
	return c.First("archive-group")
}

func (c CDNConfig) FileIndex() string {
	return c.First("file-index")
}
