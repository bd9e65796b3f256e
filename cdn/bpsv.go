// Package cdn talks to the patch services and the content mirrors: it
// discovers the mirror set for a region, ranks it by measured latency and
// serves whole-file and ranged downloads with left-to-right failover.
package cdn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ngdplib/tact/tact_errors"
)

// Table is a parsed pipe-delimited service response. The header line names
// the columns as `Name!TYPE:hint` tokens; records follow positionally.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ParseTable reads the versions/cdns wire format. `##` lines and empty
// lines are ignored wherever they appear.
func ParseTable(r io.Reader) (*Table, error) {
	t := &Table{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "##") {
			continue
		}
		fields := strings.Split(line, "|")
		if t.Columns == nil {
			for _, f := range fields {
				name, _, _ := strings.Cut(f, "!")
				t.Columns = append(t.Columns, name)
			}
			continue
		}
		t.Rows = append(t.Rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", tact_errors.ErrCorrupt, err)
	}
	if t.Columns == nil {
		return nil, fmt.Errorf("%w: service table has no header", tact_errors.ErrCorrupt)
	}
	return t, nil
}

// RowFor returns the first record whose first column equals region.
func (t *Table) RowFor(region string) ([]string, bool) {
	for _, row := range t.Rows {
		if len(row) > 0 && row[0] == region {
			return row, true
		}
	}
	return nil, false
}

// Version is one row of the versions service: the configuration hash pair
// a build is addressed by.
type Version struct {
	Region      string
	BuildConfig string
	CDNConfig   string
}

// CDNEntry is one row of the cdns service: the path stem plus the host
// pool for a region.
type CDNEntry struct {
	Region string
	Stem   string
	Hosts  []string
}

// PatchBase is the default patch service endpoint; tests override it.
const PatchBase = "http://%s.patch.battle.net:1119"

func fetchTable(ctx context.Context, client *http.Client, url string) (*Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", tact_errors.ErrCancelled, err)
		}
		return nil, fmt.Errorf("%w: %v", tact_errors.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %s returned %s", tact_errors.ErrTransport, url, resp.Status)
	}
	return ParseTable(resp.Body)
}

// Versions resolves the build and CDN configuration hashes for a region.
func Versions(ctx context.Context, client *http.Client, base, region, product string) (Version, error) {
	if base == "" {
		base = fmt.Sprintf(PatchBase, region)
	}
	t, err := fetchTable(ctx, client, fmt.Sprintf("%s/%s/versions", base, product))
	if err != nil {
		return Version{}, err
	}
	row, ok := t.RowFor(region)
	if !ok || len(row) < 3 {
		return Version{}, fmt.Errorf("%w: no versions row for region %s", tact_errors.ErrNotFound, region)
	}
	return Version{Region: row[0], BuildConfig: row[1], CDNConfig: row[2]}, nil
}

// CDNs resolves the mirror host list and path stem for a region.
func CDNs(ctx context.Context, client *http.Client, base, region, product string) (CDNEntry, error) {
	if base == "" {
		base = fmt.Sprintf(PatchBase, region)
	}
	t, err := fetchTable(ctx, client, fmt.Sprintf("%s/%s/cdns", base, product))
	if err != nil {
		return CDNEntry{}, err
	}
	row, ok := t.RowFor(region)
	if !ok || len(row) < 3 {
		return CDNEntry{}, fmt.Errorf("%w: no cdns row for region %s", tact_errors.ErrNotFound, region)
	}
	return CDNEntry{
		Region: row[0],
		Stem:   strings.Trim(row[1], "/"),
		Hosts:  strings.Fields(row[2]),
	}, nil
}
