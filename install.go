package tact

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ngdplib/tact/bin"
	"github.com/ngdplib/tact/tact_errors"
)

// InstallEntry names a file shipped by the installer: its path, the
// content key of its decoded bytes and its size.
type InstallEntry struct {
	Name string
	CKey []byte
	Size uint64
}

// Install is the parsed install manifest, a tab-separated table of
// name, content hash and size.
type Install struct {
	Entries []InstallEntry

	byName map[string]int
}

// ParseInstall reads the decoded install manifest blob.
func ParseInstall(data []byte) (*Install, error) {
	in := &Install{byName: make(map[string]int)}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: install manifest line %d has %d fields",
				tact_errors.ErrCorrupt, lineNo, len(fields))
		}
		ckey, err := bin.ParseKey(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: install manifest line %d: bad hash %q",
				tact_errors.ErrCorrupt, lineNo, fields[1])
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: install manifest line %d: bad size %q",
				tact_errors.ErrCorrupt, lineNo, fields[2])
		}
		in.byName[strings.ToLower(fields[0])] = len(in.Entries)
		in.Entries = append(in.Entries, InstallEntry{Name: fields[0], CKey: ckey, Size: size})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", tact_errors.ErrCorrupt, err)
	}
	return in, nil
}

// Find looks an entry up by name, case-insensitively.
func (in *Install) Find(name string) (InstallEntry, bool) {
	i, ok := in.byName[strings.ToLower(name)]
	if !ok {
		return InstallEntry{}, false
	}
	return in.Entries[i], true
}
