package tact

import (
	"fmt"
	"os"

	"github.com/ngdplib/tact/mmap"
	"github.com/ngdplib/tact/tact_errors"
)

// Resource is a handle to a byte range, possibly inside a larger archive
// file. It does not own the backing file; reads map it for the duration of
// the call only. Empty resources (Exists false) are legal and stand for
// "missing".
type Resource struct {
	Path   string
	Offset int64
	Length int64
	Exists bool
}

// Bytes reads the resource's range. A Length of zero means "to the end of
// the file".
func (r Resource) Bytes() ([]byte, error) {
	if !r.Exists {
		return nil, fmt.Errorf("%w: empty resource", tact_errors.ErrNotFound)
	}
	view, err := mmap.Open(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", tact_errors.ErrNotFound, r.Path)
		}
		return nil, err
	}
	defer view.Close()

	data := view.Data()
	if r.Offset > int64(len(data)) {
		return nil, fmt.Errorf("%w: offset %d beyond %d-byte file %s",
			tact_errors.ErrCorrupt, r.Offset, len(data), r.Path)
	}
	data = data[r.Offset:]
	if r.Length > 0 {
		if r.Length > int64(len(data)) {
			return nil, fmt.Errorf("%w: range %d+%d beyond end of %s",
				tact_errors.ErrCorrupt, r.Offset, r.Length, r.Path)
		}
		data = data[:r.Length]
	}
	// the mapping dies with this call; hand back a copy
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Size reports the backing range length, statting the file when the
// resource covers its tail.
func (r Resource) Size() (int64, error) {
	if !r.Exists {
		return 0, nil
	}
	if r.Length > 0 {
		return r.Length, nil
	}
	st, err := os.Stat(r.Path)
	if err != nil {
		return 0, err
	}
	return st.Size() - r.Offset, nil
}
