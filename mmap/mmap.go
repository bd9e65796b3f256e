// Package mmap is a thin read-only memory-map wrapper. Format readers keep
// one View per opened file; every slice they hand out borrows from the view
// and is valid until the view is closed.
package mmap

import (
	"fmt"
	"os"
)

type View struct {
	data   []byte
	mapped bool
}

// Bytes wraps an in-memory buffer in a View so synthetic files (tests, the
// group-index builder) go through the same reader code as mapped ones.
func Bytes(data []byte) *View {
	return &View{data: data}
}

func (v *View) Data() []byte {
	return v.data
}

func (v *View) Len() int {
	return len(v.data)
}

// Open maps path read-only and advises the kernel that access is random.
func Open(path string) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return &View{}, nil
	}
	data, err := mapFile(f, int(st.Size()))
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &View{data: data, mapped: true}, nil
}

func (v *View) Close() error {
	if !v.mapped || v.data == nil {
		v.data = nil
		return nil
	}
	data := v.data
	v.data = nil
	v.mapped = false
	return unmap(data)
}
