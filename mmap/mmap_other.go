//go:build !unix

package mmap

import (
	"io"
	"os"
)

// Plain read fallback for platforms without mmap support.
func mapFile(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func unmap(data []byte) error {
	return nil
}
