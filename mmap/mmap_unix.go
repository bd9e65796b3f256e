//go:build unix

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// lookups jump between the TOC and the data blocks
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return data, nil
}

func unmap(data []byte) error {
	return unix.Munmap(data)
}
