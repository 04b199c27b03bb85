//go:build unix

package jit

import (
	"golang.org/x/sys/unix"
)

// mapStackRegion maps size bytes plus a PROT_NONE guard page below them.
func mapStackRegion(size int) ([]byte, func() error, error) {
	page := unix.Getpagesize()
	size = (size + page - 1) &^ (page - 1)
	region, err := unix.Mmap(-1, 0, size+page, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	if err := unix.Mprotect(region[:page], unix.PROT_NONE); err != nil {
		unix.Munmap(region)
		return nil, nil, err
	}
	release := func() error {
		return unix.Munmap(region)
	}
	return region[page:], release, nil
}
