//go:build linux

package secret

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// alloc maps an anonymous region outside the Go heap, excludes it from core
// dumps and tries to lock it into RAM. mlock is best effort: unprivileged
// processes often run with a tiny RLIMIT_MEMLOCK.
func alloc(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, fmt.Errorf("secret: mmap failed: %w", err)
	}
	locked := unix.Mlock(data) == nil
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	free := func([]byte) error {
		if locked {
			unix.Munlock(data)
		}
		if err := unix.Munmap(data); err != nil {
			return fmt.Errorf("secret: munmap failed: %w", err)
		}
		return nil
	}
	return data, free, nil
}
