//go:build linux || darwin

package subframe

import "golang.org/x/sys/unix"

// newSlab anonymously maps size bytes of scratch memory. The returned
// func unmaps it; callers must invoke it exactly once.
func newSlab(size int) ([]byte, func(), error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { _ = unix.Munmap(b) }, nil
}
