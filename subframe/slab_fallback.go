//go:build !linux && !darwin

package subframe

// newSlab allocates size bytes on the Go heap. Platforms without an
// golang.org/x/sys/unix mmap path don't get the real anonymous-mapping
// behavior, but SubFrameHeap's bump-pointer contract is unaffected.
func newSlab(size int) ([]byte, func(), error) {
	return make([]byte, size), func() {}, nil
}
