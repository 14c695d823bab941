package heap_test

import (
	"testing"

	"github.com/gogpu/bufferuploads/heap"
	"pgregory.net/rapid"
)

// TestDefragCompactsProperty checks the §8 invariant: after computing and
// applying a defrag, LargestFreeBlock equals AvailableSpace (the heap is
// maximally compact), for arbitrary alloc/free sequences.
func TestDefragCompactsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const size = 4096
		h := heap.New(size, 1)

		var live []struct{ off, sz uint64 }
		ops := rapid.IntRange(1, 40).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			if len(live) > 0 && rapid.Boolean().Draw(t, "free") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "idx")
				h.Deallocate(live[idx].off, live[idx].sz)
				live = append(live[:idx], live[idx+1:]...)
				continue
			}
			sz := uint64(rapid.IntRange(1, 256).Draw(t, "sz"))
			if off, ok := h.Allocate(sz); ok {
				live = append(live, struct{ off, sz uint64 }{off, sz})
			}
		}

		steps := h.CalculateDefragSteps()
		h.ApplyDefrag(steps)

		if got, want := h.LargestFreeBlock(), h.AvailableSpace(); got != want {
			t.Fatalf("post-defrag LargestFreeBlock()=%d != AvailableSpace()=%d", got, want)
		}
		if more := h.CalculateDefragSteps(); len(more) != 0 {
			t.Fatalf("heap not compact after ApplyDefrag: %v", more)
		}
	})
}
