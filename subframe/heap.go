package subframe

import "sync"

// slabSize is the per-block size the spec fixes at 256 KiB.
const slabSize = 256 * 1024

// maxRecycled bounds the reusable block pool; beyond this, a retired block
// is unmapped instead of recycled.
const maxRecycled = 5

// pendingWarnDepth is the pending-queue length at which OnProducerFrameBarrier
// logs a warning: the consumer is falling behind.
const pendingWarnDepth = 16

type block struct {
	id   uint64
	buf  []byte
	free func()
	off  uint32
}

func newBlock(id uint64) (*block, error) {
	buf, free, err := newSlab(slabSize)
	if err != nil {
		return nil, err
	}
	return &block{id: id, buf: buf, free: free}, nil
}

// SubFrameHeap is a per-thread bump-pointer arena over fixed-size blocks.
// One producer thread calls AllocateAligned and OnProducerFrameBarrier; a
// (possibly different) consumer thread calls OnConsumerFrameBarrier once
// it has finished with everything up to a given retired block id.
type SubFrameHeap struct {
	mini *MiniHeap

	mu      sync.Mutex
	nextID  uint64
	current *block
	pool    []*block
	pending []*block
}

// New constructs a SubFrameHeap backed by mini for overflow allocations.
func New(mini *MiniHeap) (*SubFrameHeap, error) {
	h := &SubFrameHeap{mini: mini}
	b, err := newBlock(h.nextID)
	if err != nil {
		return nil, err
	}
	h.nextID++
	h.current = b
	return h, nil
}

// AllocateAligned bumps the current block's pointer to an align-aligned
// offset and reserves size bytes there, returning the packet and true. If
// the current block has no room left, it returns the zero SharedPkt and
// false; the caller is expected to fall back to h.Mini().Alloc(size).
func (h *SubFrameHeap) AllocateAligned(size, align uint32) (SharedPkt, bool) {
	if align == 0 {
		align = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	start := (h.current.off + align - 1) &^ (align - 1)
	end := start + size
	if end > uint32(len(h.current.buf)) || end < start {
		return SharedPkt{}, false
	}
	h.current.off = end
	return SharedPkt{data: h.current.buf[start:end], marker: subframeMarker}, true
}

// Mini returns the overflow MiniHeap.
func (h *SubFrameHeap) Mini() *MiniHeap { return h.mini }

// OnProducerFrameBarrier retires the current block into the pending queue
// for the consumer, replaces it with a recycled or freshly allocated
// block, and returns the id of the block just retired.
//
// Called only from the single designated producer thread (per §4.10, a
// SubFrameHeap is per-thread), so the whole swap runs under one critical
// section without needing to release the lock around the mmap syscall.
func (h *SubFrameHeap) OnProducerFrameBarrier() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	retired := h.current
	h.pending = append(h.pending, retired)
	if len(h.pending) >= pendingWarnDepth {
		logWarnf("subframe: pending block queue depth %d, consumer is behind", len(h.pending))
	}

	var next *block
	if n := len(h.pool); n > 0 {
		next = h.pool[n-1]
		h.pool = h.pool[:n-1]
		next.off = 0
	} else {
		b, err := newBlock(h.nextID)
		if err != nil {
			h.pending = h.pending[:len(h.pending)-1]
			return 0, err
		}
		h.nextID++
		next = b
	}

	h.current = next
	return retired.id, nil
}

// OnConsumerFrameBarrier releases every pending block with id <= id back
// to the reusable pool (capped at maxRecycled; the rest are unmapped).
func (h *SubFrameHeap) OnConsumerFrameBarrier(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.pending[:0]
	for _, b := range h.pending {
		if b.id > id {
			kept = append(kept, b)
			continue
		}
		if len(h.pool) < maxRecycled {
			h.pool = append(h.pool, b)
		} else {
			b.free()
		}
	}
	h.pending = kept
}

// PendingDepth reports how many retired blocks are awaiting a consumer
// barrier; exported for metrics/tests.
func (h *SubFrameHeap) PendingDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close unmaps every block the heap owns (current, pooled, and pending).
// Only safe once no producer/consumer call is in flight.
func (h *SubFrameHeap) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.free()
	}
	for _, b := range h.pool {
		b.free()
	}
	for _, b := range h.pending {
		b.free()
	}
	h.current, h.pool, h.pending = nil, nil, nil
}
