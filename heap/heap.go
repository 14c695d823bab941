package heap

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"
)

// ErrHeapExhausted reports that no free span can fit a request. Allocate
// itself signals that case with ok == false; package batch returns this
// error when a new prototype or a defrag's replacement heap cannot place
// an allocation.
var ErrHeapExhausted = errors.New("heap: exhausted, no free span fits the request")

// DefragStep describes one compaction move: bytes in [SourceStart,
// SourceEnd) must be relocated so that they begin at Destination. The set
// of steps returned by CalculateDefragSteps is disjoint on both ends and,
// applied atomically, leaves every live allocation at exactly
// Destination + (originalStart - SourceStart).
type DefragStep struct {
	SourceStart uint64
	SourceEnd   uint64
	Destination uint64
}

type span struct {
	start, end uint64 // [start, end)
}

func (s span) len() uint64 { return s.end - s.start }

// Stats snapshots heap occupancy for metrics reporting.
type Stats struct {
	TotalSize       uint64
	AllocatedSpace  uint64
	FreeSpace       uint64
	AllocationCount int
	PeakAllocated   uint64
}

// SpanningHeap manages a byte range [0, N) as a first-fit free-list
// allocator. Safe for concurrent use.
type SpanningHeap struct {
	mu      sync.Mutex
	size    uint64
	quantum uint64
	free    []span          // sorted by start, coalesced, non-overlapping
	allocs  map[uint64]uint64 // offset -> size, live allocations

	peakAllocated uint64
}

// New creates a SpanningHeap managing [0, size) with the given allocation
// quantum (every offset and size is rounded up to a multiple of quantum).
// quantum of 0 is treated as 1 (byte granular).
func New(size, quantum uint64) *SpanningHeap {
	if quantum == 0 {
		quantum = 1
	}
	h := &SpanningHeap{
		size:    size,
		quantum: quantum,
		allocs:  make(map[uint64]uint64),
	}
	if size > 0 {
		h.free = []span{{start: 0, end: size}}
	}
	return h
}

func roundUp(v, q uint64) uint64 {
	if q <= 1 {
		return v
	}
	rem := v % q
	if rem == 0 {
		return v
	}
	return v + (q - rem)
}

// Allocate returns a free offset, aligned to the heap's quantum, that can
// hold size bytes. ok is false (ErrHeapExhausted-worthy) when no free span
// fits; the caller decides whether to AppendNewBlock and retry.
func (h *SpanningHeap) Allocate(size uint64) (offset uint64, ok bool) {
	if size == 0 {
		return 0, false
	}
	size = roundUp(size, h.quantum)

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.free {
		if s.len() < size {
			continue
		}
		offset = s.start
		if s.len() == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{start: s.start + size, end: s.end}
		}
		h.allocs[offset] = size
		if alloc := h.allocatedSpaceLocked(); alloc > h.peakAllocated {
			h.peakAllocated = alloc
		}
		return offset, true
	}
	return 0, false
}

// Allocation is one live (offset, size) pair, as reported by LiveAllocations.
type Allocation struct {
	Offset uint64
	Size   uint64
}

// LiveAllocations returns every live allocation, sorted by offset. Used by
// callers (BatchedResources' defrag replacement construction) that need to
// rebuild an equivalent heap layout rather than just the set of moves.
func (h *SpanningHeap) LiveAllocations() []Allocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Allocation, 0, len(h.allocs))
	for off, size := range h.allocs {
		out = append(out, Allocation{Offset: off, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// AllocateAt reserves the exact range [offset, offset+size) out of the
// free list, failing if any part of that range is not currently free. Used
// to reconstruct a heap's layout at known offsets (e.g. replaying a
// defrag's destination layout into a fresh replacement heap) rather than
// letting Allocate pick a location.
func (h *SpanningHeap) AllocateAt(offset, size uint64) bool {
	if size == 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	end := offset + size
	for i, s := range h.free {
		if s.start <= offset && end <= s.end {
			switch {
			case s.start == offset && s.end == end:
				h.free = append(h.free[:i], h.free[i+1:]...)
			case s.start == offset:
				h.free[i] = span{start: end, end: s.end}
			case s.end == end:
				h.free[i] = span{start: s.start, end: offset}
			default:
				h.free = append(h.free, span{})
				copy(h.free[i+2:], h.free[i+1:])
				h.free[i] = span{start: s.start, end: offset}
				h.free[i+1] = span{start: end, end: s.end}
			}
			h.allocs[offset] = size
			if alloc := h.allocatedSpaceLocked(); alloc > h.peakAllocated {
				h.peakAllocated = alloc
			}
			return true
		}
	}
	return false
}

// AppendNewBlock grows the managed range by additional bytes, making the
// new space immediately available to Allocate.
func (h *SpanningHeap) AppendNewBlock(additional uint64) {
	if additional == 0 {
		return
	}
	additional = roundUp(additional, h.quantum)

	h.mu.Lock()
	defer h.mu.Unlock()

	oldSize := h.size
	h.size += additional
	if n := len(h.free); n > 0 && h.free[n-1].end == oldSize {
		h.free[n-1].end = h.size
		return
	}
	h.free = append(h.free, span{start: oldSize, end: h.size})
}

// Deallocate releases [offset, offset+size) back to the free list, merging
// with adjacent free runs. size must match the size passed to the
// corresponding Allocate call (after quantum rounding).
func (h *SpanningHeap) Deallocate(offset, size uint64) {
	size = roundUp(size, h.quantum)

	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.allocs, offset)
	h.insertFreeLocked(span{start: offset, end: offset + size})
}

func (h *SpanningHeap) insertFreeLocked(s span) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].start >= s.start })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s

	// Merge with next.
	if i+1 < len(h.free) && h.free[i].end == h.free[i+1].start {
		h.free[i].end = h.free[i+1].end
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	// Merge with previous.
	if i > 0 && h.free[i-1].end == h.free[i].start {
		h.free[i-1].end = h.free[i].end
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

func (h *SpanningHeap) allocatedSpaceLocked() uint64 {
	var total uint64
	for _, size := range h.allocs {
		total += size
	}
	return total
}

// AllocatedSpace returns the sum of all live allocation sizes.
func (h *SpanningHeap) AllocatedSpace() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocatedSpaceLocked()
}

// AvailableSpace returns the sum of all free span sizes.
func (h *SpanningHeap) AvailableSpace() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for _, s := range h.free {
		total += s.len()
	}
	return total
}

// LargestFreeBlock returns the size of the single largest free span.
func (h *SpanningHeap) LargestFreeBlock() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var largest uint64
	for _, s := range h.free {
		if l := s.len(); l > largest {
			largest = l
		}
	}
	return largest
}

// IsEmpty reports whether the heap has no live allocations.
func (h *SpanningHeap) IsEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.allocs) == 0
}

// Size returns the total managed range.
func (h *SpanningHeap) Size() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Stats returns an occupancy snapshot.
func (h *SpanningHeap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	alloc := h.allocatedSpaceLocked()
	return Stats{
		TotalSize:       h.size,
		AllocatedSpace:  alloc,
		FreeSpace:       h.size - alloc,
		AllocationCount: len(h.allocs),
		PeakAllocated:   h.peakAllocated,
	}
}

// CalculateDefragSteps returns the minimal set of moves that compacts all
// live allocations to the low end of the heap, preserving relative order.
// Returns nil if the heap is already compact (every live allocation's
// destination equals its current offset).
func (h *SpanningHeap) CalculateDefragSteps() []DefragStep {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.allocs) == 0 {
		return nil
	}
	offsets := make([]uint64, 0, len(h.allocs))
	for off := range h.allocs {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var steps []DefragStep
	var cursor uint64
	for _, off := range offsets {
		size := h.allocs[off]
		if off != cursor {
			steps = append(steps, DefragStep{
				SourceStart: off,
				SourceEnd:   off + size,
				Destination: cursor,
			})
		}
		cursor += size
	}
	return steps
}

// ApplyDefrag folds a previously computed (and, by the caller, already
// applied-to-the-resource) set of DefragSteps into the heap's own
// bookkeeping: live allocations move to their destination offsets and the
// free list collapses to a single trailing span.
func (h *SpanningHeap) ApplyDefrag(steps []DefragStep) {
	h.mu.Lock()
	defer h.mu.Unlock()

	moved := make(map[uint64]uint64, len(h.allocs))
	for off, size := range h.allocs {
		dest := ResolveOffset(off, steps)
		moved[dest] = size
	}
	h.allocs = moved

	total := h.allocatedSpaceLocked()
	h.free = nil
	if total < h.size {
		h.free = []span{{start: total, end: h.size}}
	}
}

// ResolveOffset maps oldOffset through the unique DefragStep covering it.
// If no step covers oldOffset, it is assumed unmoved.
func ResolveOffset(oldOffset uint64, steps []DefragStep) uint64 {
	for _, s := range steps {
		if oldOffset >= s.SourceStart && oldOffset < s.SourceEnd {
			return s.Destination + (oldOffset - s.SourceStart)
		}
	}
	return oldOffset
}

// CalculateHash returns a stable content hash of the live-allocation
// layout, used to suppress repeated defrags of an unchanged heap.
func (h *SpanningHeap) CalculateHash() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	offsets := make([]uint64, 0, len(h.allocs))
	for off := range h.allocs {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	sum := fnv.New64a()
	var buf [8]byte
	write := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = sum.Write(buf[:])
	}
	for _, off := range offsets {
		write(off)
		write(h.allocs[off])
	}
	return sum.Sum64()
}
