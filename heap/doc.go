// Package heap implements SpanningHeap, a first-fit free-list allocator
// over a fixed byte range [0, N). It is the slot allocator behind the
// transaction table (16-byte slots) and the offset allocator behind each
// BatchedResources prototype buffer.
//
// # Allocation strategy
//
// Free space is kept as a sorted, coalesced list of [start, end) runs.
// Allocate does a first-fit scan (the free list is small in practice —
// fragmented-enough heaps get defragged, see CalculateDefragSteps) and
// splits the chosen run. Deallocate merges the freed range back into its
// neighbours.
//
// # Defragmentation
//
// CalculateDefragSteps walks the live allocations in address order and
// returns the minimal set of moves that packs them against offset 0,
// preserving relative order. It does not mutate the heap — the caller
// either calls ApplyDefrag to fold the heap's own bookkeeping over to the
// compacted layout, or (as BatchedResources does) builds a replacement
// heap with LiveAllocations and AllocateAt at the resolved destinations.
package heap
