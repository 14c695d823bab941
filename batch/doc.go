// Package batch implements BatchedResources: a sub-allocator that packs
// many small linear-buffer allocations into large "prototype-sized" GPU
// resources, each backed by a heap.SpanningHeap for address management and
// a refcount.Layer tracking how many live locators reference each byte
// range.
//
// Live defragmentation compacts a single heap at a time: TickDefrag builds
// a replacement HeapedResource, copies the surviving bytes across via the
// hal.Encoder, and publishes the swap once the copy's command list has
// committed — callers observe this only through ResolveOffset's
// coordinate remapping, never a pause.
package batch
