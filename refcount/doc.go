// Package refcount implements ReferenceCountingLayer, a structure parallel
// to heap.SpanningHeap that tracks per-byte reference counts as a sorted,
// non-overlapping list of {start, end, refCount} entries.
//
// BatchedResources keeps one ReferenceCountingLayer per prototype-sized
// resource, alongside its SpanningHeap: the heap tracks which bytes are
// allocated at all, the layer tracks how many live ResourceLocators point
// into each allocated byte. A range's allocation is only released back to
// the heap once its reference count in the layer drops to zero.
package refcount
