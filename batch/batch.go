package batch

import (
	"errors"
	"sync"

	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/heap"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/refcount"
	"github.com/gogpu/bufferuploads/types"
)

// ErrTooLargeForPrototype is returned by Allocate when size exceeds the
// prototype resource size and can never be satisfied by this allocator.
var ErrTooLargeForPrototype = errors.New("batch: requested size exceeds prototype size")

// quantum is 1 (byte-exact): unlike the AssemblyLine transaction table,
// which the spec pins to 16-byte slots, BatchedResources packs arbitrarily
// sized index/vertex data and rounding here would desynchronize the
// SpanningHeap's allocated bytes from the paired ReferenceCountingLayer's
// tracked bytes.
const quantum = 1

// HeapedResource pairs one prototype-sized GPU resource with the
// SpanningHeap/ReferenceCountingLayer pair that sub-allocates it.
type HeapedResource struct {
	id             uint64
	resource       hal.Resource
	heap           *heap.SpanningHeap
	refs           *refcount.Layer
	defragCount    int
	hashLastDefrag uint64
}

type pendingDeallocate struct {
	offset, size uint64
}

// DefragEvent mirrors the spec's Event_ResourceReposition: it names the
// resource being retired, its replacement, and the DefragSteps needed to
// remap any outstanding locator's offset.
type DefragEvent struct {
	HeapID          uint64
	OriginalResource hal.Resource
	NewResource     hal.Resource
	Steps           []heap.DefragStep
}

type activeDefrag struct {
	sourceID    uint64
	replacement *HeapedResource
	steps       []heap.DefragStep
	pending     []pendingDeallocate
}

// Resources is BatchedResources: the sub-allocator packing many small
// linear-buffer allocations into prototype-sized GPU resources.
type Resources struct {
	mu    sync.RWMutex
	heaps map[uint64]*HeapedResource
	order []uint64
	next  uint64

	defragMu      sync.Mutex
	active        *activeDefrag
	fragThreshold uint64

	device        hal.Device
	prototypeDesc types.ResourceDesc
	prototypeSize uint64
}

// New creates an empty BatchedResources allocator. prototypeDesc describes
// the resource to device-create for each new prototype (its Buffer.Size is
// overwritten with prototypeSize).
func New(device hal.Device, prototypeDesc types.ResourceDesc, prototypeSize, fragThreshold uint64) *Resources {
	return &Resources{
		heaps:         make(map[uint64]*HeapedResource),
		device:        device,
		prototypeDesc: prototypeDesc,
		prototypeSize: prototypeSize,
		fragThreshold: fragThreshold,
	}
}

// Allocate sub-allocates size bytes from the best-fit existing prototype
// (skipping one currently under defrag), device-creating a new prototype
// if none fits.
func (r *Resources) Allocate(size uint64, name string) (locator.Locator, error) {
	if size > r.prototypeSize {
		return locator.Empty(), ErrTooLargeForPrototype
	}

	r.mu.RLock()
	r.defragMu.Lock()
	var skip uint64
	hasActive := r.active != nil
	if hasActive {
		skip = r.active.sourceID
	}
	r.defragMu.Unlock()

	var best *HeapedResource
	var bestFree uint64 = ^uint64(0)
	for _, id := range r.order {
		if hasActive && id == skip {
			continue
		}
		h := r.heaps[id]
		free := h.heap.LargestFreeBlock()
		if free >= size && free < bestFree {
			best, bestFree = h, free
		}
	}
	if best != nil {
		off, ok := best.heap.Allocate(size)
		if ok {
			best.refs.AddRef(off, size)
			r.mu.RUnlock()
			return locator.SubPooled(best.resource, off, size, locator.NewPoolHandle(r), best.id, 0), nil
		}
	}
	r.mu.RUnlock()

	return r.allocateNewPrototype(size)
}

func (r *Resources) allocateNewPrototype(size uint64) (locator.Locator, error) {
	desc := r.prototypeDesc
	desc.Buffer.Size = r.prototypeSize
	res, err := r.device.CreateResource(desc, nil)
	if err != nil {
		return locator.Empty(), err
	}

	r.mu.Lock()
	r.next++
	id := r.next
	hr := &HeapedResource{id: id, resource: res, heap: heap.New(r.prototypeSize, quantum), refs: refcount.New()}
	off, ok := hr.heap.Allocate(size)
	if !ok {
		r.mu.Unlock()
		res.Destroy()
		return locator.Empty(), heap.ErrHeapExhausted
	}
	hr.refs.AddRef(off, size)
	r.heaps[id] = hr
	r.order = append(r.order, id)
	r.mu.Unlock()

	return locator.SubPooled(res, off, size, locator.NewPoolHandle(r), id, 0), nil
}

// AddRef implements locator.Pool: Copy on a batched sub-locator adds
// another reference to its byte range.
func (r *Resources) AddRef(marker uint64, resource hal.Resource, offset, size uint64) {
	r.mu.RLock()
	hr, ok := r.heaps[marker]
	r.mu.RUnlock()
	if ok {
		hr.refs.AddRef(offset, size)
	}
}

// Release implements locator.Pool: drops one reference to [offset,size)
// in the owning heap; if that was the last reference, the range is
// deallocated from the SpanningHeap — deferred to the active defrag's
// pending list if that heap is currently being defragged.
func (r *Resources) Release(marker uint64, resource hal.Resource, offset, size uint64) {
	r.mu.RLock()
	hr, ok := r.heaps[marker]
	r.mu.RUnlock()
	if !ok {
		return
	}
	minRef, _ := hr.refs.Release(offset, size)
	if minRef > 0 {
		return
	}

	r.defragMu.Lock()
	if r.active != nil && r.active.sourceID == marker {
		r.active.pending = append(r.active.pending, pendingDeallocate{offset: offset, size: size})
		r.defragMu.Unlock()
		return
	}
	r.defragMu.Unlock()

	hr.heap.Deallocate(offset, size)
}

func fragmentationWeight(available, largest uint64) uint64 {
	if largest < available/2 {
		return available - largest
	}
	return 0
}

// TickDefrag starts a new defrag pass if none is active and a heap's
// fragmentation weight exceeds the configured threshold, issuing the
// compaction copy through enc. It returns nil if no work was started (no
// fragmented heap found, or a defrag is already in flight awaiting
// CommitDefrag). The caller is responsible for committing enc's command
// list and, once the immediate context reports it complete, calling
// CommitDefrag with the returned event.
func (r *Resources) TickDefrag(enc hal.Encoder) (*DefragEvent, error) {
	r.defragMu.Lock()
	if r.active != nil {
		r.defragMu.Unlock()
		return nil, nil
	}
	r.defragMu.Unlock()

	r.mu.RLock()
	var candidate *HeapedResource
	var bestWeight uint64
	for _, id := range r.order {
		h := r.heaps[id]
		w := fragmentationWeight(h.heap.AvailableSpace(), h.heap.LargestFreeBlock())
		hash := h.heap.CalculateHash()
		if w > r.fragThreshold && hash != h.hashLastDefrag && w > bestWeight {
			candidate, bestWeight = h, w
		}
	}
	r.mu.RUnlock()

	if candidate == nil {
		return nil, nil
	}

	steps := candidate.heap.CalculateDefragSteps()
	if len(steps) == 0 {
		candidate.hashLastDefrag = candidate.heap.CalculateHash()
		return nil, nil
	}

	desc := r.prototypeDesc
	desc.Buffer.Size = r.prototypeSize
	newRes, err := r.device.CreateResource(desc, nil)
	if err != nil {
		return nil, err
	}

	newHeap := heap.New(r.prototypeSize, quantum)
	for _, a := range candidate.heap.LiveAllocations() {
		dest := heap.ResolveOffset(a.Offset, steps)
		if !newHeap.AllocateAt(dest, a.Size) {
			newRes.Destroy()
			return nil, heap.ErrHeapExhausted
		}
	}
	newRefs := candidate.refs
	newRefs.PerformDefrag(steps)

	r.defragMu.Lock()
	r.active = &activeDefrag{
		sourceID: candidate.id,
		replacement: &HeapedResource{
			id: candidate.id, resource: newRes, heap: newHeap, refs: newRefs,
			defragCount: candidate.defragCount + 1,
		},
		steps: steps,
	}
	r.defragMu.Unlock()

	halSteps := make([]hal.DefragCopyStep, len(steps))
	for i, s := range steps {
		enc.CopyBufferToBuffer(
			hal.BufferCopy{Resource: candidate.resource, Offset: s.SourceStart, Size: s.SourceEnd - s.SourceStart},
			hal.BufferCopy{Resource: newRes, Offset: s.Destination, Size: s.SourceEnd - s.SourceStart},
		)
		halSteps[i] = hal.DefragCopyStep{SourceOffset: s.SourceStart, DestOffset: s.Destination, Size: s.SourceEnd - s.SourceStart}
	}

	return &DefragEvent{HeapID: candidate.id, OriginalResource: candidate.resource, NewResource: newRes, Steps: steps}, nil
}

// CommitDefrag finalizes a defrag previously started by TickDefrag, once
// the caller has observed the copy's command list reach the processed
// cursor on the EventList ring: pending deallocates queued during the
// defrag are applied, the replacement heap replaces the original under the
// write lock, and the original resource is destroyed.
func (r *Resources) CommitDefrag(event *DefragEvent) {
	r.defragMu.Lock()
	active := r.active
	if active == nil || active.sourceID != event.HeapID {
		r.defragMu.Unlock()
		return
	}
	r.active = nil
	r.defragMu.Unlock()

	for _, pd := range active.pending {
		active.replacement.heap.Deallocate(pd.offset, pd.size)
	}

	r.mu.Lock()
	old := r.heaps[event.HeapID]
	r.heaps[event.HeapID] = active.replacement
	r.mu.Unlock()

	if old != nil {
		old.resource.Destroy()
	}
}

// OwnsResource reports whether res is one of this allocator's prototype
// resources, letting ResourceSource tell a batched locator apart from a
// direct or pooled one without the locator needing to expose its pool
// identity.
func (r *Resources) OwnsResource(res hal.Resource) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.heaps {
		if h.resource == res {
			return true
		}
	}
	return false
}

// HeapCount returns the number of prototype resources currently allocated.
func (r *Resources) HeapCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.heaps)
}

// TotalCapacity returns the sum of every heap's size.
func (r *Resources) TotalCapacity() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.heaps)) * r.prototypeSize
}

// TotalAllocated returns the sum of every heap's allocated space.
func (r *Resources) TotalAllocated() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, h := range r.heaps {
		total += h.heap.AllocatedSpace()
	}
	return total
}

// OnLostDevice destroys every prototype resource and clears all state,
// including any in-flight defrag.
func (r *Resources) OnLostDevice() {
	r.mu.Lock()
	for _, h := range r.heaps {
		h.resource.Destroy()
	}
	r.heaps = make(map[uint64]*HeapedResource)
	r.order = nil
	r.mu.Unlock()

	r.defragMu.Lock()
	r.active = nil
	r.defragMu.Unlock()
}
