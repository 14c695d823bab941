package locator

import (
	"errors"
	"sync"

	"github.com/gogpu/bufferuploads/hal"
)

// ErrPartialResourceNotAViewable is returned when a caller requests a
// whole-resource view (e.g. a texture view) from a locator that only
// covers a sub-range of its resource.
var ErrPartialResourceNotAViewable = errors.New("locator: partial resource is not viewable as a whole resource")

// Pool is the callback surface a pool-backed locator uses on copy and
// release. marker is the pool-private bucket/heap identifier the locator
// was created with; resource, offset and size identify the affected range.
type Pool interface {
	AddRef(marker uint64, resource hal.Resource, offset, size uint64)
	Release(marker uint64, resource hal.Resource, offset, size uint64)
}

// PoolHandle is a weak reference to a Pool: locators hold one of these
// instead of a Pool directly, so a destroyed pool's Invalidate makes every
// outstanding locator's Release a safe no-op instead of a use-after-free.
type PoolHandle struct {
	mu    sync.RWMutex
	alive bool
	pool  Pool
}

// NewPoolHandle wraps p in a live weak handle.
func NewPoolHandle(p Pool) *PoolHandle {
	return &PoolHandle{alive: true, pool: p}
}

// Invalidate marks the handle dead; every locator still holding it will
// treat further AddRef/Release calls as no-ops.
func (h *PoolHandle) Invalidate() {
	h.mu.Lock()
	h.alive = false
	h.pool = nil
	h.mu.Unlock()
}

func (h *PoolHandle) addRef(marker uint64, res hal.Resource, offset, size uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.alive {
		h.pool.AddRef(marker, res, offset, size)
	}
}

func (h *PoolHandle) release(marker uint64, res hal.Resource, offset, size uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.alive {
		h.pool.Release(marker, res, offset, size)
	}
}

// Locator is either empty, a whole-resource handle, or a sub-range of a
// containing resource with a weak pool back-reference. The zero value is
// the empty locator.
type Locator struct {
	resource hal.Resource
	offset   uint64
	size     uint64
	partial  bool

	pool   *PoolHandle
	marker uint64

	// completionCommandList is the id of the command list whose submission
	// makes this locator's contents valid to read.
	completionCommandList uint64
}

// Empty returns the empty locator.
func Empty() Locator { return Locator{} }

// WholeOwned wraps resource as a whole-resource locator that strongly owns
// it: Release calls resource.Destroy directly, no pool involved. Copies
// are not counted, so Release on any copy destroys the resource. Used for
// direct device-create allocations.
func WholeOwned(resource hal.Resource, completionCommandList uint64) Locator {
	return Locator{resource: resource, completionCommandList: completionCommandList}
}

// WholePooled wraps resource as a whole-resource locator backed by a pool:
// releasing returns it to the pool instead of destroying it.
func WholePooled(resource hal.Resource, pool *PoolHandle, marker uint64, completionCommandList uint64) Locator {
	l := Locator{resource: resource, pool: pool, marker: marker, completionCommandList: completionCommandList}
	return l
}

// SubPooled wraps [offset, offset+size) of resource as a partial locator
// backed by pool, with the pool's reference already accounted for by the
// caller (initialReferenceAlreadyTaken in the spec's BatchedResources.Allocate).
func SubPooled(resource hal.Resource, offset, size uint64, pool *PoolHandle, marker uint64, completionCommandList uint64) Locator {
	return Locator{
		resource: resource, offset: offset, size: size, partial: true,
		pool: pool, marker: marker, completionCommandList: completionCommandList,
	}
}

// IsEmpty reports whether the locator refers to no resource.
func (l Locator) IsEmpty() bool { return l.resource == nil }

// IsWholeResource reports whether the locator has no interior range.
func (l Locator) IsWholeResource() bool { return l.resource != nil && !l.partial }

// Resource returns the underlying GPU resource, or nil if empty.
func (l Locator) Resource() hal.Resource { return l.resource }

// Offset returns the byte offset into Resource this locator covers.
func (l Locator) Offset() uint64 { return l.offset }

// Size returns the byte length this locator covers; for a whole-resource
// locator this is the resource's own ByteSize.
func (l Locator) Size() uint64 {
	if l.partial {
		return l.size
	}
	if l.resource == nil {
		return 0
	}
	d := l.resource.Desc()
	return d.ByteSize()
}

// CompletionCommandList returns the command-list id by whose submission
// this locator's contents are guaranteed valid.
func (l Locator) CompletionCommandList() uint64 { return l.completionCommandList }

// WithCompletionCommandList returns a copy with completionCommandList set,
// used once a transaction's creating command list is known.
func (l Locator) WithCompletionCommandList(id uint64) Locator {
	l.completionCommandList = id
	return l
}

// Rebind returns a copy of l pointing at a different resource and offset,
// keeping size, the partial flag, the pool back-reference and marker, and
// completionCommandList unchanged. Used by a defrag reposition to rewrite
// every outstanding locator onto a batched prototype's replacement
// resource without disturbing the pool accounting already in place for it.
func (l Locator) Rebind(resource hal.Resource, offset uint64) Locator {
	l.resource = resource
	l.offset = offset
	return l
}

// Copy increments the pool's reference count for this locator's range (a
// no-op for a non-pooled whole-resource locator). Mirrors the spec's
// "copy calls pool.AddRef" semantics — callers that duplicate a Locator
// value must call Copy on the duplicate.
func (l Locator) Copy() Locator {
	if l.pool != nil {
		l.pool.addRef(l.marker, l.resource, l.offset, l.size)
	}
	return l
}

// Release drops this locator's reference. For a pool-backed locator this
// calls pool.Release (a no-op if the pool has since been destroyed); for a
// strongly-owned whole-resource locator it destroys the resource directly.
// Release never panics: a locator whose pool has expired simply drops its
// resource reference.
func (l Locator) Release() {
	if l.resource == nil {
		return
	}
	if l.pool != nil {
		l.pool.release(l.marker, l.resource, l.offset, l.size)
		return
	}
	if !l.partial {
		l.resource.Destroy()
	}
}

// MakeSubLocator derives a sub-range locator nested within this one,
// inheriting the pool marker and completionCommandList and composing
// offsets. The derived locator does not itself add a pool reference; the
// caller is expected to have already accounted for it, matching
// BatchedResources' initialReferenceAlreadyTaken convention.
func (l Locator) MakeSubLocator(offset, size uint64) Locator {
	return Locator{
		resource: l.resource,
		offset:   l.offset + offset,
		size:     size,
		partial:  true,
		pool:     l.pool,
		marker:   l.marker,
		completionCommandList: l.completionCommandList,
	}
}

// AsTextureView returns l unchanged if it is a whole-resource locator over
// a texture, or ErrPartialResourceNotAViewable if l is a partial locator —
// texture views always require whole-resource semantics.
func (l Locator) AsTextureView() (Locator, error) {
	if l.partial {
		return Locator{}, ErrPartialResourceNotAViewable
	}
	return l, nil
}

// AsBufferView returns l as a buffer view over its own range; both whole
// and partial buffer locators are viewable, since a buffer view is just a
// byte range.
func (l Locator) AsBufferView() (Locator, error) {
	return l, nil
}

// AsVertexBufferView is an alias of AsBufferView documenting intended bind
// usage; vertex/index/constant buffer views all share byte-range semantics
// and differ only in the BindFlags the originating ResourceDesc carried.
func (l Locator) AsVertexBufferView() (Locator, error) { return l.AsBufferView() }

// AsIndexBufferView is the index-buffer counterpart of AsVertexBufferView.
func (l Locator) AsIndexBufferView() (Locator, error) { return l.AsBufferView() }

// AsConstantBufferView is the constant-buffer counterpart of AsVertexBufferView.
func (l Locator) AsConstantBufferView() (Locator, error) { return l.AsBufferView() }
