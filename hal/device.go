package hal

import (
	"context"

	"github.com/gogpu/bufferuploads/types"
)

// Resource is any GPU-resident object the upload engine allocates through
// Device.CreateResource. Backends return concrete buffer/texture types that
// satisfy this interface.
type Resource interface {
	// Desc returns the descriptor the resource was created from.
	Desc() types.ResourceDesc
	// Destroy releases the backing GPU allocation. Safe to call once; a
	// second call is a caller bug and may panic in a real backend.
	Destroy()
}

// Initializer optionally supplies the first-write payload for a resource at
// creation time, letting a backend fold initialization into the same
// allocation call instead of a separate upload (SupportsResourceInitialisation_*).
type Initializer struct {
	// Data is copied into the resource before CreateResource returns.
	Data []byte
	// Part restricts the write to one subresource (textures) or leaves it
	// zero for the whole resource (buffers always use the whole range).
	Part uint32
}

// Device is the graphics-device collaborator the upload engine creates
// resources and command-recording contexts from. Real backends implement
// this against D3D12/Vulkan/Metal; hal/noop implements it for tests.
type Device interface {
	// CreateResource allocates a GPU resource matching desc. If init is
	// non-nil and the device reports SupportsResourceInitialisation for the
	// resource's kind, the initial contents are folded into creation instead
	// of requiring a separate staged upload.
	CreateResource(desc types.ResourceDesc, init *Initializer) (Resource, error)

	// CreateDeferredContext returns a new ThreadContext that records
	// commands into a private command list for later submission via
	// CommitCommands. The upload engine keeps one per ThreadContext owner.
	CreateDeferredContext() (ThreadContext, error)

	// GetImmediateContext returns the single ThreadContext that submits
	// directly, used by the synchronous Transaction_Immediate path.
	GetImmediateContext() ThreadContext

	// Capabilities reports the platform/driver predicates the core's
	// routing and defrag decisions depend on.
	Capabilities() Capabilities

	// OnLostDevice is invoked by the engine after it learns the device was
	// lost; a real backend uses this to fail outstanding GPU waits instead
	// of hanging forever.
	OnLostDevice()
}

// Capabilities reports backend/platform predicates the core consults when
// choosing an upload strategy. All of these are legitimately false on a
// conservative backend; none gate correctness, only performance.
type Capabilities struct {
	// CanDoNooverwriteMapInBackground reports whether a background thread
	// may map a resource with D3D11_MAP_WRITE_NO_OVERWRITE semantics
	// (append-only, no GPU sync) instead of requiring the immediate context.
	CanDoNooverwriteMapInBackground bool
	// UseMapBasedDefrag reports whether defragmentation should move bytes
	// through a CPU map/memmove/unmap instead of a GPU copy command.
	UseMapBasedDefrag bool
	// SupportsResourceInitialisationBuffer reports whether CreateResource
	// can fold initial buffer contents into the allocation call.
	SupportsResourceInitialisationBuffer bool
	// SupportsResourceInitialisationTexture reports the same for textures.
	SupportsResourceInitialisationTexture bool
}

// ResourceMap describes an outstanding CPU map of a resource.
type ResourceMap struct {
	Mode        types.MapMode
	Subresource uint32
	Data        []byte
}

// Extent3D is a width/height/depth triple.
type Extent3D struct {
	Width, Height, Depth uint32
}

// Origin3D is a texel-space offset.
type Origin3D struct {
	X, Y, Z uint32
}

// ImageDataLayout describes how linear bytes map onto a texture region for
// a buffer<->texture copy.
type ImageDataLayout struct {
	Offset       uint64
	BytesPerRow  uint32
	RowsPerImage uint32
}

// ImageCopyTexture names a texture subresource as a copy endpoint.
type ImageCopyTexture struct {
	Resource Resource
	MipLevel uint32
	Origin   Origin3D
}

// BufferCopy names a byte range as a copy endpoint.
type BufferCopy struct {
	Resource Resource
	Offset   uint64
	Size     uint64
}

// ThreadContext records or immediately submits GPU commands. The upload
// engine's threadctx package owns exactly two of these per Manager: one
// deferred (background) and one immediate (foreground/synchronous).
type ThreadContext interface {
	// BeginBlitEncoder starts recording copy commands into this context's
	// command list, returning an Encoder to issue them through.
	BeginBlitEncoder() Encoder

	// CommitCommands submits everything recorded since the last commit and
	// returns an opaque, monotonically increasing command-list id the
	// engine can later poll with IsComplete.
	CommitCommands(ctx context.Context) (uint64, error)

	// IsComplete reports whether the GPU has finished the command list
	// previously returned by CommitCommands.
	IsComplete(commandListID uint64) bool

	// WriteToBufferViaMap copies data into a CPU-visible buffer through a
	// map/unmap pair, bypassing command recording entirely.
	WriteToBufferViaMap(dst Resource, offset uint64, data []byte) error

	// WriteToTextureViaMap is the texture equivalent of WriteToBufferViaMap.
	WriteToTextureViaMap(dst ImageCopyTexture, layout ImageDataLayout, extent Extent3D, data []byte) error

	// UpdateFinalResourceFromStaging records a copy from a staging resource
	// into its eventual GPU-resident destination.
	UpdateFinalResourceFromStaging(dst Resource, staging Resource, desc types.ResourceDesc, mapping ResourceMap) error
}

// Encoder issues copy commands against the ThreadContext that created it.
type Encoder interface {
	// CopyBufferToBuffer records a byte-range copy between two buffers.
	CopyBufferToBuffer(src, dst BufferCopy)
	// CopyBufferToTexture records a linear-to-texture copy.
	CopyBufferToTexture(src BufferCopy, srcLayout ImageDataLayout, dst ImageCopyTexture, extent Extent3D)
	// ResourceCopy copies the whole resource, used for the non-defrag batch
	// resolution path where source and destination are different
	// allocations of the same descriptor.
	ResourceCopy(dst, src Resource)
	// ResourceCopyDefragSteps replays a SpanningHeap defrag plan as a
	// sequence of intra-resource copies.
	ResourceCopyDefragSteps(resource Resource, steps []DefragCopyStep)
	// Finish closes recording; further calls on the Encoder are invalid.
	Finish()
}

// DefragCopyStep is the HAL-facing mirror of heap.DefragStep: a byte range
// to relocate within the same resource.
type DefragCopyStep struct {
	SourceOffset uint64
	DestOffset   uint64
	Size         uint64
}
