package types

import "hash/fnv"

// ResourceKind discriminates the two shapes a ResourceDesc can take.
type ResourceKind uint8

const (
	// ResourceKindLinearBuffer describes a flat byte buffer (vertex, index,
	// constant, or raw storage).
	ResourceKindLinearBuffer ResourceKind = iota
	// ResourceKindTexture describes a multi-dimensional image.
	ResourceKindTexture
)

// BindFlags describes how a resource will be bound once resident on the
// GPU. Unlike BufferUsage/TextureUsage, BindFlags is shared between the two
// ResourceDesc shapes so routing code (ResourceSource, BatchedResources)
// doesn't need a type switch just to ask "is this an index buffer".
type BindFlags uint32

const (
	BindFlagVertexBuffer BindFlags = 1 << iota
	BindFlagIndexBuffer
	BindFlagConstantBuffer
	BindFlagShaderResource
	BindFlagUnorderedAccess
	BindFlagRenderTarget
	BindFlagDepthStencil
	BindFlagCopySrc
	BindFlagCopyDst
)

// CPUAccess describes the CPU-side access pattern a resource must support.
type CPUAccess uint8

const (
	CPUAccessNone CPUAccess = 0
	CPUAccessRead CPUAccess = 1 << iota
	CPUAccessWrite
)

// GPUAccess describes the GPU-side access pattern a resource must support.
type GPUAccess uint8

const (
	GPUAccessNone GPUAccess = 0
	GPUAccessRead GPUAccess = 1 << iota
	GPUAccessWrite
)

// AllocationRules steers a ResourceDesc through ResourceSource's routing
// decision (see the ResourceSource component).
type AllocationRules uint8

const (
	// AllocationRulePooled requests service from a reuse pool keyed by
	// descriptor hash instead of a fresh device allocation every time.
	AllocationRulePooled AllocationRules = 1 << iota
	// AllocationRuleBatched additionally permits sub-allocation from a
	// shared prototype-sized resource (BatchedResources). Only meaningful
	// together with AllocationRulePooled on a linear buffer.
	AllocationRuleBatched
	// AllocationRuleStaging requests the staging (CPU-visible, reusable,
	// not GPU-resident) pool rather than a final resource.
	AllocationRuleStaging
	// AllocationRuleNonVolatile exempts a pooled resource from age-based
	// eviction (ResourcesPool.Update never reclaims it).
	AllocationRuleNonVolatile
)

func (r AllocationRules) Has(rule AllocationRules) bool { return r&rule == rule }

// LinearBufferDesc is the ResourceDesc payload for ResourceKindLinearBuffer.
type LinearBufferDesc struct {
	// Size is the buffer size in bytes.
	Size uint64
	// Stride is the per-element stride, 0 for byte-addressed buffers.
	Stride uint32
}

// TextureDesc is the ResourceDesc payload for ResourceKindTexture.
type TextureDesc struct {
	Width          uint32
	Height         uint32
	Depth          uint32
	Format         TextureFormat
	Mips           uint32
	ArrayCount     uint32
	Samples        uint32
	Dimensionality TextureDimension
}

// ResourceDesc is the discriminated union described in the data model: a
// LinearBuffer or a Texture, plus the cross-cutting flags every resource
// carries regardless of shape.
type ResourceDesc struct {
	Kind ResourceKind
	Name string

	BindFlags BindFlags
	CPU       CPUAccess
	GPU       GPUAccess
	Rules     AllocationRules

	Buffer  LinearBufferDesc
	Texture TextureDesc
}

// IsBuffer reports whether this descriptor describes a linear buffer.
func (d *ResourceDesc) IsBuffer() bool { return d.Kind == ResourceKindLinearBuffer }

// IsTexture reports whether this descriptor describes a texture.
func (d *ResourceDesc) IsTexture() bool { return d.Kind == ResourceKindTexture }

// ByteSize returns the total resource footprint: the buffer size, or a
// conservative (no row-pitch padding) estimate of the texture's bytes.
func (d *ResourceDesc) ByteSize() uint64 {
	if d.IsBuffer() {
		return d.Buffer.Size
	}
	t := d.Texture
	bpp := uint64(FormatBlockSize(t.Format))
	layerBytes := uint64(t.Width) * uint64(t.Height) * uint64(t.Depth) * bpp
	total := uint64(0)
	mips := t.Mips
	if mips == 0 {
		mips = 1
	}
	for m := uint32(0); m < mips; m++ {
		w := max32(t.Width>>m, 1)
		h := max32(t.Height>>m, 1)
		dep := max32(t.Depth>>m, 1)
		total += uint64(w) * uint64(h) * uint64(dep) * bpp
	}
	arr := t.ArrayCount
	if arr == 0 {
		arr = 1
	}
	_ = layerBytes
	return total * uint64(arr)
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// FormatBlockSize returns the approximate bytes-per-texel for a format.
// Block-compressed formats return the per-texel average (rounded up),
// which is sufficient for the pool's size-class rounding; it is not a
// substitute for a real pitch calculation during staging.
func FormatBlockSize(f TextureFormat) uint8 {
	switch {
	case f >= TextureFormatRGBA32Uint && f <= TextureFormatRGBA32Float:
		return 16
	case f >= TextureFormatRG32Uint && f <= TextureFormatRGBA16Float:
		return 8
	case f >= TextureFormatR32Uint && f <= TextureFormatBGRA8UnormSrgb:
		return 4
	case f >= TextureFormatR16Uint && f <= TextureFormatRG8Sint:
		return 2
	case f >= TextureFormatR8Unorm && f <= TextureFormatR8Sint:
		return 1
	default:
		// Compressed / depth-stencil formats: treat conservatively.
		return 4
	}
}

// DescHash is the 64-bit pooling key produced by Hash.
type DescHash uint64

// sizeClass rounds a byte count up to a pooling size class: powers of two,
// with two intermediate steps between a power h and 2h (h+h/3 and
// h+2*(h/3), integer division) once h is at least 3, to avoid wasting half
// a block on a slightly-too-big request.
func sizeClass(size uint64) uint64 {
	if size <= 1 {
		return 1
	}
	p := uint64(1)
	for p < size {
		p <<= 1
	}
	half := p / 2
	if half == 0 {
		return p
	}
	step := half / 3
	if step == 0 {
		return p
	}
	for i := uint64(1); i <= 2; i++ {
		if c := half + i*step; size <= c {
			return c
		}
	}
	return p
}

// Hash computes the DescHash pooling key for a descriptor. Buffers destined
// for a reuse pool (AllocationRulePooled, not Batched) are rounded to a
// size class first so that nearby requests share buckets; batched buffers
// and textures hash their exact dimensions since BatchedResources and the
// direct-create path need exact matches.
func (d *ResourceDesc) Hash() DescHash {
	h := fnv.New64a()
	var buf [8]byte
	writeU64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	writeU32 := func(v uint32) { writeU64(uint64(v)) }

	_, _ = h.Write([]byte{byte(d.Kind)})
	writeU32(uint32(d.BindFlags))
	_, _ = h.Write([]byte{byte(d.CPU), byte(d.GPU)})

	if d.IsBuffer() {
		size := d.Buffer.Size
		if d.Rules.Has(AllocationRulePooled) && !d.Rules.Has(AllocationRuleBatched) {
			size = sizeClass(size)
		}
		writeU64(size)
		writeU32(d.Buffer.Stride)
		return DescHash(h.Sum64())
	}

	t := d.Texture
	writeU32(t.Width)
	writeU32(t.Height)
	writeU32(t.Depth)
	writeU32(uint32(t.Format))
	writeU32(t.Mips)
	writeU32(t.ArrayCount)
	writeU32(t.Samples)
	_, _ = h.Write([]byte{byte(t.Dimensionality)})
	return DescHash(h.Sum64())
}

// RoundedBufferSize returns the size a pooled (non-batched) buffer request
// is actually allocated at, after size-class rounding. Batched and
// non-pooled requests are unaffected.
func (d *ResourceDesc) RoundedBufferSize() uint64 {
	if !d.IsBuffer() {
		return 0
	}
	if d.Rules.Has(AllocationRulePooled) && !d.Rules.Has(AllocationRuleBatched) {
		return sizeClass(d.Buffer.Size)
	}
	return d.Buffer.Size
}
