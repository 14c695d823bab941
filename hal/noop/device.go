package noop

import (
	"context"
	"sync"

	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/types"
)

// Resource is an in-memory stand-in for a GPU allocation.
type Resource struct {
	desc      types.ResourceDesc
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

func (r *Resource) Desc() types.ResourceDesc { return r.desc }

// Bytes returns a copy of the resource's current backing bytes, for a test
// or cmd/uploadbench caller that wants to verify contents actually moved
// rather than just that no error was returned.
func (r *Resource) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

func (r *Resource) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	r.data = nil
}

// Device is a fully in-host-memory hal.Device: resources are byte slices,
// copies are memmoves, and every command list completes synchronously at
// CommitCommands. Safe for concurrent use from the two ThreadContexts the
// upload engine drives it with.
type Device struct {
	mu   sync.Mutex
	caps hal.Capabilities
	lost bool
	next uint64

	immediate *ThreadContext
}

// New returns a Device reporting the given capabilities.
func New(caps hal.Capabilities) *Device {
	d := &Device{caps: caps}
	d.immediate = &ThreadContext{dev: d}
	return d
}

func (d *Device) CreateResource(desc types.ResourceDesc, init *hal.Initializer) (hal.Resource, error) {
	d.mu.Lock()
	lost := d.lost
	d.mu.Unlock()
	if lost {
		return nil, hal.ErrDeviceLost
	}
	r := &Resource{desc: desc, data: make([]byte, desc.ByteSize())}
	if init != nil && len(init.Data) > 0 {
		copy(r.data, init.Data)
	}
	return r, nil
}

func (d *Device) CreateDeferredContext() (hal.ThreadContext, error) {
	return &ThreadContext{dev: d}, nil
}

func (d *Device) GetImmediateContext() hal.ThreadContext { return d.immediate }

func (d *Device) Capabilities() hal.Capabilities { return d.caps }

func (d *Device) OnLostDevice() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}

func (d *Device) nextID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	return d.next
}

// ThreadContext records copy closures and runs them synchronously at
// commit time, then reports every issued command-list id as complete
// immediately: there is no real GPU latency to model.
type ThreadContext struct {
	dev *Device
	mu  sync.Mutex
	ops []func()
	hi  uint64
}

func (tc *ThreadContext) BeginBlitEncoder() hal.Encoder {
	return &encoder{tc: tc}
}

func (tc *ThreadContext) CommitCommands(ctx context.Context) (uint64, error) {
	tc.mu.Lock()
	ops := tc.ops
	tc.ops = nil
	tc.mu.Unlock()

	for _, op := range ops {
		op()
	}

	id := tc.dev.nextID()
	tc.mu.Lock()
	if id > tc.hi {
		tc.hi = id
	}
	tc.mu.Unlock()
	return id, nil
}

func (tc *ThreadContext) IsComplete(commandListID uint64) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return commandListID <= tc.hi
}

func (tc *ThreadContext) WriteToBufferViaMap(dst hal.Resource, offset uint64, data []byte) error {
	r := dst.(*Resource)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return hal.ErrDeviceLost
	}
	copy(r.data[offset:], data)
	return nil
}

func (tc *ThreadContext) WriteToTextureViaMap(dst hal.ImageCopyTexture, layout hal.ImageDataLayout, extent hal.Extent3D, data []byte) error {
	r := dst.Resource.(*Resource)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return hal.ErrDeviceLost
	}
	bpp := uint64(types.FormatBlockSize(r.desc.Texture.Format))
	rowBytes := uint64(extent.Width) * bpp
	srcOff := layout.Offset
	dstOff := uint64(0)
	for row := uint32(0); row < extent.Height*extent.Depth; row++ {
		if dstOff+rowBytes > uint64(len(r.data)) || srcOff+rowBytes > uint64(len(data)) {
			break
		}
		copy(r.data[dstOff:dstOff+rowBytes], data[srcOff:srcOff+rowBytes])
		dstOff += rowBytes
		srcOff += uint64(layout.BytesPerRow)
	}
	return nil
}

func (tc *ThreadContext) UpdateFinalResourceFromStaging(dst hal.Resource, staging hal.Resource, desc types.ResourceDesc, mapping hal.ResourceMap) error {
	d := dst.(*Resource)
	s := staging.(*Resource)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return hal.ErrDeviceLost
	}
	if len(mapping.Data) > 0 {
		copy(d.data, mapping.Data)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(d.data, s.data)
	return nil
}

type encoder struct {
	tc *ThreadContext
}

func (e *encoder) CopyBufferToBuffer(src, dst hal.BufferCopy) {
	e.enqueue(func() {
		s := src.Resource.(*Resource)
		d := dst.Resource.(*Resource)
		s.mu.Lock()
		d.mu.Lock()
		defer s.mu.Unlock()
		defer d.mu.Unlock()
		n := src.Size
		if n > dst.Size {
			n = dst.Size
		}
		copy(d.data[dst.Offset:dst.Offset+n], s.data[src.Offset:src.Offset+n])
	})
}

func (e *encoder) CopyBufferToTexture(src hal.BufferCopy, srcLayout hal.ImageDataLayout, dst hal.ImageCopyTexture, extent hal.Extent3D) {
	e.enqueue(func() {
		s := src.Resource.(*Resource)
		s.mu.Lock()
		data := make([]byte, len(s.data))
		copy(data, s.data)
		s.mu.Unlock()
		tc := e.tc
		_ = tc.WriteToTextureViaMap(dst, srcLayout, extent, data[src.Offset:])
	})
}

func (e *encoder) ResourceCopy(dst, src hal.Resource) {
	e.enqueue(func() {
		s := src.(*Resource)
		d := dst.(*Resource)
		s.mu.Lock()
		d.mu.Lock()
		defer s.mu.Unlock()
		defer d.mu.Unlock()
		copy(d.data, s.data)
	})
}

func (e *encoder) ResourceCopyDefragSteps(resource hal.Resource, steps []hal.DefragCopyStep) {
	e.enqueue(func() {
		r := resource.(*Resource)
		r.mu.Lock()
		defer r.mu.Unlock()
		// Copy through a scratch buffer: defrag steps may overlap in ways a
		// naive in-place copy would corrupt (e.g. shifting everything left
		// by a uniform stride).
		scratch := make([]byte, len(r.data))
		copy(scratch, r.data)
		for _, s := range steps {
			copy(r.data[s.DestOffset:s.DestOffset+s.Size], scratch[s.SourceOffset:s.SourceOffset+s.Size])
		}
	})
}

func (e *encoder) Finish() {}

func (e *encoder) enqueue(op func()) {
	e.tc.mu.Lock()
	e.tc.ops = append(e.tc.ops, op)
	e.tc.mu.Unlock()
}
