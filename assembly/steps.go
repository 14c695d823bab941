package assembly

import (
	"context"

	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/types"
)

// DataPacket is the synchronous data source for CreateFromDataPacketStep:
// a buffer's whole byte range, or one entry per texture subresource.
type DataPacket interface {
	Data(subresource uint32) []byte
}

// BytesPacket is a DataPacket for a single flat byte range (the common
// linear-buffer case).
type BytesPacket []byte

func (p BytesPacket) Data(uint32) []byte { return p }

// AsyncSource is the asynchronous data source for Begin's (b) overload:
// its descriptor and its bytes each become available later, off a future
// the caller drives however it wants (a goroutine calling back into this
// engine's exported step-pushing is the natural Go analogue of the
// spec's future-continuation model).
type AsyncSource interface {
	// Desc blocks until the descriptor is known or ctx is done.
	Desc(ctx context.Context) (types.ResourceDesc, error)
	// PrepareData writes into dst, one slice per subresource sized to the
	// staging mapping already allocated for it, and reports completion.
	PrepareData(ctx context.Context, dst [][]byte) error
}

// StagingMapping records how a staging resource's bytes map onto the
// eventual final resource: per-subresource byte offsets within the
// staging resource, relative to the partial range's base mip/array layer.
//
// CalculatePartialStagingDesc treats the requested partial range as the
// whole resource (no sub-mip/array-layer carve-out of the staging
// allocation) — true per-mip-chain partial staging is pitch/alignment
// math specific to a texture-streaming renderer, which is out of scope
// for this engine's responsibility of moving bytes, not deciding which
// mips to stream; BaseMip/BaseArrayLayer are threaded through so a caller
// that does make that decision can still plug it in without reshaping
// this type.
type StagingMapping struct {
	SubresourceOffsets []uint64
	BaseMip            uint32
	BaseArrayLayer      uint32
}

// CalculatePartialStagingDesc derives the descriptor a staging resource
// must have to hold data for the requested (simplified, whole-resource)
// partial range of desc.
func CalculatePartialStagingDesc(desc types.ResourceDesc) types.ResourceDesc {
	staging := desc
	staging.Rules = types.AllocationRuleStaging | types.AllocationRulePooled
	staging.CPU = types.CPUAccessWrite
	staging.GPU = types.GPUAccessRead
	return staging
}

type stepCreateFromDataPacket struct {
	txID   uint64
	desc   types.ResourceDesc
	packet DataPacket
}

type stepPrepareStaging struct {
	txID        uint64
	desc        types.ResourceDesc
	asyncSource AsyncSource
	bindFlags   types.BindFlags
}

type stepTransferStagingToFinal struct {
	txID    uint64
	desc    types.ResourceDesc
	staging locator.Locator
	mapping StagingMapping
}
