package source_test

import (
	"testing"

	"github.com/gogpu/bufferuploads/batch"
	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/hal/noop"
	"github.com/gogpu/bufferuploads/respool"
	"github.com/gogpu/bufferuploads/source"
	"github.com/gogpu/bufferuploads/types"
)

func newSource(dev hal.Device) *source.Source {
	staging := respool.New(dev, 0)
	pooled := respool.New(dev, 0)
	batched := batch.New(dev, types.ResourceDesc{Kind: types.ResourceKindLinearBuffer, BindFlags: types.BindFlagIndexBuffer}, 4096, 64)
	return source.New(dev, staging, pooled, batched)
}

func TestCreateRoutesStaging(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	s := newSource(dev)
	desc := types.ResourceDesc{Kind: types.ResourceKindLinearBuffer, Rules: types.AllocationRuleStaging, Buffer: types.LinearBufferDesc{Size: 64}}
	l, err := s.Create(desc, nil, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l.IsEmpty() {
		t.Fatalf("expected non-empty locator from staging path")
	}
}

func TestCreateRoutesBatchedIndexBuffer(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	s := newSource(dev)
	desc := types.ResourceDesc{
		Kind: types.ResourceKindLinearBuffer, BindFlags: types.BindFlagIndexBuffer,
		Rules: types.AllocationRulePooled | types.AllocationRuleBatched,
		Buffer: types.LinearBufferDesc{Size: 256},
	}
	if !s.CanBeBatched(desc) {
		t.Fatalf("expected desc to be batchable")
	}
	l, err := s.Create(desc, nil, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !s.IsBatchedResource(l) {
		t.Fatalf("expected locator to be recognized as a batched resource")
	}
}

func TestCreateRoutesDirectWhenOverThreshold(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	s := newSource(dev)
	desc := types.ResourceDesc{
		Kind: types.ResourceKindLinearBuffer, Rules: types.AllocationRulePooled,
		Buffer: types.LinearBufferDesc{Size: source.PooledSizeThreshold + 1},
	}
	l, err := s.Create(desc, nil, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.IsBatchedResource(l) {
		t.Fatalf("a non-index-buffer over threshold should not be batched")
	}
}

func TestCreateRoutesDirectAtExactThreshold(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	s := newSource(dev)
	desc := types.ResourceDesc{
		Kind: types.ResourceKindLinearBuffer, Rules: types.AllocationRulePooled,
		Buffer: types.LinearBufferDesc{Size: source.PooledSizeThreshold},
	}
	if _, err := s.Create(desc, nil, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	pools, _ := s.CalculatePoolMetrics()
	if pools.TotalMisses != 0 {
		t.Fatalf("a buffer of exactly PooledSizeThreshold must take the direct-device path, not the reuse pool")
	}
}

func TestCreatePreventDeviceCreationFailsWithEmptyPool(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	s := newSource(dev)
	desc := types.ResourceDesc{Kind: types.ResourceKindLinearBuffer, Rules: types.AllocationRulePooled, Buffer: types.LinearBufferDesc{Size: 64}}
	if _, err := s.Create(desc, nil, true); err == nil {
		t.Fatalf("expected an error when preventing device creation on an empty pool")
	}
}
