package respool_test

import (
	"testing"

	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/hal/noop"
	"github.com/gogpu/bufferuploads/respool"
	"github.com/gogpu/bufferuploads/types"
)

func desc(size uint64) types.ResourceDesc {
	return types.ResourceDesc{
		Kind:  types.ResourceKindLinearBuffer,
		Rules: types.AllocationRulePooled,
		Buffer: types.LinearBufferDesc{Size: size},
	}
}

func TestCreateResourceMissThenHit(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	p := respool.New(dev, 0)

	d := desc(1024)
	l1, err := p.CreateResource(d, true)
	if err != nil {
		t.Fatalf("first CreateResource: %v", err)
	}
	res := l1.Resource()
	l1.Release()

	l2, err := p.CreateResource(d, true)
	if err != nil {
		t.Fatalf("second CreateResource: %v", err)
	}
	if l2.Resource() != res {
		t.Fatalf("expected the returned resource to be reused from the idle bucket")
	}
}

func TestCreateResourceNoDeviceCreationMisses(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	p := respool.New(dev, 0)

	if _, err := p.CreateResource(desc(256), false); err != respool.ErrNoDeviceCreation {
		t.Fatalf("CreateResource with empty bucket, allowDeviceCreation=false: err=%v", err)
	}
}

func TestUpdateEvictsOldKeepsMinimum(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	p := respool.New(dev, 2)
	d := desc(64)

	var locs []interface {
		Resource() hal.Resource
		Release()
	}
	for i := 0; i < 6; i++ {
		l, err := p.CreateResource(d, true)
		if err != nil {
			t.Fatalf("CreateResource: %v", err)
		}
		locs = append(locs, l)
	}
	// Release only after all six exist, so the bucket holds six distinct
	// idle resources, all at frameID 0.
	for _, l := range locs {
		l.Release()
	}

	p.Update(10) // cutoff = 10-2 = 8, all entries at frame 0 are older
	stats := p.Stats()
	for _, s := range stats {
		if s.Idle < 4 {
			t.Fatalf("Update evicted below the 4-entry minimum: idle=%d", s.Idle)
		}
	}
}

func TestOnLostDeviceClearsBuckets(t *testing.T) {
	dev := noop.New(hal.Capabilities{})
	p := respool.New(dev, 0)
	d := desc(32)
	l, _ := p.CreateResource(d, true)
	l.Release()

	p.OnLostDevice()
	if _, err := p.CreateResource(d, false); err != respool.ErrNoDeviceCreation {
		t.Fatalf("expected empty pool after OnLostDevice, got err=%v", err)
	}
}
