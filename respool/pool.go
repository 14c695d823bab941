package respool

import (
	"errors"
	"sync"

	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/types"
)

// ErrNoDeviceCreation is returned by CreateResource when the bucket is
// empty and the caller forbade falling back to a fresh device allocation.
var ErrNoDeviceCreation = errors.New("respool: no idle resource and device creation disallowed")

const minRetained = 4

type idleEntry struct {
	resource      hal.Resource
	returnFrameID uint64
}

type bucket struct {
	mu           sync.Mutex
	desc         types.ResourceDesc
	idle         []idleEntry
	nonVolatile  bool
	hits, misses uint64
	evictions    uint64
}

func (b *bucket) pop() (hal.Resource, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.idle) == 0 {
		b.misses++
		return nil, false
	}
	e := b.idle[0]
	b.idle = b.idle[1:]
	b.hits++
	return e.resource, true
}

func (b *bucket) push(res hal.Resource, frameID uint64) {
	b.mu.Lock()
	b.idle = append(b.idle, idleEntry{resource: res, returnFrameID: frameID})
	b.mu.Unlock()
}

// Stats reports a bucket's lifetime counters, for metrics.
type Stats struct {
	Hits, Misses, Evictions uint64
	Idle                    int
}

// Pool is a ResourcesPool<Desc> specialized to types.ResourceDesc — the
// only descriptor type this engine pools.
type Pool struct {
	mu      sync.RWMutex
	buckets map[types.DescHash]*bucket
	device  hal.Device

	retainFrames uint64
}

// New creates an empty pool backed by device, evicting idle resources
// older than retainFrames frames (subject to minRetained) on Update.
func New(device hal.Device, retainFrames uint64) *Pool {
	return &Pool{buckets: make(map[types.DescHash]*bucket), device: device, retainFrames: retainFrames}
}

func (p *Pool) bucketFor(hash types.DescHash) (*bucket, bool) {
	p.mu.RLock()
	b, ok := p.buckets[hash]
	p.mu.RUnlock()
	return b, ok
}

// CreateResource looks up the bucket for desc's hash, reusing an idle
// resource if one is available. If none is and allowDeviceCreation is
// true, a fresh bucket and resource are created; otherwise
// ErrNoDeviceCreation is returned.
func (p *Pool) CreateResource(desc types.ResourceDesc, allowDeviceCreation bool) (locator.Locator, error) {
	hash := desc.Hash()
	b, ok := p.bucketFor(hash)
	if ok {
		if res, popped := b.pop(); popped {
			return locator.WholePooled(res, locator.NewPoolHandle(p), uint64(hash), 0), nil
		}
	}
	if !allowDeviceCreation {
		return locator.Empty(), ErrNoDeviceCreation
	}

	p.mu.Lock()
	b, ok = p.buckets[hash]
	if !ok {
		b = &bucket{desc: desc, nonVolatile: desc.Rules.Has(types.AllocationRuleNonVolatile)}
		p.buckets[hash] = b
	}
	p.mu.Unlock()

	rounded := desc
	if desc.IsBuffer() {
		rounded.Buffer.Size = desc.RoundedBufferSize()
	}
	res, err := p.device.CreateResource(rounded, nil)
	if err != nil {
		return locator.Empty(), err
	}
	return locator.WholePooled(res, locator.NewPoolHandle(p), uint64(hash), 0), nil
}

// AddRef implements locator.Pool. Whole-resource pooled locators are
// single-owner between borrow and return, so a copy is a caller-side
// duplication of the handle only; nothing in the pool needs updating.
func (p *Pool) AddRef(marker uint64, resource hal.Resource, offset, size uint64) {}

// Release implements locator.Pool: returns the resource to its bucket's
// idle FIFO.
func (p *Pool) Release(marker uint64, resource hal.Resource, offset, size uint64) {
	p.ReturnToPool(resource, types.DescHash(marker), 0)
}

// ReturnToPool pushes resource onto the bucket identified by marker,
// stamped with the current frame id for age-based eviction.
func (p *Pool) ReturnToPool(resource hal.Resource, marker types.DescHash, frameID uint64) {
	b, ok := p.bucketFor(marker)
	if !ok {
		resource.Destroy()
		return
	}
	b.push(resource, frameID)
}

// Update evicts idle resources older than frameID-retainFrames from every
// non-exempt bucket, always keeping at least minRetained.
func (p *Pool) Update(frameID uint64) {
	p.mu.RLock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.RUnlock()

	if p.retainFrames == 0 {
		return
	}
	cutoff := int64(frameID) - int64(p.retainFrames)
	if cutoff < 0 {
		return
	}

	for _, b := range buckets {
		if b.nonVolatile {
			continue
		}
		b.mu.Lock()
		for len(b.idle) > minRetained && int64(b.idle[0].returnFrameID) < cutoff {
			b.idle[0].resource.Destroy()
			b.idle = b.idle[1:]
			b.evictions++
		}
		b.mu.Unlock()
	}
}

// OnLostDevice destroys every idle resource and drops all buckets.
func (p *Pool) OnLostDevice() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buckets {
		b.mu.Lock()
		for _, e := range b.idle {
			e.resource.Destroy()
		}
		b.idle = nil
		b.mu.Unlock()
	}
	p.buckets = make(map[types.DescHash]*bucket)
}

// Stats returns a snapshot of every bucket's counters, keyed by descriptor
// hash, for CalculatePoolMetrics.
func (p *Pool) Stats() map[types.DescHash]Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[types.DescHash]Stats, len(p.buckets))
	for h, b := range p.buckets {
		b.mu.Lock()
		out[h] = Stats{Hits: b.hits, Misses: b.misses, Evictions: b.evictions, Idle: len(b.idle)}
		b.mu.Unlock()
	}
	return out
}
