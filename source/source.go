package source

import (
	"errors"

	"github.com/gogpu/bufferuploads/batch"
	"github.com/gogpu/bufferuploads/hal"
	"github.com/gogpu/bufferuploads/locator"
	"github.com/gogpu/bufferuploads/metrics"
	"github.com/gogpu/bufferuploads/respool"
	"github.com/gogpu/bufferuploads/types"
)

// PooledSizeThreshold is the exclusive upper bound on a buffer size routed
// to the general reuse pool instead of straight to the device: a buffer
// of exactly this size, or larger, always goes through direct device
// creation (a non-batched one, anyway).
const PooledSizeThreshold = 32 * 1024

// ErrDeviceCreationPrevented is returned by Create when the caller
// forbade falling back to a fresh device allocation (a per-command-list
// device-create budget was exhausted) and no pooled/batched resource was
// available either.
var ErrDeviceCreationPrevented = errors.New("source: device creation prevented by caller budget")

// Source is ResourceSource: routes a ResourceDesc to the staging pool, the
// general reuse pool, BatchedResources, or a direct device allocation.
type Source struct {
	device  hal.Device
	staging *respool.Pool
	pooled  *respool.Pool
	batched *batch.Resources
}

// New creates a Source. batched may be nil if the caller never routes
// index-buffer traffic through a batched prototype.
func New(device hal.Device, staging, pooled *respool.Pool, batched *batch.Resources) *Source {
	return &Source{device: device, staging: staging, pooled: pooled, batched: batched}
}

// CanBeBatched reports whether desc is eligible for BatchedResources:
// a pooled+batched linear buffer bound as an index buffer.
func (s *Source) CanBeBatched(desc types.ResourceDesc) bool {
	return s.batched != nil &&
		desc.IsBuffer() &&
		desc.Rules.Has(types.AllocationRulePooled) &&
		desc.Rules.Has(types.AllocationRuleBatched) &&
		desc.BindFlags&types.BindFlagIndexBuffer != 0
}

// IsBatchedResource reports whether loc's underlying resource is one of
// BatchedResources' prototypes.
func (s *Source) IsBatchedResource(loc locator.Locator) bool {
	return s.batched != nil && s.batched.OwnsResource(loc.Resource())
}

// Create routes desc to the appropriate sub-allocator and returns a
// locator for it. init supplies inline initial contents when the device
// reports SupportsResourceInitialisation for desc's kind and the path
// taken is a direct device create; preventDeviceCreation forbids any path
// that would device-create a fresh resource (the per-command-list budget
// is exhausted), limiting the call to pool/batch reuse.
func (s *Source) Create(desc types.ResourceDesc, init *hal.Initializer, preventDeviceCreation bool) (locator.Locator, error) {
	switch {
	case desc.Rules.Has(types.AllocationRuleStaging):
		return s.staging.CreateResource(desc, !preventDeviceCreation)

	case s.CanBeBatched(desc):
		return s.batched.Allocate(desc.Buffer.Size, desc.Name)

	case desc.Rules.Has(types.AllocationRulePooled) && desc.IsBuffer() && desc.Buffer.Size < PooledSizeThreshold:
		return s.pooled.CreateResource(desc, !preventDeviceCreation)

	default:
		if preventDeviceCreation {
			return locator.Empty(), ErrDeviceCreationPrevented
		}
		res, err := s.device.CreateResource(desc, init)
		if err != nil {
			return locator.Empty(), err
		}
		return locator.WholeOwned(res, 0), nil
	}
}

// TickPools advances the staging and general reuse pools' age-based
// eviction for the given frame id.
func (s *Source) TickPools(frameID uint64) {
	s.staging.Update(frameID)
	s.pooled.Update(frameID)
}

// TickDefrag forwards to the batched allocator, or is a no-op if this
// Source has none.
func (s *Source) TickDefrag(enc hal.Encoder) (*batch.DefragEvent, error) {
	if s.batched == nil {
		return nil, nil
	}
	return s.batched.TickDefrag(enc)
}

// CommitDefrag forwards to the batched allocator.
func (s *Source) CommitDefrag(event *batch.DefragEvent) {
	if s.batched != nil {
		s.batched.CommitDefrag(event)
	}
}

// OnLostDevice forwards to every inner pool.
func (s *Source) OnLostDevice() {
	s.staging.OnLostDevice()
	s.pooled.OnLostDevice()
	if s.batched != nil {
		s.batched.OnLostDevice()
	}
}

// poolSystemMetrics merges the staging and general reuse pools' per-bucket
// Stats into one PoolSystemMetrics snapshot, keyed by descriptor hash.
// ResourceDesc.Hash does not cover AllocationRules, so a staging and a
// pooled bucket can share a hash; PerBucket then keeps the pooled pool's
// entry while Buckets and the totals count both. This surface is
// diagnostic only.
func (s *Source) poolSystemMetrics() metrics.PoolSystemMetrics {
	out := metrics.PoolSystemMetrics{PerBucket: make(map[uint64]metrics.PoolBucketMetrics)}
	for _, snapshot := range []map[types.DescHash]respool.Stats{s.staging.Stats(), s.pooled.Stats()} {
		for hash, st := range snapshot {
			out.Buckets++
			out.TotalHits += st.Hits
			out.TotalMisses += st.Misses
			out.TotalIdle += st.Idle
			out.PerBucket[uint64(hash)] = metrics.PoolBucketMetrics{
				Hits: st.Hits, Misses: st.Misses, Evictions: st.Evictions, IdleCount: st.Idle,
			}
		}
	}
	return out
}

// batchingSystemMetrics reports BatchedResources occupancy, or the zero
// value if this Source has no batched allocator wired in.
func (s *Source) batchingSystemMetrics() metrics.BatchingSystemMetrics {
	if s.batched == nil {
		return metrics.BatchingSystemMetrics{}
	}
	return metrics.BatchingSystemMetrics{
		HeapCount:      s.batched.HeapCount(),
		TotalCapacity:  s.batched.TotalCapacity(),
		TotalAllocated: s.batched.TotalAllocated(),
	}
}

// CalculatePoolMetrics is spec §6's CalculatePoolMetrics: a point-in-time
// snapshot of both reuse pools and the batched allocator, for a caller
// that polls rather than scrapes (see metrics.Recorder for the
// Prometheus-scrape alternative).
func (s *Source) CalculatePoolMetrics() (metrics.PoolSystemMetrics, metrics.BatchingSystemMetrics) {
	return s.poolSystemMetrics(), s.batchingSystemMetrics()
}
