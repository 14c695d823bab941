package metrics

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// CommandListMetrics summarizes one resolved command list: how much work
// it carried and how it was produced.
type CommandListMetrics struct {
	CommandListID   uint64
	Operations      int
	DeviceCreates   int
	BytesUploaded   uint64
	FramePriority   bool
	WasBudgetLimited bool
}

// String renders a human-readable one-line summary using byte-count
// formatting.
func (m CommandListMetrics) String() string {
	return fmt.Sprintf("cmdlist #%d: %d ops, %d creates, %s uploaded",
		m.CommandListID, m.Operations, m.DeviceCreates, humanize.Bytes(m.BytesUploaded))
}

// PoolBucketMetrics is one descriptor bucket's lifetime counters.
type PoolBucketMetrics struct {
	Hits, Misses, Evictions uint64
	IdleCount               int
}

// PoolSystemMetrics aggregates every bucket of the staging and general
// reuse pools.
type PoolSystemMetrics struct {
	Buckets      int
	TotalHits    uint64
	TotalMisses  uint64
	TotalIdle    int
	PerBucket    map[uint64]PoolBucketMetrics
}

// HitRate returns the fraction of CreateResource calls satisfied from the
// idle FIFO rather than a fresh device allocation, or 0 if there were no
// requests recorded yet.
func (m PoolSystemMetrics) HitRate() float64 {
	total := m.TotalHits + m.TotalMisses
	if total == 0 {
		return 0
	}
	return float64(m.TotalHits) / float64(total)
}

// BatchingSystemMetrics reports BatchedResources occupancy.
type BatchingSystemMetrics struct {
	HeapCount      int
	TotalCapacity  uint64
	TotalAllocated uint64
}

// Occupancy returns the fraction of capacity that is allocated
// (TotalAllocated / TotalCapacity), or 0 when there is no capacity. It is
// not a fragmentation measure: package batch computes fragmentation weight
// per heap from AvailableSpace and LargestFreeBlock.
func (m BatchingSystemMetrics) Occupancy() float64 {
	if m.TotalCapacity == 0 {
		return 0
	}
	return float64(m.TotalAllocated) / float64(m.TotalCapacity)
}

// String renders a human-readable summary using humanize byte formatting.
func (m BatchingSystemMetrics) String() string {
	return fmt.Sprintf("%d heaps, %s / %s allocated (%.1f%% occupancy)",
		m.HeapCount, humanize.Bytes(m.TotalAllocated), humanize.Bytes(m.TotalCapacity), m.Occupancy()*100)
}
