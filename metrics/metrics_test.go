package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/bufferuploads/metrics"
)

func TestPoolSystemMetricsHitRate(t *testing.T) {
	m := metrics.PoolSystemMetrics{TotalHits: 3, TotalMisses: 1}
	if got := m.HitRate(); got != 0.75 {
		t.Fatalf("HitRate() = %v; want 0.75", got)
	}
	if got := (metrics.PoolSystemMetrics{}).HitRate(); got != 0 {
		t.Fatalf("HitRate() on empty = %v; want 0", got)
	}
}

func TestBatchingSystemMetricsOccupancy(t *testing.T) {
	m := metrics.BatchingSystemMetrics{TotalCapacity: 1000, TotalAllocated: 250}
	if got := m.Occupancy(); got != 0.25 {
		t.Fatalf("Occupancy() = %v; want 0.25", got)
	}
}

func TestRecorderObserveDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.NewRecorder(reg)
	r.ObserveCommandList(metrics.CommandListMetrics{CommandListID: 1, Operations: 5, BytesUploaded: 4096})
	r.ObservePools(metrics.PoolSystemMetrics{TotalHits: 2, TotalMisses: 1, TotalIdle: 3})
	r.ObserveBatching(metrics.BatchingSystemMetrics{HeapCount: 2, TotalCapacity: 2048, TotalAllocated: 1024})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected registered metric families")
	}
}
