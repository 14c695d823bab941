package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder mirrors CommandListMetrics/PoolSystemMetrics/
// BatchingSystemMetrics into Prometheus collectors, for services that
// scrape rather than poll PopMetrics/CalculatePoolMetrics directly.
type Recorder struct {
	commandListsResolved prometheus.Counter
	bytesUploaded        prometheus.Counter
	operations           prometheus.Counter
	deviceCreates         prometheus.Counter

	poolHitRate   prometheus.Gauge
	poolIdleCount prometheus.Gauge

	batchHeapCount  prometheus.Gauge
	batchOccupancy  prometheus.Gauge
}

// NewRecorder constructs a Recorder and registers its collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		commandListsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferuploads", Name: "command_lists_resolved_total",
			Help: "Number of command lists resolved by the AssemblyLine worker.",
		}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferuploads", Name: "bytes_uploaded_total",
			Help: "Total bytes uploaded across all resolved command lists.",
		}),
		operations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferuploads", Name: "operations_total",
			Help: "Total step operations processed.",
		}),
		deviceCreates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferuploads", Name: "device_creates_total",
			Help: "Total fresh device resource creations (pool/batch misses).",
		}),
		poolHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bufferuploads", Name: "pool_hit_rate",
			Help: "Fraction of pool CreateResource calls served from the idle FIFO.",
		}),
		poolIdleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bufferuploads", Name: "pool_idle_count",
			Help: "Total idle resources currently held across all pool buckets.",
		}),
		batchHeapCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bufferuploads", Name: "batch_heap_count",
			Help: "Number of prototype resources in BatchedResources.",
		}),
		batchOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bufferuploads", Name: "batch_occupancy_ratio",
			Help: "Fraction of total batched capacity currently allocated.",
		}),
	}
	reg.MustRegister(
		r.commandListsResolved, r.bytesUploaded, r.operations, r.deviceCreates,
		r.poolHitRate, r.poolIdleCount, r.batchHeapCount, r.batchOccupancy,
	)
	return r
}

// ObserveCommandList records one resolved command list.
func (r *Recorder) ObserveCommandList(m CommandListMetrics) {
	r.commandListsResolved.Inc()
	r.bytesUploaded.Add(float64(m.BytesUploaded))
	r.operations.Add(float64(m.Operations))
	r.deviceCreates.Add(float64(m.DeviceCreates))
}

// ObservePools records a pool metrics snapshot.
func (r *Recorder) ObservePools(m PoolSystemMetrics) {
	r.poolHitRate.Set(m.HitRate())
	r.poolIdleCount.Set(float64(m.TotalIdle))
}

// ObserveBatching records a batching metrics snapshot.
func (r *Recorder) ObserveBatching(m BatchingSystemMetrics) {
	r.batchHeapCount.Set(float64(m.HeapCount))
	r.batchOccupancy.Set(m.Occupancy())
}
