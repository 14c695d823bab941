// Package metrics defines the three metrics structs the core exposes
// (CommandListMetrics, PoolSystemMetrics, BatchingSystemMetrics) and a
// Recorder that mirrors them into Prometheus collectors for services that
// want to scrape the engine instead of polling PopMetrics/
// CalculatePoolMetrics directly.
package metrics
