// Package metrics exposes Prometheus instrumentation for the polling
// core: worker pool occupancy, queue depth, execution outcomes, scheduler
// tick latency, and janitor repairs. All collectors register themselves
// at init; serve them with Handler on /metrics.
package metrics
