package collector

import (
	"context"
	"runtime"
	"time"
)

// HostSample is one host telemetry reading.
type HostSample struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
}

// HostCollector samples process and host runtime statistics. Vendor
// hardware probes (GPU, sensor drivers) plug in the same way through the
// Collector interface; this one stays portable so the worker binary runs
// everywhere the host application does.
type HostCollector struct{}

// NewHostCollector creates a host statistics collector.
func NewHostCollector() *HostCollector {
	return &HostCollector{}
}

// Name identifies the collector.
func (c *HostCollector) Name() string {
	return "host"
}

// Collect gathers one batch of runtime samples.
func (c *HostCollector) Collect(ctx context.Context) (any, int, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	gcPause := float64(0)
	if mem.NumGC > 0 {
		recent := mem.PauseNs[(mem.NumGC+255)%256]
		gcPause = float64(recent) / float64(time.Millisecond)
	}

	samples := []HostSample{
		{Metric: "heap_alloc", Value: float64(mem.HeapAlloc) / (1024 * 1024), Unit: "MB"},
		{Metric: "heap_sys", Value: float64(mem.HeapSys) / (1024 * 1024), Unit: "MB"},
		{Metric: "goroutines", Value: float64(runtime.NumGoroutine()), Unit: "count"},
		{Metric: "cpus", Value: float64(runtime.NumCPU()), Unit: "count"},
		{Metric: "gc_pause", Value: gcPause, Unit: "ms"},
	}

	return samples, len(samples), nil
}
