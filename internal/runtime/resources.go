package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPUSeconds = "/cpu/classes/total:cpu-seconds"
	sampleHeapBytes  = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
)

// ResourceUsage is a coarse view of the host process, reported next to the
// module table by the introspection API.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceTracker samples runtime/metrics. CPU usage is the delta between
// two consecutive snapshots.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{numCPU: float64(runtime.NumCPU())}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{
			{Name: sampleCPUSeconds},
			{Name: sampleHeapBytes},
			{Name: sampleGoroutines},
		}
	}
	metrics.Read(r.samples)

	var usage ResourceUsage
	now := time.Now()
	for _, s := range r.samples {
		switch s.Name {
		case sampleCPUSeconds:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if !r.lastSample.IsZero() {
				wall := now.Sub(r.lastSample).Seconds()
				if wall > 0 && r.numCPU > 0 {
					usage.CPUPercent = (cpu - r.lastCPUSeconds) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpu
		case sampleHeapBytes:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = s.Value.Uint64()
			}
		case sampleGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}
	r.lastSample = now
	return usage
}
