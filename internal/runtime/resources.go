package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	cpuSecondsMetric = "/sched/cpu:seconds"
	heapBytesMetric  = "/memory/classes/heap/objects:bytes"
	goroutinesMetric = "/sched/goroutines:goroutines"
)

// resourceTracker samples process CPU, heap and goroutine counts for the stats endpoint.
// CPU usage is the delta since the previous Snapshot call.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
	now            func() time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: cpuSecondsMetric},
			{Name: heapBytesMetric},
			{Name: goroutinesMetric},
		},
		numCPU: float64(runtime.NumCPU()),
		now:    time.Now,
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := r.now()

	var usage ResourceUsage
	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpuSeconds := v.Float64()
		if !r.lastSample.IsZero() {
			deltaWall := now.Sub(r.lastSample).Seconds()
			if deltaWall > 0 && r.numCPU > 0 {
				usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / deltaWall / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	if v := r.samples[1].Value; v.Kind() == metrics.KindUint64 {
		usage.MemoryBytes = v.Uint64()
	}
	if v := r.samples[2].Value; v.Kind() == metrics.KindUint64 {
		usage.Goroutines = int(v.Uint64())
	} else {
		usage.Goroutines = runtime.NumGoroutine()
	}
	return usage
}
