package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	cpuSampleName         = "/sched/cpu:seconds"
	defaultResourcePeriod = time.Second
)

// resourceTracker samples coarse CPU and memory usage of the process. Every
// dispatch asks for a snapshot, so samples younger than period are reused.
type resourceTracker struct {
	period time.Duration
	now    func() time.Time

	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
	cached         ResourceUsage
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		period:  defaultResourcePeriod,
		now:     time.Now,
		samples: []metrics.Sample{{Name: cpuSampleName}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.lastSample.IsZero() && now.Sub(r.lastSample) < r.period {
		return r.cached
	}

	metrics.Read(r.samples)
	sample := r.samples[0]
	haveCPU := sample.Value.Kind() == metrics.KindFloat64

	var cpuPercent float64
	if haveCPU {
		cpuSeconds := sample.Value.Float64()
		if !r.lastSample.IsZero() {
			deltaWall := now.Sub(r.lastSample).Seconds()
			if deltaWall > 0 && r.numCPU > 0 {
				cpuPercent = ((cpuSeconds - r.lastCPUSeconds) / deltaWall) / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.cached = ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: mem.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
	return r.cached
}
