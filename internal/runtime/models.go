package runtime

import (
	"encoding/json"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// FitableStats aggregates the dispatches of one locally served fitable.
type FitableStats struct {
	mu sync.Mutex `json:"-"`

	CallsProcessed      uint64    `json:"calls_processed"`
	CallsFailed         uint64    `json:"calls_failed"`
	AsyncCalls          uint64    `json:"async_calls"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastCalledAt        time.Time `json:"last_called_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
}

// FitableInfo pairs a served fitable with its stats.
type FitableInfo struct {
	Fitable identity.Fitable `json:"fitable"`
	Stats   *FitableStats    `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS    float64 `json:"current_rps"`
	WindowSeconds float64 `json:"window_seconds"`
	CallsInWindow uint64  `json:"calls_in_window"`
	TotalCalls    uint64  `json:"total_calls"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Rejected   uint64 `json:"rejected"`
	Routing    uint64 `json:"routing"`
	Executor   uint64 `json:"executor"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryRejected   ErrorCategory = "rejected"
	ErrorCategoryRouting    ErrorCategory = "routing"
	ErrorCategoryExecutor   ErrorCategory = "executor"
	ErrorCategoryOther      ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

func newFitableStats(sampler *resourceTracker) *FitableStats {
	return &FitableStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (f *FitableStats) record(mode dispatch.CallMode, duration time.Duration, err error, classifier ErrorClassifier) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.CallsProcessed++
	if err != nil {
		f.CallsFailed++
	}
	if mode == dispatch.ModeAsync {
		f.AsyncCalls++
	}
	f.TotalProcessingTime += int64(duration)
	f.LastCalledAt = now.UTC()

	if f.latencyWindow != nil {
		f.latencyWindow.Add(duration)
		snapshot := f.latencyWindow.Snapshot()
		snapshot.AverageNs = f.TotalProcessingTime / int64(f.CallsProcessed)
		f.Latency = snapshot
	}

	if f.throughputWindow != nil {
		snapshot := f.throughputWindow.AddAndSnapshot(now)
		f.Throughput.CurrentRPS = snapshot.CurrentRPS
		f.Throughput.WindowSeconds = snapshot.WindowSeconds
		f.Throughput.CallsInWindow = uint64(snapshot.Count)
	}
	f.Throughput.TotalCalls = f.CallsProcessed

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	f.Errors.Record(classifier(err), err)

	if f.resourceSampler != nil {
		f.Resource = f.resourceSampler.Snapshot()
	}
}

func (f *FitableStats) MarshalJSON() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type Alias FitableStats
	return json.Marshal((*Alias)(f))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryRejected:
		e.Rejected++
	case ErrorCategoryRouting:
		e.Routing++
	case ErrorCategoryExecutor:
		e.Executor++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	switch errspkg.KindOf(err) {
	case errspkg.KindNone:
		return ErrorCategoryNone
	case errspkg.KindInvalid, errspkg.KindInvalidVarint, errspkg.KindFormatNotNegotiable:
		return ErrorCategoryValidation
	case errspkg.KindNetwork, errspkg.KindTimeout:
		return ErrorCategoryTransport
	case errspkg.KindRejected, errspkg.KindRateLimited, errspkg.KindCapacityExceeded:
		return ErrorCategoryRejected
	case errspkg.KindImplementationNotFound, errspkg.KindAmbiguousRoute, errspkg.KindLocalExecutorNotFound:
		return ErrorCategoryRouting
	case errspkg.KindExecutor, errspkg.KindFilterExecutionFailed:
		return ErrorCategoryExecutor
	}
	return ErrorCategoryOther
}

// fitableStatsSet is the dispatch observer behind FitableInfo.
type fitableStatsSet struct {
	classifier ErrorClassifier
	sampler    *resourceTracker

	mu    sync.RWMutex
	stats map[identity.FitableKey]*fitableEntry
}

type fitableEntry struct {
	fitable identity.Fitable
	stats   *FitableStats
}

func newFitableStatsSet(classifier ErrorClassifier, sampler *resourceTracker) *fitableStatsSet {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return &fitableStatsSet{
		classifier: classifier,
		sampler:    sampler,
		stats:      make(map[identity.FitableKey]*fitableEntry),
	}
}

func (s *fitableStatsSet) CallFinished(meta dispatch.RequestMetadata, elapsed time.Duration, resp dispatch.Response) {
	s.entry(meta.Fitable()).record(meta.Mode, elapsed, resp.Err(), s.classifier)
}

func (s *fitableStatsSet) entry(fitable identity.Fitable) *FitableStats {
	key := fitable.Key()
	s.mu.RLock()
	e, ok := s.stats[key]
	s.mu.RUnlock()
	if ok {
		return e.stats
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.stats[key]; ok {
		return e.stats
	}
	e = &fitableEntry{fitable: fitable, stats: newFitableStats(s.sampler)}
	s.stats[key] = e
	return e.stats
}

// forget drops the stats of fitables no longer served.
func (s *fitableStatsSet) forget(fitables []identity.Fitable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fitables {
		delete(s.stats, f.Key())
	}
}

func (s *fitableStatsSet) list() []FitableInfo {
	s.mu.RLock()
	out := make([]FitableInfo, 0, len(s.stats))
	for _, e := range s.stats {
		out = append(out, FitableInfo{Fitable: e.fitable, Stats: e.stats})
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b FitableInfo) int { return strings.Compare(a.Fitable.String(), b.Fitable.String()) })
	return out
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
