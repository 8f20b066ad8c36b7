package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/zutils/protocols/internal/runtime/envelope"
	errspkg "github.com/zutils/protocols/internal/runtime/errors"
	"github.com/zutils/protocols/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ModuleStats aggregates the invocations of one schema.
type ModuleStats struct {
	mu sync.Mutex `json:"-"`

	schema envelope.Schema `json:"-"`

	Invocations         uint64            `json:"invocations"`
	Failures            uint64            `json:"failures"`
	TotalInvocationTime int64             `json:"total_invocation_time_ns"`
	LastInvokedAt       time.Time         `json:"last_invoked_at"`
	RequestTypes        map[string]uint64 `json:"request_types"`

	Latency     LatencyMetrics     `json:"latency"`
	Throughput  ThroughputMetrics  `json:"throughput"`
	Errors      ErrorBreakdown     `json:"errors"`
	Concurrency ConcurrencyMetrics `json:"concurrency"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
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
	InWindow      uint64  `json:"in_window"`
}

type ErrorBreakdown struct {
	Decode      uint64 `json:"decode"`
	Timeout     uint64 `json:"timeout"`
	Request     uint64 `json:"request"`
	Unavailable uint64 `json:"unavailable"`
	Module      uint64 `json:"module"`
	LastError   string `json:"last_error,omitempty"`
}

type ConcurrencyMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

type ErrorCategory string

const (
	ErrorCategoryNone        ErrorCategory = "none"
	ErrorCategoryDecode      ErrorCategory = "decode"
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryRequest     ErrorCategory = "request"
	ErrorCategoryUnavailable ErrorCategory = "unavailable"
	ErrorCategoryModule      ErrorCategory = "module"
)

// ErrorClassifier buckets invocation errors for ModuleStats.
type ErrorClassifier func(error) ErrorCategory

func newModuleStats(schema envelope.Schema) *ModuleStats {
	return &ModuleStats{
		schema:           schema,
		RequestTypes:     make(map[string]uint64),
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (m *ModuleStats) onInvokeStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Concurrency.InFlight++
	if m.Concurrency.InFlight > m.Concurrency.MaxInFlight {
		m.Concurrency.MaxInFlight = m.Concurrency.InFlight
	}
}

func (m *ModuleStats) onInvokeFinish(requestType string, duration time.Duration, err error, classifier ErrorClassifier) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Concurrency.InFlight > 0 {
		m.Concurrency.InFlight--
	}

	m.Invocations++
	m.RequestTypes[requestType]++
	if err != nil {
		m.Failures++
	}
	m.TotalInvocationTime += int64(duration)
	m.LastInvokedAt = time.Now().UTC()

	m.latencyWindow.Add(duration)
	latency := m.latencyWindow.Snapshot()
	latency.AverageNs = m.TotalInvocationTime / int64(m.Invocations)
	m.Latency = latency

	tp := m.throughputWindow.AddAndSnapshot(time.Now())
	m.Throughput = ThroughputMetrics{
		CurrentRPS:    tp.CurrentRPS,
		WindowSeconds: tp.WindowSeconds,
		InWindow:      uint64(tp.Count),
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	m.Errors.Record(classifier(err), err)
}

func (m *ModuleStats) MarshalJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type Alias ModuleStats
	return jsoncodec.Marshal((*Alias)(m))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Module++
	case ErrorCategoryDecode:
		e.Decode++
	case ErrorCategoryTimeout:
		e.Timeout++
	case ErrorCategoryRequest:
		e.Request++
	case ErrorCategoryUnavailable:
		e.Unavailable++
	default:
		e.Module++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrDecode):
		return ErrorCategoryDecode
	case errors.Is(err, errspkg.ErrCallTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, errspkg.ErrUnknownTemplate),
		errors.Is(err, errspkg.ErrUnknownMethod),
		errors.Is(err, errspkg.ErrUnsupportedOperation),
		errors.Is(err, errspkg.ErrNoResponse):
		return ErrorCategoryRequest
	case errors.Is(err, errspkg.ErrModuleClosed):
		return ErrorCategoryUnavailable
	default:
		return ErrorCategoryModule
	}
}

// moduleStatsSet hands out one ModuleStats per schema.
type moduleStatsSet struct {
	mu       sync.RWMutex
	bySchema map[envelope.Schema]*ModuleStats
}

func newModuleStatsSet() *moduleStatsSet {
	return &moduleStatsSet{bySchema: make(map[envelope.Schema]*ModuleStats)}
}

func (s *moduleStatsSet) get(schema envelope.Schema) *ModuleStats {
	s.mu.RLock()
	stats, ok := s.bySchema[schema]
	s.mu.RUnlock()
	if ok {
		return stats
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stats, ok := s.bySchema[schema]; ok {
		return stats
	}
	stats = newModuleStats(schema)
	s.bySchema[schema] = stats
	return stats
}

func (s *moduleStatsSet) lookup(schema envelope.Schema) (*ModuleStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.bySchema[schema]
	return stats, ok
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
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
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
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
