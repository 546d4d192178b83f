package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drblury/reelflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/reelflow/internal/runtime/errors"
	"github.com/drblury/reelflow/internal/runtime/jobs"
	"github.com/drblury/reelflow/internal/runtime/retry"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// EventStats is a point-in-time view of the pipeline counters for one event name.
type EventStats struct {
	EventName           string            `json:"event_name"`
	MessagesProcessed   uint64            `json:"messages_processed"`
	MessagesSucceeded   uint64            `json:"messages_succeeded"`
	MessagesFailed      uint64            `json:"messages_failed"`
	MessagesDeadLetter  uint64            `json:"messages_dead_lettered"`
	MessagesCancelled   uint64            `json:"messages_cancelled"`
	Attempts            uint64            `json:"attempts"`
	Retries             uint64            `json:"retries"`
	InFlight            int64             `json:"in_flight"`
	TotalProcessingTime int64             `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	Latency             LatencyMetrics    `json:"latency"`
	Throughput          ThroughputMetrics `json:"throughput"`
	Errors              ErrorBreakdown    `json:"errors"`
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
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failed attempts by error category.
type ErrorBreakdown struct {
	UnknownEvent  uint64 `json:"unknown_event"`
	Conversion    uint64 `json:"conversion"`
	Handler       uint64 `json:"handler"`
	Broker        uint64 `json:"broker"`
	Timeout       uint64 `json:"timeout"`
	Other         uint64 `json:"other"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorType string `json:"last_error_type,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// PipelineStats is the document served by the stats endpoint.
type PipelineStats struct {
	Events      []EventStats        `json:"events"`
	Jobs        jobs.Stats          `json:"jobs"`
	DeadLetter  deadletter.Snapshot `json:"dead_letter"`
	Subscribers int                 `json:"subscribers"`
	Malformed   uint64              `json:"malformed_messages"`
	Resource    ResourceUsage       `json:"resource"`
	CollectedAt time.Time           `json:"collected_at"`
}

type ErrorCategory string

const (
	ErrorCategoryNone         ErrorCategory = "none"
	ErrorCategoryUnknownEvent ErrorCategory = "unknown_event"
	ErrorCategoryConversion   ErrorCategory = "conversion"
	ErrorCategoryHandler      ErrorCategory = "handler"
	ErrorCategoryBroker       ErrorCategory = "broker"
	ErrorCategoryTimeout      ErrorCategory = "timeout"
	ErrorCategoryOther        ErrorCategory = "other"
)

// ErrorClassifier maps a processing error to a stats category.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var (
		unknown    *errspkg.UnknownEventKindError
		conversion *errspkg.PayloadConversionError
		delivery   *errspkg.BrokerDeliveryError
		execution  *errspkg.HandlerExecutionError
	)
	switch {
	case errors.As(err, &unknown):
		return ErrorCategoryUnknownEvent
	case errors.As(err, &conversion):
		return ErrorCategoryConversion
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.As(err, &delivery):
		return ErrorCategoryBroker
	case errors.As(err, &execution):
		return ErrorCategoryHandler
	}
	return ErrorCategoryOther
}

func (e *ErrorBreakdown) record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryUnknownEvent:
		e.UnknownEvent++
	case ErrorCategoryConversion:
		e.Conversion++
	case ErrorCategoryHandler:
		e.Handler++
	case ErrorCategoryBroker:
		e.Broker++
	case ErrorCategoryTimeout:
		e.Timeout++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
		e.LastErrorType = errspkg.TypeName(err)
	}
}

type eventStats struct {
	mu sync.Mutex

	data             EventStats
	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

func newEventStats(name string) *eventStats {
	return &eventStats{
		data:             EventStats{EventName: name},
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *eventStats) begin() {
	s.mu.Lock()
	s.data.InFlight++
	s.mu.Unlock()
}

func (s *eventStats) attemptFailed(category ErrorCategory, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Errors.record(category, err)
}

func (s *eventStats) finish(duration time.Duration, outcome retry.Outcome, deadLettered bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.InFlight > 0 {
		s.data.InFlight--
	}
	s.data.MessagesProcessed++
	s.data.Attempts += uint64(outcome.Attempts)
	if outcome.Attempts > 1 {
		s.data.Retries += uint64(outcome.Attempts - 1)
	}
	switch outcome.State {
	case retry.StateSucceeded:
		s.data.MessagesSucceeded++
	case retry.StateCancelled:
		s.data.MessagesCancelled++
	default:
		s.data.MessagesFailed++
	}
	if deadLettered {
		s.data.MessagesDeadLetter++
	}
	s.data.TotalProcessingTime += int64(duration)
	s.data.LastProcessedAt = now.UTC()

	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.AverageNs = s.data.TotalProcessingTime / int64(s.data.MessagesProcessed)
	s.data.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(now)
	s.data.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}
}

func (s *eventStats) snapshot() EventStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// statsRegistry holds one eventStats per event name seen by the pipeline.
type statsRegistry struct {
	mu         sync.RWMutex
	events     map[string]*eventStats
	classifier ErrorClassifier
	resources  *resourceTracker
}

func newStatsRegistry(classifier ErrorClassifier) *statsRegistry {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return &statsRegistry{
		events:     make(map[string]*eventStats),
		classifier: classifier,
		resources:  newResourceTracker(),
	}
}

func (r *statsRegistry) forEvent(name string) *eventStats {
	r.mu.RLock()
	s, ok := r.events[name]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.events[name]; ok {
		return s
	}
	s = newEventStats(name)
	r.events[name] = s
	return s
}

func (r *statsRegistry) snapshot() []EventStats {
	r.mu.RLock()
	out := make([]EventStats, 0, len(r.events))
	for _, s := range r.events {
		out = append(out, s.snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b EventStats) int {
		return strings.Compare(a.EventName, b.EventName)
	})
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
	return metrics
}

// percentile interpolates linearly between the two closest ranks of sorted samples.
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
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
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
