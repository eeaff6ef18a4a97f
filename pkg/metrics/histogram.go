package metrics

import (
	"fmt"
	"sync"
	"time"
)

// DefaultBuckets are histogram bucket upper bounds (in seconds) sized for
// HTTP request latencies, covering 1ms to 10s.
var DefaultBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// HistogramVec records a distribution of observed values per label-value
// combination, as cumulative bucket counts plus a running sum and count.
type HistogramVec struct {
	name    string
	help    string
	labels  []string
	buckets []float64

	mu     sync.RWMutex
	series map[uint64][]*histogramSeries
}

// histogramSeries holds the accumulation state for one label combination.
// counts[i] is cumulative: every observation <= buckets[i] is included, so
// counts never decrease as the bucket index increases.
type histogramSeries struct {
	values []string

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// Observe records a value into the series identified by labelValues.
// The value lands in every bucket whose upper bound is >= value; sum and
// count advance together under the same lock.
func (h *HistogramVec) Observe(value float64, labelValues ...string) error {
	s, err := h.lookup(labelValues)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, bound := range h.buckets {
		if value <= bound {
			s.counts[i]++
		}
	}
	s.sum += value
	s.count++
	return nil
}

// Timer measures elapsed time for one observation.
//
// ObserveDuration must be called at most once per timer: each call records a
// fresh observation, so calling it twice double-counts. That contract is the
// caller's to keep.
type Timer struct {
	h      *HistogramVec
	values []string
	start  time.Time
}

// StartTimer starts a timer for one observation. labelValues may be a prefix
// of the schema; the remaining values (e.g. a response status that is only
// known once the handler has run) are supplied to ObserveDuration. The full
// tuple is validated against the schema at observation time.
func (h *HistogramVec) StartTimer(labelValues ...string) *Timer {
	return &Timer{
		h:      h,
		values: append([]string(nil), labelValues...),
		start:  time.Now(),
	}
}

// ObserveDuration records the seconds elapsed since the timer started,
// appending extra label values to those given to StartTimer. It returns the
// observed value.
func (t *Timer) ObserveDuration(extra ...string) (float64, error) {
	elapsed := time.Since(t.start).Seconds()
	values := append(append([]string(nil), t.values...), extra...)
	if err := t.h.Observe(elapsed, values...); err != nil {
		return 0, err
	}
	return elapsed, nil
}

// Count returns the total number of observations for the series, or 0 if
// the series does not exist.
func (h *HistogramVec) Count(labelValues ...string) uint64 {
	if len(labelValues) != len(h.labels) {
		return 0
	}
	key := hashLabelValues(labelValues)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.series[key] {
		if valuesEqual(s.values, labelValues) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.count
		}
	}
	return 0
}

func (h *HistogramVec) lookup(labelValues []string) (*histogramSeries, error) {
	if len(labelValues) != len(h.labels) {
		return nil, fmt.Errorf("%w: histogram %s expects %d values, got %d",
			ErrLabelCardinality, h.name, len(h.labels), len(labelValues))
	}
	key := hashLabelValues(labelValues)

	h.mu.RLock()
	for _, s := range h.series[key] {
		if valuesEqual(s.values, labelValues) {
			h.mu.RUnlock()
			return s, nil
		}
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.series[key] {
		if valuesEqual(s.values, labelValues) {
			return s, nil
		}
	}
	s := &histogramSeries{
		values: append([]string(nil), labelValues...),
		counts: make([]uint64, len(h.buckets)),
	}
	h.series[key] = append(h.series[key], s)
	return s, nil
}

func (h *HistogramVec) familyName() string { return h.name }
