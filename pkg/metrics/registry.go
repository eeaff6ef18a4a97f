// Package metrics implements the in-process metric registry: named counter
// and histogram families, label-schema enforcement, and serialization into
// the Prometheus text exposition format.
//
// Registration happens once at startup; a duplicate name is a configuration
// error and callers are expected to treat it as fatal. Series accumulation is
// safe under parallel request handling.
package metrics

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrAlreadyRegistered is returned when a metric name is registered twice.
	ErrAlreadyRegistered = errors.New("metric already registered")

	// ErrLabelCardinality is returned when the number of label values does
	// not match the registered label schema.
	ErrLabelCardinality = errors.New("label value count does not match schema")
)

// family is a registered metric family that can serialize itself.
type family interface {
	familyName() string
	expose(w *expositionWriter) error
}

// Registry owns all registered metric families for the process.
// Families are exposed in registration order.
type Registry struct {
	mu       sync.RWMutex
	families []family
	names    map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		names: make(map[string]struct{}),
	}
}

// RegisterCounter registers a new counter family. Registering a name twice
// returns ErrAlreadyRegistered.
func (r *Registry) RegisterCounter(name, help string, labelNames []string) (*CounterVec, error) {
	c := &CounterVec{
		name:   name,
		help:   help,
		labels: append([]string(nil), labelNames...),
		series: make(map[uint64][]*counterSeries),
	}
	if err := r.register(name, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RegisterHistogram registers a new histogram family with the given bucket
// upper bounds. Bounds must be non-empty and strictly increasing.
func (r *Registry) RegisterHistogram(name, help string, labelNames []string, buckets []float64) (*HistogramVec, error) {
	if len(buckets) == 0 {
		return nil, fmt.Errorf("histogram %q: no buckets", name)
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i] <= buckets[i-1] {
			return nil, fmt.Errorf("histogram %q: buckets not strictly increasing at index %d", name, i)
		}
	}
	h := &HistogramVec{
		name:    name,
		help:    help,
		labels:  append([]string(nil), labelNames...),
		buckets: append([]float64(nil), buckets...),
		series:  make(map[uint64][]*histogramSeries),
	}
	if err := r.register(name, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *Registry) register(name string, f family) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.names[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.names[name] = struct{}{}
	r.families = append(r.families, f)
	return nil
}

// snapshot returns the family list in registration order.
func (r *Registry) snapshot() []family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]family(nil), r.families...)
}

// hashLabelValues computes the series key for a label value tuple.
// Values are separated by 0xff, which cannot appear in valid UTF-8 text,
// so distinct tuples hash distinct byte streams.
func hashLabelValues(values []string) uint64 {
	d := xxhash.New()
	for _, v := range values {
		_, _ = d.WriteString(v)
		_, _ = d.Write([]byte{0xff})
	}
	return d.Sum64()
}

// valuesEqual reports whether two label value tuples are identical.
func valuesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
