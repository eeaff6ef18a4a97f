package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// CounterVec is a monotonically increasing counter family broken down by
// label values. Series are created on first use.
type CounterVec struct {
	name   string
	help   string
	labels []string

	mu     sync.RWMutex
	series map[uint64][]*counterSeries
}

// counterSeries holds one label-value combination. The value is atomic so
// concurrent requests to the same series never lose an increment.
type counterSeries struct {
	values []string
	value  atomic.Uint64
}

// Inc increments the series identified by labelValues by 1. The number of
// values must match the registered label schema.
func (c *CounterVec) Inc(labelValues ...string) error {
	s, err := c.lookup(labelValues)
	if err != nil {
		return err
	}
	s.value.Add(1)
	return nil
}

// Value returns the current value of the series, or 0 if it has never been
// incremented.
func (c *CounterVec) Value(labelValues ...string) uint64 {
	if len(labelValues) != len(c.labels) {
		return 0
	}
	key := hashLabelValues(labelValues)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.series[key] {
		if valuesEqual(s.values, labelValues) {
			return s.value.Load()
		}
	}
	return 0
}

// lookup finds or creates the series for a label value tuple.
func (c *CounterVec) lookup(labelValues []string) (*counterSeries, error) {
	if len(labelValues) != len(c.labels) {
		return nil, fmt.Errorf("%w: counter %s expects %d values, got %d",
			ErrLabelCardinality, c.name, len(c.labels), len(labelValues))
	}
	key := hashLabelValues(labelValues)

	c.mu.RLock()
	for _, s := range c.series[key] {
		if valuesEqual(s.values, labelValues) {
			c.mu.RUnlock()
			return s, nil
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check: another goroutine may have created the series between locks.
	for _, s := range c.series[key] {
		if valuesEqual(s.values, labelValues) {
			return s, nil
		}
	}
	s := &counterSeries{values: append([]string(nil), labelValues...)}
	c.series[key] = append(c.series[key], s)
	return s, nil
}

func (c *CounterVec) familyName() string { return c.name }
