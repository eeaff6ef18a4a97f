package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCounter_DuplicateName(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.RegisterCounter("http_request_count", "help", []string{"method"})
	require.NoError(t, err)

	_, err = reg.RegisterCounter("http_request_count", "other help", nil)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterDuplicateAcrossKinds(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.RegisterCounter("requests", "help", nil)
	require.NoError(t, err)

	_, err = reg.RegisterHistogram("requests", "help", nil, DefaultBuckets)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterHistogram_InvalidBuckets(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.RegisterHistogram("empty", "help", nil, nil)
	require.Error(t, err)

	_, err = reg.RegisterHistogram("unsorted", "help", nil, []float64{0.1, 0.1, 0.5})
	require.Error(t, err)
}

func TestCounter_IncAndValue(t *testing.T) {
	reg := NewRegistry()
	c, err := reg.RegisterCounter("http_request_count", "help", []string{"method", "route", "status"})
	require.NoError(t, err)

	require.NoError(t, c.Inc("GET", "/hello", "200"))
	require.NoError(t, c.Inc("GET", "/hello", "200"))
	require.NoError(t, c.Inc("GET", "/hello", "500"))

	assert.Equal(t, uint64(2), c.Value("GET", "/hello", "200"))
	assert.Equal(t, uint64(1), c.Value("GET", "/hello", "500"))
	assert.Equal(t, uint64(0), c.Value("POST", "/hello", "200"))
}

func TestCounter_LabelArity(t *testing.T) {
	reg := NewRegistry()
	c, err := reg.RegisterCounter("requests", "help", []string{"method", "route"})
	require.NoError(t, err)

	err = c.Inc("GET")
	require.ErrorIs(t, err, ErrLabelCardinality)

	err = c.Inc("GET", "/hello", "200")
	require.ErrorIs(t, err, ErrLabelCardinality)
}

// A concurrent burst of N increments to the same series must be counted
// exactly N times: no lost updates.
func TestCounter_ConcurrentIncrements(t *testing.T) {
	reg := NewRegistry()
	c, err := reg.RegisterCounter("requests", "help", []string{"route"})
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Inc("/hello")
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(n), c.Value("/hello"))
}

func TestHistogram_ObserveBuckets(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.RegisterHistogram("latency", "help", []string{"route"}, []float64{0.1, 0.5, 1.0})
	require.NoError(t, err)

	require.NoError(t, h.Observe(0.05, "/hello"))
	require.NoError(t, h.Observe(0.3, "/hello"))
	require.NoError(t, h.Observe(2.0, "/hello"))

	s, err := h.lookup([]string{"/hello"})
	require.NoError(t, err)

	// Cumulative: counts never decrease as the bucket index increases.
	assert.Equal(t, []uint64{1, 2, 2}, s.counts)
	assert.Equal(t, uint64(3), s.count)
	assert.InDelta(t, 2.35, s.sum, 1e-9)
}

func TestHistogram_SumCountMoveTogether(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.RegisterHistogram("latency", "help", nil, DefaultBuckets)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Observe(0.01)
		}()
	}
	wg.Wait()

	s, err := h.lookup(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), s.count)
	assert.InDelta(t, float64(n)*0.01, s.sum, 1e-9)
}

func TestHistogram_TimerDeferredLabels(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.RegisterHistogram("latency", "help", []string{"method", "status"}, DefaultBuckets)
	require.NoError(t, err)

	timer := h.StartTimer("GET")
	elapsed, err := timer.ObserveDuration("200")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 0.0)
	assert.Equal(t, uint64(1), h.Count("GET", "200"))
}

func TestHistogram_TimerArityMismatch(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.RegisterHistogram("latency", "help", []string{"method", "status"}, DefaultBuckets)
	require.NoError(t, err)

	timer := h.StartTimer("GET")
	_, err = timer.ObserveDuration()
	require.ErrorIs(t, err, ErrLabelCardinality)
}
