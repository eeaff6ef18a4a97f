package metrics

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ContentType is the Prometheus text exposition media type.
//
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
const ContentType = "text/plain; version=0.0.4"

// WritePrometheus serializes every registered family in registration order.
// The whole body is assembled in memory first: on a serialization error
// nothing is written, so a scrape never receives a truncated corrupt body.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var buf bytes.Buffer
	ew := &expositionWriter{buf: &buf}
	for _, f := range r.snapshot() {
		if err := f.expose(ew); err != nil {
			return fmt.Errorf("serialize metric %s: %w", f.familyName(), err)
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Handler returns the scrape endpoint over the registry. Serialization
// failures yield a 500 with the error in the body; the registry itself is
// never mutated by a scrape.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var buf bytes.Buffer
		if err := r.WritePrometheus(&buf); err != nil {
			http.Error(w, fmt.Sprintf("metrics serialization failed: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	})
}

// expositionWriter emits exposition lines into a buffer.
type expositionWriter struct {
	buf *bytes.Buffer
}

func (w *expositionWriter) header(name, help, kind string) {
	fmt.Fprintf(w.buf, "# HELP %s %s\n", name, escapeHelp(help))
	fmt.Fprintf(w.buf, "# TYPE %s %s\n", name, kind)
}

// sample writes one sample line: name{l1="v1",l2="v2"} value
func (w *expositionWriter) sample(name string, labelNames, labelValues []string, value string) error {
	w.buf.WriteString(name)
	if len(labelNames) > 0 {
		w.buf.WriteByte('{')
		for i, ln := range labelNames {
			if i > 0 {
				w.buf.WriteByte(',')
			}
			lv := labelValues[i]
			if !utf8.ValidString(lv) {
				return fmt.Errorf("label %s: value is not valid UTF-8", ln)
			}
			w.buf.WriteString(ln)
			w.buf.WriteString(`="`)
			w.buf.WriteString(escapeLabelValue(lv))
			w.buf.WriteByte('"')
		}
		w.buf.WriteByte('}')
	}
	w.buf.WriteByte(' ')
	w.buf.WriteString(value)
	w.buf.WriteByte('\n')
	return nil
}

func (c *CounterVec) expose(w *expositionWriter) error {
	w.header(c.name, c.help, "counter")

	c.mu.RLock()
	series := make([]*counterSeries, 0, len(c.series))
	for _, chain := range c.series {
		series = append(series, chain...)
	}
	c.mu.RUnlock()
	sortSeries(series, func(s *counterSeries) []string { return s.values })

	for _, s := range series {
		v := strconv.FormatUint(s.value.Load(), 10)
		if err := w.sample(c.name, c.labels, s.values, v); err != nil {
			return err
		}
	}
	return nil
}

func (h *HistogramVec) expose(w *expositionWriter) error {
	w.header(h.name, h.help, "histogram")

	h.mu.RLock()
	series := make([]*histogramSeries, 0, len(h.series))
	for _, chain := range h.series {
		series = append(series, chain...)
	}
	h.mu.RUnlock()
	sortSeries(series, func(s *histogramSeries) []string { return s.values })

	bucketLabels := append(append([]string(nil), h.labels...), "le")

	for _, s := range series {
		// Copy under the series lock so buckets, sum and count come from
		// one consistent observation set.
		s.mu.Lock()
		counts := append([]uint64(nil), s.counts...)
		sum := s.sum
		count := s.count
		s.mu.Unlock()

		for i, bound := range h.buckets {
			values := append(append([]string(nil), s.values...), formatBound(bound))
			if err := w.sample(h.name+"_bucket", bucketLabels, values, strconv.FormatUint(counts[i], 10)); err != nil {
				return err
			}
		}
		values := append(append([]string(nil), s.values...), "+Inf")
		if err := w.sample(h.name+"_bucket", bucketLabels, values, strconv.FormatUint(count, 10)); err != nil {
			return err
		}
		if err := w.sample(h.name+"_sum", h.labels, s.values, formatValue(sum)); err != nil {
			return err
		}
		if err := w.sample(h.name+"_count", h.labels, s.values, strconv.FormatUint(count, 10)); err != nil {
			return err
		}
	}
	return nil
}

// sortSeries orders series lexicographically by label values so scrapes are
// deterministic regardless of map iteration order.
func sortSeries[S any](series []S, values func(S) []string) {
	sort.Slice(series, func(i, j int) bool {
		a, b := values(series[i]), values(series[j])
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}

func formatBound(bound float64) string {
	return strconv.FormatFloat(bound, 'g', -1, 64)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// escapeLabelValue escapes backslash, double-quote and line feed, which are
// the characters the exposition format requires escaping in label values.
func escapeLabelValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// escapeHelp escapes backslash and line feed in help text.
func escapeHelp(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
