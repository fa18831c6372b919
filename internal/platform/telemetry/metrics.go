// Package telemetry collects request and notification pipeline metrics and
// serves them in the Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// GaugeFunc reads a gauge value at scrape time.
type GaugeFunc func() int64

type gauge struct {
	name, help string
	read       GaugeFunc
}

// Metrics is the process-wide metrics registry.
type Metrics struct {
	activeRequests atomic.Int64

	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status
	events    map[string]int64      // resourceType|action
	gauges    []gauge
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{
		durations: make(map[string]*histogram),
		events:    make(map[string]int64),
	}
}

// LabelsKey builds the key of a request duration series.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// RegisterGauge exposes fn as a gauge named name.
func (m *Metrics) RegisterGauge(name, help string, fn GaugeFunc) {
	m.mu.Lock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, read: fn})
	m.mu.Unlock()
}

// OnResourceEvent counts committed resource writes by type and action.
func (m *Metrics) OnResourceEvent(_ context.Context, event fhir.ResourceEvent) {
	m.mu.Lock()
	m.events[event.ResourceType+"|"+event.Action]++
	m.mu.Unlock()
}

// EventCount returns the number of events seen for resourceType and action.
func (m *Metrics) EventCount(resourceType, action string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[resourceType+"|"+action]
}

// RequestCount returns the number of requests recorded under key.
func (m *Metrics) RequestCount(key string) int64 {
	m.mu.RLock()
	h := m.durations[key]
	m.mu.RUnlock()
	if h == nil {
		return 0
	}
	return h.Count()
}

func (m *Metrics) observe(key string, v float64) {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.durations[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			m.durations[key] = h
		}
		m.mu.Unlock()
	}
	h.Observe(v)
}

// Middleware records request durations by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Add(1)
			start := time.Now()
			err := next(c)
			m.activeRequests.Add(-1)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.observe(LabelsKey(c.Request().Method, route, strconv.Itoa(status)), time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves GET /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.mu.RLock()
		durations := make(map[string]*histogram, len(m.durations))
		for k, v := range m.durations {
			durations[k] = v
		}
		events := make(map[string]int64, len(m.events))
		for k, v := range m.events {
			events[k] = v
		}
		gauges := append([]gauge(nil), m.gauges...)
		m.mu.RUnlock()

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		for _, key := range sortedKeys(durations) {
			parts := strings.SplitN(key, "|", 3)
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, durations[key])
		}
		b.WriteByte('\n')

		writeGauge(&b, "http_server_active_requests", "Number of active HTTP requests.", m.activeRequests.Load())

		b.WriteString("# HELP fhir_resource_events_total Committed resource writes by type and action.\n")
		b.WriteString("# TYPE fhir_resource_events_total counter\n")
		for _, key := range sortedKeys(events) {
			parts := strings.SplitN(key, "|", 2)
			fmt.Fprintf(&b, "fhir_resource_events_total{resource_type=%q,action=%q} %d\n", parts[0], parts[1], events[key])
		}
		b.WriteByte('\n')

		for _, g := range gauges {
			writeGauge(&b, g.name, g.help, g.read())
		}
		return c.String(http.StatusOK, b.String())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeGauge(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, v)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
