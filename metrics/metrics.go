// Package metrics provides the agent's own health metrics (offline queue
// depth and reconnect counts) exported to the backend over its own
// buffered OTLP-shaped HTTP pusher. Adapted from the teacher SDK's
// metrics.go/metrics_buffer.go/metrics_exporter.go, which instrumented
// arbitrary application counters/gauges/histograms; here the same registry
// is repurposed to track the agent's internal operational state exclusively.
package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Counter tracks monotonically increasing values.
type Counter interface {
	Inc()
	Add(value float64)
}

// Gauge tracks point-in-time values.
type Gauge interface {
	Set(value float64)
}

type dataPoint struct {
	name      string
	tags      map[string]string
	value     float64
	timestamp time.Time
	typ       string
}

type counter struct {
	name string
	tags map[string]string
	buf  *buffer
}

func (c *counter) Inc()             { c.Add(1) }
func (c *counter) Add(value float64) {
	if value < 0 {
		return
	}
	c.buf.add(dataPoint{name: c.name, tags: c.tags, value: value, timestamp: time.Now(), typ: "counter"})
}

type gauge struct {
	name string
	tags map[string]string
	buf  *buffer
}

func (g *gauge) Set(value float64) {
	g.buf.add(dataPoint{name: g.name, tags: g.tags, value: value, timestamp: time.Now(), typ: "gauge"})
}

// Registry is the agent's metrics registry, holding named counters and
// gauges and periodically flushing them to the backend.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*counter
	gauges   map[string]*gauge
	buf      *buffer
}

// New creates a Registry that exports to endpoint using apiKey, tagging
// every data point with serviceName.
func New(endpoint, apiKey, serviceName string) *Registry {
	r := &Registry{
		counters: make(map[string]*counter),
		gauges:   make(map[string]*gauge),
		buf:      newBuffer(endpoint, apiKey, serviceName),
	}
	r.buf.start()
	return r
}

// Counter returns (creating if necessary) the named counter.
func (r *Registry) Counter(name string, tags map[string]string) Counter {
	key := metricKey(name, tags)
	r.mu.RLock()
	if c, ok := r.counters[key]; ok {
		r.mu.RUnlock()
		return c
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &counter{name: name, tags: copyTags(tags), buf: r.buf}
	r.counters[key] = c
	return c
}

// Gauge returns (creating if necessary) the named gauge.
func (r *Registry) Gauge(name string, tags map[string]string) Gauge {
	key := metricKey(name, tags)
	r.mu.RLock()
	if g, ok := r.gauges[key]; ok {
		r.mu.RUnlock()
		return g
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &gauge{name: name, tags: copyTags(tags), buf: r.buf}
	r.gauges[key] = g
	return g
}

// Shutdown stops the background flush loop after a final flush.
func (r *Registry) Shutdown() {
	r.buf.shutdown()
}

func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	key := name + "{"
	first := true
	for k, v := range tags {
		if !first {
			key += ","
		}
		key += k + "=" + v
		first = false
	}
	return key + "}"
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	return copied
}

// buffer collects data points and flushes them periodically or when full.
type buffer struct {
	data     []dataPoint
	mu       sync.Mutex
	exporter *exporter
	stop     chan struct{}

	maxSize       int
	flushInterval time.Duration
}

func newBuffer(endpoint, apiKey, serviceName string) *buffer {
	return &buffer{
		data:          make([]dataPoint, 0, 100),
		exporter:      newExporter(endpoint, apiKey, serviceName),
		stop:          make(chan struct{}),
		maxSize:       100,
		flushInterval: 10 * time.Second,
	}
}

func (b *buffer) add(dp dataPoint) {
	b.mu.Lock()
	b.data = append(b.data, dp)
	shouldFlush := len(b.data) >= b.maxSize
	b.mu.Unlock()

	if shouldFlush {
		go b.flush()
	}
}

func (b *buffer) start() { go b.flushLoop() }

func (b *buffer) flushLoop() {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *buffer) flush() {
	b.mu.Lock()
	if len(b.data) == 0 {
		b.mu.Unlock()
		return
	}
	points := b.data
	b.data = make([]dataPoint, 0, b.maxSize)
	b.mu.Unlock()

	_ = b.exporter.export(points) // best-effort, metrics are not load-bearing
}

func (b *buffer) shutdown() {
	close(b.stop)
	time.Sleep(100 * time.Millisecond)
}

// exporter sends data points to the backend as an OTLP-shaped metrics payload.
type exporter struct {
	endpoint    string
	apiKey      string
	serviceName string
	client      *http.Client
}

func newExporter(endpoint, apiKey, serviceName string) *exporter {
	return &exporter{
		endpoint:    endpoint,
		apiKey:      apiKey,
		serviceName: serviceName,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *exporter) export(points []dataPoint) error {
	if len(points) == 0 {
		return nil
	}

	payload := e.toOTLP(points)
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	req, err := http.NewRequest("POST", e.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %d", resp.StatusCode)
	}
	return nil
}

func (e *exporter) toOTLP(points []dataPoint) map[string]any {
	grouped := make(map[string][]dataPoint)
	for _, dp := range points {
		key := dp.name + ":" + dp.typ
		grouped[key] = append(grouped[key], dp)
	}

	metrics := make([]map[string]any, 0, len(grouped))
	for key, dps := range grouped {
		parts := strings.SplitN(key, ":", 2)
		name, typ := parts[0], parts[1]

		otlpDPs := make([]map[string]any, 0, len(dps))
		for _, dp := range dps {
			attributes := make([]map[string]any, 0, len(dp.tags))
			for k, v := range dp.tags {
				attributes = append(attributes, map[string]any{
					"key":   k,
					"value": map[string]any{"stringValue": v},
				})
			}
			otlpDPs = append(otlpDPs, map[string]any{
				"attributes":   attributes,
				"timeUnixNano": fmt.Sprintf("%d", dp.timestamp.UnixNano()),
				"asDouble":     dp.value,
			})
		}

		var metric map[string]any
		switch typ {
		case "counter":
			metric = map[string]any{
				"name": name,
				"sum": map[string]any{
					"dataPoints":             otlpDPs,
					"aggregationTemporality": 2,
					"isMonotonic":            true,
				},
			}
		default:
			metric = map[string]any{
				"name":  name,
				"gauge": map[string]any{"dataPoints": otlpDPs},
			}
		}
		metrics = append(metrics, metric)
	}

	return map[string]any{
		"resourceMetrics": []map[string]any{
			{
				"resource": map[string]any{
					"attributes": []map[string]any{
						{"key": "service.name", "value": map[string]any{"stringValue": e.serviceName}},
					},
				},
				"scopeMetrics": []map[string]any{
					{"scope": map[string]any{"name": "aivory-agent"}, "metrics": metrics},
				},
			},
		},
	}
}
