// Package metrics2 is a small Counter/Gauge/Summary facade over
// github.com/prometheus/client_golang, matching the call surface
// (GetCounter/GetInt64Metric/GetFloat64Metric/GetFloat64SummaryMetric) the teacher's
// own go/metrics2 exposes to machine/go/test_machine_monitor. Per the agent's "no
// listening ports" constraint, nothing in this package starts an HTTP server; callers
// that want a scrape endpoint fetch the *prometheus.Registry via DefaultRegistry and
// mount it themselves.
package metrics2

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a monotonic (but resettable) integer counter.
type Counter interface {
	Inc(delta int64)
	Reset()
	Get() int64
}

// Int64Metric is an arbitrary integer gauge.
type Int64Metric interface {
	Update(v int64)
	Get() int64
}

// Float64Metric is an arbitrary float gauge.
type Float64Metric interface {
	Update(v float64)
	Get() float64
}

// Float64SummaryMetric observes a stream of float64 samples (e.g. call latencies) and
// reports quantiles of their distribution.
type Float64SummaryMetric interface {
	Observe(v float64)
}

// Timer is returned by NewTimer; Stop records the elapsed time against the wrapped
// Float64SummaryMetric, in seconds.
type Timer struct {
	start  time.Time
	metric Float64SummaryMetric
}

// Stop records the elapsed time since NewTimer was called.
func (t *Timer) Stop() {
	if t.metric != nil {
		t.metric.Observe(time.Since(t.start).Seconds())
	}
}

// NewTimer starts a Timer that will observe its elapsed duration into metric on Stop.
func NewTimer(metric Float64SummaryMetric) *Timer {
	return &Timer{start: time.Now(), metric: metric}
}

// DefaultRegistry is the registry every package-level Get* function registers against.
var DefaultRegistry = prometheus.NewRegistry()

var client = newClient(DefaultRegistry)

// clean replaces characters Prometheus metric names disallow with underscores.
func clean(name string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return r.Replace(name)
}

type client_ struct {
	reg           *prometheus.Registry
	counters      map[string]*counter
	int64Gauges   map[string]*int64Gauge
	float64Gauges map[string]*float64Gauge
	summaries     map[string]prometheus.Summary
}

func newClient(reg *prometheus.Registry) *client_ {
	return &client_{
		reg:           reg,
		counters:      map[string]*counter{},
		int64Gauges:   map[string]*int64Gauge{},
		float64Gauges: map[string]*float64Gauge{},
		summaries:     map[string]prometheus.Summary{},
	}
}

func key(name string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := strings.Builder{}
	b.WriteString(clean(name))
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}

// Counter/gauge values are read and updated from whichever goroutine is reporting at the
// moment (e.g. the persistence coordinator and the recovery worker can both drive the
// same primarysink.Sink counters concurrently), so each value field is its own atomic.
type int64Gauge struct {
	g prometheus.Gauge
	v atomic.Int64
}

func (g *int64Gauge) Update(v int64) {
	g.v.Store(v)
	g.g.Set(float64(v))
}
func (g *int64Gauge) Get() int64 { return g.v.Load() }

type float64Gauge struct {
	g  prometheus.Gauge
	mu sync.Mutex
	v  float64
}

func (g *float64Gauge) Update(v float64) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
	g.g.Set(v)
}
func (g *float64Gauge) Get() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

type counter struct {
	c prometheus.Counter
	v atomic.Int64
}

func (c *counter) Inc(delta int64) {
	c.v.Add(delta)
	c.c.Add(float64(delta))
}
func (c *counter) Reset() {
	c.v.Store(0)
}
func (c *counter) Get() int64 { return c.v.Load() }

func (cl *client_) GetCounter(name string, tags map[string]string) Counter {
	k := key(name, tags)
	if existing, ok := cl.counters[k]; ok {
		return existing
	}
	pc := prometheus.NewCounter(prometheus.CounterOpts{Name: clean(name), ConstLabels: tags})
	cl.reg.MustRegister(pc)
	c := &counter{c: pc}
	cl.counters[k] = c
	return c
}

func (cl *client_) GetInt64Metric(name string, tags map[string]string) Int64Metric {
	k := key(name, tags)
	if existing, ok := cl.int64Gauges[k]; ok {
		return existing
	}
	pg := prometheus.NewGauge(prometheus.GaugeOpts{Name: clean(name), ConstLabels: tags})
	cl.reg.MustRegister(pg)
	g := &int64Gauge{g: pg}
	cl.int64Gauges[k] = g
	return g
}

func (cl *client_) GetFloat64Metric(name string, tags map[string]string) Float64Metric {
	k := key(name, tags)
	if existing, ok := cl.float64Gauges[k]; ok {
		return existing
	}
	pg := prometheus.NewGauge(prometheus.GaugeOpts{Name: clean(name), ConstLabels: tags})
	cl.reg.MustRegister(pg)
	g := &float64Gauge{g: pg}
	cl.float64Gauges[k] = g
	return g
}

func (cl *client_) GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	var t map[string]string
	if len(tags) > 0 {
		t = tags[0]
	}
	k := key(name, t)
	if existing, ok := cl.summaries[k]; ok {
		return existing
	}
	ps := prometheus.NewSummary(prometheus.SummaryOpts{
		Name:        clean(name),
		ConstLabels: t,
		Objectives:  map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	cl.reg.MustRegister(ps)
	cl.summaries[k] = ps
	return ps
}

// GetCounter returns the (process-wide) Counter registered under name/tags, creating it
// on first use.
func GetCounter(name string, tags map[string]string) Counter { return client.GetCounter(name, tags) }

// GetInt64Metric returns the (process-wide) Int64Metric registered under name/tags.
func GetInt64Metric(name string, tags map[string]string) Int64Metric {
	return client.GetInt64Metric(name, tags)
}

// GetFloat64Metric returns the (process-wide) Float64Metric registered under name/tags.
func GetFloat64Metric(name string, tags map[string]string) Float64Metric {
	return client.GetFloat64Metric(name, tags)
}

// GetFloat64SummaryMetric returns the (process-wide) Float64SummaryMetric registered
// under name/tags.
func GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	return client.GetFloat64SummaryMetric(name, tags...)
}
