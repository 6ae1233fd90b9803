package observability

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by a Prometheus registerer.
// Dotted names become underscore names; counters get a _total suffix.
type PrometheusFactory struct {
	registerer  prometheus.Registerer
	constLabels prometheus.Labels
	buckets     []float64

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

var _ MetricFactory = (*PrometheusFactory)(nil)

// PrometheusOption configures a PrometheusFactory.
type PrometheusOption func(*PrometheusFactory)

// WithConstLabels attaches labels such as service and env to every metric.
func WithConstLabels(labels prometheus.Labels) PrometheusOption {
	return func(f *PrometheusFactory) { f.constLabels = labels }
}

// WithBuckets overrides the histogram buckets.
func WithBuckets(buckets []float64) PrometheusOption {
	return func(f *PrometheusFactory) { f.buckets = buckets }
}

// NewPrometheusFactory registers metrics on registerer, or on the default
// registerer when nil.
func NewPrometheusFactory(registerer prometheus.Registerer, opts ...PrometheusOption) *PrometheusFactory {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	f := &PrometheusFactory{
		registerer: registerer,
		buckets:    prometheus.ExponentialBuckets(1, 2, 12),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Counter implements MetricFactory.
func (f *PrometheusFactory) Counter(name string) Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        metricName(name) + "_total",
		Help:        "Tally " + name + " count.",
		ConstLabels: f.constLabels,
	})
	c = register(f.registerer, c)
	f.counters[name] = c
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        metricName(name),
		Help:        "Tally " + name + " distribution.",
		Buckets:     f.buckets,
		ConstLabels: f.constLabels,
	})
	h = register(f.registerer, h)
	f.histograms[name] = h
	return h
}

// register returns the already registered collector when an identical one
// exists, so two engines can share a registry.
func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
