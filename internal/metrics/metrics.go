package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/xssguard/internal/rules"
	"github.com/keithlinneman/xssguard/internal/version"
	"github.com/keithlinneman/xssguard/internal/xssfilter"
)

// ServerMetrics owns the process registry. It implements xssfilter.Metrics
// and rules.Metrics.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// filtering
	valuesTotal  *prometheus.CounterVec
	bodiesTotal  *prometheus.CounterVec
	bodyDuration *prometheus.HistogramVec

	// rules
	rulesReloadsTotal  *prometheus.CounterVec
	rulesInfo          *prometheus.GaugeVec
	rulesLoadDuration  prometheus.Histogram
	rulesLastSuccessTs prometheus.Gauge
	rulesStale         prometheus.Gauge
}

var (
	_ xssfilter.Metrics = (*ServerMetrics)(nil)
	_ rules.Metrics     = (*ServerMetrics)(nil)
)

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_id", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		valuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xssguard_values_escaped_total",
			Help: "Values passed through the escaper by source (param, json) and whether escaping changed them",
		}, []string{"source", "modified"}),
		bodiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xssguard_bodies_total",
			Help: "Request bodies by filtering outcome",
		}, []string{"outcome"}),
		bodyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xssguard_body_filter_duration_seconds",
			Help:    "Time to read, filter, and re-encode a request body",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"outcome"}),
		rulesReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xssguard_rules_reloads_total",
			Help: "Rule document reload attempts by source and result",
		}, []string{"source", "result"}),
		rulesInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xssguard_rules_info",
			Help: "Currently active rule document (labels carry identity, value is always 1)",
		}, []string{"source", "sha256", "version", "signed"}),
		rulesLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xssguard_rules_load_duration_seconds",
			Help:    "Time to fetch, verify, and compile a rule document",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		rulesLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xssguard_rules_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful rules pointer check",
		}),
		rulesStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xssguard_rules_stale",
			Help: "Whether the rules source is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.valuesTotal,
		m.bodiesTotal,
		m.bodyDuration,
		m.rulesReloadsTotal,
		m.rulesInfo,
		m.rulesLoadDuration,
		m.rulesLastSuccessTs,
		m.rulesStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfo(app, component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_id":   vi.BuildID,
		"go_version": vi.GoVersion,
		"vcs_dirty":  vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *ServerMetrics) ObserveValue(source string, modified bool) {
	m.valuesTotal.WithLabelValues(source, strconv.FormatBool(modified)).Inc()
}

func (m *ServerMetrics) ObserveBody(outcome xssfilter.BodyOutcome, seconds float64) {
	o := outcome.String()
	m.bodiesTotal.WithLabelValues(o).Inc()
	if seconds > 0 {
		m.bodyDuration.WithLabelValues(o).Observe(seconds)
	}
}

func (m *ServerMetrics) IncRulesReload(source rules.Source, result string) {
	m.rulesReloadsTotal.WithLabelValues(string(source), result).Inc()
}

// SetRulesActive replaces the rules_info series with meta.
func (m *ServerMetrics) SetRulesActive(meta rules.Meta) {
	m.rulesInfo.Reset()
	m.rulesInfo.WithLabelValues(string(meta.Source), meta.SHA256, meta.Version, strconv.FormatBool(meta.Signed)).Set(1)
}

func (m *ServerMetrics) ObserveRulesLoadDuration(seconds float64) {
	m.rulesLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetRulesLastSuccess(unixSeconds float64) {
	m.rulesLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetRulesStale(stale bool) {
	m.rulesStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
