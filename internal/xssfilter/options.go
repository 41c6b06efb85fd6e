package xssfilter

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/xssguard/internal/log"
)

// DefaultMaxMemory is the multipart memory limit used when none is set,
// matching net/http's own default for FormValue.
const DefaultMaxMemory = 32 << 20

// Value sources reported to Metrics.
const (
	SourceParam = "param"
	SourceJSON  = "json"
)

// Metrics receives filter observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveValue(source string, modified bool)
	ObserveBody(outcome BodyOutcome, seconds float64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveValue(string, bool)        {}
func (nopMetrics) ObserveBody(BodyOutcome, float64) {}

// Option configures Wrap and Middleware.
type Option func(*options)

type options struct {
	contextPath   string
	paths         PathFilter
	pathsFromEsc  bool
	maxMemory     int64
	arrayElements bool
	metrics       Metrics
	logger        log.Logger
	logEvery      *rate.Sometimes
}

func newOptions(esc Escaper, opts []Option) *options {
	o := &options{
		maxMemory: DefaultMaxMemory,
		metrics:   nopMetrics{},
	}
	for _, fn := range opts {
		if fn != nil {
			fn(o)
		}
	}
	// An escaper that knows its own disabled paths doubles as the filter.
	if o.paths == nil {
		if pf, ok := esc.(PathFilter); ok {
			o.paths = pf
			o.pathsFromEsc = true
		}
	}
	if o.maxMemory <= 0 {
		o.maxMemory = DefaultMaxMemory
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.logEvery == nil {
		o.logEvery = &rate.Sometimes{First: 10, Interval: 10 * time.Second}
	}
	return o
}

// pinned resolves esc for one request. A Pinner is pinned, and the options
// are copied when their PathFilter came from the escaper.
func (o *options) pinned(esc Escaper) (Escaper, *options) {
	p, ok := esc.(Pinner)
	if !ok {
		return esc, o
	}
	pe := p.Pin()
	if pe == nil {
		return esc, o
	}
	if o.pathsFromEsc {
		if pf, ok := pe.(PathFilter); ok {
			cp := *o
			cp.paths = pf
			return pe, &cp
		}
	}
	return pe, o
}

// WithContextPath sets the deployment prefix removed from URL.Path to form
// the path passed to the Escaper and PathFilter.
func WithContextPath(prefix string) Option {
	return func(o *options) { o.contextPath = prefix }
}

// WithPathFilter sets the predicate that switches filtering off per path.
// Without it, an Escaper that also implements PathFilter is used.
func WithPathFilter(pf PathFilter) Option {
	return func(o *options) { o.paths = pf }
}

// WithMaxMemory sets the memory limit passed to ParseMultipartForm.
func WithMaxMemory(n int64) Option {
	return func(o *options) { o.maxMemory = n }
}

// WithArrayElementEscaping also escapes bare strings inside JSON arrays.
func WithArrayElementEscaping(on bool) Option {
	return func(o *options) { o.arrayElements = on }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger for fallback warnings. Without it the
// request context logger is used.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLogThrottle limits how often body fallbacks are logged.
func WithLogThrottle(s *rate.Sometimes) Option {
	return func(o *options) { o.logEvery = s }
}
