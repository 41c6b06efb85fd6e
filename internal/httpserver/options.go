package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/xssguard/internal/health"
	"github.com/keithlinneman/xssguard/internal/log"
	"github.com/keithlinneman/xssguard/internal/xssfilter"
)

// DefaultMaxBodyBytes caps request bodies on the filtered routes when
// Options.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 1 << 20

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// Escaper filters every parameter and JSON body reaching APIRoutes.
	// Nil leaves values unchanged.
	Escaper       xssfilter.Escaper
	FilterOptions []xssfilter.Option
	MaxBodyBytes  int64

	// APIRoutes registers handlers behind the request filter.
	APIRoutes func(chi.Router)
}
