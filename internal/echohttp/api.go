// Package echohttp serves the inspection API: an echo endpoint that
// reports what a downstream handler sees after filtering, and a summary of
// the active rule document.
package echohttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/xssguard/internal/log"
	"github.com/keithlinneman/xssguard/internal/rules"
	"github.com/keithlinneman/xssguard/internal/xssfilter"
)

// SnapshotProvider defines the interface for getting rule snapshots
type SnapshotProvider interface {
	Get() (*rules.Snapshot, bool)
}

// API implements the echo and rules endpoints
type API struct {
	rules  SnapshotProvider
	logger log.Logger
}

func NewAPI(rules SnapshotProvider, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{rules: rules, logger: logger}
}

// RegisterRoutes attaches the endpoints to the router. The echo routes
// must sit behind xssfilter.Middleware.
func (api *API) RegisterRoutes(r chi.Router) {
	for _, pattern := range []string{"/api/echo", "/api/echo/*"} {
		r.Get(pattern, api.HandleEcho)
		r.Post(pattern, api.HandleEcho)
		r.Put(pattern, api.HandleEcho)
		r.Patch(pattern, api.HandleEcho)
	}
	r.Get("/api/rules", api.HandleRules)
}

// EchoResponse is what a handler behind the filter observed.
type EchoResponse struct {
	// Path is the path rules are matched against.
	Path   string     `json:"path"`
	Params url.Values `json:"params"`

	// Body is the JSON document as read, or a string when the bytes are
	// not valid JSON. It is omitted for non-JSON requests.
	Body any `json:"body,omitempty"`

	// Outcome is how the filter settled the body, omitted when the
	// handler never read it.
	Outcome string `json:"outcome,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// RulesResponse describes the active rule document.
type RulesResponse struct {
	rules.Meta
	Loaded     bool      `json:"loaded"`
	LoadedAt   time.Time `json:"loaded_at,omitzero"`
	ServerTime time.Time `json:"server_time"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleEcho reports params and body exactly as the derived request
// presents them.
func (api *API) HandleEcho(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, ok := xssfilter.FromContext(ctx)
	if !ok {
		api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "request filter not installed"})
		return
	}

	resp := EchoResponse{Path: q.Path(), Params: url.Values{}}
	if err := r.ParseForm(); err != nil {
		resp.Warning = "params: " + err.Error()
	}
	for k, vs := range r.Form {
		resp.Params[k] = vs
	}

	if q.Classification().JSON {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			status := http.StatusBadRequest
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				status = http.StatusRequestEntityTooLarge
			}
			api.writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
			return
		}
		switch {
		case len(raw) == 0:
		case json.Valid(raw):
			resp.Body = json.RawMessage(raw)
		default:
			resp.Body = string(raw)
		}
	}
	if o := q.Outcome(); o != xssfilter.OutcomePending {
		resp.Outcome = o.String()
	}

	api.logger.Debug(ctx, "served echo",
		"path", resp.Path,
		"outcome", resp.Outcome,
		"params", len(resp.Params),
	)
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleRules serves metadata for the active rule snapshot.
func (api *API) HandleRules(w http.ResponseWriter, r *http.Request) {
	resp := RulesResponse{
		Meta:       rules.Meta{Source: rules.SourceBuiltin},
		ServerTime: time.Now().UTC().Truncate(time.Second),
	}
	if api.rules != nil {
		if snap, ok := api.rules.Get(); ok {
			resp.Meta = snap.Meta
			resp.Loaded = true
			resp.LoadedAt = snap.LoadedAt.UTC().Truncate(time.Second)
		}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
