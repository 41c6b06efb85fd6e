package httpserver_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/xssguard/internal/echohttp"
	"github.com/keithlinneman/xssguard/internal/health"
	"github.com/keithlinneman/xssguard/internal/httpserver"
	"github.com/keithlinneman/xssguard/internal/log"
	"github.com/keithlinneman/xssguard/internal/metrics"
	"github.com/keithlinneman/xssguard/internal/rules"
	"github.com/keithlinneman/xssguard/internal/xssfilter"
)

const integrationRules = `
version: "it-1"
defenders:
  - name: strip
    kind: stripper
default: preventer
global:
  params:
    - name: html_
      prefix: true
      defender: strip
url_rules:
  - url: /api/echo/legacy/*
    disable: true
`

// TestIntegration_FullStack wires httpserver.NewHandler with the echo API,
// a rules.Store and real metrics, then checks that filtering, headers,
// and counters work end-to-end.
func TestIntegration_FullStack(t *testing.T) {
	snap, err := rules.Build([]byte(integrationRules), rules.Meta{Source: rules.SourceFile, Location: "rules.yaml"})
	if err != nil {
		t.Fatalf("rules.Build: %v", err)
	}
	store := rules.NewStore()
	store.Set(*snap)

	m := metrics.New()
	api := echohttp.NewAPI(store, log.Nop())

	handler := httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    health.Condition(func() bool { _, ok := store.Get(); return ok }, "rules not loaded"),
		Escaper:      store,
		FilterOptions: []xssfilter.Option{
			xssfilter.WithMetrics(m),
		},
		APIRoutes: api.RegisterRoutes,
	})

	post := func(target, ct, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
		req.Header.Set("Content-Type", ct)
		handler.ServeHTTP(rec, req)
		return rec
	}
	decode := func(t *testing.T, rec *httptest.ResponseRecorder) echohttp.EchoResponse {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
		}
		var resp echohttp.EchoResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	t.Run("filters JSON body with default and prefix rules", func(t *testing.T) {
		rec := post("/api/echo", "application/json", `{"title":"<b>x</b>","html_bio":"<b>bold</b>","list":["<i>"]}`)
		resp := decode(t, rec)

		body, _ := resp.Body.(map[string]any)
		if body["title"] != "&lt;b&gt;x&lt;/b&gt;" {
			t.Errorf("title = %v, want entity escaped", body["title"])
		}
		if body["html_bio"] != "bold" {
			t.Errorf("html_bio = %v, want markup stripped", body["html_bio"])
		}
		if list, _ := body["list"].([]any); len(list) != 1 || list[0] != "<i>" {
			t.Errorf("list = %v, want array element untouched", body["list"])
		}
		if resp.Outcome != "filtered" {
			t.Errorf("outcome = %q, want filtered", resp.Outcome)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Error("X-Request-Id not set")
		}
		if rec.Header().Get("Content-Security-Policy") == "" {
			t.Error("Content-Security-Policy not set")
		}
	})

	t.Run("filters url-encoded form params", func(t *testing.T) {
		resp := decode(t, post("/api/echo?from=%27q%27", "application/x-www-form-urlencoded", "name=%3Cscript%3E"))

		if got := resp.Params.Get("name"); got != "&lt;script&gt;" {
			t.Errorf("name = %q, want escaped", got)
		}
		if got := resp.Params.Get("from"); got != "&#39;q&#39;" {
			t.Errorf("from = %q, want escaped", got)
		}
	})

	t.Run("disabled glob path passes values through", func(t *testing.T) {
		resp := decode(t, post("/api/echo/legacy/v1?x=%3Cy%3E", "application/json", `{"a":"<b>"}`))

		if resp.Outcome != "disabled" {
			t.Errorf("outcome = %q, want disabled", resp.Outcome)
		}
		if got := resp.Params.Get("x"); got != "<y>" {
			t.Errorf("x = %q, want raw", got)
		}
	})

	t.Run("malformed JSON falls back to original bytes", func(t *testing.T) {
		resp := decode(t, post("/api/echo", "application/json", `{"a":"<b>",`))

		if resp.Outcome != "fallback" {
			t.Errorf("outcome = %q, want fallback", resp.Outcome)
		}
		if resp.Body != `{"a":"<b>",` {
			t.Errorf("body = %v, want original bytes", resp.Body)
		}
	})

	t.Run("rules endpoint reports the active document", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rules", http.NoBody))

		var resp echohttp.RulesResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !resp.Loaded || resp.Version != "it-1" || resp.SHA256 != snap.Meta.SHA256 {
			t.Errorf("rules = %+v, want loaded it-1 %s", resp, snap.Meta.SHA256)
		}
	})

	t.Run("ready once rules are loaded", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("metrics count values and body outcomes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		body, _ := io.ReadAll(rec.Body)
		text := string(body)

		for _, want := range []string{
			`xssguard_bodies_total{outcome="filtered"} 1`,
			`xssguard_bodies_total{outcome="fallback"} 1`,
			`xssguard_bodies_total{outcome="disabled"} 1`,
			`xssguard_values_escaped_total{modified="true",source="json"}`,
			`xssguard_values_escaped_total{modified="true",source="param"}`,
			`route="/api/echo"`,
		} {
			if !strings.Contains(text, want) {
				t.Errorf("metrics output missing %s", want)
			}
		}
	})
}
