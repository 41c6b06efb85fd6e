package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/xssguard/internal/log"
)

func serveLogged(spy *spyLogger, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Chain(h, RequestID(""), WithLogger(spy)).ServeHTTP(rec, req)
	return rec
}

func TestWithLogger_ScopedFields(t *testing.T) {
	spy := newSpyLogger()
	var seen log.Logger
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = log.FromContext(r.Context())
	})
	req := httptest.NewRequest(http.MethodGet, "/search?q=<script>", http.NoBody)
	req.RemoteAddr = "10.1.2.3:5555"
	serveLogged(spy, h, req)

	s, ok := seen.(*spyLogger)
	if !ok {
		t.Fatalf("context logger = %T, want the scoped spy", seen)
	}
	if v, _ := kvGet(s.fields, "url.path"); v != "/search" {
		t.Fatalf("url.path = %v", v)
	}
	if v, _ := kvGet(s.fields, "network.peer.address"); v != "10.1.2.3" {
		t.Fatalf("peer = %v", v)
	}
	if v, _ := kvGet(s.fields, "request_id"); v == "" {
		t.Fatal("request_id missing")
	}
	for i := 0; i < len(s.fields); i += 2 {
		if s.fields[i] == "url.query" {
			t.Fatal("query string must not be logged")
		}
	}
}

func TestAccessLog_Line(t *testing.T) {
	spy := newSpyLogger()
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Post("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		AddLogFields(r.Context(), "xss.body_outcome", "filtered")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("12345"))
	})

	serveLogged(spy, r, httptest.NewRequest(http.MethodPost, "/api/echo", http.NoBody))

	infos := spy.infoEntries()
	if len(infos) != 1 || infos[0].msg != "http request" {
		t.Fatalf("infos = %+v", infos)
	}
	kv := infos[0].kv
	checks := map[string]any{
		"http.response.status_code": http.StatusAccepted,
		"http.response.body.size":   5,
		"http.route":                "/api/echo",
		"xss.body_outcome":          "filtered",
	}
	for k, want := range checks {
		if got, _ := kvGet(kv, k); got != want {
			t.Errorf("%s = %v (%T), want %v", k, got, got, want)
		}
	}
}

func TestAccessLog_SkipsHealth(t *testing.T) {
	spy := newSpyLogger()
	h := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serveLogged(spy, h, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
	serveLogged(spy, h, httptest.NewRequest(http.MethodGet, "/-/healthy", http.NoBody))
	if n := len(spy.infoEntries()); n != 0 {
		t.Fatalf("logged %d health requests", n)
	}
}

func TestAddLogFields_OutsideAccessLog(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	AddLogFields(req.Context(), "k", "v")
}

func TestSchemeFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if s := schemeFromRequest(req); s != "http" {
		t.Fatalf("scheme = %q", s)
	}
	req = httptest.NewRequest(http.MethodGet, "https://example.com/", http.NoBody)
	if s := schemeFromRequest(req); s != "https" {
		t.Fatalf("scheme = %q", s)
	}
}
