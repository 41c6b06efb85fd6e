package rules

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/xssguard/internal/xssfilter"
)

func newJSONRequest(target, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func readBody(t *testing.T, q *xssfilter.Request) string {
	t.Helper()
	b, err := io.ReadAll(q.Body())
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

// recordingMetrics counts reload results by source.
type recordingMetrics struct {
	nopMetrics
	results map[string]int
	active  Meta
	stale   bool
}

func (m *recordingMetrics) IncRulesReload(source Source, result string) {
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[string(source)+"/"+result]++
}

func (m *recordingMetrics) SetRulesActive(meta Meta) { m.active = meta }
func (m *recordingMetrics) SetRulesStale(stale bool) { m.stale = stale }
