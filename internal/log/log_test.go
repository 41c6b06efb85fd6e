package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(t *testing.T, lvl slog.Level) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(Options{App: "xssguard", Version: "1.2.3", Level: lvl, JSONFormat: true, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLogger_BaseAttrs(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	l.Info(context.Background(), "hello", "k", "v")

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	rec := lines[0]
	if rec["msg"] != "hello" || rec["app"] != "xssguard" || rec["version"] != "1.2.3" || rec["k"] != "v" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["commit"]; ok {
		t.Fatal("empty commit should be omitted")
	}
	src, _ := rec["source"].(map[string]any)
	if file, _ := src["file"].(string); !strings.HasSuffix(file, "log_test.go") {
		t.Fatalf("source = %v, want caller in log_test.go", rec["source"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelWarn)
	l.Debug(context.Background(), "d")
	l.Info(context.Background(), "i")
	l.Warn(context.Background(), "w")

	lines := decodeLines(t, buf)
	if len(lines) != 1 || lines[0]["msg"] != "w" {
		t.Fatalf("got %v, want only the warn record", lines)
	}
}

func TestLogger_WithDoesNotLeak(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	child := l.With("component", "rules")
	child.Info(context.Background(), "child")
	l.Info(context.Background(), "parent")

	lines := decodeLines(t, buf)
	if lines[0]["component"] != "rules" {
		t.Fatalf("child missing attr: %v", lines[0])
	}
	if _, ok := lines[1]["component"]; ok {
		t.Fatalf("parent gained child attr: %v", lines[1])
	}
}

func TestLogger_DropsNonStringKeys(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	l.Info(context.Background(), "m", 42, "x", "ok", true, "dangling")

	rec := decodeLines(t, buf)[0]
	if rec["ok"] != true {
		t.Fatalf("ok attr missing: %v", rec)
	}
	if _, ok := rec["dangling"]; ok {
		t.Fatal("dangling key should be dropped")
	}
}

func TestLogger_TraceIDs(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	l.Info(context.Background(), "untraced")

	lines := decodeLines(t, buf)
	if lines[0]["trace_id"] != tid.String() || lines[0]["span_id"] != sid.String() {
		t.Fatalf("trace ids missing: %v", lines[0])
	}
	if _, ok := lines[1]["trace_id"]; ok {
		t.Fatal("untraced record has trace_id")
	}
}

type stackErr struct{ pcs []uintptr }

func (e *stackErr) Error() string       { return "stacked" }
func (e *stackErr) StackPCs() []uintptr { return e.pcs }

func TestLogger_ErrorAttrs(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	root := errors.New("disk full")
	err := fmt.Errorf("save rules: %w", root)

	l.Error(context.Background(), err, "failed")

	rec := decodeLines(t, buf)[0]
	if rec["err"] != "save rules: disk full" {
		t.Fatalf("err = %v", rec["err"])
	}
	if rec["error_type"] != "*errors.errorString" {
		t.Fatalf("error_type = %v, want *errors.errorString", rec["error_type"])
	}
	chain, _ := rec["error_chain"].([]any)
	if len(chain) != 2 || chain[1] != "disk full" {
		t.Fatalf("error_chain = %v", rec["error_chain"])
	}
	if s, _ := rec["stack"].(string); !strings.Contains(s, "TestLogger_ErrorAttrs") {
		t.Fatalf("stack should include the test frame: %q", s)
	}
}

func TestLogger_ErrorUsesErrorStack(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	var pcs [16]uintptr
	n := captureHere(pcs[:])
	l.Error(context.Background(), &stackErr{pcs: pcs[:n]}, "failed")

	rec := decodeLines(t, buf)[0]
	if s, _ := rec["stack"].(string); !strings.Contains(s, "captureHere") {
		t.Fatalf("stack should come from the error: %q", s)
	}
}

func TestLogger_NoStackBelowThreshold(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	l.Warn(context.Background(), "w")
	if _, ok := decodeLines(t, buf)[0]["stack"]; ok {
		t.Fatal("warn record should not carry a stack")
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{App: "xssguard", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info(context.Background(), "plain", "k", "v")
	out := buf.String()
	if !strings.Contains(out, "msg=plain") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestErrorChain_Joined(t *testing.T) {
	err := errors.Join(errors.New("a"), errors.New("b"))
	chain := errorChain(err)
	if len(chain) != 3 || chain[1] != "a" || chain[2] != "b" {
		t.Fatalf("chain = %q", chain)
	}
}

func TestContext_RoundTrip(t *testing.T) {
	l := &nopLogger{}
	ctx := WithContext(context.Background(), l)
	if got := FromContext(ctx); got != l {
		t.Fatal("FromContext returned a different logger")
	}
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	for _, ctx := range []context.Context{nil, context.Background(), context.WithValue(context.Background(), ctxKey{}, nil)} {
		got := FromContext(ctx)
		if got == nil {
			t.Fatal("FromContext returned nil")
		}
		got.Info(context.Background(), "discarded")
		got.Error(context.Background(), errors.New("x"), "discarded")
		if got.With("k", "v") == nil {
			t.Fatal("Nop.With returned nil")
		}
		if err := got.Sync(); err != nil {
			t.Fatalf("Sync: %v", err)
		}
	}
}

//go:noinline
func captureHere(pcs []uintptr) int { return runtime.Callers(1, pcs) }
