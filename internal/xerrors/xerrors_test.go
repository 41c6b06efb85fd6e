package xerrors

import (
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
)

func stackHas(pcs []uintptr, fn string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, fn) {
			return true
		}
		if !more {
			return false
		}
	}
}

func stackOf(t *testing.T, err error) []uintptr {
	t.Helper()
	var s interface{ StackPCs() []uintptr }
	if !errors.As(err, &s) {
		t.Fatalf("%v has no stack", err)
	}
	return s.StackPCs()
}

func TestNew(t *testing.T) {
	err := New("rules missing")
	if err.Error() != "rules missing" {
		t.Fatalf("Error() = %q", err.Error())
	}
	pcs := stackOf(t, err)
	if !stackHas(pcs, "TestNew") {
		t.Fatal("stack should start at the caller")
	}
	if stackHas(pcs, "xerrors.callers") {
		t.Fatal("stack should not include helper frames")
	}
}

func TestNewf(t *testing.T) {
	err := Newf("bad port %d", 70000)
	if err.Error() != "bad port 70000" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !stackHas(stackOf(t, err), "TestNewf") {
		t.Fatal("missing caller frame")
	}
}

func TestNewf_PreservesWrappedVerb(t *testing.T) {
	err := Newf("read: %w", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("errors.Is should see through %w")
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(io.EOF, "read body")
	if err.Error() != "read body: EOF" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, io.EOF) {
		t.Fatal("errors.Is should find the cause")
	}
	if HasStack(err) {
		t.Fatal("Wrap records a single pc, not a stack")
	}
	if loc := Location(err); !strings.Contains(loc, "TestWrap") || !strings.Contains(loc, "xerrors_test.go:") {
		t.Fatalf("Location = %q", loc)
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(io.EOF, "charset %q", "latin1")
	if err.Error() != `charset "latin1": EOF` {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("wrapping nil should return nil")
	}
	if WithStack(nil) != nil || EnsureTrace(nil) != nil {
		t.Fatal("stacking nil should return nil")
	}
}

func TestLocation_Innermost(t *testing.T) {
	inner := func() error { return Wrap(io.EOF, "inner") }
	err := Wrap(inner(), "outer")
	if loc := Location(err); !strings.Contains(loc, "TestLocation_Innermost.func1") {
		t.Fatalf("Location = %q, want the inner closure", loc)
	}
	if Location(io.EOF) != "" {
		t.Fatal("plain errors have no location")
	}
}

func TestEnsureTrace(t *testing.T) {
	plain := errors.New("plain")
	got := EnsureTrace(plain)
	if !HasStack(got) || !errors.Is(got, plain) {
		t.Fatal("EnsureTrace should add a stack and keep the cause")
	}

	orig := New("stacked")
	wrapped := Wrap(orig, "ctx")
	if EnsureTrace(wrapped) != wrapped {
		t.Fatal("EnsureTrace should not restack an error that already has one")
	}
}

func TestWithStack_AlwaysAdds(t *testing.T) {
	orig := New("a")
	got := WithStack(orig)
	if got == orig {
		t.Fatal("WithStack should wrap")
	}
	if got.Error() != "a" {
		t.Fatalf("Error() = %q", got.Error())
	}
}

type codeErr struct{ code int }

func (c *codeErr) Error() string { return "code" }

func TestErrorsAs_ThroughWrappers(t *testing.T) {
	err := Wrap(WithStack(&codeErr{code: 7}), "call")
	var ce *codeErr
	if !errors.As(err, &ce) || ce.code != 7 {
		t.Fatal("errors.As should reach the typed cause")
	}
}
