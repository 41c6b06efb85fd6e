// Package xerrors adds call-site information to errors without changing
// their messages. Errors created here carry either a full stack (New,
// Newf, WithStack) or the single program counter of the wrapping call
// (Wrap, Wrapf). internal/log renders both.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

type annotated struct {
	cause error
	msg   string
	pc    uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.cause.Error() }
func (a *annotated) Unwrap() error { return a.cause }
func (a *annotated) PC() uintptr   { return a.pc }

// callers returns the stack above the exported function that called it.
func callers() []uintptr {
	pcs := make([]uintptr, maxDepth)
	// skip runtime.Callers, callers, and the exported constructor
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

func caller() uintptr {
	var pc [1]uintptr
	if runtime.Callers(3, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: callers()}
}

func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: callers()}
}

// WithStack records the current stack on err. It returns nil for nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: callers()}
}

// EnsureTrace is WithStack unless err already carries a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	if HasStack(err) {
		return err
	}
	return &stacked{err: err, pcs: callers()}
}

// HasStack reports whether any error in err's chain carries a stack.
func HasStack(err error) bool {
	var s interface{ StackPCs() []uintptr }
	return errors.As(err, &s) && len(s.StackPCs()) > 0
}

// Wrap prefixes err's message with msg and records the caller. It
// returns nil for nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, pc: caller()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}

// Location returns "function file:line" of the innermost Wrap call in
// err's chain, or "" if there is none.
func Location(err error) string {
	var loc string
	for e := err; e != nil; e = errors.Unwrap(e) {
		a, ok := e.(*annotated)
		if !ok || a.pc == 0 {
			continue
		}
		fr, _ := runtime.CallersFrames([]uintptr{a.pc}).Next()
		loc = fmt.Sprintf("%s %s:%d", fr.Function, fr.File, fr.Line)
	}
	return loc
}
