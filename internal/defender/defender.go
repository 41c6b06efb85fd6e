// Package defender holds the escaping policies applied to individual
// request values.
package defender

import (
	"fmt"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Defender rewrites a single value into its safe form. Implementations
// are safe for concurrent use.
type Defender interface {
	Filter(value string) string
}

// Kind names a built-in defender.
type Kind string

const (
	KindPreventer Kind = "preventer"
	KindSanitizer Kind = "sanitizer"
	KindStripper  Kind = "stripper"
	KindNoop      Kind = "noop"
)

// Kinds returns the built-in defender kinds in sorted order.
func Kinds() []Kind {
	ks := []Kind{KindPreventer, KindSanitizer, KindStripper, KindNoop}
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	return ks
}

// New returns the built-in defender of the given kind.
func New(kind Kind) (Defender, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case KindPreventer:
		return Preventer{}, nil
	case KindSanitizer:
		return NewSanitizer(), nil
	case KindStripper:
		return NewStripper(), nil
	case KindNoop:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown defender kind %q (valid kinds are %v)", kind, Kinds())
	}
}

var preventReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// Preventer entity-encodes the characters that open markup or break out of
// attribute values. The value is otherwise left as is, so it renders as
// the literal text the client sent.
type Preventer struct{}

func (Preventer) Filter(v string) string { return preventReplacer.Replace(v) }

// Sanitizer keeps a safe subset of HTML (links, formatting, lists, tables,
// images) and drops everything else, including scripts, event handlers and
// javascript: URLs.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.UGCPolicy()}
}

func (s *Sanitizer) Filter(v string) string { return s.policy.Sanitize(v) }

// Stripper removes all markup and keeps only the text content.
type Stripper struct {
	policy *bluemonday.Policy
}

func NewStripper() *Stripper {
	return &Stripper{policy: bluemonday.StrictPolicy()}
}

func (s *Stripper) Filter(v string) string { return s.policy.Sanitize(v) }

// Noop returns values unchanged.
type Noop struct{}

func (Noop) Filter(v string) string { return v }
