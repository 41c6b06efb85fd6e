package xssfilter

// FieldContext identifies where a value came from. Path is the request
// path with the context prefix removed; Name is the parameter name or the
// JSON object key directly enclosing the value.
type FieldContext struct {
	Path string
	Name string
}

// Escaper turns a raw value into its safe form. Implementations must
// accept any string, including the empty string, and must not fail.
type Escaper interface {
	Escape(fc FieldContext, value string) string
}

// EscaperFunc adapts a function to Escaper.
type EscaperFunc func(fc FieldContext, value string) string

func (f EscaperFunc) Escape(fc FieldContext, value string) string { return f(fc, value) }

// Identity returns every value unchanged.
var Identity Escaper = EscaperFunc(func(_ FieldContext, v string) string { return v })

// Pinner is implemented by escapers whose policy can change between calls.
// Pin returns an Escaper fixed to the policy in force now. The facade pins
// once per request, so every value of one request sees the same policy.
// When the escaper also serves as the PathFilter, the pinned escaper
// replaces it if it implements PathFilter too.
type Pinner interface {
	Pin() Escaper
}

// PathFilter reports whether filtering is switched off for a request path.
type PathFilter interface {
	Disabled(path string) bool
}

// PathFilterFunc adapts a function to PathFilter.
type PathFilterFunc func(path string) bool

func (f PathFilterFunc) Disabled(path string) bool { return f(path) }
