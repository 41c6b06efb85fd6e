// Package xssfilter escapes request data before handlers consume it.
//
// A Request wraps an *http.Request and filters every value it hands out
// through an Escaper: single and multi-valued parameters, the parameter
// map, and JSON bodies. JSON bodies are parsed into an ordered tree, every
// string value held directly under an object key is escaped, and the
// re-encoded document is kept in memory so it can be read any number of
// times. Bodies that cannot be filtered (multipart, malformed JSON,
// unsupported charsets) fall back to the original bytes and never fail the
// request.
//
// Middleware installs the filter in an http.Handler chain. Downstream
// handlers receive a derived *http.Request whose URL.RawQuery, Form,
// PostForm, MultipartForm.Value and Body already carry the filtered view,
// and can reach the facade itself through FromContext.
//
// Multipart requests are parsed in full before the next handler runs, using
// the WithMaxMemory limit, so their field values can be filtered. Handlers
// behind Middleware must read multipart data through MultipartForm or
// FormValue: the derived Body is already drained and MultipartReader
// returns an error. Temp files spilled to disk are removed when the
// handler returns.
//
// Bare strings inside JSON arrays are left unescaped unless
// WithArrayElementEscaping is set. Existing clients rely on that
// behavior, so it stays the default.
package xssfilter
