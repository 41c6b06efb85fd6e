package xssfilter

import (
	"context"
	"net/http"
)

type ctxKey struct{}

// NewContext returns a copy of ctx carrying q.
func NewContext(ctx context.Context, q *Request) context.Context {
	return context.WithValue(ctx, ctxKey{}, q)
}

// FromContext returns the facade stored by Middleware, if any.
func FromContext(ctx context.Context) (*Request, bool) {
	q, ok := ctx.Value(ctxKey{}).(*Request)
	return q, ok && q != nil
}

// Middleware wraps every request in a facade and passes the derived,
// filtered request downstream. The facade is reachable with FromContext
// and shares its body state with the derived request, so the body is
// filtered at most once whichever way it is read.
//
// Multipart temp files created while parsing are removed once the handler
// returns. net/http only cleans up the form of the request it created, and
// upstream middleware usually hands this one a WithContext copy.
func Middleware(esc Escaper, opts ...Option) func(http.Handler) http.Handler {
	if esc == nil {
		esc = Identity
	}
	o := newOptions(esc, opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := wrap(r, esc, o)
			defer q.removeTempFiles()
			r2 := q.Derive()
			next.ServeHTTP(w, r2.WithContext(NewContext(r2.Context(), q)))
		})
	}
}
