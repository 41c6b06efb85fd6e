package xssfilter

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/xssguard/internal/log"
)

// BodyOutcome records how a facade settled its body. It is decided on the
// first body access and never changes afterwards.
type BodyOutcome uint8

const (
	// OutcomePending means the body has not been accessed yet.
	OutcomePending BodyOutcome = iota
	// OutcomeFiltered means a filtered JSON document is being replayed.
	OutcomeFiltered
	// OutcomeFallback means JSON filtering failed and the original bytes
	// are handed out instead.
	OutcomeFallback
	// OutcomeDisabled means filtering is switched off for the path.
	OutcomeDisabled
	// OutcomePassthrough means the body is not JSON.
	OutcomePassthrough
)

func (o BodyOutcome) String() string {
	switch o {
	case OutcomeFiltered:
		return "filtered"
	case OutcomeFallback:
		return "fallback"
	case OutcomeDisabled:
		return "disabled"
	case OutcomePassthrough:
		return "passthrough"
	default:
		return "pending"
	}
}

// Request decorates an *http.Request and filters every parameter value and
// JSON body it returns. A Request belongs to a single inbound request and is
// not safe for concurrent use. The wrapped request is never modified,
// except that parameter access triggers its own ParseForm or
// ParseMultipartForm, exactly as calling FormValue would.
type Request struct {
	r     *http.Request
	esc   Escaper
	opts  *options
	path  string
	class Classification

	charset string

	paramsParsed bool
	paramsErr    error

	outcome BodyOutcome
	replay  *replayBody
	bodyErr error
}

// Wrap builds the facade for r. It never fails: a missing Content-Type
// classifies as neither JSON nor multipart. A nil esc leaves values
// unchanged.
func Wrap(r *http.Request, esc Escaper, opts ...Option) *Request {
	if esc == nil {
		esc = Identity
	}
	return wrap(r, esc, newOptions(esc, opts))
}

func wrap(r *http.Request, esc Escaper, o *options) *Request {
	esc, o = o.pinned(esc)
	ct := r.Header.Get("Content-Type")
	p := ""
	if r.URL != nil {
		p = r.URL.Path
	}
	return &Request{
		r:       r,
		esc:     esc,
		opts:    o,
		path:    trimContextPath(p, o.contextPath),
		class:   Classify(ct),
		charset: charsetOf(ct),
	}
}

// trimContextPath removes the deployment prefix from p. Paths outside the
// prefix are returned unchanged.
func trimContextPath(p, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return p
	}
	if p == prefix {
		return ""
	}
	if strings.HasPrefix(p, prefix+"/") {
		return p[len(prefix):]
	}
	return p
}

// Path returns the request path with the context prefix removed.
func (q *Request) Path() string { return q.path }

// Classification returns the body classification computed at Wrap.
func (q *Request) Classification() Classification { return q.class }

// Unwrap returns the underlying request, unfiltered.
func (q *Request) Unwrap() *http.Request { return q.r }

// Outcome reports how the body was settled, or OutcomePending before the
// first body access.
func (q *Request) Outcome() BodyOutcome { return q.outcome }

// BodyErr returns the error that caused a fallback, if any.
func (q *Request) BodyErr() error { return q.bodyErr }

// ParamErr returns the error, if any, from parsing the parameters. Values
// parsed before the error are still served.
func (q *Request) ParamErr() error {
	q.parseParams()
	return q.paramsErr
}

func (q *Request) disabled() bool {
	return q.opts.paths != nil && q.opts.paths.Disabled(q.path)
}

func (q *Request) parseParams() {
	if q.paramsParsed {
		return
	}
	q.paramsParsed = true
	if q.class.Multipart {
		q.paramsErr = q.r.ParseMultipartForm(q.opts.maxMemory)
	} else {
		q.paramsErr = q.r.ParseForm()
	}
	if q.paramsErr != nil {
		ctx := q.r.Context()
		q.opts.logEvery.Do(func() {
			q.logger(ctx).Warn(ctx, "request parameters only partially parsed",
				"path", q.path,
				"error", q.paramsErr,
			)
		})
	}
}

func (q *Request) escape(source, name, value string) string {
	out := q.esc.Escape(FieldContext{Path: q.path, Name: name}, value)
	q.opts.metrics.ObserveValue(source, out != value)
	return out
}

// Param returns the first value of the named parameter, escaped. The
// second result is false when the parameter is absent.
func (q *Request) Param(name string) (string, bool) {
	q.parseParams()
	vs := q.r.Form[name]
	if len(vs) == 0 {
		return "", false
	}
	if q.disabled() {
		return vs[0], true
	}
	return q.escape(SourceParam, name, vs[0]), true
}

// ParamValues returns every value of the named parameter, each escaped on
// its own. The result is a fresh slice with the same length and order, or
// nil when the parameter is absent.
func (q *Request) ParamValues(name string) []string {
	q.parseParams()
	vs, ok := q.r.Form[name]
	if !ok {
		return nil
	}
	return q.filterValues(name, vs, q.disabled())
}

// ParamMap returns a fresh copy of all parameters with every value
// escaped. The request's own maps are left untouched.
func (q *Request) ParamMap() url.Values {
	q.parseParams()
	return q.filterMap(q.r.Form, q.disabled())
}

func (q *Request) filterValues(name string, vs []string, disabled bool) []string {
	if vs == nil {
		return nil
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		if disabled {
			out[i] = v
			continue
		}
		out[i] = q.escape(SourceParam, name, v)
	}
	return out
}

func (q *Request) filterMap(m map[string][]string, disabled bool) url.Values {
	out := make(url.Values, len(m))
	for k, vs := range m {
		out[k] = q.filterValues(k, vs, disabled)
	}
	return out
}

// Body returns the request body. A JSON body on an enabled path is read
// once, filtered, and served from memory, so every call returns a new
// reader over the same filtered bytes. When filtering fails the original
// bytes are served instead. Other bodies are returned as they are.
func (q *Request) Body() io.ReadCloser {
	if q.outcome == OutcomePending {
		q.settleBody()
	}
	if q.replay != nil {
		return q.replay.open()
	}
	if q.r.Body == nil {
		return http.NoBody
	}
	return q.r.Body
}

func (q *Request) settleBody() {
	start := time.Now()
	switch {
	case q.disabled():
		q.outcome = OutcomeDisabled
	case !q.class.JSON:
		q.outcome = OutcomePassthrough
	default:
		q.filterBody(q.r.Context())
	}
	q.opts.metrics.ObserveBody(q.outcome, time.Since(start).Seconds())
}

func (q *Request) filterBody(ctx context.Context) {
	ctx, span := otel.Tracer("xssguard/xssfilter").Start(ctx, "xssfilter.body")
	defer span.End()

	raw, err := drain(q.r.Body)
	span.SetAttributes(attribute.Int("xssfilter.body.in_bytes", len(raw)))
	if err != nil {
		q.fallback(ctx, &replayBody{data: raw, err: err}, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "body read failed")
		return
	}

	out, err := q.filterBytes(raw)
	if err != nil {
		q.fallback(ctx, &replayBody{data: raw}, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "body filter failed")
		return
	}
	span.SetAttributes(attribute.Int("xssfilter.body.out_bytes", len(out)))
	q.outcome = OutcomeFiltered
	q.replay = &replayBody{data: out}
}

func (q *Request) filterBytes(raw []byte) ([]byte, error) {
	codec, err := lookupCodec(q.charset)
	if err != nil {
		return nil, err
	}
	text, err := codec.decode(raw)
	if err != nil {
		return nil, err
	}
	f := JSONFilter{
		Escaper: EscaperFunc(func(fc FieldContext, v string) string {
			return q.escape(SourceJSON, fc.Name, v)
		}),
		Path:          q.path,
		ArrayElements: q.opts.arrayElements,
	}
	out, err := f.Filter(text)
	if err != nil {
		return nil, err
	}
	return codec.encode(out)
}

func (q *Request) fallback(ctx context.Context, rb *replayBody, err error) {
	q.outcome = OutcomeFallback
	q.replay = rb
	q.bodyErr = err
	q.opts.logEvery.Do(func() {
		q.logger(ctx).Warn(ctx, "json body not filtered, serving original body",
			"path", q.path,
			"content_type", q.r.Header.Get("Content-Type"),
			"error", err,
		)
	})
}

func (q *Request) logger(ctx context.Context) log.Logger {
	if q.opts.logger != nil {
		return q.opts.logger
	}
	return log.FromContext(ctx)
}

// Derive returns a shallow copy of the underlying request whose read
// surface is the filtered view: URL.RawQuery, Form, PostForm,
// MultipartForm.Value and Body. Parameters are parsed eagerly; the body is
// filtered on its first Read. Re-encoding the query sorts it by key.
//
// For multipart requests the form is parsed up front with the configured
// memory limit, so MultipartReader on the derived request reports that the
// body was already handled rather than yielding unfiltered fields.
func (q *Request) Derive() *http.Request {
	q.parseParams()
	disabled := q.disabled()

	r2 := new(http.Request)
	*r2 = *q.r

	r2.Form = q.filterMap(q.r.Form, disabled)
	r2.PostForm = q.filterMap(q.r.PostForm, disabled)
	if mf := q.r.MultipartForm; mf != nil {
		cp := *mf
		cp.Value = q.filterMap(mf.Value, disabled)
		r2.MultipartForm = &cp
	}
	if q.r.URL != nil {
		u := *q.r.URL
		if u.RawQuery != "" && !disabled {
			// Parse errors leave the pairs that did parse, the same set
			// ParseForm served.
			vals, _ := url.ParseQuery(u.RawQuery)
			u.RawQuery = q.filterMap(vals, false).Encode()
		}
		r2.URL = &u
	}
	if q.class.JSON && !disabled {
		r2.ContentLength = -1
	}
	r2.Body = &lazyBody{q: q}
	return r2
}

// removeTempFiles deletes files spilled to disk by ParseMultipartForm. The
// derived request shares the same File map, so this covers both.
func (q *Request) removeTempFiles() {
	if mf := q.r.MultipartForm; mf != nil {
		if err := mf.RemoveAll(); err != nil {
			ctx := q.r.Context()
			q.logger(ctx).Warn(ctx, "failed to remove multipart temp files", "error", err)
		}
	}
}

// lazyBody settles the facade body on first Read.
type lazyBody struct {
	q  *Request
	rc io.ReadCloser
}

func (b *lazyBody) Read(p []byte) (int, error) {
	if b.rc == nil {
		b.rc = b.q.Body()
	}
	return b.rc.Read(p)
}

func (b *lazyBody) Close() error {
	if b.rc != nil {
		return b.rc.Close()
	}
	if b.q.outcome == OutcomePending && b.q.r.Body != nil {
		return b.q.r.Body.Close()
	}
	return nil
}
