// Package httpmw provides HTTP middleware for the public-facing server.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// security headers, recovery, request ID, OTEL tracing, trace headers,
// metrics, request-scoped logging, body limits, XSS filtering, and the
// chi router.
//
// Request and response bodies are never logged. Query strings are left out
// of logs and spans because they carry exactly the user input the filter
// exists to distrust.
package httpmw
