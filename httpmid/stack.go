package httpmid

import "net/http"

// DefaultStack returns the standard middleware chain for visualcore's
// HTTP endpoints: SecurityHeaders → TraceID → MaxJSONBody. Order matters:
// headers are set before any body processing that might reject the
// request, and tracing wraps everything so failures downstream still log
// with a trace ID.
func DefaultStack(maxBodyBytes int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		TraceID,
		MaxJSONBody(maxBodyBytes),
	}
}
