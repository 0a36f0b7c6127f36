package httpmid

import "net/http"

// MaxJSONBody returns middleware that caps the request body size for
// JSON endpoints, adapted from shield's form-body limiter for the
// storage-state PUT endpoint (spec §6), which accepts an encrypted
// envelope JSON body rather than form-encoded data.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") == "application/json" {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
