package httpmid

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSecurityHeadersSetsAllConfigured(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, header := range []string{
		"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy",
		"Content-Security-Policy", "Permissions-Policy",
	} {
		if rec.Header().Get(header) == "" {
			t.Errorf("missing header %s", header)
		}
	}
}

func TestTraceIDInjectsHeaderAndContext(t *testing.T) {
	var gotTraceID string
	var gotLogger bool

	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceID = GetTraceID(r.Context())
		gotLogger = GetLogger(r.Context()) != nil
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Header().Get("X-Trace-ID") == "" {
		t.Errorf("missing X-Trace-ID response header")
	}
	if gotTraceID == "" {
		t.Errorf("GetTraceID returned empty string in handler")
	}
	if !gotLogger {
		t.Errorf("GetLogger returned nil")
	}
}

func TestGetLoggerFallsBackToDefault(t *testing.T) {
	if GetLogger(context.Background()) == nil {
		t.Fatal("GetLogger should never return nil")
	}
}

func TestMaxJSONBodyOnlyLimitsJSONContentType(t *testing.T) {
	const body = `{"payload":"longer than eight bytes"}`
	var readErr error
	h := MaxJSONBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("non-JSON request should pass through untouched, got %d", rec.Code)
	}
	if readErr != nil {
		t.Errorf("non-JSON body should not be capped, read error: %v", readErr)
	}

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if readErr == nil {
		t.Errorf("JSON body over the cap should fail to read")
	}
}
