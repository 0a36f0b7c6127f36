package controlchannel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/visualcore/browsersession"
	"github.com/hazyhaar/visualcore/sessionid"
)

func newTestServer(t *testing.T, lookup BrowserSessionLookup) string {
	t.Helper()
	h := NewHandler(lookup, Config{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/control/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/control/")
		h.Serve(w, r, id)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+path, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestValidClickAcks(t *testing.T) {
	id := sessionid.New()
	stub := browsersession.NewStubSession()

	wsURL := newTestServer(t, func(sessionid.ID) (browsersession.BrowserSession, bool) {
		return stub, true
	})
	conn := dial(t, wsURL, "/control/"+string(id))

	var established map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&established); err != nil {
		t.Fatalf("read connection_established: %v", err)
	}

	msg := map[string]any{
		"session_id": string(id),
		"message": map[string]any{
			"type": "mouse", "action": "click",
			"x": 10, "y": 20, "button": "left", "clickCount": 1,
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	var ack map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["type"] != "ack" {
		t.Fatalf("expected ack, got %v", ack)
	}
}

func TestOutOfBoundsCoordinatesYieldInvalidMessage(t *testing.T) {
	id := sessionid.New()
	stub := browsersession.NewStubSession()

	wsURL := newTestServer(t, func(sessionid.ID) (browsersession.BrowserSession, bool) {
		return stub, true
	})
	conn := dial(t, wsURL, "/control/"+string(id))

	var established map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = conn.ReadJSON(&established)

	msg := map[string]any{
		"session_id": string(id),
		"message":    map[string]any{"type": "mouse", "action": "move", "x": -1, "y": 20},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp["type"] != "error" || resp["error_type"] != "invalid_message" {
		t.Fatalf("expected invalid_message error, got %v", resp)
	}
}

func TestUnknownSessionClosesWith4400(t *testing.T) {
	wsURL := newTestServer(t, func(sessionid.ID) (browsersession.BrowserSession, bool) {
		return nil, false
	})
	conn := dial(t, wsURL, "/control/"+"visual-00000000-0000-4000-8000-000000000000")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != 4400 {
		t.Fatalf("expected close code 4400, got %d", closeErr.Code)
	}
}

func TestRateLimitExceededDropsMessageWithoutClosing(t *testing.T) {
	id := sessionid.New()
	stub := browsersession.NewStubSession()

	wsURL := newTestServer(t, func(sessionid.ID) (browsersession.BrowserSession, bool) {
		return stub, true
	})
	conn := dial(t, wsURL, "/control/"+string(id))

	var established map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = conn.ReadJSON(&established)

	for i := 0; i < rateLimitPerSecond+5; i++ {
		msg := map[string]any{
			"session_id": string(id),
			"message":    map[string]any{"type": "mouse", "action": "move", "x": 1, "y": 1},
		}
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	sawRateLimit := false
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < rateLimitPerSecond+5; i++ {
		var resp map[string]any
		if err := conn.ReadJSON(&resp); err != nil {
			break
		}
		if resp["type"] == "error" && resp["error_type"] == "rate_limit_exceeded" {
			sawRateLimit = true
			break
		}
	}
	if !sawRateLimit {
		t.Fatalf("expected at least one rate_limit_exceeded response")
	}
}
