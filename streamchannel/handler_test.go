package streamchannel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/visualcore/sessionid"
	"github.com/hazyhaar/visualcore/streaming"
)

func newTestServer(t *testing.T, lookup StreamerLookup) (*httptest.Server, string) {
	t.Helper()
	h := NewHandler(lookup, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/stream/")
		h.Serve(w, r, id)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestConnectionEstablishedFrameSentFirst(t *testing.T) {
	id := sessionid.New()
	s := streaming.New(id, streaming.Config{})
	s.Start(t.Context())

	_, wsURL := newTestServer(t, func(want sessionid.ID) (*streaming.Streamer, bool) {
		if want != id {
			return nil, false
		}
		return s, true
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/stream/"+string(id), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var frame map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read connection_established: %v", err)
	}
	if frame["type"] != "connection_established" {
		t.Fatalf("expected connection_established, got %v", frame["type"])
	}
	if frame["session_id"] != string(id) {
		t.Fatalf("expected session_id %s, got %v", id, frame["session_id"])
	}
}

func TestMalformedSessionIDClosesWith4400(t *testing.T) {
	_, wsURL := newTestServer(t, func(sessionid.ID) (*streaming.Streamer, bool) {
		return nil, false
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/stream/abcd-not-a-uuid", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != 4400 {
		t.Fatalf("expected close code 4400, got %d", closeErr.Code)
	}
}

func TestPingRepliesWithPong(t *testing.T) {
	id := sessionid.New()
	s := streaming.New(id, streaming.Config{})
	s.Start(t.Context())

	_, wsURL := newTestServer(t, func(sessionid.ID) (*streaming.Streamer, bool) {
		return s, true
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/stream/"+string(id), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var established map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = conn.ReadJSON(&established)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var pong map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v", pong["type"])
	}
}

func TestUnknownMessageGetsErrorFrameWithoutClosing(t *testing.T) {
	id := sessionid.New()
	s := streaming.New(id, streaming.Config{})
	s.Start(t.Context())

	_, wsURL := newTestServer(t, func(sessionid.ID) (*streaming.Streamer, bool) {
		return s, true
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/stream/"+string(id), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var established map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = conn.ReadJSON(&established)

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("write bogus message: %v", err)
	}

	var errFrame map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame["type"] != "error" || errFrame["error_type"] != "invalid_message" {
		t.Fatalf("unexpected error frame: %v", errFrame)
	}

	// Connection must still be usable.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping after error: %v", err)
	}
}
