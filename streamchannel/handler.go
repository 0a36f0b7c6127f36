package streamchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/visualcore/sessionid"
	"github.com/hazyhaar/visualcore/streaming"
)

// pingInterval is how often the server pings an idle connection to keep
// intermediaries from reaping it; mirrors the ~54s ticker in
// odvcencio-buckley/pkg/acp/observability/event_stream.go, de-tuned
// slightly since this channel is usually busy with real traffic.
const pingInterval = 45 * time.Second

// StreamerLookup resolves a normalized SessionId to its Streamer. The
// Session Manager (C8, one layer up) owns the registry this closes over.
type StreamerLookup func(id sessionid.ID) (*streaming.Streamer, bool)

// Handler upgrades HTTP connections to the Stream Channel websocket
// (spec §4.6) and bridges them to a session's Streamer.
type Handler struct {
	lookup   StreamerLookup
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler. lookup is consulted on every connection.
func NewHandler(lookup StreamerLookup, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		lookup: lookup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the connection and runs the channel until the client
// disconnects. rawSessionID is the unnormalized path parameter.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, rawSessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("streamchannel: upgrade failed", "error", err)
		return
	}

	id, err := sessionid.Normalize(rawSessionID)
	if err != nil {
		closeWithCode(conn, 4400, "invalid_message")
		return
	}

	streamer, ok := h.lookup(id)
	if !ok {
		closeWithCode(conn, 4400, "invalid_message")
		return
	}

	sub := newSubscriber(conn, id, streamer, h.logger)
	sub.run()
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	conn.Close()
}

// subscriber is the per-connection state, grounded directly on
// odvcencio-buckley's subscriber struct: a writeMu-guarded conn, a
// cancellable ctx shared by both pumps, and a chan the streamer feeds.
type subscriber struct {
	conn      *websocket.Conn
	clientID  streaming.ClientID
	sessionID sessionid.ID
	streamer  *streaming.Streamer
	logger    *slog.Logger

	frames  <-chan streaming.ClientFrame
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func newSubscriber(conn *websocket.Conn, sessionID sessionid.ID, streamer *streaming.Streamer, logger *slog.Logger) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	clientID := streaming.ClientID(fmt.Sprintf("%s-%s", sessionID, uuid.NewString()))

	return &subscriber{
		conn:      conn,
		clientID:  clientID,
		sessionID: sessionID,
		streamer:  streamer,
		logger:    logger,
		frames:    streamer.Register(clientID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *subscriber) run() {
	defer func() {
		s.streamer.Unregister(s.clientID)
		s.cancel()
		s.conn.Close()
	}()

	if err := s.writeJSON(connectionEstablishedFrame{
		Type:      FrameConnectionEstablished,
		SessionID: string(s.sessionID),
		Timestamp: nowSeconds(),
	}); err != nil {
		return
	}

	go s.writePump()
	s.readPump()
}

func (s *subscriber) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// writePump drains the streamer's per-client frame channel and forwards a
// ping ticker, same shape as odvcencio-buckley's subscriber.writePump.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case fr, ok := <-s.frames:
			if !ok {
				return
			}
			if err := s.writeFrame(fr); err != nil {
				s.cancel()
				return
			}

		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *subscriber) writeFrame(fr streaming.ClientFrame) error {
	switch fr.Kind {
	case streaming.FrameEvent:
		return s.writeJSON(fr.Event)
	case streaming.FrameSequenceReset:
		return s.writeJSON(sequenceResetFrame{Type: FrameSequenceReset, SequenceID: fr.ResetSequenceID})
	default:
		return nil
	}
}

// readPump handles client→server control messages. Unknown shapes get an
// error frame and the connection stays open (spec §4.6).
func (s *subscriber) readPump() {
	s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = s.writeJSON(errorFrame{Type: FrameError, ErrorType: "invalid_message"})
			continue
		}

		switch msg.Type {
		case FramePing:
			_ = s.writeJSON(pongFrame{Type: FramePong, Timestamp: nowSeconds()})

		case FrameClientReady:
			if err := s.streamer.ClientReady(s.ctx, s.clientID); err != nil {
				s.logger.Warn("streamchannel: client_ready failed", "error", err, "client_id", s.clientID)
				_ = s.writeJSON(sessionExpiredFrame{Type: FrameSessionExpired})
				return
			}

		case FrameSequenceResetRequest:
			if err := s.streamer.SequenceResetRequest(s.clientID); err != nil {
				s.logger.Warn("streamchannel: sequence_reset_request failed", "error", err)
			}

		default:
			_ = s.writeJSON(errorFrame{Type: FrameError, ErrorType: "invalid_message"})
		}
	}
}
