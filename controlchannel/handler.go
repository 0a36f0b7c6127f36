package controlchannel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/visualcore/browsersession"
	"github.com/hazyhaar/visualcore/sessionid"
)

// defaultMaxConnectionLifetime is the hard wall-clock deadline per
// connection (spec §4.7, §5) used when Config.MaxLifetime is unset;
// viewers reconnect after session_expired.
const defaultMaxConnectionLifetime = 5 * time.Minute

// commandTimeout bounds a single browser command (spec §5).
const commandTimeout = 2 * time.Second

// rateLimitPerSecond is the per-connection message cap per one-second
// window (spec §4.7) used when Config.RateLimit is unset.
const rateLimitPerSecond = 100

// Config carries the visualconfig-sourced knobs spec §6 names for the
// control channel: CONTROL_RATE_PER_SEC and CONTROL_MAX_DURATION_S. Zero
// values fall back to the spec defaults, the same env-first-with-default
// pattern visualconfig.Config.applyDefaults uses.
type Config struct {
	RateLimit   int
	MaxLifetime time.Duration
}

func (c *Config) defaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = rateLimitPerSecond
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = defaultMaxConnectionLifetime
	}
}

// BrowserSessionLookup resolves a normalized SessionId to its live browser
// handle. Owned one layer up by the Session Manager (C8). A false result,
// whether the session is unknown or exists without a usable handle yet,
// closes the connection with code 4400 and reason session_not_found;
// browser_not_ready is not reported separately.
type BrowserSessionLookup func(id sessionid.ID) (browsersession.BrowserSession, bool)

// Handler upgrades HTTP connections to the Control Channel websocket.
type Handler struct {
	lookup   BrowserSessionLookup
	upgrader websocket.Upgrader
	cfg      Config
	logger   *slog.Logger
}

// NewHandler creates a Handler. lookup is consulted on every connection.
func NewHandler(lookup BrowserSessionLookup, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	return &Handler{
		lookup: lookup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Serve upgrades the connection and runs the channel until the client
// disconnects or the hard deadline is reached.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, rawSessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("controlchannel: upgrade failed", "error", err)
		return
	}

	id, err := sessionid.Normalize(rawSessionID)
	if err != nil {
		closeWithCode(conn, 4400, "invalid_message")
		return
	}

	session, ok := h.lookup(id)
	if !ok {
		closeWithCode(conn, 4400, "session_not_found")
		return
	}

	conn2 := newConnection(conn, id, session, h.cfg, h.logger)
	conn2.run()
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	conn.Close()
}

// connection is one control channel's per-connection state: the hard
// lifetime timer, the rate limiter, and the writeMu-guarded websocket
// conn (same guarding discipline streamchannel's subscriber uses, since
// both readPump-driven acks/errors and a deadline-triggered close can
// write concurrently).
type connection struct {
	conn      *websocket.Conn
	sessionID sessionid.ID
	browser   browsersession.BrowserSession
	cfg       Config
	logger    *slog.Logger

	writeMu sync.Mutex
	limiter *connRateLimiter

	ctx    context.Context
	cancel context.CancelFunc
}

func newConnection(conn *websocket.Conn, sessionID sessionid.ID, browser browsersession.BrowserSession, cfg Config, logger *slog.Logger) *connection {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.MaxLifetime)
	return &connection{
		conn:      conn,
		sessionID: sessionID,
		browser:   browser,
		cfg:       cfg,
		logger:    logger,
		limiter:   newConnRateLimiter(cfg.RateLimit, time.Second),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *connection) run() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	if err := c.writeJSON(map[string]any{
		"type":       "connection_established",
		"session_id": string(c.sessionID),
		"timestamp":  nowSeconds(),
	}); err != nil {
		return
	}

	go c.deadlineWatcher()
	c.readLoop()
}

func (c *connection) deadlineWatcher() {
	<-c.ctx.Done()
	if c.ctx.Err() != context.DeadlineExceeded {
		return
	}
	_ = c.writeJSON(map[string]any{"type": "session_expired"})
	closeWithCode(c.conn, 4408, "session_expired")
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (c *connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *connection) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.MaxLifetime))

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var env envelope
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.writeJSON(map[string]any{"type": "error", "error_type": string(ErrInvalidMessage)})
			continue
		}

		if !c.limiter.Allow() {
			// Non-fatal per spec §4.7: the message is dropped, the
			// channel stays open.
			_ = c.writeJSON(map[string]any{"type": "error", "error_type": string(ErrRateLimitExceeded)})
			continue
		}

		c.handleCommand(env.Message)
	}
}

func (c *connection) handleCommand(cmd command) {
	logFields := []any{"session_id", c.sessionID, "type", cmd.Type, "action", cmd.Action}
	if cmd.Key != "" {
		logFields = append(logFields, "key_category", keyCategory(cmd.Key))
	}
	c.logger.Debug("controlchannel: dispatch", logFields...)

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	err := dispatch(ctx, c.browser, cmd)
	if err == nil {
		_ = c.writeJSON(map[string]any{"type": "ack", "timestamp": nowSeconds()})
		return
	}

	kind := ErrExecutionFailed
	if cerr, ok := err.(*Error); ok {
		kind = cerr.Kind
	} else if ctx.Err() == context.DeadlineExceeded {
		kind = ErrExecutionFailed
	}

	c.logger.Warn("controlchannel: command failed", "session_id", c.sessionID, "kind", kind, "error", err)
	_ = c.writeJSON(map[string]any{"type": "error", "error_type": string(kind)})
}
