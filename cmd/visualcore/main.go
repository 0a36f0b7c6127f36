// Command visualcore runs the Visual Streaming Core HTTP/WebSocket
// server: per-session DOM-mutation streaming, mouse/keyboard control
// injection, and encrypted browser storage-state persistence.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/visualcore/browsersession"
	"github.com/hazyhaar/visualcore/controlchannel"
	"github.com/hazyhaar/visualcore/cryptoenvelope"
	"github.com/hazyhaar/visualcore/dbopen"
	"github.com/hazyhaar/visualcore/httpmid"
	"github.com/hazyhaar/visualcore/recorder"
	"github.com/hazyhaar/visualcore/session"
	"github.com/hazyhaar/visualcore/sessionid"
	"github.com/hazyhaar/visualcore/storagestate"
	"github.com/hazyhaar/visualcore/streamchannel"
	"github.com/hazyhaar/visualcore/streaming"
	"github.com/hazyhaar/visualcore/visualconfig"
	"github.com/hazyhaar/visualcore/workflow"
)

func main() {
	logLevel := env("LOG_LEVEL", "info")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
	slog.SetDefault(logger)

	cfg, err := visualconfig.LoadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DatabasePath, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := storagestate.Init(db); err != nil {
		logger.Error("init storage-state schema", "error", err)
		os.Exit(1)
	}

	keys := cryptoenvelope.NewKeyRing()
	if err := keys.LoadFromEnvOrFile(cfg.CookieKID, cfg.CookiePrivKeyEnv, cfg.CookiePrivKeyPath); err != nil {
		logger.Error("load signing key", "error", err)
		os.Exit(1)
	}
	store := storagestate.New(storagestate.Config{
		DB: db, Keys: keys, Kid: cfg.CookieKID, Logger: logger,
	})

	registry := session.NewRegistry()

	var browserMgr *browsersession.Manager
	browserMgr = browsersession.NewManager(browsersession.ManagerConfig{
		RemoteURL:        cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Stealth:          stealthLevel(cfg.Browser.Stealth),
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
		OnRecycleNeeded: func(reason string) {
			if n := registry.Len(); n > 0 {
				logger.Warn("visualcore: recycle deferred, sessions still active", "reason", reason, "active_sessions", n)
				return
			}
			logger.Info("visualcore: recycling idle browser process", "reason", reason)
			if err := browserMgr.Recycle(context.Background()); err != nil {
				logger.Error("visualcore: recycle failed", "error", err)
			}
		},
	})
	if _, err := browserMgr.Start(ctx); err != nil {
		logger.Error("start browser manager", "error", err)
		os.Exit(1)
	}
	defer browserMgr.Close()
	factory := browsersession.NewFactory(browserMgr)

	app := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		keys:     keys,
		factory:  factory,
		registry: registry,
	}

	r := chi.NewRouter()
	for _, mw := range httpmid.DefaultStack(1 << 20) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/workflows/visual", func(r chi.Router) {
		r.Post("/sessions", app.createSession)
		r.Get("/{sessionID}/status", app.sessionStatus)
		r.Get("/{sessionID}/stream", app.streamHandler().ServeHTTPWithParam)
		r.Get("/{sessionID}/control", app.controlHandler().ServeHTTPWithParam)
	})

	r.Route("/auth/storage-state", func(r chi.Router) {
		r.Get("/latest", app.latestStorageState)
		r.Put("/{recordID}", app.replaceStorageState)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // websocket endpoints hold connections open for minutes
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("visualcore: listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("visualcore: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	for _, m := range registry.All() {
		m.Finalize(shutdownCtx)
	}
	logger.Info("visualcore: stopped")
}

// app holds the server's shared dependencies, threaded through handler
// methods the way cmd/chrc's top-level main closes over pool/db/logger.
type app struct {
	cfg      *visualconfig.Config
	logger   *slog.Logger
	store    *storagestate.Store
	keys     *cryptoenvelope.KeyRing
	factory  *browsersession.Factory
	registry *session.Registry
}

type createSessionRequest struct {
	OwnerID      string           `json:"owner_id"`
	RestoreSites []string         `json:"restore_sites,omitempty"`
	Actions      []workflowAction `json:"actions,omitempty"`
}

type workflowAction struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
	WaitMs   int    `json:"wait_ms,omitempty"`
	Output   string `json:"output,omitempty"`
}

func (a *app) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_message"})
		return
	}
	if req.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id required"})
		return
	}

	id := sessionid.New()
	mgr := session.New(id, session.Config{
		OwnerID: req.OwnerID,
		Factory: a.factory,
		Store:   a.store,
		Streamer: streaming.Config{
			BufferCapacity: a.cfg.EventBufferSize,
			ClientQueueCap: a.cfg.ClientWriteQueue,
			Logger:         a.logger,
		},
		Recorder:        recorder.InjectorConfig{Logger: a.logger},
		AutoSaveEnabled: a.cfg.AutoSaveSessionState,
		Logger:          a.logger,
	})
	a.registry.Register(mgr)

	var restored *storagestate.Blob
	if len(req.RestoreSites) > 0 && a.cfg.FeatureUseCookies {
		rec, err := a.store.LatestVerified(r.Context(), req.OwnerID, req.RestoreSites, a.cfg.CookieVerifyTTLHours)
		if err != nil {
			a.logger.Warn("createSession: storage-state lookup failed", "error", err)
		} else if rec != nil {
			if blob, err := a.store.LoadPlaintext(rec); err == nil {
				restored = &blob
			}
		}
	}

	go func() {
		ctx := context.Background()
		if err := mgr.Start(ctx, restored); err != nil {
			a.logger.Error("session start failed", "session_id", id, "error", err)
			return
		}
		if len(req.Actions) > 0 {
			if err := mgr.RunWorkflow(ctx, toActions(req.Actions)); err != nil {
				a.logger.Error("workflow run failed", "session_id", id, "error", err)
			}
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id.String()})
}

func toActions(in []workflowAction) []workflow.Action {
	out := make([]workflow.Action, 0, len(in))
	for _, a := range in {
		out = append(out, workflow.Action{
			Type:     workflow.ActionType(a.Type),
			URL:      a.URL,
			Selector: a.Selector,
			Value:    a.Value,
			WaitMs:   a.WaitMs,
			Output:   a.Output,
		})
	}
	return out
}

func (a *app) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := sessionid.Normalize(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_message"})
		return
	}
	mgr, ok := a.registry.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session_not_found"})
		return
	}
	stream := mgr.Streamer()
	if stream == nil {
		writeJSON(w, http.StatusOK, map[string]any{"streaming_active": false, "streaming_ready": false})
		return
	}
	writeJSON(w, http.StatusOK, stream.Status())
}

// paramHandler adapts streamchannel/controlchannel's
// Serve(w, r, sessionID string) signature to chi's URL-param extraction.
type paramHandler struct {
	serve func(w http.ResponseWriter, r *http.Request, sessionID string)
}

func (p paramHandler) ServeHTTPWithParam(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, chi.URLParam(r, "sessionID"))
}

func (a *app) streamHandler() paramHandler {
	h := streamchannel.NewHandler(func(id sessionid.ID) (*streaming.Streamer, bool) {
		mgr, ok := a.registry.Lookup(id)
		if !ok {
			return nil, false
		}
		return mgr.Streamer(), mgr.Streamer() != nil
	}, a.logger)
	return paramHandler{serve: h.Serve}
}

func (a *app) controlHandler() paramHandler {
	h := controlchannel.NewHandler(func(id sessionid.ID) (browsersession.BrowserSession, bool) {
		mgr, ok := a.registry.Lookup(id)
		if !ok {
			return nil, false
		}
		return mgr.BrowserSession()
	}, controlchannel.Config{
		RateLimit:   a.cfg.ControlRatePerSec,
		MaxLifetime: a.cfg.ControlMaxDuration,
	}, a.logger)
	return paramHandler{serve: h.Serve}
}

func (a *app) latestStorageState(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get("X-Owner-ID")
	if ownerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Owner-ID header required"})
		return
	}
	sites := splitCSV(r.URL.Query().Get("sites"))

	rec, err := a.store.LatestVerified(r.Context(), ownerID, sites, a.cfg.CookieVerifyTTLHours)
	if err != nil {
		a.logger.Error("latestStorageState: lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "execution_failed"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	blob, err := a.store.LoadPlaintext(rec)
	if err != nil {
		a.logger.Error("latestStorageState: decrypt failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "execution_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_id": rec.RecordID,
		"blob":      blob,
		"metadata":  rec.Metadata,
		"status":    rec.Status,
	})
}

type replaceStorageStateRequest struct {
	Ciphertext []byte         `json:"ciphertext"`
	Nonce      []byte         `json:"nonce"`
	WrappedKey []byte         `json:"wrappedKey"`
	Kid        string         `json:"kid"`
	Metadata   map[string]any `json:"metadata"`
}

func (a *app) replaceStorageState(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get("X-Owner-ID")
	if ownerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Owner-ID header required"})
		return
	}
	recordID := chi.URLParam(r, "recordID")

	var req replaceStorageStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_message"})
		return
	}

	rec, err := a.store.Replace(r.Context(), ownerID, recordID, req.Ciphertext, req.Nonce, req.WrappedKey, req.Kid, req.Metadata)
	if err != nil {
		a.logger.Warn("replaceStorageState: failed", "record_id", recordID, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "execution_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record_id": rec.RecordID, "status": rec.Status})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stealthLevel(s string) browsersession.StealthLevel {
	if s == "headful" {
		return browsersession.LevelHeadful
	}
	return browsersession.LevelHeadless
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "writeJSON: %v\n", err)
	}
}
