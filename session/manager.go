package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/visualcore/browsersession"
	"github.com/hazyhaar/visualcore/recorder"
	"github.com/hazyhaar/visualcore/sessionid"
	"github.com/hazyhaar/visualcore/storagestate"
	"github.com/hazyhaar/visualcore/streaming"
	"github.com/hazyhaar/visualcore/workflow"
)

// Config configures a Manager.
type Config struct {
	OwnerID  string
	Factory  *browsersession.Factory
	Store    *storagestate.Store
	Streamer streaming.Config
	Recorder recorder.InjectorConfig

	// AutoSaveEnabled mirrors visualconfig's AUTO_SAVE_SESSION_STATE flag.
	AutoSaveEnabled bool

	Logger *slog.Logger
}

// Manager owns everything that belongs to a single viewer session: the
// browser tab, the event streamer feeding viewers, the recorder bridge,
// and the workflow runner that drives it. Workflow runs are serialized
// through cmdMu, the single-owner discipline browsersession.Manager uses
// for its own Chrome lifecycle operations. Control-channel commands reach
// the browser handle through BrowserSession and do not take cmdMu, so they
// are not serialized against a running workflow.
type Manager struct {
	id     sessionid.ID
	cfg    Config
	logger *slog.Logger

	cmdMu sync.Mutex

	mu      sync.Mutex
	state   State
	browser browsersession.BrowserSession
	stream  *streaming.Streamer
	inject  *recorder.Injector
	runner  *workflow.Runner
	failErr error
}

// New creates a Manager in state INIT. Call Start to drive it through the
// lifecycle up to STREAMING.
func New(id sessionid.ID, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger.With("session_id", id),
		state:  StateInit,
		runner: workflow.NewRunner(workflow.Config{Logger: cfg.Logger}),
	}
}

// ID returns the session's identifier.
func (m *Manager) ID() sessionid.ID { return m.id }

// State returns the current lifecycle stage.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Streamer returns the session's event streamer, or nil before STREAMING
// is reached.
func (m *Manager) Streamer() *streaming.Streamer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// BrowserSession returns the live browser handle, or nil before
// BROWSER_STARTING completes.
func (m *Manager) BrowserSession() (browsersession.BrowserSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser, m.browser != nil
}

// Runner returns the workflow runner so the control channel can flip its
// Paused flag for interactive password entry.
func (m *Manager) Runner() *workflow.Runner {
	return m.runner
}

func (m *Manager) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, to) {
		return fmt.Errorf("session: illegal transition %s -> %s", m.state, to)
	}
	m.logger.Info("session: transition", "from", m.state, "to", to)
	m.state = to
	return nil
}

func (m *Manager) fail(stage State, err error) error {
	m.mu.Lock()
	m.state = StateFailed
	m.failErr = err
	m.mu.Unlock()
	m.logger.Error("session: failed", "stage", stage, "error", err)
	return fmt.Errorf("session: %s: %w", stage, err)
}

// Start drives the session from INIT through LOADING_STATE,
// BROWSER_STARTING, and RECORDER_ATTACHING into STREAMING. restoredState
// is nil when the session starts with a clean profile.
func (m *Manager) Start(ctx context.Context, restoredState *storagestate.Blob) error {
	if err := m.transition(StateLoadingState); err != nil {
		return err
	}
	// LOADING_STATE is a no-op here: restoredState, if any, was already
	// resolved by the caller (GET /auth/storage-state/latest) before
	// Start was called — this stage exists for status visibility while a
	// slow lookup runs one layer up.

	if err := m.transition(StateBrowserStarting); err != nil {
		return err
	}
	browser, err := m.cfg.Factory.Open(ctx)
	if err != nil {
		return m.fail(StateBrowserStarting, err)
	}
	if restoredState != nil {
		if err := applyRestoredState(ctx, browser, *restoredState); err != nil {
			browser.Close()
			return m.fail(StateBrowserStarting, err)
		}
	}
	m.mu.Lock()
	m.browser = browser
	m.mu.Unlock()

	if err := m.transition(StateRecorderAttaching); err != nil {
		return err
	}
	inj, err := recorder.NewInjector(m.cfg.Recorder)
	if err != nil {
		return m.fail(StateRecorderAttaching, err)
	}
	stream := streaming.New(m.id, m.cfg.Streamer)
	stream.Start(ctx)

	degraded := make(chan struct{}, 1)
	err = inj.Attach(ctx, browser,
		func(raw []byte) { stream.Ingest(raw) },
		func() {
			select {
			case degraded <- struct{}{}:
			default:
			}
			m.logger.Warn("session: recorder degraded, continuing with sparse events")
		})
	if err != nil {
		return m.fail(StateRecorderAttaching, err)
	}

	m.mu.Lock()
	m.inject = inj
	m.stream = stream
	m.mu.Unlock()

	return m.transition(StateStreaming)
}

// RunWorkflow transitions into WORKFLOW_RUNNING, executes actions through
// the session's Runner serialized under cmdMu, then returns to STREAMING.
func (m *Manager) RunWorkflow(ctx context.Context, actions []workflow.Action) error {
	if err := m.transition(StateWorkflowRunning); err != nil {
		return err
	}

	browser, ok := m.BrowserSession()
	if !ok {
		return m.fail(StateWorkflowRunning, fmt.Errorf("no browser handle"))
	}

	m.cmdMu.Lock()
	err := m.runner.Run(ctx, browser, actions)
	m.cmdMu.Unlock()

	if err != nil {
		return m.fail(StateWorkflowRunning, err)
	}
	return m.transition(StateStreaming)
}

// Finalize transitions into FINALIZING, attempts an auto-save of the
// session's storage state when AutoSaveEnabled, and ends the session.
// Save failures are logged and swallowed — per spec §4.8/§7 a failed
// auto-save never changes the session's terminal status.
func (m *Manager) Finalize(ctx context.Context) {
	if err := m.transition(StateFinalizing); err != nil {
		m.logger.Warn("session: finalize called from non-terminal-adjacent state", "error", err)
	}

	browser, ok := m.BrowserSession()
	if ok && m.cfg.AutoSaveEnabled && m.cfg.Store != nil {
		if err := m.autoSave(ctx, browser); err != nil {
			m.logger.Warn("session: auto-save failed", "error", err)
		}
	}

	m.mu.Lock()
	stream := m.stream
	m.state = StateEnded
	m.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if ok {
		if err := browser.Close(); err != nil {
			m.logger.Warn("session: browser close failed", "error", err)
		}
	}
	m.logger.Info("session: ended")
}

func (m *Manager) autoSave(ctx context.Context, browser browsersession.BrowserSession) error {
	blob, err := captureState(ctx, browser)
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	_, err = m.cfg.Store.Save(ctx, m.cfg.OwnerID, blob, map[string]any{
		"session_id": string(m.id),
		"saved_at":   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// captureState extracts cookies, per-origin local storage, and env
// metadata from browser and assembles them into a storagestate.Blob.
func captureState(ctx context.Context, browser browsersession.BrowserSession) (storagestate.Blob, error) {
	cookies, err := browser.Cookies(ctx)
	if err != nil {
		return storagestate.Blob{}, fmt.Errorf("cookies: %w", err)
	}
	origin, err := browser.ExtractLocalStorage(ctx)
	if err != nil {
		return storagestate.Blob{}, fmt.Errorf("local storage: %w", err)
	}
	env, err := browser.EnvMetadata(ctx)
	if err != nil {
		return storagestate.Blob{}, fmt.Errorf("env metadata: %w", err)
	}

	blob := storagestate.Blob{
		Cookies: make([]storagestate.Cookie, 0, len(cookies)),
		Origins: []storagestate.OriginStorage{{
			Origin:       origin.Origin,
			LocalStorage: make([]storagestate.LocalStorageItem, 0, len(origin.Items)),
		}},
		EnvMetadata: storagestate.EnvMetadata{
			UserAgent:        env.UserAgent,
			Timezone:         env.Timezone,
			Viewport:         env.Viewport,
			Languages:        env.Languages,
			DevicePixelRatio: env.DevicePixelRatio,
		},
	}
	for _, c := range cookies {
		blob.Cookies = append(blob.Cookies, storagestate.Cookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: c.Expires, HTTPOnly: c.HTTPOnly, Secure: c.Secure, SameSite: c.SameSite,
		})
	}
	for _, item := range origin.Items {
		blob.Origins[0].LocalStorage = append(blob.Origins[0].LocalStorage, storagestate.LocalStorageItem{
			Name: item.Name, Value: item.Value,
		})
	}
	return blob, nil
}

// applyRestoredState pushes cookies from a previously saved blob back into
// the browser at the CDP level, and registers a per-origin local storage
// restore script to run before any page script on the first (and every
// subsequent) navigation. Both happen before browser.Navigate is ever
// called, so the tab never touches about:blank with a document.cookie eval
// that couldn't set a cross-origin or httpOnly cookie anyway. Grounded on
// original_source/workflow_use/browser/browser_factory.py:148-199's
// page.context.add_cookies + page.context.add_init_script pair.
func applyRestoredState(ctx context.Context, browser browsersession.BrowserSession, blob storagestate.Blob) error {
	if len(blob.Cookies) > 0 {
		cookies := make([]browsersession.Cookie, 0, len(blob.Cookies))
		for _, c := range blob.Cookies {
			cookies = append(cookies, browsersession.Cookie{
				Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
				Expires: c.Expires, HTTPOnly: c.HTTPOnly, Secure: c.Secure, SameSite: c.SameSite,
			})
		}
		if err := browser.SetCookies(ctx, cookies); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
	}

	if len(blob.Origins) > 0 {
		script, err := localStorageRestoreScript(blob.Origins)
		if err != nil {
			return fmt.Errorf("build local storage restore script: %w", err)
		}
		if err := browser.InjectOnNewDocument(ctx, script); err != nil {
			return fmt.Errorf("restore local storage: %w", err)
		}
	}

	return nil
}

// localStorageRestoreScript builds a script that, on every future
// navigation, checks window.location.origin against the origins captured
// in a saved blob and replays that origin's window.localStorage entries.
// Only the origin matching the document currently loading writes anything,
// so restoring state for several origins in one blob never leaks one
// origin's storage into another (spec §9 origin scoping applies on restore
// too, not just on capture).
func localStorageRestoreScript(origins []storagestate.OriginStorage) (string, error) {
	type item struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	type origin struct {
		Origin string `json:"origin"`
		Items  []item `json:"items"`
	}

	payload := make([]origin, 0, len(origins))
	for _, o := range origins {
		items := make([]item, 0, len(o.LocalStorage))
		for _, kv := range o.LocalStorage {
			items = append(items, item{Name: kv.Name, Value: kv.Value})
		}
		payload = append(payload, origin{Origin: o.Origin, Items: items})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`(() => {
		const origins = %s;
		for (const o of origins) {
			if (o.origin !== window.location.origin) continue;
			for (const item of o.items) {
				try { window.localStorage.setItem(item.name, item.value); } catch (e) {}
			}
		}
	})();`, string(encoded)), nil
}
