package browsersession

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// StealthLevel controls the browser automation mode. Kept from
// domwatch/internal/browser.StealthLevel — a long-running visual session
// benefits from the same headless/headful distinction a crawler does.
type StealthLevel int

const (
	LevelHeadless StealthLevel = iota // Rod headless + stealth page
	LevelHeadful                      // Rod headful + Xvfb
)

// ManagerConfig configures the Chrome lifecycle manager.
type ManagerConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// MemoryLimit in bytes, compared against the first tab's JS heap size.
	// OnRecycleNeeded fires when it is exceeded. Default: 1GB.
	MemoryLimit int64

	// RecycleInterval is the Chrome process age after which OnRecycleNeeded
	// fires. Default: 4h.
	// A visual-streaming session is expected to outlive a single workflow
	// run by only minutes, so this mostly guards against leaked processes.
	RecycleInterval time.Duration

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// Stealth sets the stealth level. Default: LevelHeadless.
	Stealth StealthLevel

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string

	// OnRecycleNeeded is invoked from the monitor loop when the recycle
	// interval elapses or the memory limit is exceeded. This Manager's
	// one Chrome process is shared by every concurrently open
	// BrowserSession tab (spec §5's single-owner rule is per-tab, not
	// per-process), so killing and relaunching Chrome the moment a
	// threshold is crossed would drop every live viewer and workflow run
	// at once. The Manager only signals; the caller (cmd/visualcore,
	// which can see the session registry) decides whether it's safe to
	// call Recycle now or must wait for sessions to drain.
	OnRecycleNeeded func(reason string)

	Logger *slog.Logger
}

func (c *ManagerConfig) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RecycleCallback is called before and after Chrome recycling so every
// open BrowserSession's owner can flush state and reconnect. Grounded on
// domwatch/internal/browser.RecycleCallback; kept here rather than
// dropped, since recycling one shared Chrome process still needs the
// same before/after handshake, just gated by OnRecycleNeeded instead of
// firing unconditionally from the monitor loop.
type RecycleCallback struct {
	BeforeRecycle func()
	AfterRecycle  func(browser *rod.Browser)
}

// Manager owns one Chrome process's lifecycle: launch, memory and age
// monitoring, and recycling on request. It does not detect or restart a
// Chrome process that has crashed. Adapted from
// domwatch/internal/browser.Manager, which manages a pool of crawl pages;
// here every open BrowserSession tab shares the one Chrome process this
// Manager launches (spec §5's single-owner rule applies per tab, via
// cmdMu in session.Manager, not per Chrome process).
type Manager struct {
	cfg     ManagerConfig
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	xvfb    *exec.Cmd
	startAt time.Time
	closed  bool
	cb      *RecycleCallback

	recycleSignaled bool
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// SetRecycleCallback sets the before/after hooks invoked by Recycle.
func (m *Manager) SetRecycleCallback(cb *RecycleCallback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// Start launches Chrome (or connects to a remote instance) and returns the
// Rod browser handle. It also starts the memory/recycle monitor goroutine,
// which stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browsersession: manager is closed")
	}

	b, err := m.launch(ctx)
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	go m.monitorLoop(ctx)

	return b, nil
}

// Browser returns the current Rod browser handle. Thread-safe.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle kills Chrome, restarts it, and calls the AfterRecycle callback.
// Callers must ensure no BrowserSession tab is actively serving a viewer
// or workflow before calling this — Recycle drops every open tab on the
// process it replaces.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browsersession: manager is closed")
	}

	return m.recycleLocked(ctx)
}

// Close shuts down Chrome and Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.cleanup()
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger

	if m.cfg.Stealth == LevelHeadful {
		if err := m.startXvfb(); err != nil {
			return nil, fmt.Errorf("browsersession: xvfb: %w", err)
		}
	}

	var wsURL string

	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browsersession: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()

		if m.cfg.Stealth == LevelHeadful {
			l = l.Headless(false).Env("DISPLAY", m.cfg.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}

		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browsersession: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browsersession: launched local chrome", "url", wsURL, "stealth", m.cfg.Stealth)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browsersession: connect: %w", err)
	}

	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browsersession: ignore cert errors failed", "error", err)
	}

	return b, nil
}

func (m *Manager) recycleLocked(ctx context.Context) error {
	log := m.cfg.Logger
	log.Info("browsersession: recycling", "uptime", time.Since(m.startAt))

	if m.cb != nil && m.cb.BeforeRecycle != nil {
		m.cb.BeforeRecycle()
	}

	if err := m.cleanup(); err != nil {
		log.Warn("browsersession: cleanup during recycle", "error", err)
	}

	b, err := m.launch(ctx)
	if err != nil {
		return fmt.Errorf("browsersession: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	m.recycleSignaled = false

	if m.cb != nil && m.cb.AfterRecycle != nil {
		m.cb.AfterRecycle(b)
	}

	log.Info("browsersession: recycled successfully")
	return nil
}

func (m *Manager) cleanup() error {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
	return nil
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			closed := m.closed
			startAt := m.startAt
			b := m.browser
			signaled := m.recycleSignaled
			m.mu.RUnlock()

			if closed || b == nil {
				return
			}

			if time.Since(startAt) > m.cfg.RecycleInterval {
				log.Info("browsersession: recycle interval reached")
				m.signalRecycleNeeded("recycle_interval", signaled)
				continue
			}

			metrics, err := getJSHeapUsage(b)
			if err != nil {
				log.Debug("browsersession: heap check failed", "error", err)
				continue
			}
			if metrics > m.cfg.MemoryLimit {
				log.Warn("browsersession: memory limit exceeded",
					"used", metrics, "limit", m.cfg.MemoryLimit)
				m.signalRecycleNeeded("memory_limit", signaled)
			}
		}
	}
}

// signalRecycleNeeded calls OnRecycleNeeded at most once per recycle
// cycle, since the threshold stays crossed on every subsequent tick until
// something actually calls Recycle. recycleLocked clears the flag.
func (m *Manager) signalRecycleNeeded(reason string, alreadySignaled bool) {
	if alreadySignaled || m.cfg.OnRecycleNeeded == nil {
		return
	}
	m.mu.Lock()
	m.recycleSignaled = true
	m.mu.Unlock()
	m.cfg.OnRecycleNeeded(reason)
}

func getJSHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil || len(pages) == 0 {
		return 0, fmt.Errorf("no pages for heap check")
	}

	res, err := pages[0].Eval(`() => {
		if (performance.memory) {
			return performance.memory.usedJSHeapSize;
		}
		return 0;
	}`)
	if err != nil {
		return 0, err
	}
	return int64(res.Value.Int()), nil
}
