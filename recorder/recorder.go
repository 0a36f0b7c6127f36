package recorder

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/hazyhaar/visualcore/browsersession"
)

//go:embed bridge.js
var bridgeJSSource string

var bridgeTemplate = template.Must(template.New("bridge.js").Parse(bridgeJSSource))

// snapshotType is the RecorderEvent.type value the in-page library
// guarantees for a FullSnapshot (spec §3, §4.4).
const snapshotType = 2

// InjectorConfig configures one Injector. VendorPath and PingDelay have
// spec-mandated defaults and rarely need overriding outside tests.
type InjectorConfig struct {
	VendorPath string
	PingDelay  time.Duration
	Logger     *slog.Logger
}

func (c *InjectorConfig) defaults() {
	if c.VendorPath == "" {
		c.VendorPath = defaultVendorPath
	}
	if c.PingDelay <= 0 {
		c.PingDelay = time.Duration(progressPingDelayMs) * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Injector owns the bind-then-eval sequence for one browser session and
// re-runs it on every navigation. Grounded on
// domwatch/internal/observer.Observer.injectJS/listenBinding: same
// addBinding + eval-script pairing, simplified to match spec §4.4's black
// box event model (no mutation parsing, no dedup, no debounce — the
// in-page library already does that).
type Injector struct {
	cfg    InjectorConfig
	script string

	mu       sync.Mutex
	degraded bool
	retried  bool

	gotSnapshot atomic.Bool
}

// NewInjector renders the bridge script once; the same rendered script is
// reused for every (re-)injection.
func NewInjector(cfg InjectorConfig) (*Injector, error) {
	cfg.defaults()

	var buf bytes.Buffer
	err := bridgeTemplate.Execute(&buf, struct {
		BridgeName  string
		OptionsJSON string
		PingDelayMs int64
		VendorPath  string
	}{
		BridgeName:  BridgeName,
		OptionsJSON: optionsJSON,
		PingDelayMs: cfg.PingDelay.Milliseconds(),
		VendorPath:  cfg.VendorPath,
	})
	if err != nil {
		return nil, fmt.Errorf("recorder: render bridge script: %w", err)
	}

	return &Injector{cfg: cfg, script: buf.String()}, nil
}

// Attach binds the sendRRWebEvent bridge, injects the recorder on the
// current page, and re-injects on every later frame_navigated event. onEvent
// is called for every RecorderEvent payload the page emits, in delivery
// order; onDegrade is called if a post-navigation re-injection fails to
// produce a FullSnapshot after one retry (spec §7 DEGRADED).
func (inj *Injector) Attach(ctx context.Context, session browsersession.BrowserSession, onEvent func(raw []byte), onDegrade func()) error {
	if err := session.ExposeBridge(ctx, BridgeName, func(payload string) {
		inj.handlePayload(payload, onEvent)
	}); err != nil {
		return fmt.Errorf("recorder: expose bridge: %w", err)
	}

	if err := inj.inject(ctx, session); err != nil {
		return fmt.Errorf("recorder: initial inject: %w", err)
	}

	session.OnFrameNavigated(func(url string) {
		inj.onNavigate(ctx, session, onDegrade)
	})

	return nil
}

func (inj *Injector) handlePayload(payload string, onEvent func(raw []byte)) {
	var peek struct {
		Type int `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &peek); err == nil && peek.Type == snapshotType {
		inj.gotSnapshot.Store(true)
	}
	onEvent([]byte(payload))
}

func (inj *Injector) inject(ctx context.Context, session browsersession.BrowserSession) error {
	_, err := session.Evaluate(ctx, inj.script)
	return err
}

// onNavigate re-injects after a navigation and expects the next emitted
// event to be a FullSnapshot (the recorder library's restart guarantee,
// spec §4.4). If one retry also fails to produce a snapshot within the
// ping delay, the session is marked DEGRADED rather than failed — the
// teacher's Observer hard-fails ObservePage on injection trouble; the
// spec instead requires degrade-not-fail (spec §7).
func (inj *Injector) onNavigate(ctx context.Context, session browsersession.BrowserSession, onDegrade func()) {
	inj.gotSnapshot.Store(false)

	if err := session.WaitDOMReady(ctx); err != nil {
		inj.cfg.Logger.Warn("recorder: wait dom ready failed, re-injecting anyway", "error", err)
	}

	if err := inj.inject(ctx, session); err != nil {
		inj.cfg.Logger.Warn("recorder: re-inject failed", "error", err)
	}

	time.AfterFunc(inj.cfg.PingDelay+500*time.Millisecond, func() {
		if inj.gotSnapshot.Load() {
			inj.mu.Lock()
			inj.retried = false
			inj.degraded = false
			inj.mu.Unlock()
			return
		}

		inj.mu.Lock()
		alreadyRetried := inj.retried
		inj.retried = true
		inj.mu.Unlock()

		if alreadyRetried {
			inj.mu.Lock()
			inj.degraded = true
			inj.retried = false
			inj.mu.Unlock()
			inj.cfg.Logger.Warn("recorder: no snapshot after retry, marking degraded")
			if onDegrade != nil {
				onDegrade()
			}
			return
		}

		inj.cfg.Logger.Warn("recorder: no snapshot after re-injection, retrying once")
		inj.onNavigate(ctx, session, onDegrade)
	})
}

// Degraded reports whether the last navigation's re-injection failed to
// recover a FullSnapshot after its retry.
func (inj *Injector) Degraded() bool {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.degraded
}
