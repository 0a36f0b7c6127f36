package browsersession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// RodSession implements BrowserSession over a *rod.Page. It is the concrete
// backend for both LevelHeadless and LevelHeadful; the stealth level only
// changes how Manager launched the underlying Chrome.
type RodSession struct {
	page   *rod.Page
	logger *slog.Logger

	mu          sync.RWMutex
	currentURL  string
	navHandlers []FrameNavigatedHandler
	navCancel   func()

	mouse    *rodMouse
	keyboard *rodKeyboard
}

// NewRodSession wraps an already-created, already-navigated-or-blank page.
// Grounded on domwatch/internal/browser.Tab, which performs the same
// stealth-page-then-navigate sequence; here the navigation-detection hook
// (watchNavigation) replaces Tab's one-shot WaitLoad because a visual
// session must react to every later navigation, not just the first.
func NewRodSession(page *rod.Page, logger *slog.Logger) *RodSession {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RodSession{page: page, logger: logger}
	s.mouse = &rodMouse{page: page}
	s.keyboard = &rodKeyboard{page: page}
	s.watchNavigation()
	return s
}

func (s *RodSession) watchNavigation() {
	ctx, cancel := context.WithCancel(context.Background())
	s.navCancel = cancel

	stop := s.page.Context(ctx).EachEvent(func(e *proto.PageFrameNavigated) {
		url := e.Frame.URL
		s.mu.Lock()
		s.currentURL = url
		handlers := append([]FrameNavigatedHandler(nil), s.navHandlers...)
		s.mu.Unlock()

		for _, h := range handlers {
			h(url)
		}
	})
	go stop()
}

func (s *RodSession) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	if err := s.page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("browsersession: navigate %s: %w", url, err)
	}
	s.mu.Lock()
	s.currentURL = url
	s.mu.Unlock()
	return nil
}

// domReadyTimeout bounds WaitDOMReady so a page that never fires
// DOMContentLoaded (blocked resource, JS error before the event) cannot
// hang the recorder's re-injection indefinitely.
const domReadyTimeout = 10 * time.Second

func (s *RodSession) WaitDOMReady(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, domReadyTimeout)
	defer cancel()

	wait := s.page.Context(waitCtx).EachEvent(func(e *proto.PageDomContentEventFired) bool {
		return true
	})
	wait()

	if err := waitCtx.Err(); err != nil {
		return fmt.Errorf("browsersession: wait dom ready: %w", err)
	}
	return nil
}

func (s *RodSession) CurrentURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentURL
}

func (s *RodSession) OnFrameNavigated(handler FrameNavigatedHandler) {
	s.mu.Lock()
	s.navHandlers = append(s.navHandlers, handler)
	s.mu.Unlock()
}

func (s *RodSession) Evaluate(ctx context.Context, script string, args ...any) (any, error) {
	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           script,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("browsersession: evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.Val(), nil
}

// ExposeBridge registers a Runtime.addBinding and routes every call through
// handler. Grounded on domwatch/internal/observer.Observer.injectJS/
// listenBinding, which use the identical addBinding + EachEvent(RuntimeBindingCalled)
// pair to ferry JS→Go messages; here the payload is opaque recorder JSON
// instead of a parsed mutation record.
func (s *RodSession) ExposeBridge(ctx context.Context, name string, handler func(payload string)) error {
	binding := proto.RuntimeAddBinding{Name: name}
	if err := binding.Call(s.page); err != nil {
		return fmt.Errorf("browsersession: add binding %s: %w", name, err)
	}

	stop := s.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != name {
			return
		}
		handler(e.Payload)
	})
	go stop()

	return nil
}

func (s *RodSession) Cookies(ctx context.Context) ([]Cookie, error) {
	res, err := proto.NetworkGetCookies{}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("browsersession: get cookies: %w", err)
	}

	out := make([]Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  int64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

// SetCookies pushes cookies via Network.setCookie, one CDP call per
// cookie so a failure on one bad cookie doesn't drop the rest. Grounded
// on the existing Cookies method's proto.NetworkGetCookies use; the
// original_source restore path (browser_factory.py's
// page.context.add_cookies) is the same CDP-level set, done from the
// Playwright wrapper instead of raw CDP.
func (s *RodSession) SetCookies(ctx context.Context, cookies []Cookie) error {
	p := s.page.Context(ctx)
	for _, c := range cookies {
		req := proto.NetworkSetCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires != 0 {
			req.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		if c.SameSite != "" {
			req.SameSite = proto.NetworkCookieSameSite(c.SameSite)
		}
		if _, err := req.Call(p); err != nil {
			return fmt.Errorf("browsersession: set cookie %s: %w", c.Name, err)
		}
	}
	return nil
}

// InjectOnNewDocument registers js via Page.addScriptToEvaluateOnNewDocument,
// which rod exposes as EvalOnNewDocument. It runs before any page script on
// every subsequent navigation, including the first.
func (s *RodSession) InjectOnNewDocument(ctx context.Context, js string) error {
	if _, err := s.page.Context(ctx).EvalOnNewDocument(js); err != nil {
		return fmt.Errorf("browsersession: inject on new document: %w", err)
	}
	return nil
}

// localStorageJS enumerates window.localStorage as a list of {name, value}
// items. Grounded
// on the snapshotStorage helper pattern (other_examples session_manager.go),
// adapted to return structured items instead of a JSON blob.
const localStorageJS = `() => {
	const out = [];
	for (let i = 0; i < localStorage.length; i++) {
		const k = localStorage.key(i);
		out.push({name: k, value: localStorage.getItem(k)});
	}
	return out;
}`

func (s *RodSession) ExtractLocalStorage(ctx context.Context) (OriginLocalStorage, error) {
	origin, err := s.Evaluate(ctx, `() => window.location.origin`)
	if err != nil {
		return OriginLocalStorage{}, err
	}

	raw, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           localStorageJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return OriginLocalStorage{}, fmt.Errorf("browsersession: extract local storage: %w", err)
	}

	var items []LocalStorageItem
	if raw != nil && !raw.Value.Nil() {
		if err := json.Unmarshal([]byte(raw.Value.JSON("", "")), &items); err != nil {
			s.logger.Warn("browsersession: parse local storage items", "error", err)
		}
	}

	originStr, _ := origin.(string)
	return OriginLocalStorage{Origin: originStr, Items: items}, nil
}

const envMetadataJS = `() => ({
	userAgent: navigator.userAgent,
	timezone: Intl.DateTimeFormat().resolvedOptions().timeZone,
	width: window.innerWidth,
	height: window.innerHeight,
	languages: navigator.languages,
	devicePixelRatio: window.devicePixelRatio
})`

func (s *RodSession) EnvMetadata(ctx context.Context) (EnvMetadata, error) {
	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           envMetadataJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return EnvMetadata{}, fmt.Errorf("browsersession: env metadata: %w", err)
	}

	var raw struct {
		UserAgent        string   `json:"userAgent"`
		Timezone         string   `json:"timezone"`
		Width            int      `json:"width"`
		Height           int      `json:"height"`
		Languages        []string `json:"languages"`
		DevicePixelRatio float64  `json:"devicePixelRatio"`
	}
	if res != nil && !res.Value.Nil() {
		if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &raw); err != nil {
			return EnvMetadata{}, fmt.Errorf("browsersession: parse env metadata: %w", err)
		}
	}

	return EnvMetadata{
		UserAgent:        raw.UserAgent,
		Timezone:         raw.Timezone,
		Viewport:         [2]int{raw.Width, raw.Height},
		Languages:        raw.Languages,
		DevicePixelRatio: raw.DevicePixelRatio,
	}, nil
}

func (s *RodSession) Mouse() MouseController       { return s.mouse }
func (s *RodSession) Keyboard() KeyboardController { return s.keyboard }

func (s *RodSession) Close() error {
	if s.navCancel != nil {
		s.navCancel()
	}
	if s.page != nil {
		return s.page.Close()
	}
	return nil
}

// rodMouse adapts rod's page.Mouse to MouseController.
type rodMouse struct {
	page *rod.Page
}

func inputButton(b MouseButton) proto.InputMouseButton {
	switch b {
	case ButtonRight:
		return proto.InputMouseButtonRight
	case ButtonMiddle:
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

func (m *rodMouse) Move(ctx context.Context, x, y float64) error {
	if err := m.page.Context(ctx).Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("browsersession: mouse move: %w", err)
	}
	return nil
}

func (m *rodMouse) Down(ctx context.Context, button MouseButton) error {
	if err := m.page.Context(ctx).Mouse.Down(inputButton(button), 1); err != nil {
		return fmt.Errorf("browsersession: mouse down: %w", err)
	}
	return nil
}

func (m *rodMouse) Up(ctx context.Context, button MouseButton) error {
	if err := m.page.Context(ctx).Mouse.Up(inputButton(button), 1); err != nil {
		return fmt.Errorf("browsersession: mouse up: %w", err)
	}
	return nil
}

func (m *rodMouse) Click(ctx context.Context, x, y float64, button MouseButton) error {
	p := m.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("browsersession: mouse click move: %w", err)
	}
	if err := p.Mouse.Click(inputButton(button), 1); err != nil {
		return fmt.Errorf("browsersession: mouse click: %w", err)
	}
	return nil
}

func (m *rodMouse) DblClick(ctx context.Context, x, y float64, button MouseButton) error {
	p := m.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("browsersession: mouse dblclick move: %w", err)
	}
	if err := p.Mouse.Click(inputButton(button), 2); err != nil {
		return fmt.Errorf("browsersession: mouse dblclick: %w", err)
	}
	return nil
}

func (m *rodMouse) Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error {
	p := m.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("browsersession: wheel move: %w", err)
	}
	if err := p.Mouse.Scroll(deltaX, deltaY, 1); err != nil {
		return fmt.Errorf("browsersession: wheel scroll: %w", err)
	}
	return nil
}

// rodKeyboard adapts rod's page.Keyboard to KeyboardController. Control
// channel messages name keys by their JS KeyboardEvent.key value; input.Keys
// resolves the common ones. Press falls back to Page.InsertText for a key
// input.Keys does not know, so printable characters still land; Down and Up
// return an error for such a key.
type rodKeyboard struct {
	page *rod.Page
}

func resolveKey(key string) (input.Key, bool) {
	k, ok := input.Keys[key]
	return k, ok
}

func (k *rodKeyboard) Press(ctx context.Context, key string) error {
	p := k.page.Context(ctx)
	if code, ok := resolveKey(key); ok {
		if err := p.Keyboard.Press(code); err != nil {
			return fmt.Errorf("browsersession: key press %s: %w", key, err)
		}
		return nil
	}
	if err := p.InsertText(key); err != nil {
		return fmt.Errorf("browsersession: insert text %q: %w", key, err)
	}
	return nil
}

func (k *rodKeyboard) Down(ctx context.Context, key string) error {
	code, ok := resolveKey(key)
	if !ok {
		return fmt.Errorf("browsersession: unknown key %q for keydown", key)
	}
	if err := k.page.Context(ctx).Keyboard.Down(code); err != nil {
		return fmt.Errorf("browsersession: key down %s: %w", key, err)
	}
	return nil
}

func (k *rodKeyboard) Up(ctx context.Context, key string) error {
	code, ok := resolveKey(key)
	if !ok {
		return fmt.Errorf("browsersession: unknown key %q for keyup", key)
	}
	if err := k.page.Context(ctx).Keyboard.Up(code); err != nil {
		return fmt.Errorf("browsersession: key up %s: %w", key, err)
	}
	return nil
}
