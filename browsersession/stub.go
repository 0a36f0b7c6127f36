package browsersession

import (
	"context"
	"sync"
)

// StubSession is an in-memory fake of BrowserSession for tests that exercise
// recorder, streaming, or session orchestration without a real Chrome
// process. Grounded on domwatch/internal/sink.Callback's function-table
// pattern: every method is backed by an overridable func field, nil meaning
// "do nothing, return the zero value".
type StubSession struct {
	mu sync.Mutex

	NavigateFunc            func(ctx context.Context, url string) error
	WaitDOMReadyFunc        func(ctx context.Context) error
	EvaluateFunc            func(ctx context.Context, script string, args ...any) (any, error)
	CookiesFunc             func(ctx context.Context) ([]Cookie, error)
	SetCookiesFunc          func(ctx context.Context, cookies []Cookie) error
	InjectOnNewDocumentFunc func(ctx context.Context, js string) error
	LocalStorage            OriginLocalStorage
	Env                     EnvMetadata
	BridgeHandler           func(payload string)
	bridgeName              string
	navHandlers             []FrameNavigatedHandler
	currentURL              string
	closed                  bool

	mouse    *stubMouse
	keyboard *stubKeyboard
}

// NewStubSession creates a StubSession with inert mouse/keyboard controllers
// that record the last action they received.
func NewStubSession() *StubSession {
	s := &StubSession{}
	s.mouse = &stubMouse{}
	s.keyboard = &stubKeyboard{}
	return s
}

func (s *StubSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	s.currentURL = url
	handlers := append([]FrameNavigatedHandler(nil), s.navHandlers...)
	s.mu.Unlock()

	if s.NavigateFunc != nil {
		if err := s.NavigateFunc(ctx, url); err != nil {
			return err
		}
	}
	for _, h := range handlers {
		h(url)
	}
	return nil
}

func (s *StubSession) WaitDOMReady(ctx context.Context) error {
	if s.WaitDOMReadyFunc != nil {
		return s.WaitDOMReadyFunc(ctx)
	}
	return nil
}

func (s *StubSession) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentURL
}

func (s *StubSession) OnFrameNavigated(handler FrameNavigatedHandler) {
	s.mu.Lock()
	s.navHandlers = append(s.navHandlers, handler)
	s.mu.Unlock()
}

func (s *StubSession) Evaluate(ctx context.Context, script string, args ...any) (any, error) {
	if s.EvaluateFunc != nil {
		return s.EvaluateFunc(ctx, script, args...)
	}
	return nil, nil
}

// ExposeBridge records the handler and the binding name; tests drive the
// recorder by calling Emit directly instead of going through real CDP.
func (s *StubSession) ExposeBridge(ctx context.Context, name string, handler func(payload string)) error {
	s.mu.Lock()
	s.bridgeName = name
	s.BridgeHandler = handler
	s.mu.Unlock()
	return nil
}

// Emit delivers a fake bridge payload as if the in-page recorder had called
// the exposed binding with it.
func (s *StubSession) Emit(payload string) {
	s.mu.Lock()
	h := s.BridgeHandler
	s.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

func (s *StubSession) Cookies(ctx context.Context) ([]Cookie, error) {
	if s.CookiesFunc != nil {
		return s.CookiesFunc(ctx)
	}
	return nil, nil
}

func (s *StubSession) SetCookies(ctx context.Context, cookies []Cookie) error {
	if s.SetCookiesFunc != nil {
		return s.SetCookiesFunc(ctx, cookies)
	}
	return nil
}

func (s *StubSession) ExtractLocalStorage(ctx context.Context) (OriginLocalStorage, error) {
	return s.LocalStorage, nil
}

func (s *StubSession) InjectOnNewDocument(ctx context.Context, js string) error {
	if s.InjectOnNewDocumentFunc != nil {
		return s.InjectOnNewDocumentFunc(ctx, js)
	}
	return nil
}

func (s *StubSession) EnvMetadata(ctx context.Context) (EnvMetadata, error) {
	return s.Env, nil
}

func (s *StubSession) Mouse() MouseController       { return s.mouse }
func (s *StubSession) Keyboard() KeyboardController { return s.keyboard }

func (s *StubSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *StubSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stubMouse and stubKeyboard just record the last call so tests can assert
// on it without a real browser.
type stubMouse struct {
	mu       sync.Mutex
	LastCall string
}

func (m *stubMouse) record(call string) {
	m.mu.Lock()
	m.LastCall = call
	m.mu.Unlock()
}

func (m *stubMouse) Move(ctx context.Context, x, y float64) error { m.record("move"); return nil }
func (m *stubMouse) Down(ctx context.Context, button MouseButton) error {
	m.record("down:" + string(button))
	return nil
}
func (m *stubMouse) Up(ctx context.Context, button MouseButton) error {
	m.record("up:" + string(button))
	return nil
}
func (m *stubMouse) Click(ctx context.Context, x, y float64, button MouseButton) error {
	m.record("click:" + string(button))
	return nil
}
func (m *stubMouse) DblClick(ctx context.Context, x, y float64, button MouseButton) error {
	m.record("dblclick:" + string(button))
	return nil
}
func (m *stubMouse) Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error {
	m.record("wheel")
	return nil
}

type stubKeyboard struct {
	mu       sync.Mutex
	LastCall string
}

func (k *stubKeyboard) record(call string) {
	k.mu.Lock()
	k.LastCall = call
	k.mu.Unlock()
}

func (k *stubKeyboard) Press(ctx context.Context, key string) error {
	k.record("press:" + key)
	return nil
}
func (k *stubKeyboard) Down(ctx context.Context, key string) error {
	k.record("down:" + key)
	return nil
}
func (k *stubKeyboard) Up(ctx context.Context, key string) error {
	k.record("up:" + key)
	return nil
}
