// Package browsersession abstracts a controlled browser tab: the recorder
// bridge, storage-state extraction, and input injection surfaces the rest
// of the visual streaming core needs, without committing callers to a
// particular browser engine (spec §4.3).
package browsersession

import (
	"context"
	"time"
)

// Cookie is the wire shape BrowserSession.Cookies returns; storagestate.Cookie
// is built from these.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  int64
	HTTPOnly bool
	Secure   bool
	SameSite string
}

// OriginLocalStorage is the local storage captured for one origin.
type OriginLocalStorage struct {
	Origin string
	Items  []LocalStorageItem
}

// LocalStorageItem is a single key/value pair.
type LocalStorageItem struct {
	Name  string
	Value string
}

// EnvMetadata is the ambient fingerprint of the browser environment.
type EnvMetadata struct {
	UserAgent        string
	Timezone         string
	Viewport         [2]int
	Languages        []string
	DevicePixelRatio float64
}

// MouseButton names a mouse button for MouseController methods.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// MouseController is the narrow mouse-input surface spec §4.3 names.
type MouseController interface {
	Move(ctx context.Context, x, y float64) error
	Down(ctx context.Context, button MouseButton) error
	Up(ctx context.Context, button MouseButton) error
	Click(ctx context.Context, x, y float64, button MouseButton) error
	DblClick(ctx context.Context, x, y float64, button MouseButton) error
	Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error
}

// KeyboardController is the narrow keyboard-input surface spec §4.3 names.
type KeyboardController interface {
	Press(ctx context.Context, key string) error
	Down(ctx context.Context, key string) error
	Up(ctx context.Context, key string) error
}

// FrameNavigatedHandler is invoked whenever the browser engine reports a
// frame navigation (CDP Page.frameNavigated on RodSession). Same-document
// history-API changes are not frame navigations and do not invoke it.
// It is the single navigation-detection signal the design permits (spec §4.4).
type FrameNavigatedHandler func(url string)

// BrowserSession is the capability set the visual streaming core requires
// from a controlled browser tab (spec §4.3). The LevelHeadless and
// LevelHeadful variants are both backed by RodSession; StubSession is an
// in-memory fake for tests.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL() string
	OnFrameNavigated(handler FrameNavigatedHandler)
	// WaitDOMReady blocks until the current document's DOMContentLoaded
	// fires or ctx is done, whichever comes first. The recorder bridge
	// (C4) calls this after every frame_navigated before re-injecting,
	// so it isn't racing the new document's own script execution (spec
	// §4.4).
	WaitDOMReady(ctx context.Context) error
	Evaluate(ctx context.Context, script string, args ...any) (any, error)
	ExposeBridge(ctx context.Context, name string, handler func(payload string)) error
	Cookies(ctx context.Context) ([]Cookie, error)
	// SetCookies pushes cookies into the browser at the CDP level, which
	// works before any navigation and can set cookies scoped to a
	// domain other than the current document's (unlike a document.cookie
	// eval), and can set httpOnly cookies (unlike document.cookie at all).
	SetCookies(ctx context.Context, cookies []Cookie) error
	ExtractLocalStorage(ctx context.Context) (OriginLocalStorage, error)
	// InjectOnNewDocument registers js to run before any other script on
	// every document the page loads from now on, including the very
	// first navigation — the CDP equivalent of Playwright's
	// add_init_script, used to restore per-origin local storage.
	InjectOnNewDocument(ctx context.Context, js string) error
	EnvMetadata(ctx context.Context) (EnvMetadata, error)
	Mouse() MouseController
	Keyboard() KeyboardController
	Close() error
}

// execTimeout bounds a single browser command so a stalled handle cannot
// hang a caller indefinitely (spec §5's per-message 2s execution timeout
// is enforced by controlchannel; this is the browsersession-level default
// used by workflow steps that don't set their own deadline).
const execTimeout = 30 * time.Second
