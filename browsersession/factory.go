package browsersession

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Factory creates a BrowserSession backed by a fresh page on mgr's browser.
// Spec §4.3 names two variants (headless stealth, headful with a virtual
// display); both share RodSession and differ only in how Manager launched
// Chrome, so Factory's job is just "open one tab" and let the Manager's
// Stealth level decide how that tab behaves.
type Factory struct {
	mgr *Manager
}

// NewFactory builds a Factory over an already-started Manager.
func NewFactory(mgr *Manager) *Factory {
	return &Factory{mgr: mgr}
}

// Open creates a new tab and wraps it as a BrowserSession. When the manager
// is running in LevelHeadless, the tab is created via stealth.Page so
// automation fingerprints (navigator.webdriver, etc.) are patched before any
// page script runs; LevelHeadful tabs are plain pages since the virtual
// display already makes the session indistinguishable from a human's.
func (f *Factory) Open(ctx context.Context) (BrowserSession, error) {
	b := f.mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browsersession: factory: manager has no active browser")
	}

	p, err := openPage(b, f.mgr.cfg.Stealth)
	if err != nil {
		return nil, fmt.Errorf("browsersession: factory: open tab: %w", err)
	}

	if len(f.mgr.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(p, f.mgr.cfg.ResourceBlocking); err != nil {
			f.mgr.cfg.Logger.Warn("browsersession: resource blocking failed", "error", err)
		}
	}

	return NewRodSession(p, f.mgr.cfg.Logger), nil
}

func openPage(b *rod.Browser, level StealthLevel) (*rod.Page, error) {
	if level == LevelHeadless {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{URL: ""})
}
