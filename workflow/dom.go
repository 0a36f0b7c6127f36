package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/visualcore/browsersession"
)

const elementCenterJS = `(sel) => {
	const el = document.querySelector(sel);
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return { x: r.left + r.width / 2, y: r.top + r.height / 2 };
}`

// elementCenter resolves selector to viewport coordinates via the same
// Evaluate surface the recorder and control channel use, so click
// actions share one source of truth for "where is this element" with
// any future selector-based control-channel extension.
func elementCenter(ctx context.Context, session browsersession.BrowserSession, selector string) (x, y float64, err error) {
	result, err := session.Evaluate(ctx, elementCenterJS, selector)
	if err != nil {
		return 0, 0, fmt.Errorf("workflow: locate %q: %w", selector, err)
	}
	point, ok := result.(map[string]any)
	if !ok || point == nil {
		return 0, 0, fmt.Errorf("workflow: element %q not found", selector)
	}
	x, _ = toFloat(point["x"])
	y, _ = toFloat(point["y"])
	return x, y, nil
}

const setValueJS = `(sel, value) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.focus();
	el.value = value;
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

func setElementValue(ctx context.Context, session browsersession.BrowserSession, selector, value string) error {
	result, err := session.Evaluate(ctx, setValueJS, selector, value)
	if err != nil {
		return fmt.Errorf("workflow: input %q: %w", selector, err)
	}
	if ok, _ := result.(bool); !ok {
		return fmt.Errorf("workflow: element %q not found", selector)
	}
	return nil
}

const selectOptionJS = `(sel, text) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	for (const opt of el.options) {
		if (opt.text === text) {
			el.value = opt.value;
			el.dispatchEvent(new Event('change', { bubbles: true }));
			return true;
		}
	}
	return false;
}`

func selectOption(ctx context.Context, session browsersession.BrowserSession, selector, optionText string) error {
	result, err := session.Evaluate(ctx, selectOptionJS, selector, optionText)
	if err != nil {
		return fmt.Errorf("workflow: select %q: %w", selector, err)
	}
	if ok, _ := result.(bool); !ok {
		return fmt.Errorf("workflow: option %q not found on %q", optionText, selector)
	}
	return nil
}

const extractTextJS = `(sel) => {
	const el = document.querySelector(sel);
	return el ? el.textContent : null;
}`

func extractText(ctx context.Context, session browsersession.BrowserSession, selector string) (string, error) {
	result, err := session.Evaluate(ctx, extractTextJS, selector)
	if err != nil {
		return "", fmt.Errorf("workflow: extract %q: %w", selector, err)
	}
	text, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("workflow: element %q not found", selector)
	}
	return text, nil
}

const existsJS = `(sel) => document.querySelector(sel) !== null`

func waitForSelector(ctx context.Context, session browsersession.BrowserSession, selector string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		result, err := session.Evaluate(ctx, existsJS, selector)
		if err != nil {
			return fmt.Errorf("workflow: wait for %q: %w", selector, err)
		}
		if ok, _ := result.(bool); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("workflow: timed out waiting for %q", selector)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
