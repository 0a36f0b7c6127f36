package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/visualcore/browsersession"
)

// ProgressFunc is invoked after each step attempts to run, success or
// failure, grounded on sink.Callback's function-table delivery model.
type ProgressFunc func(step int, action Action, err error)

// Config configures a Runner.
type Config struct {
	Logger   *slog.Logger
	Progress ProgressFunc

	// DefaultWaitForSelectorTimeout bounds how long a wait-for-selector
	// step polls before giving up. Default: 15s.
	DefaultWaitForSelectorTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DefaultWaitForSelectorTimeout <= 0 {
		c.DefaultWaitForSelectorTimeout = 15 * time.Second
	}
}

// Runner executes an ordered list of Actions against one BrowserSession.
// Paused lets the control channel suspend a run between steps — e.g. for a
// human to type a password the workflow itself never sees (spec §4.9) —
// without tearing down the session.
type Runner struct {
	cfg    Config
	Paused atomic.Bool
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	cfg.defaults()
	return &Runner{cfg: cfg}
}

// Run executes actions in order against session, stopping at the first
// error. Between steps it blocks while Paused is set, polling every
// 200ms, so a paused run can be resumed without losing its place.
func (r *Runner) Run(ctx context.Context, session browsersession.BrowserSession, actions []Action) error {
	extracted := make(map[string]string)

	for i, action := range actions {
		if err := r.waitWhilePaused(ctx); err != nil {
			return err
		}

		err := r.runStep(ctx, session, action, extracted)
		if r.cfg.Progress != nil {
			r.cfg.Progress(i, action, err)
		}
		if err != nil {
			return fmt.Errorf("workflow: step %d (%s): %w", i, action.Type, err)
		}
	}
	return nil
}

func (r *Runner) waitWhilePaused(ctx context.Context) error {
	for r.Paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, session browsersession.BrowserSession, action Action, extracted map[string]string) error {
	r.cfg.Logger.Debug("workflow: step", "type", action.Type, "selector", action.Selector)

	switch action.Type {
	case ActionNavigate:
		return session.Navigate(ctx, action.URL)

	case ActionClick:
		x, y, err := elementCenter(ctx, session, action.Selector)
		if err != nil {
			return err
		}
		return session.Mouse().Click(ctx, x, y, browsersession.ButtonLeft)

	case ActionInput:
		return setElementValue(ctx, session, action.Selector, action.Value)

	case ActionSelect:
		return selectOption(ctx, session, action.Selector, action.Value)

	case ActionExtract:
		text, err := extractText(ctx, session, action.Selector)
		if err != nil {
			return err
		}
		if action.Output != "" {
			extracted[action.Output] = text
		}
		return nil

	case ActionWait:
		if action.WaitForSelector != "" {
			return waitForSelector(ctx, session, action.WaitForSelector, r.cfg.DefaultWaitForSelectorTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(action.WaitMs) * time.Millisecond):
			return nil
		}

	default:
		return fmt.Errorf("workflow: unknown action type %q", action.Type)
	}
}
