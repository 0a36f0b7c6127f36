package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/visualcore/browsersession"
)

func TestRunNavigateClickInput(t *testing.T) {
	stub := browsersession.NewStubSession()
	var evaluated []string
	stub.EvaluateFunc = func(ctx context.Context, script string, args ...any) (any, error) {
		evaluated = append(evaluated, fmt.Sprint(args...))
		if len(args) > 0 && args[0] == "#submit" {
			return map[string]any{"x": 10.0, "y": 20.0}, nil
		}
		return true, nil
	}

	r := NewRunner(Config{})
	actions := []Action{
		{Type: ActionNavigate, URL: "https://example.com"},
		{Type: ActionInput, Selector: "#email", Value: "a@b.com"},
		{Type: ActionClick, Selector: "#submit"},
	}

	if err := r.Run(context.Background(), stub, actions); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stub.CurrentURL() != "https://example.com" {
		t.Errorf("CurrentURL = %q", stub.CurrentURL())
	}
	if len(evaluated) != 2 {
		t.Errorf("expected 2 Evaluate calls (input, click-locate), got %d", len(evaluated))
	}
}

func TestRunStopsOnFirstError(t *testing.T) {
	stub := browsersession.NewStubSession()
	calls := 0
	stub.EvaluateFunc = func(ctx context.Context, script string, args ...any) (any, error) {
		calls++
		return false, nil // element not found for every step
	}

	r := NewRunner(Config{})
	actions := []Action{
		{Type: ActionInput, Selector: "#a", Value: "x"},
		{Type: ActionInput, Selector: "#b", Value: "y"},
	}

	err := r.Run(context.Background(), stub, actions)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected execution to stop after step 0, got %d Evaluate calls", calls)
	}
}

func TestRunExtractStoresNothingObservableButSucceeds(t *testing.T) {
	stub := browsersession.NewStubSession()
	stub.EvaluateFunc = func(ctx context.Context, script string, args ...any) (any, error) {
		return "extracted text", nil
	}

	r := NewRunner(Config{})
	actions := []Action{{Type: ActionExtract, Selector: "#title", Output: "pageTitle"}}
	if err := r.Run(context.Background(), stub, actions); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunWaitFixedDuration(t *testing.T) {
	stub := browsersession.NewStubSession()
	r := NewRunner(Config{})
	start := time.Now()
	actions := []Action{{Type: ActionWait, WaitMs: 10}}
	if err := r.Run(context.Background(), stub, actions); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Errorf("wait returned too early")
	}
}

func TestRunBlocksWhilePaused(t *testing.T) {
	stub := browsersession.NewStubSession()
	var ran atomicFlag

	r := NewRunner(Config{})
	r.Paused.Store(true)

	done := make(chan error, 1)
	go func() {
		err := r.Run(context.Background(), stub, []Action{{Type: ActionWait, WaitMs: 1}})
		ran.set()
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Run completed while Paused was true")
	case <-time.After(100 * time.Millisecond):
	}

	r.Paused.Store(false)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not resume after unpausing")
	}
	if !ran.get() {
		t.Fatal("ran flag never set")
	}
}

func TestProgressCallbackInvokedPerStep(t *testing.T) {
	stub := browsersession.NewStubSession()
	var steps []int
	r := NewRunner(Config{Progress: func(step int, action Action, err error) {
		steps = append(steps, step)
	}})

	actions := []Action{
		{Type: ActionWait, WaitMs: 1},
		{Type: ActionWait, WaitMs: 1},
	}
	if err := r.Run(context.Background(), stub, actions); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(steps) != 2 || steps[0] != 0 || steps[1] != 1 {
		t.Errorf("steps = %v, want [0 1]", steps)
	}
}

type atomicFlag struct {
	v bool
}

func (f *atomicFlag) set()      { f.v = true }
func (f *atomicFlag) get() bool { return f.v }
