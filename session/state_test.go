package session

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	path := []State{
		StateInit, StateLoadingState, StateBrowserStarting, StateRecorderAttaching,
		StateStreaming, StateWorkflowRunning, StateStreaming, StateFinalizing, StateEnded,
	}
	for i := 0; i < len(path)-1; i++ {
		if !canTransition(path[i], path[i+1]) {
			t.Errorf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestCanTransitionRejectsSkippingStages(t *testing.T) {
	if canTransition(StateInit, StateStreaming) {
		t.Error("INIT -> STREAMING should be illegal")
	}
}

func TestCanTransitionToFailedFromAnyNonTerminalState(t *testing.T) {
	for _, s := range []State{
		StateInit, StateLoadingState, StateBrowserStarting, StateRecorderAttaching,
		StateStreaming, StateWorkflowRunning, StateFinalizing,
	} {
		if !canTransition(s, StateFailed) {
			t.Errorf("expected %s -> FAILED to be legal", s)
		}
	}
}

func TestTerminalStatesRejectAnyTransition(t *testing.T) {
	if canTransition(StateEnded, StateFailed) {
		t.Error("ENDED should accept no further transitions")
	}
	if canTransition(StateFailed, StateInit) {
		t.Error("FAILED should accept no further transitions")
	}
}
