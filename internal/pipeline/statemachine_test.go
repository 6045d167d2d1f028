package pipeline

import (
	"testing"
	"time"

	"github.com/onionmixer/modembridge/internal/modemerr"
)

func TestHappyPathTraversesAllStates(t *testing.T) {
	now := time.Unix(0, 0)
	sm := NewStateMachine(now)
	path := []SessionState{
		StateInitializing, StateReady, StateConnecting, StateNegotiating,
		StateDataTransfer, StateFlushing, StateShuttingDown, StateTerminated,
	}
	for _, to := range path {
		now = now.Add(time.Second)
		if err := sm.Transition(to, now); err != nil {
			t.Fatalf("transition %v -> %v: %v", sm.Current(), to, err)
		}
	}
	if sm.Current() != StateTerminated {
		t.Fatalf("final state %v, want TERMINATED", sm.Current())
	}
}

func TestInvalidEdgeRefusedWithoutStateChange(t *testing.T) {
	sm := NewStateMachine(time.Unix(0, 0))
	err := sm.Transition(StateDataTransfer, time.Unix(1, 0))
	if err == nil {
		t.Fatal("expected refusal for UNINITIALIZED -> DATA_TRANSFER")
	}
	if modemerr.KindOf(err) != modemerr.InvalidState {
		t.Fatalf("expected INVALID_STATE, got %v", modemerr.KindOf(err))
	}
	if sm.Current() != StateUninitialized {
		t.Fatalf("state changed on refused edge: %v", sm.Current())
	}
}

func TestErrorReachableFromEveryNonTerminalState(t *testing.T) {
	sources := []SessionState{
		StateUninitialized, StateInitializing, StateReady, StateConnecting,
		StateNegotiating, StateDataTransfer, StateFlushing, StateShuttingDown,
	}
	for _, from := range sources {
		if !validTransition(from, StateError) {
			t.Fatalf("ERROR unreachable from %v", from)
		}
	}
	if validTransition(StateTerminated, StateError) {
		t.Fatal("ERROR should not be reachable from TERMINATED")
	}
}

func TestStateTimeouts(t *testing.T) {
	now := time.Unix(0, 0)
	sm := NewStateMachine(now)
	for _, to := range []SessionState{StateInitializing, StateReady, StateConnecting, StateNegotiating} {
		sm.Transition(to, now)
	}

	if sm.CheckTimeout(now.Add(4 * time.Second)) {
		t.Fatal("NEGOTIATING should not time out before 5s")
	}
	if !sm.CheckTimeout(now.Add(6 * time.Second)) {
		t.Fatal("NEGOTIATING should time out after 5s")
	}

	// READY has no timeout at all.
	sm2 := NewStateMachine(now)
	sm2.Transition(StateInitializing, now)
	sm2.Transition(StateReady, now)
	if sm2.CheckTimeout(now.Add(time.Hour)) {
		t.Fatal("READY must never time out")
	}
}

func TestTransitionHistoryCarriesTimestamps(t *testing.T) {
	now := time.Unix(100, 0)
	sm := NewStateMachine(now)
	sm.Transition(StateInitializing, now.Add(time.Second))
	sm.Transition(StateReady, now.Add(2*time.Second))

	if len(sm.history) != 2 {
		t.Fatalf("history length %d, want 2", len(sm.history))
	}
	if sm.history[1].From != StateInitializing || sm.history[1].To != StateReady {
		t.Fatalf("history[1] = %+v", sm.history[1])
	}
	if !sm.history[1].At.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("history timestamp = %v", sm.history[1].At)
	}
}
