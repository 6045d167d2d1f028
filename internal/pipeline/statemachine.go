package pipeline

import (
	"time"

	"github.com/onionmixer/modembridge/internal/modemerr"
)

// SessionState is the overall session lifecycle.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateReady
	StateConnecting
	StateNegotiating
	StateDataTransfer
	StateFlushing
	StateShuttingDown
	StateTerminated
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateConnecting:
		return "CONNECTING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateDataTransfer:
		return "DATA_TRANSFER"
	case StateFlushing:
		return "FLUSHING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateTerminated:
		return "TERMINATED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// transitionMatrix lists every edge the session lifecycle allows.
// ERROR is reachable from any non-terminal state; it is handled specially
// in validTransition rather than listed here for every source.
var transitionMatrix = map[SessionState][]SessionState{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateReady},
	StateReady:         {StateConnecting},
	StateConnecting:    {StateNegotiating},
	StateNegotiating:   {StateDataTransfer},
	StateDataTransfer:  {StateFlushing},
	StateFlushing:      {StateShuttingDown},
	StateShuttingDown:  {StateTerminated},
}

// stateTimeout is the per-state upper bound; zero means no
// timeout (READY waits indefinitely for a call).
var stateTimeout = map[SessionState]time.Duration{
	StateConnecting: 0, // driven by S7 register, resolved by the caller
	StateNegotiating: 5 * time.Second,
	StateFlushing:    2 * time.Second,
}

// Transition holds a validated state change with its timestamp.
type Transition struct {
	From SessionState
	To   SessionState
	At   time.Time
}

// StateMachine enforces the fixed reachability matrix: disallowed edges are
// refused with an INVALID_STATE error rather than applied: an invalid
// request emits an error event, not a crash.
type StateMachine struct {
	current SessionState
	since   time.Time
	history []Transition
}

// NewStateMachine starts in UNINITIALIZED.
func NewStateMachine(now time.Time) *StateMachine {
	return &StateMachine{current: StateUninitialized, since: now}
}

func (sm *StateMachine) Current() SessionState { return sm.current }

// Since returns when the current state was entered, for timeout checks.
func (sm *StateMachine) Since() time.Time { return sm.since }

func validTransition(from, to SessionState) bool {
	if to == StateError && from != StateTerminated {
		return true
	}
	for _, allowed := range transitionMatrix[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition attempts to move to `to`. On success it records the timestamp
// and returns nil; on an invalid edge it returns an INVALID_STATE error and
// leaves the machine in its current state.
func (sm *StateMachine) Transition(to SessionState, now time.Time) error {
	if !validTransition(sm.current, to) {
		return modemerr.New(modemerr.InvalidState)
	}
	sm.history = append(sm.history, Transition{From: sm.current, To: to, At: now})
	sm.current = to
	sm.since = now
	return nil
}

// CheckTimeout reports whether the current state has exceeded its bound as
// of now; the caller is responsible for then calling Transition(StateError, ...).
func (sm *StateMachine) CheckTimeout(now time.Time) bool {
	limit, ok := stateTimeout[sm.current]
	if !ok || limit == 0 {
		return false
	}
	return now.Sub(sm.since) > limit
}
