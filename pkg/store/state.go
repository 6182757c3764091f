package store

// State is the lifecycle state of a Run.
type State string

// Run states.
const (
	// StatePaused is idle and eligible for processing.
	StatePaused State = "paused"
	// StateRunning is exclusively leased by one iteration.
	StateRunning State = "running"
	// StateCompleted means the policy signalled the scenario is finished.
	StateCompleted State = "completed"
	// StateImpersonatorFailed is an unrecoverable iteration failure.
	StateImpersonatorFailed State = "impersonator_failed"
	// StateTimedOut is set by the watchdog once the time budget is spent.
	StateTimedOut State = "timed_out"
)

// AllStates lists every run state.
var AllStates = []State{
	StatePaused,
	StateRunning,
	StateCompleted,
	StateImpersonatorFailed,
	StateTimedOut,
}

// nonTerminalStates are the only states a guarded update may start from.
var nonTerminalStates = []State{StatePaused, StateRunning}

// terminalStates never transition further.
var terminalStates = []State{StateCompleted, StateImpersonatorFailed, StateTimedOut}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateImpersonatorFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}

	return false
}

// CanTransition reports whether from -> to is a legal transition. The
// paused -> running edge exists only through ClaimRun.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}

	switch to {
	case StateRunning:
		return from == StatePaused
	case StatePaused:
		return from == StateRunning
	case StateCompleted, StateImpersonatorFailed:
		return from == StateRunning
	case StateTimedOut:
		return from == StatePaused || from == StateRunning
	default:
		return false
	}
}

// sourcesFor returns the states a guarded UPDATE to "to" may match.
func sourcesFor(to State) []State {
	sources := make([]State, 0, len(nonTerminalStates))

	for _, from := range nonTerminalStates {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}

	return sources
}
