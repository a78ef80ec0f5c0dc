package event

// TaskState classifies the lifecycle stage of a task. States form a total
// order of lifecycle progress, not of time: a later event may report an
// earlier stage and be rejected by the merge logic.
type TaskState string

const (
	// StatePending indicates the task is waiting for execution
	// (default initial state).
	StatePending TaskState = "PENDING"

	// StateReceived indicates the task was received by a worker.
	StateReceived TaskState = "RECEIVED"

	// StateStarted indicates task execution has begun.
	StateStarted TaskState = "STARTED"

	// StateSuccess indicates the task completed successfully (terminal).
	StateSuccess TaskState = "SUCCESS"

	// StateFailure indicates the task raised an error (terminal unless
	// followed by a retry).
	StateFailure TaskState = "FAILURE"

	// StateRevoked indicates the task was revoked/cancelled (terminal).
	StateRevoked TaskState = "REVOKED"

	// StateRejected indicates the task was rejected by a worker (terminal).
	StateRejected TaskState = "REJECTED"

	// StateRetry indicates the task is being retried; applying it returns
	// the task to StatePending with an incremented retry count.
	StateRetry TaskState = "RETRY"
)

// String returns the string representation of the state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal reports whether the state is a final lifecycle stage.
// FAILURE is terminal here in the sense that only a retry can leave it.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known task states.
func (s TaskState) IsValid() bool {
	switch s {
	case StatePending, StateReceived, StateStarted, StateSuccess,
		StateFailure, StateRevoked, StateRejected, StateRetry:
		return true
	default:
		return false
	}
}

// Transitions maps each state to the set of states reachable from it.
// A single table instance is shared by every node of a graph; callers that
// need different semantics pass their own table to the graph.
type Transitions map[TaskState][]TaskState

// DefaultTransitions returns the standard lifecycle transition table:
//
//	PENDING  -> RECEIVED, STARTED, REVOKED
//	RECEIVED -> STARTED, SUCCESS, FAILURE, RETRY, REVOKED, REJECTED
//	STARTED  -> SUCCESS, FAILURE, RETRY, REVOKED
//	FAILURE  -> RETRY
//
// SUCCESS, REVOKED, and REJECTED are absorbing. A terminal result directly
// after PENDING (worker start never observed) is not reachable and is
// rejected as an invalid transition. RECEIVED may jump straight to a
// terminal state because the STARTED event can be lost within the
// transport's reorder window.
func DefaultTransitions() Transitions {
	return Transitions{
		StatePending:  {StateReceived, StateStarted, StateRevoked},
		StateReceived: {StateStarted, StateSuccess, StateFailure, StateRetry, StateRevoked, StateRejected},
		StateStarted:  {StateSuccess, StateFailure, StateRetry, StateRevoked},
		StateFailure:  {StateRetry},
	}
}

// Allows reports whether the table permits moving from one state to another.
func (t Transitions) Allows(from, to TaskState) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}
