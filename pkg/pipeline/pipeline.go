// Package pipeline defines the contract the watchdog needs from a
// supervised dataflow pipeline: state control, stream position, and an
// event bus. The pipeline itself is owned by the caller; the watchdog
// only ever holds a non-owning Ref to it.
package pipeline

import "time"

// State is the lifecycle state of a pipeline
type State string

const (
	StateNull    State = "null"    // Pipeline exists but holds no resources
	StateReady   State = "ready"   // Resources allocated, not processing
	StatePaused  State = "paused"  // Processing suspended
	StatePlaying State = "playing" // Actively processing the stream
)

// EventType classifies bus events
type EventType int

const (
	EventOther EventType = iota // Diagnostic or unclassified message
	EventEOS                    // End of stream reached
	EventError                  // Pipeline reported an error
	EventStateChanged           // An element changed state
)

func (t EventType) String() string {
	switch t {
	case EventEOS:
		return "eos"
	case EventError:
		return "error"
	case EventStateChanged:
		return "state-changed"
	default:
		return "other"
	}
}

// Event is one message popped from the pipeline bus
type Event struct {
	Type    EventType
	Detail  string // error context, set for EventError
	Old     State  // set for EventStateChanged
	New     State  // set for EventStateChanged
	Pending State  // set for EventStateChanged
}

// Pipeline is the supervised collaborator. Implementations must tolerate
// concurrent calls from the watchdog and the owning caller.
type Pipeline interface {
	// CurrentState returns the pipeline's current lifecycle state.
	CurrentState() State

	// SetState requests a transition to the given state. An error means
	// the request itself could not be issued, not that the transition is
	// still in progress.
	SetState(s State) error

	// WaitForState polls until the pipeline reaches the given state,
	// checking every pollInterval for at most retries attempts.
	WaitForState(s State, pollInterval time.Duration, retries int) error

	// QueryPosition reports the current stream position. The second
	// return is false when no position is known (e.g. before preroll).
	QueryPosition() (time.Duration, bool)

	// BusPop pops the next pending bus event, waiting up to timeout for
	// one to arrive. The second return is false when nothing was pending
	// within the wait.
	BusPop(timeout time.Duration) (Event, bool)

	// SendEOS asks the pipeline to wind down gracefully. Best effort:
	// completion is reported through the bus, not the call.
	SendEOS()
}
