package domain

import "time"

// Phase is the retry controller's state. Transitions are owned exclusively
// by the session; everything else observes phases through events.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseRequesting      Phase = "requesting"
	PhaseAwaitingStream  Phase = "awaiting-stream-completion"
	PhaseCompiledOK      Phase = "compiled-ok"
	PhaseRetrying        Phase = "compile-failed-retrying"
	PhaseTerminalFailure Phase = "compile-failed-terminal"
)

// Retry controller defaults. The budget counts automatic retries, not total
// generation calls: budget 3 means at most 4 calls per user action.
const (
	DefaultRetryBudget = 3
	DefaultRetryDelay  = 1500 * time.Millisecond
)

// SessionState is a snapshot of one API's generation session. At most one of
// Finalized being non-empty and Streaming being true drives the displayed
// view; the session never reports both.
type SessionState struct {
	APIID       string
	Phase       Phase
	Accumulated string
	Finalized   string
	Streaming   bool
	LastError   string
	// Attempt is the count of automatic retries performed in the current
	// cycle. Monotonic within a cycle; reset to zero only by an explicit
	// regenerate.
	Attempt int
	// AutoRetry mirrors the user toggle.
	AutoRetry bool
	// LoadedFromSaved is set when the finalized source came from the
	// persistence bridge rather than a generation stream.
	LoadedFromSaved bool
	// ComponentID is the storage identifier returned by the last successful
	// save or load, if any.
	ComponentID string
}

// DisplaySource returns the text the live display should render: finalized
// wins once present, otherwise the accumulating buffer.
func (s SessionState) DisplaySource() string {
	if s.Finalized != "" {
		return s.Finalized
	}
	return s.Accumulated
}
