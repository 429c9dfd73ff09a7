package console

import "apistudio/internal/domain"

// SessionEventMsg wraps a bus event forwarded into the Bubble Tea loop.
type SessionEventMsg struct {
	Event domain.Event
}

// CycleDoneMsg reports that a generation cycle (Open, Generate or Retry)
// returned. Gen tags the user action that started it; stale completions are
// discarded.
type CycleDoneMsg struct {
	Err error
	Gen uint64
}

// RunDoneMsg carries the harness report.
type RunDoneMsg struct {
	Report string
	Err    error
	Gen    uint64
}

// QuitMsg asks the program to exit.
type QuitMsg struct{}
