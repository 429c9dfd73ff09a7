package console

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// cycleCmd runs one blocking session action (Open, Generate, Retry) in a
// background goroutine. gen identifies the user action so completions of
// cancelled cycles can be discarded.
func cycleCmd(ctx context.Context, action func(context.Context) error, gen uint64) tea.Cmd {
	return func() tea.Msg {
		err := action(ctx)
		return CycleDoneMsg{Err: err, Gen: gen}
	}
}

// runHarnessCmd executes the compiled harness.
func runHarnessCmd(ctx context.Context, run func(context.Context) (string, error), gen uint64) tea.Cmd {
	return func() tea.Msg {
		report, err := run(ctx)
		return RunDoneMsg{Report: report, Err: err, Gen: gen}
	}
}
