package console

import (
	"context"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"apistudio/internal/domain"
)

// Console owns the Bubble Tea program and bridges session events from the
// bus into the update loop.
type Console struct {
	logger  *slog.Logger
	program *tea.Program
	bus     domain.EventBus
}

// NewConsole creates the console shell. bus may be nil; the UI then relies
// on state snapshots alone.
func NewConsole(bus domain.EventBus, logger *slog.Logger) *Console {
	return &Console{bus: bus, logger: logger}
}

// Start creates the program and blocks until it exits.
func (c *Console) Start(ctx context.Context, session SessionDriver, apiName string) error {
	model := NewModel(ModelDeps{
		Session: session,
		APIName: apiName,
		Logger:  c.logger,
	})

	c.program = tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	// Forward session events into the update loop. Send is safe from any
	// goroutine, which is exactly what the bus's dispatch model needs.
	if c.bus != nil {
		unsub := c.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
			c.program.Send(SessionEventMsg{Event: event})
		})
		defer unsub()
	}

	go func() {
		<-ctx.Done()
		if c.program != nil {
			c.program.Send(QuitMsg{})
		}
	}()

	_, err := c.program.Run()
	return err
}

// Stop signals the program to quit.
func (c *Console) Stop() {
	if c.program != nil {
		c.program.Send(QuitMsg{})
	}
}
