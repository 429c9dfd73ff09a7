// Package console is the Bubble Tea UI for a generation session: a live
// code pane fed by the stream, a status bar tracking the retry controller's
// phase, and a report pane for harness runs.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"apistudio/internal/adapter/tui/theme"
	"apistudio/internal/domain"
)

// SessionDriver is the slice of the session the console drives. Satisfied by
// *usecase.Session.
type SessionDriver interface {
	Open(ctx context.Context) error
	Generate(ctx context.Context) error
	Retry(ctx context.Context) error
	RunHarness(ctx context.Context) (string, error)
	SetAutoRetry(on bool)
	State() domain.SessionState
}

// ModelDeps are the dependencies injected into the console model.
type ModelDeps struct {
	Session SessionDriver
	APIName string
	Logger  *slog.Logger
}

// Model is the root Bubble Tea model.
type Model struct {
	deps ModelDeps

	code    codeView
	report  codeView
	spinner spinner.Model

	// Mirrored session state, updated from bus events.
	phase     domain.Phase
	attempt   int
	autoRetry bool
	lastError string
	streaming bool
	lines     int
	savedID   string
	fromSaved bool

	reportText string
	running    bool
	busy       bool

	// gen is bumped on every user action; stale CycleDoneMsg/RunDoneMsg are
	// discarded.
	gen      uint64
	cancelFn context.CancelFunc

	width    int
	height   int
	quitting bool
}

// NewModel creates the console model. The session's Open runs as the first
// command, so the saved component (when one exists) appears before any
// generation starts.
func NewModel(deps ModelDeps) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.ColorInfo)

	st := deps.Session.State()
	return Model{
		deps:      deps,
		code:      newCodeView(),
		report:    newCodeView(),
		spinner:   s,
		phase:     st.Phase,
		autoRetry: st.AutoRetry,
	}
}

// Init starts the spinner and opens the session.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.startCycle(m.deps.Session.Open),
	)
}

// startCycle cancels any in-flight action and launches a new one.
func (m *Model) startCycle(action func(context.Context) error) tea.Cmd {
	if m.cancelFn != nil {
		m.cancelFn()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFn = cancel
	m.gen++
	m.busy = true
	m.reportText = ""
	return cycleCmd(ctx, action, m.gen)
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case SessionEventMsg:
		m.applyEvent(msg.Event)
		return m, nil

	case CycleDoneMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.busy = false
		m.syncState()
		// The session snapshot is authoritative once the cycle settles; any
		// event still queued must not win over the finalized source.
		if src := m.deps.Session.State().DisplaySource(); src != "" {
			m.lines = strings.Count(src, "\n") + 1
			m.code.SetContent(src)
		}
		return m, nil

	case RunDoneMsg:
		if msg.Gen != m.gen {
			return m, nil
		}
		m.running = false
		if msg.Err != nil {
			m.reportText = theme.TextError.Render(theme.SymbolError+" harness failed: ") + msg.Err.Error()
		} else {
			m.reportText = msg.Report
		}
		m.report.Reset()
		m.report.SetContent(m.reportText)
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.code, cmd = m.code.Update(msg)
	cmds = append(cmds, cmd)
	if m.reportText != "" {
		m.report, cmd = m.report.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// handleKey processes keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.cancelFn != nil {
			m.cancelFn()
		}
		m.quitting = true
		return m, tea.Quit

	case "g":
		m.code.Reset()
		return m, m.startCycle(m.deps.Session.Generate)

	case "r":
		if m.phase == domain.PhaseTerminalFailure {
			m.code.Reset()
			return m, m.startCycle(m.deps.Session.Retry)
		}
		return m, nil

	case "a":
		m.autoRetry = !m.autoRetry
		m.deps.Session.SetAutoRetry(m.autoRetry)
		return m, nil

	case "enter", "x":
		if m.phase == domain.PhaseCompiledOK && !m.running && !m.busy {
			m.running = true
			ctx, cancel := context.WithCancel(context.Background())
			if m.cancelFn != nil {
				m.cancelFn()
			}
			m.cancelFn = cancel
			m.gen++
			return m, runHarnessCmd(ctx, m.deps.Session.RunHarness, m.gen)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.code, cmd = m.code.Update(msg)
	return m, cmd
}

// applyEvent folds one bus event into the mirrored UI state.
func (m *Model) applyEvent(event domain.Event) {
	switch event.Type {
	case domain.EventStreamStarted:
		m.streaming = true

	case domain.EventStreamDelta:
		var p domain.StreamDeltaPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return
		}
		m.lines = p.Lines
		m.code.SetContent(p.Accumulated)

	case domain.EventStreamCompleted:
		var p domain.StreamCompletedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return
		}
		m.streaming = false
		m.lines = strings.Count(p.Source, "\n") + 1
		m.code.SetContent(p.Source)

	case domain.EventStreamFailed:
		m.streaming = false

	case domain.EventSessionPhase:
		var p domain.PhasePayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return
		}
		m.phase = p.Phase
		m.attempt = p.Attempt
		if p.Error != "" {
			m.lastError = p.Error
		}
		if p.Phase == domain.PhaseRequesting {
			m.code.Reset()
			m.lines = 0
		}

	case domain.EventComponentLoaded:
		m.syncState()
		m.code.SetContent(m.deps.Session.State().DisplaySource())

	case domain.EventComponentSaved:
		var p map[string]string
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return
		}
		m.savedID = p["component_id"]
	}
}

// syncState refreshes the mirror from the session snapshot.
func (m *Model) syncState() {
	st := m.deps.Session.State()
	m.phase = st.Phase
	m.attempt = st.Attempt
	m.autoRetry = st.AutoRetry
	m.lastError = st.LastError
	m.streaming = st.Streaming
	m.fromSaved = st.LoadedFromSaved
	if st.ComponentID != "" {
		m.savedID = st.ComponentID
	}
}

// View renders the console.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 {
		return "  Initializing..."
	}

	title := theme.PaneTitle.Render(m.deps.APIName) + " " + m.phaseBadge()

	codePane := theme.PaneBorder.Width(m.width - 2).Render(m.code.View())

	parts := []string{title, codePane}
	if m.phase == domain.PhaseTerminalFailure {
		parts = append(parts, m.failureView())
	}
	if m.reportText != "" {
		reportPane := theme.PaneBorderActive.Width(m.width - 2).Render(m.report.View())
		parts = append(parts, theme.PaneTitle.Render("Report"), reportPane)
	}
	parts = append(parts, m.statusBar())

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// phaseBadge renders the retry controller's phase as a colored badge.
func (m Model) phaseBadge() string {
	switch m.phase {
	case domain.PhaseRequesting:
		return theme.BadgeBusy.Render("REQUESTING") + " " + m.spinner.View()
	case domain.PhaseAwaitingStream:
		label := fmt.Sprintf("STREAMING %d lines", m.lines)
		return theme.BadgeBusy.Render(label) + " " + m.spinner.View()
	case domain.PhaseCompiledOK:
		badge := theme.BadgeOK.Render(theme.SymbolSuccess + " READY")
		if m.fromSaved {
			badge += " " + theme.TextMuted.Render("(saved)")
		}
		return badge
	case domain.PhaseRetrying:
		label := fmt.Sprintf("RETRY %d/%d", m.attempt, domain.DefaultRetryBudget)
		return theme.BadgeRetry.Render(label) + " " + m.spinner.View()
	case domain.PhaseTerminalFailure:
		return theme.BadgeFail.Render(theme.SymbolError + " FAILED")
	default:
		return theme.TextMuted.Render("idle")
	}
}

// failureView is the terminal-failure screen: the last error plus the manual
// recovery actions.
func (m Model) failureView() string {
	var b strings.Builder
	b.WriteString(theme.TextError.Render(theme.SymbolError+" Generation failed") + "\n")
	if m.lastError != "" {
		b.WriteString(theme.TextMuted.Render(truncate(m.lastError, 500)) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(theme.StatusKey.Render("r") + " retry  ")
	b.WriteString(theme.StatusKey.Render("g") + " regenerate  ")
	b.WriteString(theme.StatusKey.Render("a") + " auto-retry: " + onOff(m.autoRetry))
	return theme.PaneBorder.Width(m.width - 2).Render(b.String())
}

func (m Model) statusBar() string {
	hints := []string{
		theme.StatusKey.Render("g") + " regenerate",
		theme.StatusKey.Render("a") + " auto-retry: " + onOff(m.autoRetry),
	}
	if m.phase == domain.PhaseCompiledOK {
		hints = append(hints, theme.StatusKey.Render("enter")+" run")
	}
	if m.phase == domain.PhaseTerminalFailure {
		hints = append(hints, theme.StatusKey.Render("r")+" retry")
	}
	hints = append(hints, theme.StatusKey.Render("q")+" quit")

	left := strings.Join(hints, "  ")
	if m.savedID != "" {
		left += "  " + theme.TextMuted.Render("saved "+theme.SymbolArrowR+" "+m.savedID)
	}
	return theme.StatusBar.Width(m.width).Render(left)
}

// layout recalculates pane sizes.
func (m *Model) layout() {
	titleH := 1
	statusH := 1
	borders := 2

	codeH := m.height - titleH - statusH - borders
	if m.reportText != "" {
		codeH = codeH / 2
	}
	if m.phase == domain.PhaseTerminalFailure {
		codeH -= 6
	}
	codeH = theme.Clamp(codeH, 5, m.height)

	m.code.SetSize(m.width-4, codeH)
	if m.reportText != "" {
		m.report.SetSize(m.width-4, codeH)
	}
}

func onOff(b bool) string {
	if b {
		return theme.TextSuccess.Render("on")
	}
	return theme.TextMuted.Render("off")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + theme.SymbolEllipsis
}
