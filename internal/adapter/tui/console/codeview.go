package console

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// codeView wraps a viewport with smart auto-scroll for the live code pane.
// While the stream appends lines the view follows the bottom; if the user
// scrolls up, following pauses until they return to the bottom.
type codeView struct {
	Viewport viewport.Model
	ready    bool
	atBottom bool
	content  string
}

func newCodeView() codeView {
	return codeView{atBottom: true}
}

// SetSize sets the viewport dimensions; the viewport is created lazily on
// the first WindowSizeMsg.
func (v *codeView) SetSize(w, h int) {
	if !v.ready {
		v.Viewport = viewport.New(w, h)
		v.Viewport.MouseWheelEnabled = true
		v.Viewport.MouseWheelDelta = 3
		v.ready = true
	} else {
		v.Viewport.Width = w
		v.Viewport.Height = h
	}
	v.Viewport.SetContent(v.content)
}

// SetContent replaces the pane content and follows the bottom if the user
// has not scrolled away.
func (v *codeView) SetContent(content string) {
	v.content = content
	if !v.ready {
		return
	}
	v.Viewport.SetContent(content)
	if v.atBottom {
		v.Viewport.GotoBottom()
	}
}

// Reset clears the pane and re-enables follow mode.
func (v *codeView) Reset() {
	v.content = ""
	v.atBottom = true
	if v.ready {
		v.Viewport.SetContent("")
		v.Viewport.GotoTop()
	}
}

func (v codeView) Update(msg tea.Msg) (codeView, tea.Cmd) {
	if !v.ready {
		return v, nil
	}
	var cmd tea.Cmd
	v.Viewport, cmd = v.Viewport.Update(msg)
	v.atBottom = v.Viewport.AtBottom()
	return v, cmd
}

func (v codeView) View() string {
	if !v.ready {
		return "  Initializing..."
	}
	return v.Viewport.View()
}
