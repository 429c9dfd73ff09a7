package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"apistudio/internal/domain"
)

// Styled-text primitives handed to harnesses. Kept separate from the TUI
// theme: a harness renders into its report, not into the application chrome.
var capStyles = map[string]lipgloss.Style{
	"success": lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}).Bold(true),
	"error":   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}).Bold(true),
	"warning": lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}).Bold(true),
	"info":    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}),
	"muted":   lipgloss.NewStyle().Faint(true),
}

var capIcons = map[string]string{
	"check":  "✓",
	"cross":  "✗",
	"warn":   "⚠",
	"arrow":  "→",
	"bullet": "•",
}

// maxHarnessResponse bounds what a harness may read from the API under test.
const maxHarnessResponse = 2 * 1024 * 1024

// NewCapabilities builds the fixed injected surface for one target API.
// This enumerated set is the only containment mechanism; it is not a
// security boundary, and the input is assumed to come from the trusted
// generation service.
func NewCapabilities(baseURL, apiKey string, client *http.Client) domain.Capabilities {
	if client == nil {
		client = http.DefaultClient
	}
	return domain.Capabilities{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Render: func(style, text string) string {
			if s, ok := capStyles[style]; ok {
				return s.Render(text)
			}
			return text
		},
		Icon: func(name string) string {
			return capIcons[name]
		},
		Markdown: func(src string) (string, error) {
			return glamour.Render(src, "auto")
		},
		HTTP: &scopedDoor{
			baseURL: strings.TrimRight(baseURL, "/"),
			apiKey:  apiKey,
			client:  client,
		},
	}
}

// scopedDoor restricts harness HTTP access to the target API's base URL and
// signs each request with the API's access key.
type scopedDoor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ domain.HTTPDoor = (*scopedDoor)(nil)

func (d *scopedDoor) Do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	target, err := d.resolve(path)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.apiKey != "" {
		req.Header.Set("X-API-Key", d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHarnessResponse))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// resolve maps a harness-supplied path onto the base URL. Absolute URLs are
// allowed only when they already point inside the base URL.
func (d *scopedDoor) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if strings.HasPrefix(path, d.baseURL+"/") || path == d.baseURL {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s is outside %s", domain.ErrCapabilityDenied, path, d.baseURL)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return d.baseURL + path, nil
}
