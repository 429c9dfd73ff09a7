// Package platform implements the REST surface of the API platform: the
// saved-component store (the persistence bridge) and container diagnostics.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"apistudio/internal/domain"
	"apistudio/internal/infra/config"
	"apistudio/internal/infra/tracer"
)

// maxResponseBody bounds REST response reads.
const maxResponseBody = 10 * 1024 * 1024

// Client is the authenticated REST client for the platform.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a platform REST client.
func NewClient(cfg config.PlatformConfig, logger *slog.Logger) *Client {
	timeout := cfg.ConnTimeout + cfg.RespTimeout
	if timeout == 0 {
		timeout = 150 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// --- Saved-component store ---

type loadResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	ComponentID   string `json:"componentId,omitempty"`
	ComponentCode string `json:"componentCode,omitempty"`
	CodeSnapshot  string `json:"codeSnapshot,omitempty"`
	CreatedAt     string `json:"createdAt,omitempty"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

// LoadComponent fetches the active saved component for apiID. Returns
// ErrComponentNotFound when none exists; any other failure is reported as-is
// and the caller falls back to fresh generation either way.
func (c *Client) LoadComponent(ctx context.Context, apiID string) (*domain.SavedComponent, error) {
	ctx, span := tracer.StartSpan(ctx, "platform.load_component",
		trace.WithAttributes(tracer.StringAttr("api.id", apiID)))
	defer span.End()

	body, err := c.doJSON(ctx, http.MethodGet, "/load-test-ui/"+url.PathEscape(apiID), nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp loadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal load response: %w", err)
	}
	if !resp.Success {
		return nil, domain.ErrComponentNotFound
	}

	comp := &domain.SavedComponent{
		ComponentID:  resp.ComponentID,
		APIID:        apiID,
		Code:         resp.ComponentCode,
		CodeSnapshot: resp.CodeSnapshot,
		Active:       true,
	}
	comp.CreatedAt, _ = time.Parse(time.RFC3339, resp.CreatedAt)
	comp.UpdatedAt, _ = time.Parse(time.RFC3339, resp.UpdatedAt)
	tracer.SetOK(span)
	return comp, nil
}

type saveRequest struct {
	APIID         string `json:"apiId"`
	ComponentCode string `json:"componentCode"`
	CodeSnapshot  string `json:"codeSnapshot,omitempty"`
}

type saveResponse struct {
	Success     bool   `json:"success"`
	ComponentID string `json:"componentId"`
}

// SaveComponent stores freshly generated source keyed by apiID and returns
// the storage identifier. A ULID idempotency key rides along so the platform
// can dedupe a retried save.
func (c *Client) SaveComponent(ctx context.Context, apiID, componentCode, codeSnapshot string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "platform.save_component",
		trace.WithAttributes(tracer.StringAttr("api.id", apiID)))
	defer span.End()

	payload, err := json.Marshal(saveRequest{
		APIID:         apiID,
		ComponentCode: componentCode,
		CodeSnapshot:  codeSnapshot,
	})
	if err != nil {
		return "", fmt.Errorf("marshal save request: %w", err)
	}

	body, err := c.doJSONWithHeaders(ctx, http.MethodPost, "/save-test-ui", payload, map[string]string{
		"Idempotency-Key": ulid.Make().String(),
	})
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	var resp saveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal save response: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("platform rejected save for api %s", apiID)
	}
	tracer.SetOK(span)
	return resp.ComponentID, nil
}

type listResponse struct {
	Success    bool                      `json:"success"`
	Components []domain.ComponentSummary `json:"components"`
}

// ListComponents returns all saved harness versions for apiID, newest first.
func (c *Client) ListComponents(ctx context.Context, apiID string) ([]domain.ComponentSummary, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/list-test-ui/"+url.PathEscape(apiID), nil)
	if err != nil {
		return nil, err
	}
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal list response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("platform rejected list for api %s", apiID)
	}
	return resp.Components, nil
}

// ActivateComponent marks a saved version as the active harness for its API.
func (c *Client) ActivateComponent(ctx context.Context, componentID string) error {
	body, err := c.doJSON(ctx, http.MethodPost, "/activate-test-ui/"+url.PathEscape(componentID), nil)
	if err != nil {
		return err
	}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("unmarshal activate response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("platform rejected activation of component %s", componentID)
	}
	return nil
}

// --- Container diagnostics ---

// ContainerLogs fetches the last tail lines of the deployed API's container.
func (c *Client) ContainerLogs(ctx context.Context, apiID string, tail int) (string, error) {
	path := fmt.Sprintf("/container-logs/%s?tail=%d", url.PathEscape(apiID), tail)
	body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Success bool   `json:"success"`
		Logs    string `json:"logs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal logs response: %w", err)
	}
	return resp.Logs, nil
}

// ContainerInfo fetches the container status for the given API.
func (c *Client) ContainerInfo(ctx context.Context, apiID string) (*domain.ContainerStatus, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/container-info/"+url.PathEscape(apiID), nil)
	if err != nil {
		return nil, err
	}
	var status domain.ContainerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("unmarshal container info: %w", err)
	}
	status.APIID = apiID
	return &status, nil
}

// StartContainer starts the deployed API's container.
func (c *Client) StartContainer(ctx context.Context, apiID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/container-start/"+url.PathEscape(apiID), nil)
	return err
}

// StopContainer stops the deployed API's container.
func (c *Client) StopContainer(ctx context.Context, apiID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/container-stop/"+url.PathEscape(apiID), nil)
	return err
}

// --- HTTP plumbing ---

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	return c.doJSONWithHeaders(ctx, method, path, body, nil)
}

func (c *Client) doJSONWithHeaders(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapStatus(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

func mapStatus(statusCode int, body []byte) error {
	detail := fmt.Sprintf("platform error %d: %s", statusCode, string(body))
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrUnavailable, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}
