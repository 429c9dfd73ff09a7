package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"apistudio/internal/domain"
	"apistudio/internal/infra/config"
	"apistudio/internal/infra/tracer"
)

// StreamOpener opens one generation stream per call. Satisfied by *Client
// and by the circuit-breaker decorator.
type StreamOpener interface {
	GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamEvent, error)
}

// Client talks to the platform's streaming generation endpoint.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

var _ StreamOpener = (*Client)(nil)

// NewClient creates a generation client from platform settings.
func NewClient(cfg config.PlatformConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  newHTTPClient(cfg),
		logger:  logger,
	}
}

// newHTTPClient builds a pooled HTTP client sized for one long-lived stream
// plus a handful of REST calls against a single host.
func newHTTPClient(cfg config.PlatformConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = 30 * time.Second
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = 120 * time.Second
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: respTimeout,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   5,
			IdleConnTimeout:       120 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		// No overall client timeout: the stream stays open as long as the
		// generator keeps producing. Cancellation comes from ctx.
	}
}

// GenerateStream opens the streaming POST and returns the decoded event
// sequence. The channel closes on terminal event, EOF or ctx cancellation.
func (c *Client) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "generator.stream",
		trace.WithAttributes(
			tracer.StringAttr("api.id", req.APIID),
			tracer.IntAttr("retry.attempt", req.RetryAttempt),
		),
	)

	body, err := json.Marshal(req)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := c.doStreamRequest(ctx, c.baseURL+"/generate-test-ui-stream", body)
	if err != nil {
		tracer.RecordError(span, err)
		span.End()
		return nil, err
	}

	c.logger.Debug("generation stream opened",
		"api_id", req.APIID,
		"retry_attempt", req.RetryAttempt,
	)
	span.End()

	return parseEventStream(ctx, httpResp.Body, c.logger), nil
}

// doStreamRequest performs the JSON POST for SSE streaming and returns the
// open response. Non-200 responses become classified domain errors.
func (c *Client) doStreamRequest(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}
	return httpResp, nil
}

// mapHTTPError maps an HTTP status code and response body to a domain error
// so the retry controller can classify the failure.
func mapHTTPError(statusCode int, body []byte) error {
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
