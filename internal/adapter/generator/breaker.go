package generator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"apistudio/internal/domain"
)

// Circuit breaker defaults. The breaker sits underneath the retry
// controller: when the platform is down, repeated retry cycles fail fast
// instead of piling half-open connections on a struggling service.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerClient wraps a StreamOpener with circuit breaker protection.
// Only stream *opening* is protected; errors mid-stream do not trip the
// breaker (they arrive through the event channel).
type BreakerClient struct {
	inner   StreamOpener
	breaker *gobreaker.CircuitBreaker[<-chan domain.StreamEvent]
	logger  *slog.Logger
}

var _ StreamOpener = (*BreakerClient)(nil)

// NewBreakerClient wraps inner with a circuit breaker.
func NewBreakerClient(inner StreamOpener, logger *slog.Logger) *BreakerClient {
	cb := gobreaker.NewCircuitBreaker[<-chan domain.StreamEvent](gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1, // one probe in half-open state
		Interval:    defaultCBInterval,
		Timeout:     defaultCBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultCBMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &BreakerClient{inner: inner, breaker: cb, logger: logger}
}

// GenerateStream implements StreamOpener through the breaker.
func (b *BreakerClient) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamEvent, error) {
	ch, err := b.breaker.Execute(func() (<-chan domain.StreamEvent, error) {
		return b.inner.GenerateStream(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: generator circuit open: %v", domain.ErrUnavailable, err)
		}
		return nil, err
	}
	return ch, nil
}

// State returns the current breaker state for the status line.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}
