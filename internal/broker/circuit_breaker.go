package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerGateway wraps a Gateway with circuit breaker protection so
// a flapping broker connection fails fast instead of queueing requests.
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings are the settings used by NewCircuitBreakerGateway.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// execCircuitBreaker is a generic helper for the wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerGateway wraps a gateway with default settings.
func NewCircuitBreakerGateway(gateway Gateway) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerGatewayWithSettings wraps a gateway with custom settings.
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings CircuitBreakerSettings) *CircuitBreakerGateway {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerGateway",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// SubmitOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (string, error) {
		return g.SubmitOrder(ctx, req)
	})
}

// CancelOrder wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelOrder(ctx, orderID)
	})
	return err
}

// OrderStatus wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) OrderStatus(ctx context.Context, orderID string) (*OrderEvent, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderEvent, error) {
		return g.OrderStatus(ctx, orderID)
	})
}

// Positions wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) Positions(ctx context.Context) ([]BrokerPosition, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]BrokerPosition, error) {
		return g.Positions(ctx)
	})
}

// GetQuote wraps the underlying gateway call with the circuit breaker.
func (c *CircuitBreakerGateway) GetQuote(ctx context.Context, instrumentKey string) (Quote, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (Quote, error) {
		return g.GetQuote(ctx, instrumentKey)
	})
}

// Events passes the event stream through untouched: event delivery is the
// broker pushing to us, not a call that can trip the breaker.
func (c *CircuitBreakerGateway) Events() <-chan OrderEvent {
	return c.gateway.Events()
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)
