package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mwalcott/triarb/internal/models"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// dead bridge fails fast instead of stalling every coordinator tick.
type CircuitBreakerBroker struct {
	broker  Broker
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

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
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

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
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
		IsSuccessful: func(err error) bool {
			// Rejected orders are broker answers, not broker outages.
			var rej *RejectError
			return err == nil || errors.As(err, &rej)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// Connect wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Connect(ctx)
	})
	return err
}

// GetAvailablePairs wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAvailablePairs() ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) { return b.GetAvailablePairs() })
}

// GetQuote wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetQuote(symbol string) (*models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.Quote, error) { return b.GetQuote(symbol) })
}

// GetCurrentPrice wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetCurrentPrice(symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetCurrentPrice(symbol) })
}

// GetSpread wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetSpread(symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetSpread(symbol) })
}

// GetHistory wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetHistory(symbol string, tf Timeframe, count int) ([]Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Bar, error) {
		return b.GetHistory(symbol, tf, count)
	})
}

// GetHistoryCtx wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetHistoryCtx(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Bar, error) {
		return b.GetHistoryCtx(ctx, symbol, tf, count)
	})
}

// GetAccountBalance wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAccountBalance() (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetAccountBalance() })
}

// GetAccountEquity wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAccountEquity() (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetAccountEquity() })
}

// GetFreeMargin wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetFreeMargin() (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetFreeMargin() })
}

// GetAllPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAllPositions() ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) { return b.GetAllPositions() })
}

// GetAllPositionsCtx wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAllPositionsCtx(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) { return b.GetAllPositionsCtx(ctx) })
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(req OrderRequest) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResult, error) { return b.PlaceOrder(req) })
}

// ClosePosition wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ClosePosition(ticket int64) (*CloseResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*CloseResult, error) { return b.ClosePosition(ticket) })
}
