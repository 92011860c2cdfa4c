package broker

import (
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerPassesThroughSuccess(t *testing.T) {
	mock := NewMockBroker()
	mock.SetQuote("EURUSD", 1.1000, 1.1002)
	cb := NewCircuitBreakerBroker(mock)

	q, err := cb.GetQuote("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.1000, q.Bid)
	assert.Equal(t, 1.1002, q.Ask)

	bal, err := cb.GetAccountBalance()
	require.NoError(t, err)
	assert.Equal(t, 10000.0, bal)
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	mock := NewMockBroker()
	mock.QuoteErr = ErrBrokerUnavailable
	cb := NewCircuitBreakerBrokerWithSettings(mock, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     0,
		Timeout:      0,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	for i := 0; i < 3; i++ {
		_, err := cb.GetQuote("EURUSD")
		assert.ErrorIs(t, err, ErrBrokerUnavailable)
	}

	// Circuit is now open: calls fail fast without reaching the broker.
	_, err := cb.GetQuote("EURUSD")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestCircuitBreakerIgnoresOrderRejections(t *testing.T) {
	mock := NewMockBroker()
	for i := 0; i < 10; i++ {
		mock.QueueOrderResult(&OrderResult{Success: false, RetCode: RetNoMoney})
	}
	cb := NewCircuitBreakerBrokerWithSettings(mock, CircuitBreakerSettings{
		MaxRequests:  1,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	// Rejections are broker answers and must never trip the breaker.
	for i := 0; i < 10; i++ {
		_, err := cb.PlaceOrder(OrderRequest{Symbol: "EURUSD", Volume: 0.1})
		var rej *RejectError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, RetNoMoney, rej.RetCode)
	}
	assert.Len(t, mock.PlacedOrders, 10)
}
