package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mwalcott/triarb/internal/models"
)

// MockBroker is a scriptable in-memory broker for tests. Quotes, bars and
// positions are seeded by the test; order results are consumed FIFO from a
// queue so multi-leg sequences can be scripted precisely.
type MockBroker struct {
	mu sync.Mutex

	Quotes    map[string]*models.Quote
	Bars      map[string][]Bar // keyed "SYMBOL/TF"
	Positions []Position

	Balance    float64
	Equity     float64
	FreeMargin float64

	// OrderResults are returned in order by PlaceOrder; when exhausted,
	// orders succeed with auto-assigned tickets.
	OrderResults []*OrderResult
	CloseResults map[int64]*CloseResult

	PlacedOrders  []OrderRequest
	ClosedTickets []int64

	ConnectErr   error
	QuoteErr     error
	HistoryErr   error
	PositionsErr error
	AccountErr   error
	OrderErr     error
	CloseErr     error

	nextTicket int64
}

// NewMockBroker creates an empty mock with a healthy account.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		Quotes:       make(map[string]*models.Quote),
		Bars:         make(map[string][]Bar),
		CloseResults: make(map[int64]*CloseResult),
		Balance:      10000,
		Equity:       10000,
		FreeMargin:   10000,
		nextTicket:   1000,
	}
}

var _ Broker = (*MockBroker)(nil)

// SetQuote seeds a bid/ask pair for a symbol.
func (m *MockBroker) SetQuote(symbol string, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Quotes[symbol] = &models.Quote{Bid: bid, Ask: ask, Time: time.Now().UTC()}
}

// SetBars seeds history for a symbol/timeframe.
func (m *MockBroker) SetBars(symbol string, tf Timeframe, bars []Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bars[symbol+"/"+string(tf)] = bars
}

// QueueOrderResult appends a scripted PlaceOrder outcome.
func (m *MockBroker) QueueOrderResult(r *OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrderResults = append(m.OrderResults, r)
}

func (m *MockBroker) Connect(_ context.Context) error { return m.ConnectErr }

func (m *MockBroker) GetAvailablePairs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuoteErr != nil {
		return nil, m.QuoteErr
	}
	symbols := make([]string, 0, len(m.Quotes))
	for s := range m.Quotes {
		symbols = append(symbols, s)
	}
	return symbols, nil
}

func (m *MockBroker) GetQuote(symbol string) (*models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QuoteErr != nil {
		return nil, m.QuoteErr
	}
	q, ok := m.Quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	cp := *q
	return &cp, nil
}

func (m *MockBroker) GetCurrentPrice(symbol string) (float64, error) {
	q, err := m.GetQuote(symbol)
	if err != nil {
		return 0, err
	}
	return q.Bid, nil
}

func (m *MockBroker) GetSpread(symbol string) (float64, error) {
	q, err := m.GetQuote(symbol)
	if err != nil {
		return 0, err
	}
	return q.SpreadPips(models.Pair(symbol)), nil
}

func (m *MockBroker) GetHistory(symbol string, tf Timeframe, count int) ([]Bar, error) {
	return m.GetHistoryCtx(context.Background(), symbol, tf, count)
}

func (m *MockBroker) GetHistoryCtx(_ context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	bars := m.Bars[symbol+"/"+string(tf)]
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (m *MockBroker) GetAccountBalance() (float64, error) {
	if m.AccountErr != nil {
		return 0, m.AccountErr
	}
	return m.Balance, nil
}

func (m *MockBroker) GetAccountEquity() (float64, error) {
	if m.AccountErr != nil {
		return 0, m.AccountErr
	}
	return m.Equity, nil
}

func (m *MockBroker) GetFreeMargin() (float64, error) {
	if m.AccountErr != nil {
		return 0, m.AccountErr
	}
	return m.FreeMargin, nil
}

func (m *MockBroker) GetAllPositions() ([]Position, error) {
	return m.GetAllPositionsCtx(context.Background())
}

func (m *MockBroker) GetAllPositionsCtx(_ context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockBroker) PlaceOrder(req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	m.PlacedOrders = append(m.PlacedOrders, req)

	var result *OrderResult
	if len(m.OrderResults) > 0 {
		result = m.OrderResults[0]
		m.OrderResults = m.OrderResults[1:]
	} else {
		m.nextTicket++
		result = &OrderResult{Success: true, Ticket: m.nextTicket, RetCode: RetDone, Price: 1.0}
	}
	if result.Success {
		m.Positions = append(m.Positions, Position{
			Ticket:    result.Ticket,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Volume:    req.Volume,
			OpenPrice: result.Price,
			OpenTime:  time.Now().UTC(),
			Magic:     req.Magic,
			Comment:   req.Comment,
		})
		return result, nil
	}
	return result, &RejectError{RetCode: result.RetCode, Message: result.Message}
}

func (m *MockBroker) ClosePosition(ticket int64) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CloseErr != nil {
		return nil, m.CloseErr
	}
	m.ClosedTickets = append(m.ClosedTickets, ticket)

	if r, ok := m.CloseResults[ticket]; ok {
		if !r.Success {
			return r, &RejectError{RetCode: r.RetCode, Message: r.Message}
		}
		m.removePosition(ticket)
		return r, nil
	}
	var pnl float64
	for _, p := range m.Positions {
		if p.Ticket == ticket {
			pnl = p.Profit
		}
	}
	m.removePosition(ticket)
	return &CloseResult{Success: true, RetCode: RetDone, RealizedPnL: pnl}, nil
}

func (m *MockBroker) removePosition(ticket int64) {
	kept := m.Positions[:0]
	for _, p := range m.Positions {
		if p.Ticket != ticket {
			kept = append(kept, p)
		}
	}
	m.Positions = kept
}
