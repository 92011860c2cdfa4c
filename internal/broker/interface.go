// Package broker defines the gateway to the MT5 terminal and its wrappers.
package broker

import (
	"context"
	"time"

	"github.com/mwalcott/triarb/internal/models"
)

// Timeframe identifies a bar aggregation period supported by the terminal.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Bar is a single OHLC candle with tick volume.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Position is a live position as enumerated by the terminal.
type Position struct {
	Ticket       int64       `json:"ticket"`
	Symbol       string      `json:"symbol"`
	Side         models.Side `json:"type"`
	Volume       float64     `json:"volume"`
	OpenPrice    float64     `json:"price"`
	CurrentPrice float64     `json:"current_price"`
	StopLoss     float64     `json:"sl"`
	TakeProfit   float64     `json:"tp"`
	Profit       float64     `json:"profit"`
	Swap         float64     `json:"swap"`
	OpenTime     time.Time   `json:"time"`
	Magic        int64       `json:"magic"`
	Comment      string      `json:"comment"`
}

// OrderRequest describes one market order to place.
type OrderRequest struct {
	Symbol     string      `json:"symbol"`
	Side       models.Side `json:"side"`
	Volume     float64     `json:"volume"`
	Price      float64     `json:"price,omitempty"`
	StopLoss   float64     `json:"sl,omitempty"`
	TakeProfit float64     `json:"tp,omitempty"`
	Comment    string      `json:"comment,omitempty"`
	Magic      int64       `json:"magic,omitempty"`
}

// OrderResult is the terminal's response to an order request. Success is
// equivalent to RetCode == RetDone.
type OrderResult struct {
	Success bool    `json:"success"`
	Ticket  int64   `json:"ticket,omitempty"`
	RetCode int     `json:"retcode,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Message string  `json:"message,omitempty"`
}

// CloseResult reports the outcome of closing a position.
type CloseResult struct {
	Success     bool    `json:"success"`
	RetCode     int     `json:"retcode,omitempty"`
	RealizedPnL float64 `json:"realized_pnl,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// Broker defines the synchronous facade to the trading terminal. All calls
// are blocking and may take up to the terminal timeout; callers tolerate
// per-call failure by logging and continuing.
type Broker interface {
	// Connection
	Connect(ctx context.Context) error

	// Market data
	GetAvailablePairs() ([]string, error)
	GetQuote(symbol string) (*models.Quote, error)
	GetCurrentPrice(symbol string) (float64, error)
	GetSpread(symbol string) (float64, error)
	GetHistory(symbol string, tf Timeframe, count int) ([]Bar, error)
	GetHistoryCtx(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error)

	// Account
	GetAccountBalance() (float64, error)
	GetAccountEquity() (float64, error)
	GetFreeMargin() (float64, error)

	// Positions and orders
	GetAllPositions() ([]Position, error)
	GetAllPositionsCtx(ctx context.Context) ([]Position, error)
	PlaceOrder(req OrderRequest) (*OrderResult, error)
	ClosePosition(ticket int64) (*CloseResult, error)
}
