package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mwalcott/triarb/internal/models"
)

const defaultBridgeTimeout = 15 * time.Second

// MT5Client talks to an MT5 bridge service over HTTP. The bridge exposes the
// terminal's quotes, history, account metrics and trade requests as JSON
// endpoints; one bridge serves one logged-in terminal.
type MT5Client struct {
	baseURL    string
	login      string
	password   string
	server     string
	httpClient *http.Client
}

// NewMT5Client creates a bridge client. endpoint is the bridge base URL,
// e.g. "http://127.0.0.1:5001".
func NewMT5Client(endpoint, login, password, server string) *MT5Client {
	return &MT5Client{
		baseURL:  endpoint,
		login:    login,
		password: password,
		server:   server,
		httpClient: &http.Client{
			Timeout: defaultBridgeTimeout,
		},
	}
}

// Ensure MT5Client implements Broker at compile time.
var _ Broker = (*MT5Client)(nil)

type bridgeQuote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   int64   `json:"time"`
}

type bridgeAccount struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	FreeMargin float64 `json:"free_margin"`
	Currency   string  `json:"currency"`
}

type bridgeBar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"tick_volume"`
}

type bridgePosition struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	Time         int64   `json:"time"`
	Magic        int64   `json:"magic"`
	Comment      string  `json:"comment"`
}

type bridgeOrderResult struct {
	RetCode int     `json:"retcode"`
	Deal    int64   `json:"deal"`
	Order   int64   `json:"order"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

type bridgeCloseResult struct {
	RetCode int     `json:"retcode"`
	Profit  float64 `json:"profit"`
	Comment string  `json:"comment"`
}

// Connect verifies the bridge is reachable and logged in to the terminal.
func (c *MT5Client) Connect(ctx context.Context) error {
	body := map[string]string{
		"login":    c.login,
		"password": c.password,
		"server":   c.server,
	}
	var resp struct {
		Connected bool   `json:"connected"`
		Message   string `json:"message"`
	}
	if err := c.postJSON(ctx, "/connect", body, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if !resp.Connected {
		return fmt.Errorf("%w: %s", ErrBrokerUnavailable, resp.Message)
	}
	return nil
}

// GetAvailablePairs returns all symbols visible in the terminal's market watch.
func (c *MT5Client) GetAvailablePairs() ([]string, error) {
	var resp struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.getJSON(context.Background(), "/symbols", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Symbols, nil
}

// GetQuote returns the current bid/ask for a symbol.
func (c *MT5Client) GetQuote(symbol string) (*models.Quote, error) {
	var q bridgeQuote
	params := url.Values{"symbol": {symbol}}
	if err := c.getJSON(context.Background(), "/quote", params, &q); err != nil {
		return nil, err
	}
	if q.Bid <= 0 || q.Ask <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return &models.Quote{
		Bid:  q.Bid,
		Ask:  q.Ask,
		Time: time.Unix(q.Time, 0).UTC(),
	}, nil
}

// GetCurrentPrice returns the bid price for a symbol.
func (c *MT5Client) GetCurrentPrice(symbol string) (float64, error) {
	q, err := c.GetQuote(symbol)
	if err != nil {
		return 0, err
	}
	return q.Bid, nil
}

// GetSpread returns the quoted spread in pips.
func (c *MT5Client) GetSpread(symbol string) (float64, error) {
	q, err := c.GetQuote(symbol)
	if err != nil {
		return 0, err
	}
	pipSize := 0.0001
	if models.Pair(symbol).IsJPYQuoted() {
		pipSize = 0.01
	}
	return (q.Ask - q.Bid) / pipSize, nil
}

// GetHistory fetches the most recent count bars for a symbol and timeframe.
func (c *MT5Client) GetHistory(symbol string, tf Timeframe, count int) ([]Bar, error) {
	return c.GetHistoryCtx(context.Background(), symbol, tf, count)
}

// GetHistoryCtx fetches history with a caller-supplied context.
func (c *MT5Client) GetHistoryCtx(ctx context.Context, symbol string, tf Timeframe, count int) ([]Bar, error) {
	params := url.Values{
		"symbol":    {symbol},
		"timeframe": {string(tf)},
		"count":     {strconv.Itoa(count)},
	}
	var resp struct {
		Bars []bridgeBar `json:"bars"`
	}
	if err := c.getJSON(ctx, "/history", params, &resp); err != nil {
		return nil, err
	}
	bars := make([]Bar, 0, len(resp.Bars))
	for _, b := range resp.Bars {
		bars = append(bars, Bar{
			Time:   time.Unix(b.Time, 0).UTC(),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	return bars, nil
}

// GetAccountBalance returns the account balance.
func (c *MT5Client) GetAccountBalance() (float64, error) {
	acct, err := c.account()
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// GetAccountEquity returns the account equity.
func (c *MT5Client) GetAccountEquity() (float64, error) {
	acct, err := c.account()
	if err != nil {
		return 0, err
	}
	return acct.Equity, nil
}

// GetFreeMargin returns the free margin.
func (c *MT5Client) GetFreeMargin() (float64, error) {
	acct, err := c.account()
	if err != nil {
		return 0, err
	}
	return acct.FreeMargin, nil
}

func (c *MT5Client) account() (*bridgeAccount, error) {
	var acct bridgeAccount
	if err := c.getJSON(context.Background(), "/account", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetAllPositions enumerates live positions.
func (c *MT5Client) GetAllPositions() ([]Position, error) {
	return c.GetAllPositionsCtx(context.Background())
}

// GetAllPositionsCtx enumerates live positions with a caller-supplied context.
func (c *MT5Client) GetAllPositionsCtx(ctx context.Context) ([]Position, error) {
	var resp struct {
		Positions []bridgePosition `json:"positions"`
	}
	if err := c.getJSON(ctx, "/positions", nil, &resp); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		side := models.SideBuy
		if p.Type == "SELL" || p.Type == "1" {
			side = models.SideSell
		}
		positions = append(positions, Position{
			Ticket:       p.Ticket,
			Symbol:       p.Symbol,
			Side:         side,
			Volume:       p.Volume,
			OpenPrice:    p.PriceOpen,
			CurrentPrice: p.PriceCurrent,
			StopLoss:     p.SL,
			TakeProfit:   p.TP,
			Profit:       p.Profit,
			Swap:         p.Swap,
			OpenTime:     time.Unix(p.Time, 0).UTC(),
			Magic:        p.Magic,
			Comment:      p.Comment,
		})
	}
	return positions, nil
}

// PlaceOrder submits a market order through the bridge.
func (c *MT5Client) PlaceOrder(req OrderRequest) (*OrderResult, error) {
	body := map[string]interface{}{
		"symbol":  req.Symbol,
		"side":    string(req.Side),
		"volume":  req.Volume,
		"sl":      req.StopLoss,
		"tp":      req.TakeProfit,
		"comment": req.Comment,
		"magic":   req.Magic,
	}
	if req.Price > 0 {
		body["price"] = req.Price
	}
	var resp bridgeOrderResult
	if err := c.postJSON(context.Background(), "/order", body, &resp); err != nil {
		return nil, err
	}
	result := &OrderResult{
		Success: resp.RetCode == RetDone,
		Ticket:  resp.Order,
		RetCode: resp.RetCode,
		Price:   resp.Price,
		Message: resp.Comment,
	}
	if !result.Success {
		return result, &RejectError{RetCode: resp.RetCode, Message: resp.Comment}
	}
	return result, nil
}

// ClosePosition closes a position by ticket.
func (c *MT5Client) ClosePosition(ticket int64) (*CloseResult, error) {
	body := map[string]interface{}{"ticket": ticket}
	var resp bridgeCloseResult
	if err := c.postJSON(context.Background(), "/close", body, &resp); err != nil {
		return nil, err
	}
	result := &CloseResult{
		Success:     resp.RetCode == RetDone,
		RetCode:     resp.RetCode,
		RealizedPnL: resp.Profit,
		Message:     resp.Comment,
	}
	if !result.Success {
		return result, &RejectError{RetCode: resp.RetCode, Message: resp.Comment}
	}
	return result, nil
}

func (c *MT5Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, out)
}

func (c *MT5Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *MT5Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
