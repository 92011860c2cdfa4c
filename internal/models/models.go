// Package models provides data structures and state management for the trading engine.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrTriangleInvalid is returned when three pairs do not close a currency loop.
var ErrTriangleInvalid = errors.New("pairs do not form a closed currency triangle")

// Side is the direction of an order or position.
type Side string

const (
	// SideBuy is a long order.
	SideBuy Side = "BUY"
	// SideSell is a short order.
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Regime is the current market classification. It gates detection thresholds
// and the ordering of arbitrage vs recovery work inside a coordinator tick.
type Regime string

const (
	RegimeVolatile Regime = "volatile"
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeNormal   Regime = "normal"
)

// MajorCurrencies is the set of currencies the core operates on.
var MajorCurrencies = map[string]bool{
	"EUR": true, "USD": true, "GBP": true, "JPY": true,
	"CHF": true, "AUD": true, "CAD": true, "NZD": true,
}

// Pair is a canonical six-letter currency pair, e.g. "EURUSD".
type Pair string

// Valid reports whether the pair is a canonical major/minor pair.
func (p Pair) Valid() bool {
	s := string(p)
	if len(s) != 6 || s != strings.ToUpper(s) {
		return false
	}
	base, quote := s[:3], s[3:]
	if base == quote {
		return false
	}
	return MajorCurrencies[base] && MajorCurrencies[quote]
}

// Base returns the base currency (first three letters).
func (p Pair) Base() string {
	if len(p) != 6 {
		return ""
	}
	return string(p)[:3]
}

// Quote returns the quote currency (last three letters).
func (p Pair) Quote() string {
	if len(p) != 6 {
		return ""
	}
	return string(p)[3:]
}

// IsJPYQuoted reports whether the pair is quoted in yen, which changes pip size.
func (p Pair) IsJPYQuoted() bool {
	return p.Quote() == "JPY"
}

// PipSize returns the pip size for the pair: 0.01 for JPY-quoted pairs,
// 0.0001 otherwise.
func (p Pair) PipSize() float64 {
	if p.IsJPYQuoted() {
		return 0.01
	}
	return 0.0001
}

// Quote is a single bid/ask observation for a symbol.
type Quote struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Time time.Time `json:"time"`
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// SpreadPips returns the quoted spread expressed in pips for the given pair.
func (q Quote) SpreadPips(p Pair) float64 {
	return (q.Ask - q.Bid) / p.PipSize()
}

// Triangle is an ordered triple of pairs whose currencies close a cycle,
// making triangular arbitrage mechanically possible.
type Triangle struct {
	P1 Pair `json:"p1"`
	P2 Pair `json:"p2"`
	P3 Pair `json:"p3"`
}

// NewTriangle validates the closure rule and returns the triangle.
func NewTriangle(p1, p2, p3 Pair) (Triangle, error) {
	t := Triangle{P1: p1, P2: p2, P3: p3}
	if !t.IsValid() {
		return Triangle{}, fmt.Errorf("%w: %s/%s/%s", ErrTriangleInvalid, p1, p2, p3)
	}
	return t, nil
}

// IsValid checks the closure rule: either the quote of P1 chains into the base
// of P2 and the remaining currencies of P1 and P2 form P3, or symmetrically
// the base of P1 equals the quote of P2.
func (t Triangle) IsValid() bool {
	if !t.P1.Valid() || !t.P2.Valid() || !t.P3.Valid() {
		return false
	}
	if t.P1 == t.P2 || t.P2 == t.P3 || t.P1 == t.P3 {
		return false
	}
	// Chain forward: P1 = A/B, P2 = B/C, P3 must be A/C or C/A.
	if t.P1.Quote() == t.P2.Base() {
		a, c := t.P1.Base(), t.P2.Quote()
		return (t.P3.Base() == a && t.P3.Quote() == c) || (t.P3.Base() == c && t.P3.Quote() == a)
	}
	// Chain backward: P1 = B/A, P2 = C/B.
	if t.P1.Base() == t.P2.Quote() {
		a, c := t.P1.Quote(), t.P2.Base()
		return (t.P3.Base() == a && t.P3.Quote() == c) || (t.P3.Base() == c && t.P3.Quote() == a)
	}
	return false
}

// Pairs returns the three pairs in order.
func (t Triangle) Pairs() [3]Pair {
	return [3]Pair{t.P1, t.P2, t.P3}
}

// Contains reports whether the triangle uses the given pair.
func (t Triangle) Contains(p Pair) bool {
	return t.P1 == p || t.P2 == p || t.P3 == p
}

// Key returns an order-independent identity for deduplication.
func (t Triangle) Key() string {
	s := []string{string(t.P1), string(t.P2), string(t.P3)}
	sort.Strings(s)
	return strings.Join(s, "_")
}

// MajorsOnly reports whether every leg involves only USD, EUR, GBP or JPY.
func (t Triangle) MajorsOnly() bool {
	majors := map[string]bool{"USD": true, "EUR": true, "GBP": true, "JPY": true}
	for _, p := range t.Pairs() {
		if !majors[p.Base()] || !majors[p.Quote()] {
			return false
		}
	}
	return true
}

func (t Triangle) String() string {
	return fmt.Sprintf("(%s, %s, %s)", t.P1, t.P2, t.P3)
}

// Leg is one order directive of an arbitrage opportunity.
type Leg struct {
	Pair   Pair    `json:"pair"`
	Side   Side    `json:"side"`
	Volume float64 `json:"volume"`
}

// Opportunity is a priced triangular mispricing that passed validation.
type Opportunity struct {
	ID           string    `json:"id"`
	Triangle     Triangle  `json:"triangle"`
	CrossRate    float64   `json:"cross_rate"`
	ProfitPct    float64   `json:"profit_potential_pct"`
	Confidence   float64   `json:"confidence"`
	Legs         [3]Leg    `json:"legs"`
	Regime       Regime    `json:"market_regime"`
	ChecksPassed int       `json:"checks_passed"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccountState is the broker-reported account snapshot refreshed per tick.
type AccountState struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	FreeMargin float64 `json:"free_margin"`
	Currency   string  `json:"currency"`
}

// SizingParams are pushed from the coordinator into the detector and the
// correlation manager on every account refresh.
type SizingParams struct {
	Balance           float64 `json:"balance"`
	Equity            float64 `json:"equity"`
	FreeMargin        float64 `json:"free_margin"`
	TargetPipValue    float64 `json:"target_pip_value"`
	BalanceMultiplier float64 `json:"balance_multiplier"`
}
