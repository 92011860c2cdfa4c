// Package advisor is the pluggable second opinion on trade entries. The
// default implementation approves everything with moderate confidence;
// alternative implementations can veto entries from external signals.
package advisor

import "github.com/mwalcott/triarb/internal/models"

// Decision is the advisor's verdict on a proposed trade.
type Decision struct {
	Approve    bool
	Confidence float64 // [0, 1]
	Reason     string
}

// Advisor evaluates proposed arbitrage entries and recovery hedges.
type Advisor interface {
	EvaluateEntry(op *models.Opportunity) Decision
	EvaluateRecovery(pair models.Pair, correlation, hedgeRatio float64) Decision
}

// PassThrough approves every proposal with fixed confidence. It is the
// default advisor when no external signal source is configured.
type PassThrough struct{}

var _ Advisor = PassThrough{}

const passThroughConfidence = 0.8

// EvaluateEntry approves the opportunity unconditionally.
func (PassThrough) EvaluateEntry(_ *models.Opportunity) Decision {
	return Decision{Approve: true, Confidence: passThroughConfidence, Reason: "pass-through"}
}

// EvaluateRecovery approves the hedge unconditionally.
func (PassThrough) EvaluateRecovery(_ models.Pair, _, _ float64) Decision {
	return Decision{Approve: true, Confidence: passThroughConfidence, Reason: "pass-through"}
}
