package models

import (
	"fmt"
	"time"
)

// GroupStatus represents the lifecycle state of an arbitrage group.
type GroupStatus string

const (
	// GroupActive means the group holds its original legs and is being monitored.
	GroupActive GroupStatus = "active"
	// GroupClosing means closure was decided and legs are being flattened.
	GroupClosing GroupStatus = "closing"
	// GroupClosed means the group was closed at an aggregate profit.
	GroupClosed GroupStatus = "closed"
	// GroupExpired means the group hit its maximum age and was force-closed.
	GroupExpired GroupStatus = "expired"
)

// Transition conditions for group lifecycle changes.
const (
	ConditionProfitTarget = "profit_target"
	ConditionMaxAge       = "max_age"
	ConditionLegsFlat     = "legs_flat"
	ConditionForceClose   = "force_close"
)

// GroupTransition defines a valid group status transition.
type GroupTransition struct {
	From        GroupStatus
	To          GroupStatus
	Condition   string
	Description string
}

// ValidGroupTransitions is the complete lifecycle table.
var ValidGroupTransitions = []GroupTransition{
	{GroupActive, GroupClosing, ConditionProfitTarget, "Aggregate PnL reached zero or better"},
	{GroupActive, GroupClosing, ConditionMaxAge, "Group exceeded its maximum age"},
	{GroupActive, GroupClosing, ConditionForceClose, "Emergency stop or manual close"},
	{GroupClosing, GroupClosed, ConditionLegsFlat, "All legs flattened after a profitable close"},
	{GroupClosing, GroupExpired, ConditionLegsFlat, "All legs flattened after an age-based close"},
}

// GroupPosition is one broker position held by a group.
type GroupPosition struct {
	Ticket   int64     `json:"ticket"`
	Pair     Pair      `json:"pair"`
	Side     Side      `json:"side"`
	Volume   float64   `json:"volume"`
	OpenedAt time.Time `json:"opened_at"`
}

// RecoveryLink records one recovery order attached to a group's leg.
type RecoveryLink struct {
	OriginalTicket int64     `json:"original_ticket"`
	RecoveryTicket int64     `json:"recovery_ticket"`
	HedgePair      Pair      `json:"hedge_pair"`
	CreatedAt      time.Time `json:"created_at"`
}

// Group is the atomic execution unit of one arbitrage opportunity: three
// positions, one lifecycle.
type Group struct {
	ID            string          `json:"group_id"`
	Seq           int             `json:"seq"`
	Triangle      Triangle        `json:"triangle"`
	Positions     []GroupPosition `json:"positions"`
	RecoveryChain []RecoveryLink  `json:"recovery_chain"`
	CreatedAt     time.Time       `json:"created_at"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
	Status        GroupStatus     `json:"status"`
	CloseReason   string          `json:"close_reason,omitempty"`
	RealizedPnL   float64         `json:"realized_pnl"`
}

// NewGroup creates an active group with a sequential ID.
func NewGroup(seq int, triangle Triangle, positions []GroupPosition) *Group {
	return &Group{
		ID:        fmt.Sprintf("G%d", seq),
		Seq:       seq,
		Triangle:  triangle,
		Positions: positions,
		CreatedAt: time.Now().UTC(),
		Status:    GroupActive,
	}
}

// IsComplete reports whether the group holds exactly its three original legs.
// A group is only considered active while this holds.
func (g *Group) IsComplete() bool {
	if len(g.Positions) != 3 {
		return false
	}
	seen := map[Pair]bool{}
	for _, p := range g.Positions {
		if !g.Triangle.Contains(p.Pair) {
			return false
		}
		seen[p.Pair] = true
	}
	return len(seen) == 3
}

// Age returns the time elapsed since the group was created.
func (g *Group) Age(now time.Time) time.Duration {
	return now.Sub(g.CreatedAt)
}

// Transition moves the group to a new status if the lifecycle table allows it.
func (g *Group) Transition(to GroupStatus, condition string) error {
	for _, tr := range ValidGroupTransitions {
		if tr.From == g.Status && tr.To == to && tr.Condition == condition {
			g.Status = to
			if to == GroupClosed || to == GroupExpired {
				g.ClosedAt = time.Now().UTC()
			}
			g.CloseReason = condition
			return nil
		}
	}
	return fmt.Errorf("invalid group transition from %s to %s with condition %q",
		g.Status, to, condition)
}

// IsTerminal reports whether the group reached a final status.
func (g *Group) IsTerminal() bool {
	return g.Status == GroupClosed || g.Status == GroupExpired
}

// Tickets returns the broker tickets of the group's positions.
func (g *Group) Tickets() []int64 {
	out := make([]int64, 0, len(g.Positions))
	for _, p := range g.Positions {
		out = append(out, p.Ticket)
	}
	return out
}
