// Package tracker is the source of truth for every live position: its role,
// hedge status and recovery chain. State survives restarts via a JSON file
// and is reconciled against the broker on every coordinator tick.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mwalcott/triarb/internal/broker"
	"github.com/mwalcott/triarb/internal/models"
)

// Role distinguishes positions opened by the arbitrage detector from hedges
// opened by the recovery engine.
type Role string

const (
	RoleOriginal Role = "ORIGINAL"
	RoleRecovery Role = "RECOVERY"
)

// Status is the hedge state of a tracked position.
type Status string

const (
	StatusNotHedged Status = "NOT_HEDGED"
	StatusHedged    Status = "HEDGED"
	// StatusOrphaned marks a recovery whose parent disappeared, or a legacy
	// recovery whose parent was never known.
	StatusOrphaned Status = "ORPHANED"
)

var (
	// ErrDuplicateKey means a position with the same ticket and symbol is
	// already tracked.
	ErrDuplicateKey = errors.New("position already tracked")
	// ErrParentNotFound means a recovery references an untracked parent.
	ErrParentNotFound = errors.New("recovery parent not tracked")
	// ErrChainTooDeep means registering the recovery would exceed the
	// configured hedge-of-hedge depth.
	ErrChainTooDeep = errors.New("recovery chain too deep")
)

// recoveryComment tags hedge orders: R{parent_ticket}_{parent_symbol}.
var recoveryComment = regexp.MustCompile(`^R(\d+)_([A-Za-z0-9._-]+)$`)

// legacyRecoveryComment matches hedge orders placed by earlier versions.
var legacyRecoveryComment = regexp.MustCompile(`^RECOVERY_`)

// arbComment tags arbitrage legs: ARB_G{seq}_{symbol}.
var arbComment = regexp.MustCompile(`^ARB_(G\d+)_`)

const syncTimeout = 8 * time.Second

// Record is one tracked position.
type Record struct {
	Ticket     int64       `json:"ticket"`
	Symbol     string      `json:"symbol"`
	Role       Role        `json:"role"`
	Status     Status      `json:"status"`
	Side       models.Side `json:"side"`
	Volume     float64     `json:"volume"`
	OpenPrice  float64     `json:"open_price"`
	OpenedAt   time.Time   `json:"opened_at"`
	Magic      int64       `json:"magic,omitempty"`
	Comment    string      `json:"comment,omitempty"`
	GroupID    string      `json:"group_id,omitempty"`
	HedgingFor string      `json:"hedging_for,omitempty"` // parent key, RECOVERY only
	Children   []string    `json:"children,omitempty"`    // recovery keys hedging this position
}

// Key returns the tracking key for the record.
func (r *Record) Key() string { return Key(r.Ticket, r.Symbol) }

// Key builds the canonical tracking key "{ticket}_{symbol}".
func Key(ticket int64, symbol string) string {
	return fmt.Sprintf("%d_%s", ticket, symbol)
}

// Stats summarizes the tracked book.
type Stats struct {
	Originals  int       `json:"originals"`
	Recoveries int       `json:"recoveries"`
	Hedged     int       `json:"hedged"`
	Orphaned   int       `json:"orphaned"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
}

type trackerFile struct {
	OrderTracking map[string]json.RawMessage `json:"order_tracking"`
	Stats         Stats                      `json:"stats"`
	SavedAt       string                     `json:"saved_at"`
}

// Tracker holds the tracked book behind a lock. All mutating operations
// persist before returning.
type Tracker struct {
	mu       sync.RWMutex
	records  map[string]*Record
	lastSync time.Time
	filePath string
	logger   *log.Logger
}

// New creates a Tracker backed by filePath, loading any existing state.
// Malformed records in the file are skipped, not fatal.
func New(filePath string, logger *log.Logger) (*Tracker, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	t := &Tracker{
		records:  make(map[string]*Record),
		filePath: filePath,
		logger:   logger,
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// RegisterOriginal tracks a freshly opened arbitrage or standalone position.
func (t *Tracker) RegisterOriginal(rec Record) error {
	rec.Role = RoleOriginal
	if rec.Status == "" {
		rec.Status = StatusNotHedged
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := rec.Key()
	if _, exists := t.records[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	t.records[key] = &rec
	return t.persistLocked()
}

// RegisterRecovery tracks a hedge for parentKey and flips the parent to
// HEDGED. The recovery chain above the parent may not exceed maxChainDepth.
func (t *Tracker) RegisterRecovery(parentKey string, rec Record, maxChainDepth int) error {
	rec.Role = RoleRecovery
	rec.Status = StatusNotHedged
	rec.HedgingFor = parentKey

	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.records[parentKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParentNotFound, parentKey)
	}
	key := rec.Key()
	if _, exists := t.records[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	if depth := t.chainDepthLocked(parentKey) + 1; depth > maxChainDepth {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrChainTooDeep, depth, maxChainDepth)
	}

	t.records[key] = &rec
	parent.Children = append(parent.Children, key)
	parent.Status = StatusHedged
	return t.persistLocked()
}

// chainDepthLocked counts recovery ancestors of key, inclusive of key when
// it is itself a recovery.
func (t *Tracker) chainDepthLocked(key string) int {
	depth := 0
	seen := make(map[string]bool)
	for {
		rec, ok := t.records[key]
		if !ok || rec.Role != RoleRecovery || seen[key] {
			return depth
		}
		seen[key] = true
		depth++
		key = rec.HedgingFor
	}
}

// ChainDepth returns the number of recovery links above and including key.
func (t *Tracker) ChainDepth(key string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chainDepthLocked(key)
}

// Remove untracks a closed position, cascading hedge-state updates: a
// removed recovery reverts its parent to NOT_HEDGED when it was the last
// hedge, and a removed parent orphans its children.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[key]; ok {
		t.removeLocked(key, rec)
		if err := t.persistLocked(); err != nil {
			t.logger.Printf("WARNING: persisting tracker after remove: %v", err)
		}
	}
}

func (t *Tracker) removeLocked(key string, rec *Record) {
	if rec.HedgingFor != "" {
		if parent, ok := t.records[rec.HedgingFor]; ok {
			parent.Children = removeString(parent.Children, key)
			if len(parent.Children) == 0 && parent.Status == StatusHedged {
				parent.Status = StatusNotHedged
			}
		}
	}
	for _, childKey := range rec.Children {
		if child, ok := t.records[childKey]; ok {
			child.Status = StatusOrphaned
		}
	}
	delete(t.records, key)
}

// Get returns a copy of the record for key.
func (t *Tracker) Get(key string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns copies of every tracked record, ordered by key.
func (t *Tracker) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.records))
	for key := range t.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		out = append(out, *t.records[key])
	}
	return out
}

// Unhedged returns every position that has no live hedge, recoveries and
// orphans included: a losing hedge can itself be hedged up to the chain
// limit, and orphans still need protecting.
func (t *Tracker) Unhedged() []Record {
	var out []Record
	for _, rec := range t.All() {
		if rec.Status == StatusNotHedged || rec.Status == StatusOrphaned {
			out = append(out, rec)
		}
	}
	return out
}

// NeedsRecovery reports whether the position is eligible for a hedge.
func (t *Tracker) NeedsRecovery(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[key]
	return ok && (rec.Status == StatusNotHedged || rec.Status == StatusOrphaned)
}

// IsHedged reports whether the position has at least one live hedge.
func (t *Tracker) IsHedged(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[key]
	return ok && rec.Status == StatusHedged
}

// Stats computes current book counters.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statsLocked()
}

func (t *Tracker) statsLocked() Stats {
	s := Stats{LastSyncAt: t.lastSync}
	for _, rec := range t.records {
		switch rec.Role {
		case RoleOriginal:
			s.Originals++
		case RoleRecovery:
			s.Recoveries++
		}
		switch rec.Status {
		case StatusHedged:
			s.Hedged++
		case StatusOrphaned:
			s.Orphaned++
		}
	}
	return s
}

// SyncWithBroker reconciles the tracked book against the broker's live
// positions in two passes: adopt unknown broker positions, then drop
// tracked positions the broker no longer reports. If the broker cannot be
// enumerated the sync aborts without mutating anything. The operation is
// idempotent.
func (t *Tracker) SyncWithBroker(b broker.Broker) error {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	positions, err := b.GetAllPositionsCtx(ctx)
	if err != nil {
		return fmt.Errorf("sync aborted, broker enumeration failed: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	live := make(map[string]broker.Position, len(positions))
	for _, pos := range positions {
		live[Key(pos.Ticket, pos.Symbol)] = pos
	}

	// Pass 1: adopt broker positions we do not know about. Originals
	// first, so a recovery discovered in the same sync finds its parent
	// already tracked regardless of map iteration order.
	for key, pos := range live {
		if _, ok := t.records[key]; !ok && !recoveryComment.MatchString(pos.Comment) {
			t.adoptLocked(key, pos)
		}
	}
	for key, pos := range live {
		if _, ok := t.records[key]; !ok {
			t.adoptLocked(key, pos)
		}
	}

	// Pass 2: drop tracked positions the broker no longer has.
	for key, rec := range t.records {
		if _, ok := live[key]; !ok {
			t.logger.Printf("Sync: position %s closed at broker, removing (role=%s)", key, rec.Role)
			t.removeLocked(key, rec)
		}
	}

	// Pass 3: re-link orphaned recoveries whose parent is tracked again.
	for key, rec := range t.records {
		if rec.Role != RoleRecovery || rec.Status != StatusOrphaned {
			continue
		}
		m := recoveryComment.FindStringSubmatch(rec.Comment)
		if m == nil {
			continue
		}
		parentKey := m[1] + "_" + m[2]
		parent, ok := t.records[parentKey]
		if !ok {
			continue
		}
		rec.HedgingFor = parentKey
		rec.Status = StatusNotHedged
		if !slices.Contains(parent.Children, key) {
			parent.Children = append(parent.Children, key)
		}
		parent.Status = StatusHedged
		t.logger.Printf("Sync: re-linked orphaned recovery %s to parent %s", key, parentKey)
	}

	t.lastSync = time.Now().UTC()
	return t.persistLocked()
}

// adoptLocked classifies an externally discovered position by its comment.
func (t *Tracker) adoptLocked(key string, pos broker.Position) {
	rec := &Record{
		Ticket:    pos.Ticket,
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Volume:    pos.Volume,
		OpenPrice: pos.OpenPrice,
		OpenedAt:  pos.OpenTime,
		Magic:     pos.Magic,
		Comment:   pos.Comment,
	}
	switch {
	case recoveryComment.MatchString(pos.Comment):
		m := recoveryComment.FindStringSubmatch(pos.Comment)
		rec.Role = RoleRecovery
		rec.HedgingFor = m[1] + "_" + m[2]
		if parent, ok := t.records[rec.HedgingFor]; ok {
			rec.Status = StatusNotHedged
			parent.Children = append(parent.Children, key)
			parent.Status = StatusHedged
		} else {
			rec.Status = StatusOrphaned
			rec.HedgingFor = ""
			t.logger.Printf("Sync: recovery %s references unknown parent %s_%s, marking orphaned", key, m[1], m[2])
		}
	case legacyRecoveryComment.MatchString(pos.Comment):
		// Old-format hedges carry no parent reference.
		rec.Role = RoleRecovery
		rec.Status = StatusOrphaned
	default:
		rec.Role = RoleOriginal
		rec.Status = StatusNotHedged
		if m := arbComment.FindStringSubmatch(pos.Comment); m != nil {
			rec.GroupID = m[1]
		}
	}
	t.logger.Printf("Sync: adopted broker position %s as %s/%s", key, rec.Role, rec.Status)
	t.records[key] = rec
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading tracker state: %w", err)
	}
	var file trackerFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.logger.Printf("WARNING: corrupt tracker state %s, starting empty: %v", t.filePath, err)
		return nil
	}
	for key, raw := range file.OrderTracking {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.logger.Printf("WARNING: skipping malformed tracker record %s: %v", key, err)
			continue
		}
		t.records[key] = &rec
	}
	if s, err := time.Parse(time.RFC3339, file.SavedAt); err == nil {
		t.lastSync = s
	}
	return nil
}

// persistLocked writes state atomically via temp file and rename. Callers
// hold t.mu.
func (t *Tracker) persistLocked() error {
	tracking := make(map[string]json.RawMessage, len(t.records))
	for key, rec := range t.records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding tracker record %s: %w", key, err)
		}
		tracking[key] = raw
	}
	file := trackerFile{
		OrderTracking: tracking,
		Stats:         t.statsLocked(),
		SavedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tracker state: %w", err)
	}
	if dir := filepath.Dir(t.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating tracker state directory: %w", err)
		}
	}
	tmp := t.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing tracker state: %w", err)
	}
	if err := os.Rename(tmp, t.filePath); err != nil {
		return fmt.Errorf("replacing tracker state: %w", err)
	}
	return nil
}

func removeString(list []string, item string) []string {
	out := list[:0]
	for _, s := range list {
		if s != item {
			out = append(out, s)
		}
	}
	return out
}
