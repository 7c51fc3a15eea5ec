// Package ledger holds the authoritative in-memory record of what each
// strategy instance owns, keyed by (strategy id, instrument key).
//
// The ledger has a single writer: the per-key engine loop applies fills
// from the broker-event path and nothing else mutates it. The lock exists
// only so display/reporting reads from other goroutines are safe; those
// reads are eventually consistent.
package ledger

import (
	"fmt"
	"log"
	"sync"

	"github.com/halcyonlabs/spreadkeeper/internal/models"
)

// LegDelta is one leg's incremental fill to apply to a position.
type LegDelta struct {
	Instrument  string
	Ratio       int
	SignedDelta float64
	AvgPrice    float64
}

// Ledger stores positions by ownership key.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	logger    *log.Logger
}

// New creates an empty ledger.
func New(logger *log.Logger) *Ledger {
	return &Ledger{
		positions: make(map[string]*models.Position),
		logger:    logger,
	}
}

func key(strategyID, instrumentKey string) string {
	return strategyID + "/" + instrumentKey
}

// GetOrCreate returns the position for a key, creating an idle one if
// none exists.
func (l *Ledger) GetOrCreate(strategyID, instrumentKey string) *models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(strategyID, instrumentKey)
	if pos, ok := l.positions[k]; ok {
		return pos
	}
	pos := models.NewPosition(strategyID, instrumentKey)
	l.positions[k] = pos
	return pos
}

// Get returns the position for a key, if present.
func (l *Ledger) Get(strategyID, instrumentKey string) (*models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[key(strategyID, instrumentKey)]
	return pos, ok
}

// Restore installs a position loaded from a snapshot, replacing whatever
// the ledger holds for its key.
func (l *Ledger) Restore(pos *models.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[pos.Key()] = pos
}

// ApplyFills applies incremental leg fills to a position. Only the
// fill-event path may call this.
func (l *Ledger) ApplyFills(strategyID, instrumentKey string, deltas []LegDelta) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[key(strategyID, instrumentKey)]
	if !ok {
		return fmt.Errorf("no position for %s/%s", strategyID, instrumentKey)
	}

	for _, d := range deltas {
		pos.ApplyFill(d.Instrument, d.Ratio, d.SignedDelta, d.AvgPrice)
	}

	if result := pos.EffectiveQuantity(); result.IsBroken() {
		l.logger.Printf("position %s is broken after fill: %s", pos.Key(), result.Detail())
	}
	return nil
}

// EffectiveQuantity reports the spread units actually on for a key.
// A missing position is consistently flat; a broken spread is reported
// as broken, never as zero.
func (l *Ledger) EffectiveQuantity(strategyID, instrumentKey string) models.QuantityResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[key(strategyID, instrumentKey)]
	if !ok {
		return models.ConsistentQuantity(0)
	}
	return pos.EffectiveQuantity()
}

// Remove drops a position whose lifecycle has ended.
func (l *Ledger) Remove(strategyID, instrumentKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, key(strategyID, instrumentKey))
}

// Snapshot returns deep copies of all positions for display.
func (l *Ledger) Snapshot() []*models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*models.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.Copy())
	}
	return out
}
