// Package reconcile compares the engine's persisted view of ownership
// against what the broker actually reports, at startup and on demand.
//
// Adoption is evidence-based: a broker position is attributed to the
// strategy only when the snapshot proves the strategy created it. An
// unattributed position is alerted, never adopted, because acting on a
// position another process owns can double-close it.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/halcyonlabs/spreadkeeper/internal/broker"
	"github.com/halcyonlabs/spreadkeeper/internal/journal"
	"github.com/halcyonlabs/spreadkeeper/internal/models"
	"github.com/halcyonlabs/spreadkeeper/internal/ops"
)

// Report summarizes one reconciliation pass.
type Report struct {
	// Confirmed is true when the stored position was found at the broker
	// with a matching quantity.
	Confirmed bool
	// Vanished is true when the stored position no longer exists at the
	// broker and was finalized.
	Vanished bool
	// QuantityMismatch is true when the broker holds the instrument at a
	// different size than the ledger says.
	QuantityMismatch bool
	// Unattributed lists broker positions no snapshot evidence covers.
	Unattributed []string
}

// Reconciler checks stored ownership against broker reality.
type Reconciler struct {
	gateway  broker.Gateway
	journal  journal.Recorder
	notifier ops.Notifier
	logger   *log.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(gateway broker.Gateway, journal journal.Recorder,
	notifier ops.Notifier, logger *log.Logger) *Reconciler {
	return &Reconciler{
		gateway:  gateway,
		journal:  journal,
		notifier: notifier,
		logger:   logger,
	}
}

// Reconcile runs one pass for a strategy's snapshot and position. The
// position is mutated in place when the broker contradicts it.
func (r *Reconciler) Reconcile(ctx context.Context, state *models.PersistedState,
	pos *models.Position) (Report, error) {
	var report Report

	brokerPositions, err := r.gateway.Positions(ctx)
	if err != nil {
		return report, fmt.Errorf("listing broker positions: %w", err)
	}

	held := make(map[string]broker.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		if math.Abs(bp.Quantity) > 1e-6 {
			held[bp.InstrumentKey] = bp
		}
	}

	// Pass 1: anything the broker holds that the snapshot cannot prove we
	// created is someone else's problem. Flag it and leave it alone.
	for key, bp := range held {
		if state.HasEvidenceFor(key) {
			continue
		}
		report.Unattributed = append(report.Unattributed, key)
		r.notifier.Notify(ops.Alert{
			Kind:          ops.AlertOwnershipConflict,
			StrategyID:    state.StrategyID,
			InstrumentKey: key,
			Message: fmt.Sprintf("broker holds %.2f of %s with no ownership evidence; not adopting",
				bp.Quantity, key),
		})
	}

	// Pass 2: check the position we believe we own.
	if pos == nil || !r.positionActive(pos) {
		return report, nil
	}

	bp, found := held[pos.InstrumentKey]
	if !found {
		if err := r.finalizeVanished(state, pos); err != nil {
			return report, err
		}
		report.Vanished = true
		return report, nil
	}

	if qty, ok := pos.EffectiveQuantity().Consistent(); ok {
		if math.Abs(math.Abs(bp.Quantity)-qty) > 1e-6 {
			report.QuantityMismatch = true
			r.notifier.Notify(ops.Alert{
				Kind:          ops.AlertBrokenPosition,
				StrategyID:    state.StrategyID,
				InstrumentKey: pos.InstrumentKey,
				Message: fmt.Sprintf("broker holds %.2f of %s but ledger says %.2f",
					bp.Quantity, pos.InstrumentKey, qty),
			})
			return report, nil
		}
	}

	report.Confirmed = true
	r.logger.Printf("Reconciled %s: broker confirms %.2f held", pos.Key(), math.Abs(bp.Quantity))
	return report, nil
}

func (r *Reconciler) positionActive(pos *models.Position) bool {
	switch pos.CurrentState() {
	case models.LifecycleOpen, models.LifecycleClosing, models.LifecycleClosingFailed:
		return true
	default:
		return false
	}
}

// finalizeVanished closes out a position the broker no longer reports,
// most commonly a manual close from another terminal. The trade record
// is finalized so the journal does not accumulate phantom OPEN rows.
func (r *Reconciler) finalizeVanished(state *models.PersistedState, pos *models.Position) error {
	tradeID := pos.TradeID
	key := pos.Key()

	// A failed-close position sits outside the transition table for
	// position_gone; step it back under supervision first.
	if pos.CurrentState() == models.LifecycleClosingFailed {
		if err := pos.TransitionState(models.LifecycleOpen, "re_armed"); err != nil {
			return fmt.Errorf("re-arming %s before finalize: %w", key, err)
		}
	}
	if err := pos.TransitionState(models.LifecycleClosed, "position_gone"); err != nil {
		return fmt.Errorf("finalizing vanished position %s: %w", key, err)
	}

	if tradeID != "" {
		err := r.journal.OnExitConfirmed(journal.ExitFill{
			TradeID:    tradeID,
			ExitReason: "manual_close",
			ClosedAt:   time.Now().UTC(),
		})
		if err != nil {
			r.logger.Printf("Failed to finalize trade %s for vanished position %s: %v", tradeID, key, err)
		}
	}

	state.SyncFromPosition(pos)
	r.logger.Printf("Position %s vanished at the broker; finalized trade %s as manual close", key, tradeID)

	r.notifier.Notify(ops.Alert{
		Kind:          ops.AlertOwnershipConflict,
		StrategyID:    pos.StrategyID,
		InstrumentKey: pos.InstrumentKey,
		Message:       fmt.Sprintf("position %s no longer exists at the broker; finalized as manual close", key),
	})
	return nil
}
