// Package engine serializes every mutation for one strategy/instrument
// pair through a single goroutine. Broker events, ticks, and operator
// commands all land in the same loop, so no handler ever races another
// and every handler persists the snapshot before the next one runs.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/spreadkeeper/internal/broker"
	"github.com/halcyonlabs/spreadkeeper/internal/exits"
	"github.com/halcyonlabs/spreadkeeper/internal/journal"
	"github.com/halcyonlabs/spreadkeeper/internal/ledger"
	"github.com/halcyonlabs/spreadkeeper/internal/models"
	"github.com/halcyonlabs/spreadkeeper/internal/ops"
	"github.com/halcyonlabs/spreadkeeper/internal/orders"
	"github.com/halcyonlabs/spreadkeeper/internal/reconcile"
	"github.com/halcyonlabs/spreadkeeper/internal/state"
	"github.com/halcyonlabs/spreadkeeper/internal/util"
)

// Config controls the engine loop for one strategy/instrument pair.
type Config struct {
	StrategyID    string
	InstrumentKey string
	Location      *time.Location
	TickInterval  time.Duration
	Tick          float64 // price increment for entry re-pricing
}

// DefaultConfig is used when no config is provided.
var DefaultConfig = Config{
	TickInterval: 15 * time.Second,
	Tick:         0.05,
}

// EntryRequest describes a spread entry the strategy wants on.
type EntryRequest struct {
	Side       models.OrderSide
	Legs       []broker.LegSpec
	Quantity   float64
	LimitPrice float64
}

// entryRetry tracks an entry attempt across rejections and timeouts.
type entryRetry struct {
	req           EntryRequest
	correlationID string
	backoff       time.Duration
	resubmitAt    time.Time
	awaitingEvent bool
}

// Engine owns one position's lifecycle end to end.
type Engine struct {
	cfg        Config
	gateway    broker.Gateway
	tracker    *orders.Tracker
	ledger     *ledger.Ledger
	exits      *exits.Supervisor
	reconciler *reconcile.Reconciler
	journal    journal.Recorder
	store      state.Store
	notifier   ops.Notifier
	logger     *log.Logger

	// Mutated only from the Run loop (or directly in tests).
	snap  *models.PersistedState
	pos   *models.Position
	retry *entryRetry

	// protectOnly is written by the loop and read by health probes on
	// the ops server's request goroutines.
	protectOnly atomic.Bool

	commands chan func()
}

// New creates an engine. Call Start before Run.
func New(gateway broker.Gateway, tracker *orders.Tracker, posLedger *ledger.Ledger,
	supervisor *exits.Supervisor, reconciler *reconcile.Reconciler, rec journal.Recorder,
	store state.Store, notifier ops.Notifier, logger *log.Logger, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig.TickInterval
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig.Tick
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Engine{
		cfg:        cfg,
		gateway:    gateway,
		tracker:    tracker,
		ledger:     posLedger,
		exits:      supervisor,
		reconciler: reconciler,
		journal:    rec,
		store:      store,
		notifier:   notifier,
		logger:     logger,
		commands:   make(chan func(), 64),
	}
}

// Healthy reports nil while the engine can persist state. In protect-only
// mode it returns the degradation so /healthz can surface it. Safe to
// call from any goroutine.
func (e *Engine) Healthy() error {
	if e.protectOnly.Load() {
		return fmt.Errorf("protect-only: snapshot writes are failing, new entries suspended")
	}
	return nil
}

// Start loads the snapshot, restores the position, resolves any close
// that was in flight when the process died, and reconciles against the
// broker. It must complete before Run.
func (e *Engine) Start(ctx context.Context) error {
	snap, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	e.snap = snap

	if snap.Position != nil {
		e.pos = snap.Position
		e.ledger.Restore(e.pos)
		e.logger.Printf("Restored position %s in state %s", e.pos.Key(), e.pos.CurrentState())
	} else {
		e.pos = e.ledger.GetOrCreate(e.cfg.StrategyID, e.cfg.InstrumentKey)
	}

	e.rollover(time.Now())

	// An entry order must never be resumed from a snapshot: only stable
	// facts are persisted, and a working entry is not one. A close in
	// flight is resolved against the broker's authoritative answer.
	if e.pos.CurrentState() == models.LifecycleEntryPending {
		if err := e.pos.TransitionState(models.LifecycleIdle, "entry_failed"); err != nil {
			return fmt.Errorf("discarding stale entry state: %w", err)
		}
		e.logger.Printf("Discarded unconfirmed entry state for %s after restart", e.pos.Key())
	}

	if e.pos.CurrentState() == models.LifecycleClosing {
		closingID := e.pos.ClosingOrderID
		tradeID := e.pos.TradeID
		closed, err := e.exits.ResumeAfterRestart(ctx, e.pos)
		if err != nil {
			return fmt.Errorf("resuming close: %w", err)
		}
		if closed {
			e.finalizeClosedTrade(tradeID, closingID)
		}
	}

	if _, err := e.reconciler.Reconcile(ctx, e.snap, e.pos); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	e.syncOpenGauge()
	e.persist()
	return nil
}

// Run drives the engine until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	key := e.cfg.StrategyID + "/" + e.cfg.InstrumentKey
	for {
		ops.EventQueueDepth.WithLabelValues(key).Set(float64(len(e.commands)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.gateway.Events():
			e.HandleBrokerEvent(ctx, ev)
		case cmd := <-e.commands:
			cmd()
		case <-ticker.C:
			e.HandleTick(ctx, time.Now())
		}
	}
}

// RequestEntry asks the loop to submit a new entry.
func (e *Engine) RequestEntry(ctx context.Context, req EntryRequest) {
	e.commands <- func() {
		if err := e.SubmitEntry(ctx, req); err != nil {
			e.logger.Printf("Entry request declined: %v", err)
		}
	}
}

// RequestClose asks the loop to close the position at the operator's request.
func (e *Engine) RequestClose(ctx context.Context) {
	e.commands <- func() {
		if err := e.ManualClose(ctx); err != nil {
			e.logger.Printf("Manual close declined: %v", err)
		}
	}
}

// RequestReconcile asks the loop to re-check ownership against the broker.
func (e *Engine) RequestReconcile(ctx context.Context) {
	e.commands <- func() {
		if _, err := e.reconciler.Reconcile(ctx, e.snap, e.pos); err != nil {
			e.logger.Printf("Reconciliation failed: %v", err)
		}
		e.syncOpenGauge()
		e.persist()
	}
}

// SubmitEntry submits an entry order if the daily gate and lifecycle allow.
func (e *Engine) SubmitEntry(ctx context.Context, req EntryRequest) error {
	if e.protectOnly.Load() {
		return fmt.Errorf("protect-only mode: not entering")
	}
	if e.snap.EntryAttemptedToday {
		return fmt.Errorf("entry already attempted on %s", e.snap.TradingDay)
	}
	if got := e.pos.CurrentState(); got != models.LifecycleIdle {
		return fmt.Errorf("position is %s, not idle", got)
	}

	correlationID := uuid.New().String()
	e.retry = &entryRetry{req: req, correlationID: correlationID, awaitingEvent: true}
	return e.submitEntryAttempt(ctx)
}

// submitEntryAttempt places one entry order for the active retry.
func (e *Engine) submitEntryAttempt(ctx context.Context) error {
	r := e.retry
	order, err := e.tracker.Submit(ctx, orders.SubmitRequest{
		Purpose:       models.PurposeEntry,
		Side:          r.req.Side,
		InstrumentKey: e.cfg.InstrumentKey,
		Legs:          r.req.Legs,
		Quantity:      r.req.Quantity,
		LimitPrice:    r.req.LimitPrice,
		CorrelationID: r.correlationID,
		Attempt:       e.tracker.EntryAttempts(r.correlationID) + 1,
	})
	if err != nil {
		e.onEntryAttemptDead(time.Now())
		e.persist()
		return fmt.Errorf("entry submission: %w", err)
	}

	if e.pos.CurrentState() == models.LifecycleIdle {
		e.pos.CorrelationID = r.correlationID
		e.pos.EntrySide = r.req.Side
		if err := e.pos.TransitionState(models.LifecycleEntryPending, "entry_submitted"); err != nil {
			return err
		}
	}
	e.pos.AddOpenOrder(order.ID)
	r.awaitingEvent = true
	e.persist()
	return nil
}

// ManualClose submits an operator-requested close for an open position.
func (e *Engine) ManualClose(ctx context.Context) error {
	if e.pos.CurrentState() != models.LifecycleOpen {
		return fmt.Errorf("position is %s, nothing to close", e.pos.CurrentState())
	}
	quote, err := e.gateway.GetQuote(ctx, e.cfg.InstrumentKey)
	if err != nil {
		return fmt.Errorf("quoting for manual close: %w", err)
	}
	if err := e.exits.InitiateClose(ctx, e.pos, models.TriggerManual, quote); err != nil {
		return err
	}
	e.persist()
	return nil
}

// HandleTick runs the periodic work: rollover, entry retries and
// timeouts, and exit supervision against a fresh quote.
func (e *Engine) HandleTick(ctx context.Context, now time.Time) {
	e.rollover(now)
	e.cancelTimedOutEntries(ctx, now)
	e.retryEntryIfDue(ctx, now)

	if e.pos.CurrentState() != models.LifecycleIdle {
		quote, err := e.gateway.GetQuote(ctx, e.cfg.InstrumentKey)
		if err != nil {
			e.logger.Printf("Quote unavailable for %s: %v", e.cfg.InstrumentKey, err)
		} else if err := e.exits.Evaluate(ctx, e.pos, quote); err != nil {
			e.logger.Printf("Exit evaluation failed for %s: %v", e.pos.Key(), err)
		}
	}

	e.syncOpenGauge()
	e.persist()
}

// HandleBrokerEvent applies one broker event and runs every consequence
// of it: ledger fills, trade confirmation, retries, and close completion.
func (e *Engine) HandleBrokerEvent(ctx context.Context, ev broker.OrderEvent) {
	applied, err := e.tracker.OnBrokerEvent(ev)
	if err != nil {
		e.logger.Printf("Ignoring broker event for order %s: %v", ev.OrderID, err)
		return
	}
	if applied.Duplicate {
		return
	}
	order := applied.Order

	if applied.FillDelta > 0 {
		e.applyFillDelta(order, applied.FillDelta, ev)
	}

	// After fill booking, so an entry fill's own commission lands on the
	// trade record it just created.
	if ev.Commission > 0 && e.pos.TradeID != "" && ev.ExecutionID != "" {
		if err := e.journal.AddCommission(e.pos.TradeID, ev.ExecutionID, ev.Commission); err != nil {
			e.logger.Printf("Failed to record commission for %s: %v", e.pos.TradeID, err)
		}
	}

	switch order.Purpose {
	case models.PurposeEntry:
		e.handleEntryEvent(ctx, order)
	default:
		e.handleCloseEvent(order)
	}

	e.syncOpenGauge()
	e.persist()
}

// applyFillDelta books newly executed quantity into the ledger. Leg
// deltas derive from the order's leg specs: an entry adds exposure along
// the spec ratios, a close removes it.
func (e *Engine) applyFillDelta(order *models.Order, delta float64, ev broker.OrderEvent) {
	legs := e.tracker.Legs(order.ID)
	if len(legs) == 0 {
		e.logger.Printf("Order %s filled %.2f but has no leg specs; ledger not updated", order.ID, delta)
		return
	}

	direction := 1.0
	if order.Purpose != models.PurposeEntry {
		direction = -1
	}

	legPrices := make(map[string]float64, len(ev.LegFills))
	for _, lf := range ev.LegFills {
		legPrices[lf.Instrument] = lf.AvgPrice
	}

	deltas := make([]ledger.LegDelta, 0, len(legs))
	for _, spec := range legs {
		deltas = append(deltas, ledger.LegDelta{
			Instrument:  spec.Instrument,
			Ratio:       spec.Ratio,
			SignedDelta: direction * float64(spec.Ratio) * delta,
			AvgPrice:    legPrices[spec.Instrument],
		})
	}
	if err := e.ledger.ApplyFills(e.cfg.StrategyID, e.cfg.InstrumentKey, deltas); err != nil {
		e.logger.Printf("Failed to book fills for order %s: %v", order.ID, err)
	}

	if order.Purpose != models.PurposeEntry {
		return
	}
	e.pos.EntryPrice = order.AvgFillPrice

	// The first confirmed entry contract creates the trade record; a
	// submission never does. Later fills on the same entry re-size it,
	// so the journal row always carries the cumulative quantity.
	if e.pos.TradeID == "" {
		tradeID, err := e.journal.OnEntryConfirmed(journal.EntryFill{
			StrategyID:    e.cfg.StrategyID,
			InstrumentKey: e.cfg.InstrumentKey,
			CorrelationID: order.CorrelationID,
			Quantity:      order.FilledQuantity,
			AvgPrice:      order.AvgFillPrice,
			FilledAt:      ev.Timestamp,
		})
		if err != nil {
			e.logger.Printf("Failed to open trade record for %s: %v", order.CorrelationID, err)
			return
		}
		e.pos.TradeID = tradeID
		ops.TradesOpenedTotal.Inc()
		return
	}

	if err := e.journal.UpdateEntry(e.pos.TradeID, order.FilledQuantity, order.AvgFillPrice); err != nil {
		e.logger.Printf("Failed to re-size trade %s after fill: %v", e.pos.TradeID, err)
	}
}

// handleEntryEvent reacts to an entry order's progress.
func (e *Engine) handleEntryEvent(ctx context.Context, order *models.Order) {
	if !order.State.IsTerminal() {
		return
	}
	e.pos.RemoveOpenOrder(order.ID)

	if order.FilledQuantity > 0 {
		condition := "entry_filled"
		if !order.IsCompletelyFilled() {
			condition = "entry_partial_final"
		}
		if e.pos.CurrentState() == models.LifecycleEntryPending {
			if err := e.pos.TransitionState(models.LifecycleOpen, condition); err != nil {
				e.logger.Printf("Entry transition failed: %v", err)
				return
			}
		}
		// The daily gate closes only on a confirmed fill, never on a
		// submission that went nowhere.
		e.snap.EntryAttemptedToday = true
		e.retry = nil
		e.logger.Printf("Entry confirmed for %s: %.2f @ %.2f (trade %s)",
			e.pos.Key(), order.FilledQuantity, order.AvgFillPrice, e.pos.TradeID)
		return
	}

	// Dead with nothing filled: rejected, canceled, or expired.
	if order.State == models.OrderRejected {
		e.notifier.Notify(ops.Alert{
			Kind:          ops.AlertOrderRejected,
			StrategyID:    e.cfg.StrategyID,
			InstrumentKey: e.cfg.InstrumentKey,
			Message:       fmt.Sprintf("entry order %s rejected (attempt %d)", order.ID, order.Attempt),
		})
	}
	e.onEntryAttemptDead(time.Now())
}

// onEntryAttemptDead returns the position to idle and either schedules a
// retry or, with the budget spent, closes the daily gate.
func (e *Engine) onEntryAttemptDead(now time.Time) {
	if e.pos.CurrentState() == models.LifecycleEntryPending {
		condition := "entry_failed"
		if e.retry != nil && e.tracker.EntryBudgetExhausted(e.retry.correlationID) {
			condition = "entry_abandoned"
		}
		if err := e.pos.TransitionState(models.LifecycleIdle, condition); err != nil {
			e.logger.Printf("Entry teardown transition failed: %v", err)
		}
	}

	if e.retry == nil {
		return
	}
	if e.tracker.EntryBudgetExhausted(e.retry.correlationID) {
		// Spending the whole budget counts as today's attempt: without
		// this the loop would hammer the broker all day.
		e.snap.EntryAttemptedToday = true
		e.notifier.Notify(ops.Alert{
			Kind:          ops.AlertEntryExhausted,
			StrategyID:    e.cfg.StrategyID,
			InstrumentKey: e.cfg.InstrumentKey,
			Message: fmt.Sprintf("entry retry budget exhausted after %d attempts",
				e.tracker.EntryAttempts(e.retry.correlationID)),
		})
		e.retry = nil
		return
	}

	e.retry.backoff = e.tracker.NextBackoff(e.retry.backoff)
	e.retry.resubmitAt = now.Add(e.retry.backoff)
	e.retry.awaitingEvent = false
	e.logger.Printf("Entry attempt failed; retrying in %s", e.retry.backoff)
}

// retryEntryIfDue resubmits a failed entry once its backoff elapses,
// re-priced against the current market.
func (e *Engine) retryEntryIfDue(ctx context.Context, now time.Time) {
	if e.retry == nil || e.retry.awaitingEvent || now.Before(e.retry.resubmitAt) {
		return
	}
	if e.pos.CurrentState() != models.LifecycleIdle {
		return
	}

	if quote, err := e.gateway.GetQuote(ctx, e.cfg.InstrumentKey); err == nil && quote.Mid() > 0 {
		e.retry.req.LimitPrice = util.RoundToTick(quote.Mid(), e.cfg.Tick)
	}
	if err := e.submitEntryAttempt(ctx); err != nil {
		e.logger.Printf("Entry retry failed: %v", err)
	}
}

// cancelTimedOutEntries cancels entry orders that outlived the fill
// timeout. The cancel confirmation, not this call, drives the retry.
func (e *Engine) cancelTimedOutEntries(ctx context.Context, now time.Time) {
	for _, order := range e.tracker.TimedOut(now, models.PurposeEntry) {
		e.notifier.Notify(ops.Alert{
			Kind:          ops.AlertOrderTimedOut,
			StrategyID:    e.cfg.StrategyID,
			InstrumentKey: e.cfg.InstrumentKey,
			Message:       fmt.Sprintf("entry order %s unfilled after timeout; canceling", order.ID),
		})
		if err := e.tracker.Cancel(ctx, order.ID); err != nil {
			e.logger.Printf("Failed to cancel timed-out entry %s: %v", order.ID, err)
		}
	}
}

// handleCloseEvent reacts to a closing order's progress.
func (e *Engine) handleCloseEvent(order *models.Order) {
	if !order.State.IsTerminal() {
		return
	}

	tradeID := e.pos.TradeID
	closed, err := e.exits.OnCloseOrderTerminal(e.pos, order)
	if err != nil {
		e.logger.Printf("Close teardown failed for %s: %v", order.ID, err)
		return
	}
	if closed {
		e.finalizeClosedTradeWithOrder(tradeID, order)
	}
}

// finalizeClosedTrade looks the closing order up and finalizes the trade.
func (e *Engine) finalizeClosedTrade(tradeID, closingOrderID string) {
	order, ok := e.tracker.Get(closingOrderID)
	if !ok {
		e.logger.Printf("Closing order %s not tracked; finalizing trade %s without fill price",
			tradeID, closingOrderID)
		order = &models.Order{}
	}
	e.finalizeClosedTradeWithOrder(tradeID, order)
}

// finalizeClosedTradeWithOrder writes the trade's final row.
func (e *Engine) finalizeClosedTradeWithOrder(tradeID string, order *models.Order) {
	if tradeID == "" {
		return
	}

	perUnit := e.pos.EntryPrice - order.AvgFillPrice
	if e.pos.EntrySide == models.SideBuy {
		perUnit = -perUnit
	}
	pnl := perUnit * order.FilledQuantity

	err := e.journal.OnExitConfirmed(journal.ExitFill{
		TradeID:    tradeID,
		AvgPrice:   order.AvgFillPrice,
		PnL:        pnl,
		ExitReason: exitReason(order.Purpose),
		ClosedAt:   time.Now().UTC(),
	})
	if err != nil {
		e.logger.Printf("Failed to finalize trade %s: %v", tradeID, err)
		return
	}
	ops.TradesClosedTotal.Inc()
	e.logger.Printf("Trade %s closed: exit %.2f, pnl %.2f", tradeID, order.AvgFillPrice, pnl)
}

func exitReason(purpose models.OrderPurpose) string {
	switch purpose {
	case models.PurposeStopLoss:
		return "stop_loss"
	case models.PurposeTakeProfit:
		return "take_profit"
	default:
		return "manual"
	}
}

// rollover runs the lazy daily reset when the trading day changes. An
// overnight position survives; closed and idle state is wiped for a
// fresh day.
func (e *Engine) rollover(now time.Time) {
	day := now.In(e.cfg.Location).Format("2006-01-02")
	if e.snap.TradingDay == day {
		return
	}

	e.logger.Printf("Trading day rollover: %q -> %q", e.snap.TradingDay, day)
	if e.pos.CurrentState() == models.LifecycleClosed {
		if err := e.pos.TransitionState(models.LifecycleIdle, "day_reset"); err != nil {
			e.logger.Printf("Day reset transition failed: %v", err)
		}
	}
	e.snap.Position = e.pos
	e.snap.ResetForDay(day)
	if e.snap.Position == nil {
		// The position was finished; start the day with a clean one.
		e.ledger.Remove(e.cfg.StrategyID, e.cfg.InstrumentKey)
		e.pos = e.ledger.GetOrCreate(e.cfg.StrategyID, e.cfg.InstrumentKey)
	}
	e.retry = nil
}

// persist writes the snapshot synchronously. A failure flips the engine
// into protect-only mode: exits keep running, new entries stop, and
// health reports degraded until a write succeeds again.
func (e *Engine) persist() {
	e.snap.SyncFromPosition(e.pos)
	if err := e.store.Save(e.snap); err != nil {
		ops.StateWriteFailures.Inc()
		if e.protectOnly.CompareAndSwap(false, true) {
			e.notifier.Notify(ops.Alert{
				Kind:          ops.AlertPersistenceFailure,
				StrategyID:    e.cfg.StrategyID,
				InstrumentKey: e.cfg.InstrumentKey,
				Message:       fmt.Sprintf("snapshot write failed, entering protect-only mode: %v", err),
			})
		}
		e.logger.Printf("Snapshot write failed: %v", err)
		return
	}
	if e.protectOnly.CompareAndSwap(true, false) {
		e.logger.Printf("Snapshot writes recovered; leaving protect-only mode")
	}
}

func (e *Engine) syncOpenGauge() {
	switch e.pos.CurrentState() {
	case models.LifecycleOpen, models.LifecycleClosing, models.LifecycleClosingFailed:
		ops.OpenPositions.Set(1)
	default:
		ops.OpenPositions.Set(0)
	}
}

// Position returns the loop's live position. The Run loop mutates it:
// only loop context (commands, handlers) and single-threaded tests may
// hold the pointer.
func (e *Engine) Position() *models.Position {
	return e.pos
}

// Snapshot returns the loop's live persisted state, under the same
// ownership rule as Position.
func (e *Engine) Snapshot() *models.PersistedState {
	return e.snap
}
