// Package exits supervises open positions: on every tick it evaluates
// stop-loss and take-profit conditions and drives closing orders through
// the order tracker.
//
// All methods are called from the per-key engine loop only; the
// supervisor holds no lock of its own.
package exits

import (
	"context"
	"fmt"
	"log"

	"github.com/halcyonlabs/spreadkeeper/internal/broker"
	"github.com/halcyonlabs/spreadkeeper/internal/journal"
	"github.com/halcyonlabs/spreadkeeper/internal/models"
	"github.com/halcyonlabs/spreadkeeper/internal/ops"
	"github.com/halcyonlabs/spreadkeeper/internal/orders"
	"github.com/halcyonlabs/spreadkeeper/internal/util"
)

// Config controls exit triggers and close-order pricing.
type Config struct {
	// StopLossPct triggers a close when the loss reaches this percent of
	// the entry price.
	StopLossPct float64
	// TakeProfitPct triggers a close when the gain reaches this percent
	// of the entry price.
	TakeProfitPct float64
	// WalkStep is how far a close limit moves toward (then through) the
	// market on each failed or re-priced attempt.
	WalkStep float64
	// Tick is the instrument's price increment.
	Tick float64
	// MarketFallbackTicks is the number of genuinely failed close
	// attempts before a stop-loss close converts to a market order.
	// Cancels issued only to re-price do not count.
	MarketFallbackTicks int
	// RepriceTakeProfit re-prices a resting take-profit limit toward the
	// market on successive evaluations instead of freezing at the
	// original target.
	RepriceTakeProfit bool
	// MinPrice floors close limit prices.
	MinPrice float64
}

// DefaultConfig is used when no config is provided.
var DefaultConfig = Config{
	StopLossPct:         100,
	TakeProfitPct:       40,
	WalkStep:            0.05,
	Tick:                0.05,
	MarketFallbackTicks: 5,
	RepriceTakeProfit:   true,
	MinPrice:            0.05,
}

// Supervisor evaluates exit conditions and manages closing orders.
type Supervisor struct {
	tracker  *orders.Tracker
	journal  journal.Recorder
	notifier ops.Notifier
	logger   *log.Logger
	config   Config

	// brokenAlerted suppresses repeat broken-position alerts per key.
	brokenAlerted map[string]bool
	// repriceCancels marks close orders canceled only to re-price; their
	// terminal events re-arm without consuming the failure budget.
	repriceCancels map[string]bool
	// reprices counts confirmed re-price cancels per position key, so
	// escalation can be measured in genuine failures.
	reprices map[string]int
}

// NewSupervisor creates a supervisor.
func NewSupervisor(tracker *orders.Tracker, journal journal.Recorder,
	notifier ops.Notifier, logger *log.Logger, config ...Config) *Supervisor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MinPrice == 0 {
		cfg.MinPrice = DefaultConfig.MinPrice
	}

	return &Supervisor{
		tracker:        tracker,
		journal:        journal,
		notifier:       notifier,
		logger:         logger,
		config:         cfg,
		brokenAlerted:  make(map[string]bool),
		repriceCancels: make(map[string]bool),
		reprices:       make(map[string]int),
	}
}

// Evaluate runs one evaluation tick for a position against a live quote.
func (s *Supervisor) Evaluate(ctx context.Context, pos *models.Position, quote broker.Quote) error {
	switch pos.CurrentState() {
	case models.LifecycleOpen:
		return s.evaluateOpen(ctx, pos, quote)
	case models.LifecycleClosing:
		return s.evaluateClosing(ctx, pos, quote)
	default:
		return nil
	}
}

// evaluateOpen checks triggers for an open position.
func (s *Supervisor) evaluateOpen(ctx context.Context, pos *models.Position, quote broker.Quote) error {
	result := pos.EffectiveQuantity()
	qty, ok := result.Consistent()
	if !ok {
		s.alertBroken(pos, result.Detail())
		return nil
	}
	if qty == 0 {
		return nil
	}

	pnlPerUnit := s.unrealizedPerUnit(pos, quote)
	totalPnL := pnlPerUnit * qty

	if pos.TradeID != "" {
		if err := s.journal.UpdateLiveMetrics(pos.TradeID, totalPnL); err != nil {
			s.logger.Printf("Failed to update live metrics for trade %s: %v", pos.TradeID, err)
		}
	}

	trigger := s.checkTriggers(pos, pnlPerUnit)
	if trigger == models.TriggerNone {
		return nil
	}

	s.logger.Printf("Exit trigger %s for %s: pnl/unit %.2f against entry %.2f",
		trigger, pos.Key(), pnlPerUnit, pos.EntryPrice)
	return s.InitiateClose(ctx, pos, trigger, quote)
}

// checkTriggers applies the configured floor/ceiling to the per-unit P&L.
func (s *Supervisor) checkTriggers(pos *models.Position, pnlPerUnit float64) models.ExitTrigger {
	if pos.EntryPrice == 0 {
		return models.TriggerNone
	}

	lossFloor := -pos.EntryPrice * s.config.StopLossPct / 100
	profitCeiling := pos.EntryPrice * s.config.TakeProfitPct / 100

	switch {
	case pnlPerUnit <= lossFloor:
		return models.TriggerStopLoss
	case pnlPerUnit >= profitCeiling:
		return models.TriggerTakeProfit
	default:
		return models.TriggerNone
	}
}

// unrealizedPerUnit computes the per-unit P&L from the live quote. For a
// credit position (entered short) profit is entry minus the cost to
// close; for a debit position it is the reverse.
func (s *Supervisor) unrealizedPerUnit(pos *models.Position, quote broker.Quote) float64 {
	mid := quote.Mid()
	if pos.EntrySide == models.SideSell {
		return pos.EntryPrice - mid
	}
	return mid - pos.EntryPrice
}

// InitiateClose cancels working entry orders and submits a closing order.
func (s *Supervisor) InitiateClose(ctx context.Context, pos *models.Position,
	trigger models.ExitTrigger, quote broker.Quote) error {
	result := pos.EffectiveQuantity()
	qty, ok := result.Consistent()
	if !ok {
		s.alertBroken(pos, result.Detail())
		return nil
	}
	if qty == 0 {
		return nil
	}

	// Any still-working entry order must die before the close goes out,
	// or a late entry fill would grow the position mid-close.
	for _, working := range s.tracker.PendingOrders(pos.InstrumentKey) {
		if working.Purpose == models.PurposeEntry {
			if err := s.tracker.Cancel(ctx, working.ID); err != nil {
				s.logger.Printf("Failed to cancel working entry %s before close: %v", working.ID, err)
			}
		}
	}

	limit := s.closePrice(pos, trigger, quote)
	var purpose models.OrderPurpose
	var condition string
	switch trigger {
	case models.TriggerTakeProfit:
		purpose, condition = models.PurposeTakeProfit, "take_profit_triggered"
	case models.TriggerManual:
		purpose, condition = models.PurposeExit, "manual_exit"
	default:
		purpose, condition = models.PurposeStopLoss, "stop_loss_triggered"
	}

	closeOrder, err := s.tracker.Submit(ctx, orders.SubmitRequest{
		Purpose:       purpose,
		Side:          oppositeSide(pos.EntrySide),
		InstrumentKey: pos.InstrumentKey,
		Legs:          closingLegs(pos),
		Quantity:      qty,
		LimitPrice:    limit,
		CorrelationID: pos.CorrelationID,
		Attempt:       pos.Lifecycle.CloseFailureCount() + 1,
	})
	if err != nil {
		return fmt.Errorf("submitting close for %s: %w", pos.Key(), err)
	}

	pos.ActiveTrigger = trigger
	pos.ClosingOrderID = closeOrder.ID
	pos.AddOpenOrder(closeOrder.ID)
	if err := pos.TransitionState(models.LifecycleClosing, condition); err != nil {
		return fmt.Errorf("entering closing state for %s: %w", pos.Key(), err)
	}

	ops.ExitsTriggeredTotal.WithLabelValues(string(trigger)).Inc()
	s.logger.Printf("Closing %s: %s order %s, qty %.2f @ %s",
		pos.Key(), trigger, closeOrder.ID, qty, formatLimit(limit))
	return nil
}

// closePrice prices the closing order. Each prior failed attempt walks
// the price one step through the market; a stop-loss past the fallback
// budget goes out as a market order.
func (s *Supervisor) closePrice(pos *models.Position, trigger models.ExitTrigger, quote broker.Quote) float64 {
	attempts := pos.Lifecycle.CloseFailureCount()
	mid := quote.Mid()

	// The price the closer concedes toward depends on direction: a short
	// position buys back (pay more), a long position sells (accept less).
	aggression := 1.0
	if pos.EntrySide == models.SideBuy {
		aggression = -1
	}

	if trigger == models.TriggerTakeProfit && !s.config.RepriceTakeProfit {
		target := s.takeProfitTarget(pos)
		return util.RoundToTick(target, s.config.Tick)
	}

	var base float64
	switch trigger {
	case models.TriggerTakeProfit:
		// Start at the theoretical target, walk toward the market as
		// attempts fail.
		base = s.takeProfitTarget(pos)
		walked := util.WalkToward(base, mid, float64(attempts)*s.config.WalkStep, s.config.Tick)
		return maxPrice(walked, s.config.MinPrice)
	default:
		if s.closeFailures(pos) >= s.config.MarketFallbackTicks {
			return 0 // market
		}
		// Start at the market and concede one step per prior attempt.
		base = mid + aggression*float64(attempts+1)*s.config.WalkStep
		return maxPrice(util.RoundToTick(base, s.config.Tick), s.config.MinPrice)
	}
}

// takeProfitTarget is the close price that locks in the configured gain.
func (s *Supervisor) takeProfitTarget(pos *models.Position) float64 {
	if pos.EntrySide == models.SideSell {
		return pos.EntryPrice * (1 - s.config.TakeProfitPct/100)
	}
	return pos.EntryPrice * (1 + s.config.TakeProfitPct/100)
}

// evaluateClosing re-prices a resting close order toward the market while
// the position stays in closing. The cancel is asynchronous: the actual
// resubmission happens after the broker confirms, via the re-arm path.
func (s *Supervisor) evaluateClosing(ctx context.Context, pos *models.Position, quote broker.Quote) error {
	if pos.ClosingOrderID == "" {
		return nil
	}
	order, ok := s.tracker.Get(pos.ClosingOrderID)
	if !ok || order.State.IsTerminal() {
		return nil
	}
	if order.IsMarket() {
		return nil
	}

	if pos.ActiveTrigger == models.TriggerTakeProfit && !s.config.RepriceTakeProfit {
		return nil
	}

	target := s.nextWalkTarget(pos, quote)
	if priceEqual(target, order.LimitPrice, s.config.Tick) && target != 0 {
		return nil
	}

	// Cancel to re-price. The in-flight flag stays set until the cancel
	// is confirmed terminal; OnCloseOrderTerminal then re-arms and the
	// next tick resubmits closer to the market.
	s.logger.Printf("Re-pricing close %s for %s: limit %.2f -> %s",
		order.ID, pos.Key(), order.LimitPrice, formatLimit(target))
	if err := s.tracker.Cancel(ctx, order.ID); err != nil {
		return fmt.Errorf("canceling close %s to re-price: %w", order.ID, err)
	}
	s.repriceCancels[order.ID] = true
	return nil
}

// closeFailures is how many close attempts genuinely died, net of
// cancels issued only to re-price.
func (s *Supervisor) closeFailures(pos *models.Position) int {
	n := pos.Lifecycle.CloseFailureCount() - s.reprices[pos.Key()]
	if n < 0 {
		return 0
	}
	return n
}

// nextWalkTarget is where the close would be priced if resubmitted now.
func (s *Supervisor) nextWalkTarget(pos *models.Position, quote broker.Quote) float64 {
	// The resubmission after the cancel confirms will see one more
	// attempt recorded, so walk with attempts+1. The cancel itself is a
	// re-price, never a genuine failure, so the market-fallback check
	// stays on the current failure count.
	attempts := pos.Lifecycle.CloseFailureCount() + 1
	mid := quote.Mid()

	if pos.ActiveTrigger == models.TriggerTakeProfit {
		base := s.takeProfitTarget(pos)
		walked := util.WalkToward(base, mid, float64(attempts)*s.config.WalkStep, s.config.Tick)
		return maxPrice(walked, s.config.MinPrice)
	}

	if s.closeFailures(pos) >= s.config.MarketFallbackTicks {
		return 0
	}
	aggression := 1.0
	if pos.EntrySide == models.SideBuy {
		aggression = -1
	}
	base := mid + aggression*float64(attempts+1)*s.config.WalkStep
	return maxPrice(util.RoundToTick(base, s.config.Tick), s.config.MinPrice)
}

// OnCloseOrderTerminal handles the closing order reaching a terminal
// state. A fill completes the trade. A reject/cancel/expire resets both
// the in-flight state and the trigger that caused the close, so the next
// tick re-evaluates from scratch; forgetting either would permanently
// disable that exit path.
func (s *Supervisor) OnCloseOrderTerminal(pos *models.Position, order *models.Order) (closed bool, err error) {
	if order.ID != pos.ClosingOrderID {
		return false, nil
	}
	pos.RemoveOpenOrder(order.ID)
	reprice := s.repriceCancels[order.ID]
	delete(s.repriceCancels, order.ID)

	if order.IsCompletelyFilled() {
		if err := pos.TransitionState(models.LifecycleClosed, "close_filled"); err != nil {
			return false, err
		}
		delete(s.reprices, pos.Key())
		return true, nil
	}

	trigger := pos.ActiveTrigger
	if err := pos.TransitionState(models.LifecycleClosingFailed, "close_order_failed"); err != nil {
		return false, err
	}
	// Re-arm immediately: trigger cleared, back under supervision.
	pos.ActiveTrigger = models.TriggerNone
	pos.ClosingOrderID = ""
	if err := pos.TransitionState(models.LifecycleOpen, "re_armed"); err != nil {
		return false, err
	}

	// A cancel we issued to re-price advances the walk but says nothing
	// about fillability: it never counts toward escalation.
	if reprice {
		s.reprices[pos.Key()]++
		s.logger.Printf("Close order %s for %s canceled to re-price; %s re-armed (attempt %d)",
			order.ID, pos.Key(), trigger, pos.Lifecycle.CloseFailureCount())
		return false, nil
	}

	s.logger.Printf("Close order %s for %s ended %s without fill; %s re-armed (failure %d)",
		order.ID, pos.Key(), order.State, trigger, s.closeFailures(pos))

	if s.closeFailures(pos) >= s.config.MarketFallbackTicks {
		s.notifier.Notify(ops.Alert{
			Kind:          ops.AlertExitUnfillable,
			StrategyID:    pos.StrategyID,
			InstrumentKey: pos.InstrumentKey,
			Message: fmt.Sprintf("close attempt %d for %s ended %s; escalating to market",
				pos.Lifecycle.CloseFailureCount(), pos.Key(), order.State),
		})
	}
	return false, nil
}

// ResumeAfterRestart resolves a position restored in the closing state.
// The close order's true state is re-queried rather than assumed live; a
// terminal-non-fill close is re-armed so the next tick resubmits.
func (s *Supervisor) ResumeAfterRestart(ctx context.Context, pos *models.Position) (closed bool, err error) {
	if pos.CurrentState() != models.LifecycleClosing {
		return false, nil
	}
	if pos.ClosingOrderID == "" {
		// Snapshot says closing but carries no order id: nothing can be
		// resumed, re-arm and let the next tick decide.
		trigger := pos.ActiveTrigger
		if err := pos.TransitionState(models.LifecycleClosingFailed, "close_order_failed"); err != nil {
			return false, err
		}
		pos.ActiveTrigger = models.TriggerNone
		if err := pos.TransitionState(models.LifecycleOpen, "re_armed"); err != nil {
			return false, err
		}
		s.logger.Printf("Restored %s closing without an order id; %s re-armed", pos.Key(), trigger)
		return false, nil
	}

	applied, err := s.tracker.Resolve(ctx, pos.ClosingOrderID)
	if err != nil {
		return false, fmt.Errorf("resolving close order %s: %w", pos.ClosingOrderID, err)
	}

	if !applied.Order.State.IsTerminal() {
		// Still working: stay in closing and keep supervising.
		s.tracker.Track(applied.Order, nil)
		s.logger.Printf("Close order %s for %s still live after restart", applied.Order.ID, pos.Key())
		return false, nil
	}

	return s.OnCloseOrderTerminal(pos, applied.Order)
}

func (s *Supervisor) alertBroken(pos *models.Position, detail string) {
	if s.brokenAlerted[pos.Key()] {
		return
	}
	s.brokenAlerted[pos.Key()] = true
	s.notifier.Notify(ops.Alert{
		Kind:          ops.AlertBrokenPosition,
		StrategyID:    pos.StrategyID,
		InstrumentKey: pos.InstrumentKey,
		Message:       fmt.Sprintf("position %s has inconsistent legs: %s", pos.Key(), detail),
	})
}

// ClearBrokenAlert re-enables the broken alert after repair.
func (s *Supervisor) ClearBrokenAlert(key string) {
	delete(s.brokenAlerted, key)
}

func closingLegs(pos *models.Position) []broker.LegSpec {
	legs := make([]broker.LegSpec, 0, len(pos.Legs))
	for _, leg := range pos.Legs {
		legs = append(legs, broker.LegSpec{Instrument: leg.Instrument, Ratio: leg.Ratio})
	}
	return legs
}

func oppositeSide(side models.OrderSide) models.OrderSide {
	if side == models.SideSell {
		return models.SideBuy
	}
	return models.SideSell
}

func maxPrice(p, floor float64) float64 {
	if p < floor {
		return floor
	}
	return p
}

func priceEqual(a, b, tick float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < tick/2
}

func formatLimit(limit float64) string {
	if limit == 0 {
		return "market"
	}
	return fmt.Sprintf("%.2f", limit)
}
