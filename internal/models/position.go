package models

import (
	"fmt"
	"math"
	"time"
)

// ExitTrigger identifies which exit condition drove a closing order.
type ExitTrigger string

const (
	TriggerNone       ExitTrigger = ""
	TriggerStopLoss   ExitTrigger = "stop_loss"
	TriggerTakeProfit ExitTrigger = "take_profit"
	TriggerManual     ExitTrigger = "manual"
)

// Leg is one instrument of a multi-leg position. Ratio is the signed
// per-unit quantity the spread calls for (e.g. -1 for a short leg),
// SignedQuantity is what has actually filled.
type Leg struct {
	Instrument     string  `json:"instrument"`
	Ratio          int     `json:"ratio"`
	SignedQuantity float64 `json:"signed_quantity"`
	AvgPrice       float64 `json:"avg_price"`
}

// QuantityResult is the outcome of computing a position's effective
// quantity. A spread whose legs disagree yields a broken result that
// callers must handle explicitly; it is never reported as flat.
type QuantityResult struct {
	qty    float64
	broken bool
	detail string
}

// ConsistentQuantity builds a result for a position whose legs agree.
func ConsistentQuantity(qty float64) QuantityResult {
	return QuantityResult{qty: qty}
}

// BrokenQuantity builds a result for a position whose legs disagree.
func BrokenQuantity(detail string) QuantityResult {
	return QuantityResult{broken: true, detail: detail}
}

// Consistent returns the effective quantity and true when the legs agree.
func (r QuantityResult) Consistent() (float64, bool) {
	if r.broken {
		return 0, false
	}
	return r.qty, true
}

// IsBroken reports whether the legs were inconsistent.
func (r QuantityResult) IsBroken() bool {
	return r.broken
}

// Detail describes the inconsistency for a broken result.
func (r QuantityResult) Detail() string {
	return r.detail
}

func (r QuantityResult) String() string {
	if r.broken {
		return fmt.Sprintf("broken(%s)", r.detail)
	}
	return fmt.Sprintf("consistent(%.4f)", r.qty)
}

// Position is the authoritative record of what one strategy instance owns
// for one instrument key. Quantities derive solely from confirmed fills,
// never from submissions.
type Position struct {
	StrategyID    string `json:"strategy_id"`
	InstrumentKey string `json:"instrument_key"`
	CorrelationID string `json:"correlation_id"`
	TradeID       string `json:"trade_id"`

	Legs       map[string]*Leg `json:"legs"`
	EntrySide  OrderSide       `json:"entry_side,omitempty"`
	EntryPrice float64         `json:"entry_price"` // volume-weighted net price per unit

	OpenOrders     map[string]struct{} `json:"open_orders"`
	ClosingOrderID string              `json:"closing_order_id,omitempty"`
	ActiveTrigger  ExitTrigger         `json:"active_trigger,omitempty"`

	// State is the canonical persisted lifecycle state. Lifecycle is the
	// runtime machine; it is rebuilt from State after a snapshot load.
	State     PositionLifecycle `json:"state"`
	Lifecycle *LifecycleMachine `json:"-"`

	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// NewPosition creates an idle position for a strategy/instrument pair.
func NewPosition(strategyID, instrumentKey string) *Position {
	return &Position{
		StrategyID:    strategyID,
		InstrumentKey: instrumentKey,
		Legs:          make(map[string]*Leg),
		OpenOrders:    make(map[string]struct{}),
		State:         LifecycleIdle,
		Lifecycle:     NewLifecycleMachine(),
	}
}

// ensureMachine rebuilds the runtime machine from the canonical state,
// needed after JSON deserialization.
func (p *Position) ensureMachine() {
	if p.Lifecycle == nil {
		p.Lifecycle = RestoreLifecycleMachine(p.State)
	}
	if p.Legs == nil {
		p.Legs = make(map[string]*Leg)
	}
	if p.OpenOrders == nil {
		p.OpenOrders = make(map[string]struct{})
	}
}

// CurrentState returns the current lifecycle state.
func (p *Position) CurrentState() PositionLifecycle {
	p.ensureMachine()
	return p.Lifecycle.Current()
}

// TransitionState performs a lifecycle transition and keeps the canonical
// persisted state in sync with the machine.
func (p *Position) TransitionState(to PositionLifecycle, condition string) error {
	p.ensureMachine()
	if err := p.Lifecycle.Transition(to, condition); err != nil {
		return err
	}
	p.State = to
	if to == LifecycleClosed || to == LifecycleIdle {
		p.clearNonActiveFields()
	}
	return nil
}

// clearNonActiveFields drops fields that only make sense while a trade is
// live, so a closed snapshot cannot leak stale references into a new day.
func (p *Position) clearNonActiveFields() {
	p.OpenOrders = make(map[string]struct{})
	p.ClosingOrderID = ""
	p.ActiveTrigger = TriggerNone
	if p.State == LifecycleIdle {
		p.Legs = make(map[string]*Leg)
		p.CorrelationID = ""
		p.TradeID = ""
		p.EntrySide = ""
		p.EntryPrice = 0
		p.OpenedAt = time.Time{}
	}
}

// ApplyFill records a signed fill quantity against a leg, creating the leg
// on first touch. avgPrice is the leg's cumulative average fill price.
func (p *Position) ApplyFill(instrument string, ratio int, signedQty, avgPrice float64) {
	p.ensureMachine()
	leg, ok := p.Legs[instrument]
	if !ok {
		leg = &Leg{Instrument: instrument, Ratio: ratio}
		p.Legs[instrument] = leg
	}
	leg.SignedQuantity += signedQty
	if avgPrice != 0 {
		leg.AvgPrice = avgPrice
	}
}

// EffectiveQuantity computes how many spread units are actually on,
// derived from per-leg fills. Legs whose fills do not form a consistent
// number of units yield a broken result.
func (p *Position) EffectiveQuantity() QuantityResult {
	p.ensureMachine()
	if len(p.Legs) == 0 {
		return ConsistentQuantity(0)
	}

	units := math.NaN()
	for _, leg := range p.Legs {
		if leg.Ratio == 0 {
			return BrokenQuantity(fmt.Sprintf("leg %s has zero ratio", leg.Instrument))
		}
		legUnits := leg.SignedQuantity / float64(leg.Ratio)
		if legUnits < -fillEpsilon {
			return BrokenQuantity(fmt.Sprintf("leg %s holds %.4f against ratio %d",
				leg.Instrument, leg.SignedQuantity, leg.Ratio))
		}
		if math.IsNaN(units) {
			units = legUnits
			continue
		}
		if math.Abs(legUnits-units) > fillEpsilon {
			return BrokenQuantity(fmt.Sprintf("leg %s carries %.4f units, others carry %.4f",
				leg.Instrument, legUnits, units))
		}
	}

	if units < fillEpsilon {
		return ConsistentQuantity(0)
	}
	return ConsistentQuantity(units)
}

// IsFlat reports whether the position provably holds no exposure.
// A broken spread is never flat.
func (p *Position) IsFlat() bool {
	qty, ok := p.EffectiveQuantity().Consistent()
	return ok && qty == 0
}

// StopLossTriggered reports whether a stop-loss close is live or pending
// re-arm for this position.
func (p *Position) StopLossTriggered() bool {
	return p.ActiveTrigger == TriggerStopLoss
}

// TakeProfitTriggered reports whether a take-profit close is live or
// pending re-arm for this position.
func (p *Position) TakeProfitTriggered() bool {
	return p.ActiveTrigger == TriggerTakeProfit
}

// AddOpenOrder records an order id as working for this position.
func (p *Position) AddOpenOrder(orderID string) {
	p.ensureMachine()
	p.OpenOrders[orderID] = struct{}{}
}

// RemoveOpenOrder drops a terminal order id from the working set.
func (p *Position) RemoveOpenOrder(orderID string) {
	p.ensureMachine()
	delete(p.OpenOrders, orderID)
}

// HasOpenOrders reports whether any order is still working.
func (p *Position) HasOpenOrders() bool {
	p.ensureMachine()
	return len(p.OpenOrders) > 0
}

// Key returns the ownership key for this position.
func (p *Position) Key() string {
	return p.StrategyID + "/" + p.InstrumentKey
}

// Validate checks cross-field invariants for the current lifecycle state.
func (p *Position) Validate() error {
	p.ensureMachine()

	if p.StrategyID == "" {
		return fmt.Errorf("position missing strategy id")
	}
	if p.InstrumentKey == "" {
		return fmt.Errorf("position missing instrument key")
	}
	if p.State != p.Lifecycle.Current() {
		return fmt.Errorf("canonical state %s disagrees with machine state %s",
			p.State, p.Lifecycle.Current())
	}

	switch p.State {
	case LifecycleOpen, LifecycleClosing, LifecycleClosingFailed:
		if p.TradeID == "" {
			return fmt.Errorf("position in state %s has no trade id", p.State)
		}
		if p.CorrelationID == "" {
			return fmt.Errorf("position in state %s has no correlation id", p.State)
		}
	case LifecycleEntryPending:
		if p.CorrelationID == "" {
			return fmt.Errorf("entry pending with no correlation id")
		}
		if p.TradeID != "" {
			return fmt.Errorf("trade id %s assigned before any confirmed fill", p.TradeID)
		}
	case LifecycleIdle:
		if len(p.Legs) > 0 {
			return fmt.Errorf("idle position still carries %d legs", len(p.Legs))
		}
	}

	if p.State == LifecycleClosing && p.ClosingOrderID == "" {
		return fmt.Errorf("closing state with no closing order id")
	}
	if p.State == LifecycleClosing && p.ActiveTrigger == TriggerNone {
		return fmt.Errorf("closing state with no active trigger")
	}

	return p.Lifecycle.ValidateConsistency()
}

// Copy creates a deep copy of the position.
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Legs = make(map[string]*Leg, len(p.Legs))
	for k, v := range p.Legs {
		leg := *v
		cp.Legs[k] = &leg
	}
	cp.OpenOrders = make(map[string]struct{}, len(p.OpenOrders))
	for k := range p.OpenOrders {
		cp.OpenOrders[k] = struct{}{}
	}
	cp.Lifecycle = p.Lifecycle.Copy()
	return &cp
}
