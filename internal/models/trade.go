package models

import "time"

// TradeStatus is the journal-visible status of a trade record.
type TradeStatus string

const (
	TradeOpen     TradeStatus = "OPEN"
	TradeClosed   TradeStatus = "CLOSED"
	TradeCanceled TradeStatus = "CANCELED"
)

// TradeRecord is one logical position lifecycle from open to close.
// Exactly one record exists per correlation id; the id is generated at
// the first confirmed entry fill, never at submission.
type TradeRecord struct {
	TradeID       string      `json:"trade_id"`
	StrategyID    string      `json:"strategy_id"`
	InstrumentKey string      `json:"instrument_key"`
	CorrelationID string      `json:"correlation_id"`
	Status        TradeStatus `json:"status"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at,omitempty"`

	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`
	Commission float64 `json:"commission"`
	PnL        float64 `json:"pnl"`

	// Running excursion extremes for later stop tuning. Never consulted
	// for exit decisions.
	MaxUnrealizedProfit float64 `json:"max_unrealized_profit"`
	MaxUnrealizedLoss   float64 `json:"max_unrealized_loss"`

	ExitReason string `json:"exit_reason,omitempty"`
}

// PersistedState is the per-strategy snapshot written by the state store
// and read once at startup. Only stable, confirmed facts belong here; an
// in-flight submission is never resumed from it.
type PersistedState struct {
	Version    int    `json:"version"`
	StrategyID string `json:"strategy_id"`

	ActiveTradeID string `json:"active_trade_id,omitempty"`
	InstrumentKey string `json:"instrument_key,omitempty"`

	EntryAttemptedToday bool `json:"entry_attempted_today"`
	StopLossArmed       bool `json:"stop_loss_armed"`
	TakeProfitArmed     bool `json:"take_profit_armed"`
	ClosingInProgress   bool `json:"closing_in_progress"`
	ClosingOrderID      string `json:"closing_order_id,omitempty"`

	Position *Position `json:"position,omitempty"`

	// TradingDay anchors the daily rollover, formatted 2006-01-02 in the
	// exchange timezone.
	TradingDay string    `json:"trading_day,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CurrentStateVersion is the snapshot schema version written by this build.
const CurrentStateVersion = 2

// NewPersistedState creates an empty snapshot for a strategy.
func NewPersistedState(strategyID string) *PersistedState {
	return &PersistedState{
		Version:    CurrentStateVersion,
		StrategyID: strategyID,
	}
}

// HasEvidenceFor reports whether this snapshot proves the strategy
// submitted the order that created a broker position on the given
// instrument. Ownership adoption requires this to be true.
func (s *PersistedState) HasEvidenceFor(instrumentKey string) bool {
	return s != nil && s.ActiveTradeID != "" && s.InstrumentKey == instrumentKey
}

// ResetForDay clears the daily entry gate and all exit-arming flags for a
// new trading day. An open position and its trade id survive the
// rollover; the instrument key is kept only while a position is live so a
// stale key cannot block the next day's entry.
func (s *PersistedState) ResetForDay(day string) {
	s.EntryAttemptedToday = false
	s.StopLossArmed = false
	s.TakeProfitArmed = false
	s.ClosingInProgress = false
	s.ClosingOrderID = ""
	s.TradingDay = day

	active := false
	if s.Position != nil {
		switch s.Position.CurrentState() {
		case LifecycleEntryPending, LifecycleOpen, LifecycleClosing, LifecycleClosingFailed:
			active = true
		}
	}
	if !active {
		s.ActiveTradeID = ""
		s.InstrumentKey = ""
		s.Position = nil
		return
	}

	// A live position carries its flags across the rollover.
	s.SyncFromPosition(s.Position)
}

// SyncFromPosition derives the flat persisted flags from a position so
// that the snapshot and the lifecycle machine cannot drift apart.
func (s *PersistedState) SyncFromPosition(p *Position) {
	s.Position = p.Copy()
	switch p.CurrentState() {
	case LifecycleIdle, LifecycleClosed:
		s.ActiveTradeID = ""
		s.ClosingInProgress = false
		s.ClosingOrderID = ""
		s.StopLossArmed = false
		s.TakeProfitArmed = false
	default:
		s.ActiveTradeID = p.TradeID
		s.InstrumentKey = p.InstrumentKey
		s.ClosingInProgress = p.CurrentState() == LifecycleClosing
		s.ClosingOrderID = p.ClosingOrderID
		s.StopLossArmed = p.StopLossTriggered()
		s.TakeProfitArmed = p.TakeProfitTriggered()
	}
	s.UpdatedAt = time.Now().UTC()
}
