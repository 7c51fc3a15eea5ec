package models

import (
	"encoding/json"
	"testing"
)

func openTestPosition() *Position {
	p := NewPosition("strat-a", "SPX-BPS-5900-5890")
	p.CorrelationID = "corr-1"
	p.TransitionState(LifecycleEntryPending, "entry_submitted")
	p.TradeID = "trade-1"
	p.TransitionState(LifecycleOpen, "entry_filled")
	return p
}

func TestPosition_EffectiveQuantity_ConsistentSpread(t *testing.T) {
	p := openTestPosition()

	// Two-leg vertical: short one, long one per unit, two units on.
	p.ApplyFill("SPXW260828P05900000", -1, -2, 6.10)
	p.ApplyFill("SPXW260828P05890000", 1, 2, 4.85)

	qty, ok := p.EffectiveQuantity().Consistent()
	if !ok {
		t.Fatalf("spread should be consistent: %s", p.EffectiveQuantity())
	}
	if qty != 2 {
		t.Errorf("expected 2 units, got %v", qty)
	}
}

func TestPosition_EffectiveQuantity_OrderIndependent(t *testing.T) {
	// The same fills in a different arrival order give the same quantity.
	fills := []struct {
		instrument string
		ratio      int
		qty        float64
	}{
		{"SHORT", -1, -1},
		{"LONG", 1, 1},
		{"SHORT", -1, -1},
		{"LONG", 1, 1},
	}

	forward := NewPosition("s", "k")
	for _, f := range fills {
		forward.ApplyFill(f.instrument, f.ratio, f.qty, 0)
	}

	reversed := NewPosition("s", "k")
	for i := len(fills) - 1; i >= 0; i-- {
		reversed.ApplyFill(fills[i].instrument, fills[i].ratio, fills[i].qty, 0)
	}

	fq, _ := forward.EffectiveQuantity().Consistent()
	rq, _ := reversed.EffectiveQuantity().Consistent()
	if fq != rq || fq != 2 {
		t.Errorf("fill order changed the result: forward=%v reversed=%v", fq, rq)
	}
}

func TestPosition_EffectiveQuantity_BrokenSpread(t *testing.T) {
	p := openTestPosition()

	// Short leg filled twice, long leg only once: a broken hedge.
	p.ApplyFill("SHORT", -1, -2, 6.10)
	p.ApplyFill("LONG", 1, 1, 4.85)

	result := p.EffectiveQuantity()
	if !result.IsBroken() {
		t.Fatalf("mismatched legs should be broken, got %s", result)
	}
	if result.Detail() == "" {
		t.Error("broken result should carry a detail")
	}

	// Broken is not flat: re-entry must stay blocked.
	if p.IsFlat() {
		t.Error("broken spread must not report flat")
	}
}

func TestPosition_EffectiveQuantity_PartialFill(t *testing.T) {
	p := openTestPosition()

	// One of two requested units filled on both legs.
	p.ApplyFill("SHORT", -1, -1, 6.10)
	p.ApplyFill("LONG", 1, 1, 4.85)

	qty, ok := p.EffectiveQuantity().Consistent()
	if !ok || qty != 1 {
		t.Errorf("expected consistent 1 unit, got %s", p.EffectiveQuantity())
	}
}

func TestPosition_TransitionSyncsCanonicalState(t *testing.T) {
	p := NewPosition("s", "k")
	p.CorrelationID = "c"

	if err := p.TransitionState(LifecycleEntryPending, "entry_submitted"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if p.State != LifecycleEntryPending {
		t.Errorf("canonical state not synced, got %s", p.State)
	}

	if err := p.TransitionState(LifecycleClosed, "close_filled"); err == nil {
		t.Error("entry_pending -> closed should be illegal")
	}
}

func TestPosition_CloseClearsActiveFields(t *testing.T) {
	p := openTestPosition()
	p.ApplyFill("SHORT", -1, -1, 6.10)
	p.AddOpenOrder("ord-9")
	p.ClosingOrderID = "ord-9"
	p.ActiveTrigger = TriggerStopLoss
	p.TransitionState(LifecycleClosing, "stop_loss_triggered")

	if err := p.TransitionState(LifecycleClosed, "close_filled"); err != nil {
		t.Fatalf("close: %v", err)
	}

	if p.HasOpenOrders() {
		t.Error("closed position should have no open orders")
	}
	if p.ClosingOrderID != "" || p.ActiveTrigger != TriggerNone {
		t.Error("closed position should carry no closing references")
	}

	// Day reset returns to idle and drops trade identity.
	if err := p.TransitionState(LifecycleIdle, "day_reset"); err != nil {
		t.Fatalf("day reset: %v", err)
	}
	if p.TradeID != "" || p.CorrelationID != "" || len(p.Legs) != 0 {
		t.Error("idle position should carry no trade identity")
	}
}

func TestPosition_JSONRoundTripRebuildsMachine(t *testing.T) {
	p := openTestPosition()
	p.ApplyFill("SHORT", -1, -1, 6.10)
	p.ApplyFill("LONG", 1, 1, 4.85)

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored Position
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if restored.CurrentState() != LifecycleOpen {
		t.Errorf("restored state should be open, got %s", restored.CurrentState())
	}

	// The rebuilt machine honors the transition table from the restored state.
	if err := restored.TransitionState(LifecycleClosing, "stop_loss_triggered"); err != nil {
		t.Errorf("restored machine rejected a legal transition: %v", err)
	}
	if err := restored.TransitionState(LifecycleIdle, "day_reset"); err == nil {
		t.Error("restored machine accepted an illegal transition")
	}
}

func TestPosition_Validate(t *testing.T) {
	p := openTestPosition()
	if err := p.Validate(); err != nil {
		t.Errorf("open position should validate: %v", err)
	}

	p.TradeID = ""
	if err := p.Validate(); err == nil {
		t.Error("open position without trade id should fail validation")
	}
}

func TestPersistedState_ResetForDay(t *testing.T) {
	s := NewPersistedState("strat-a")
	s.EntryAttemptedToday = true
	s.StopLossArmed = true
	s.ClosingInProgress = true
	s.ActiveTradeID = "trade-1"
	s.InstrumentKey = "SPX-BPS"

	s.ResetForDay("2026-08-28")

	if s.EntryAttemptedToday || s.StopLossArmed || s.ClosingInProgress {
		t.Error("daily flags should be cleared")
	}
	if s.ActiveTradeID != "" || s.InstrumentKey != "" {
		t.Error("no live position: trade id and instrument key should be cleared")
	}
	if s.TradingDay != "2026-08-28" {
		t.Errorf("trading day should advance, got %s", s.TradingDay)
	}
}

func TestPersistedState_ResetForDayKeepsOvernightPosition(t *testing.T) {
	p := openTestPosition()
	p.ApplyFill("SHORT", -1, -1, 6.10)

	s := NewPersistedState("strat-a")
	s.EntryAttemptedToday = true
	s.SyncFromPosition(p)

	s.ResetForDay("2026-08-29")

	if s.EntryAttemptedToday {
		t.Error("entry gate should reset even with an overnight position")
	}
	if s.ActiveTradeID != "trade-1" {
		t.Errorf("overnight position should keep its trade id, got %q", s.ActiveTradeID)
	}
	if s.Position == nil || s.Position.CurrentState() != LifecycleOpen {
		t.Error("overnight position should survive the rollover")
	}
}

func TestPersistedState_HasEvidenceFor(t *testing.T) {
	s := NewPersistedState("strat-a")
	if s.HasEvidenceFor("SPX-BPS") {
		t.Error("empty snapshot proves nothing")
	}

	s.ActiveTradeID = "trade-1"
	s.InstrumentKey = "SPX-BPS"
	if !s.HasEvidenceFor("SPX-BPS") {
		t.Error("matching trade id and instrument should be evidence")
	}
	if s.HasEvidenceFor("ES-FUT") {
		t.Error("evidence must be instrument-specific")
	}
}
