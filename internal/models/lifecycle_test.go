package models

import (
	"testing"
)

func TestLifecycleMachine_BasicTransitions(t *testing.T) {
	m := NewLifecycleMachine()

	if m.Current() != LifecycleIdle {
		t.Errorf("initial state should be idle, got %s", m.Current())
	}

	if err := m.Transition(LifecycleEntryPending, "entry_submitted"); err != nil {
		t.Errorf("valid transition failed: %v", err)
	}

	if m.Current() != LifecycleEntryPending {
		t.Errorf("state should be entry_pending, got %s", m.Current())
	}

	if m.Previous() != LifecycleIdle {
		t.Errorf("previous state should be idle, got %s", m.Previous())
	}
}

func TestLifecycleMachine_InvalidTransitions(t *testing.T) {
	m := NewLifecycleMachine()

	// Cannot jump straight to closing without an open position.
	if err := m.Transition(LifecycleClosing, "stop_loss_triggered"); err == nil {
		t.Error("idle -> closing should be rejected")
	}

	if m.Current() != LifecycleIdle {
		t.Errorf("state should remain idle after failed transition, got %s", m.Current())
	}

	// A correct target state with the wrong condition is still illegal.
	if err := m.Transition(LifecycleEntryPending, "entry_filled"); err == nil {
		t.Error("idle -> entry_pending with a fill condition should be rejected")
	}
}

func TestLifecycleMachine_FullTradeFlow(t *testing.T) {
	m := NewLifecycleMachine()

	transitions := []struct {
		to        PositionLifecycle
		condition string
	}{
		{LifecycleEntryPending, "entry_submitted"},
		{LifecycleOpen, "entry_filled"},
		{LifecycleClosing, "stop_loss_triggered"},
		{LifecycleClosed, "close_filled"},
		{LifecycleIdle, "day_reset"},
	}

	for _, tr := range transitions {
		if err := m.Transition(tr.to, tr.condition); err != nil {
			t.Fatalf("transition to %s failed: %v", tr.to, err)
		}
	}

	if m.Current() != LifecycleIdle {
		t.Errorf("should end idle, got %s", m.Current())
	}
}

func TestLifecycleMachine_CloseFailureReArm(t *testing.T) {
	m := NewLifecycleMachine()

	m.Transition(LifecycleEntryPending, "entry_submitted")
	m.Transition(LifecycleOpen, "entry_filled")
	m.Transition(LifecycleClosing, "stop_loss_triggered")

	// Close order dies: the position must come back under supervision,
	// not stay frozen in closing.
	if err := m.Transition(LifecycleClosingFailed, "close_order_failed"); err != nil {
		t.Fatalf("closing -> closing_failed: %v", err)
	}
	if err := m.Transition(LifecycleOpen, "re_armed"); err != nil {
		t.Fatalf("closing_failed -> open: %v", err)
	}

	if m.CloseFailureCount() != 1 {
		t.Errorf("close failure count should be 1, got %d", m.CloseFailureCount())
	}

	// The same trigger may fire again.
	if err := m.Transition(LifecycleClosing, "stop_loss_triggered"); err != nil {
		t.Fatalf("re-triggered stop loss rejected: %v", err)
	}
	if err := m.Transition(LifecycleClosed, "close_filled"); err != nil {
		t.Fatalf("second close attempt rejected: %v", err)
	}
}

func TestLifecycleMachine_EntryFailureReturnsToIdle(t *testing.T) {
	m := NewLifecycleMachine()

	m.Transition(LifecycleEntryPending, "entry_submitted")
	if err := m.Transition(LifecycleIdle, "entry_failed"); err != nil {
		t.Fatalf("entry_pending -> idle on failure: %v", err)
	}

	// Another attempt is allowed.
	if err := m.Transition(LifecycleEntryPending, "entry_submitted"); err != nil {
		t.Fatalf("resubmission after failure rejected: %v", err)
	}
}

func TestLifecycleMachine_IsActive(t *testing.T) {
	m := NewLifecycleMachine()

	if m.IsActive() {
		t.Error("idle machine should not be active")
	}

	m.Transition(LifecycleEntryPending, "entry_submitted")
	if !m.IsActive() {
		t.Error("entry_pending should be active")
	}

	m.Transition(LifecycleOpen, "entry_filled")
	m.Transition(LifecycleClosing, "take_profit_triggered")
	if !m.IsActive() {
		t.Error("closing should be active")
	}

	m.Transition(LifecycleClosed, "close_filled")
	if m.IsActive() {
		t.Error("closed should not be active")
	}
}

func TestLifecycleMachine_Reset(t *testing.T) {
	m := NewLifecycleMachine()
	m.Transition(LifecycleEntryPending, "entry_submitted")
	m.Transition(LifecycleOpen, "entry_filled")

	m.Reset()

	if m.Current() != LifecycleIdle {
		t.Errorf("state should be idle after reset, got %s", m.Current())
	}
	if m.TransitionCount(LifecycleOpen) != 0 {
		t.Error("transition counts should be cleared by reset")
	}
}

func TestLifecycleMachine_Copy(t *testing.T) {
	m := NewLifecycleMachine()
	m.Transition(LifecycleEntryPending, "entry_submitted")
	m.Transition(LifecycleOpen, "entry_filled")

	cp := m.Copy()
	cp.Transition(LifecycleClosing, "manual_exit")

	if m.Current() != LifecycleOpen {
		t.Errorf("copy mutation leaked into original: %s", m.Current())
	}
	if cp.Current() != LifecycleClosing {
		t.Errorf("copy should be closing, got %s", cp.Current())
	}
}

func TestLifecycleMachine_ValidateConsistency(t *testing.T) {
	m := NewLifecycleMachine()
	if err := m.ValidateConsistency(); err != nil {
		t.Errorf("fresh machine should be consistent: %v", err)
	}

	m.Transition(LifecycleEntryPending, "entry_submitted")
	m.Transition(LifecycleOpen, "entry_filled")
	if err := m.ValidateConsistency(); err != nil {
		t.Errorf("machine after normal transitions should be consistent: %v", err)
	}
}
