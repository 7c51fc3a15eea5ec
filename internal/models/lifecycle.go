package models

import (
	"fmt"
	"time"
)

// PositionLifecycle represents where a position is in its life, from the
// first entry submission through confirmed close. Every flag the engine
// acts on (entry in flight, close in flight, close failed) is a state
// here rather than a standalone boolean, so an exit path can never be
// left half-reset.
type PositionLifecycle string

const (
	LifecycleIdle          PositionLifecycle = "idle"           // no active position
	LifecycleEntryPending  PositionLifecycle = "entry_pending"  // entry order working at the broker
	LifecycleOpen          PositionLifecycle = "open"           // filled, under exit supervision
	LifecycleClosing       PositionLifecycle = "closing"        // closing order working at the broker
	LifecycleClosingFailed PositionLifecycle = "closing_failed" // close order died; must re-arm
	LifecycleClosed        PositionLifecycle = "closed"         // flat, trade finalized
)

// LifecycleTransition defines one legal lifecycle transition.
type LifecycleTransition struct {
	From        PositionLifecycle
	To          PositionLifecycle
	Condition   string
	Description string
}

// ValidLifecycleTransitions enumerates every legal transition. Anything
// not listed here is an error, not a silent flag update.
var ValidLifecycleTransitions = []LifecycleTransition{
	// Entry
	{LifecycleIdle, LifecycleEntryPending, "entry_submitted", "Entry order accepted for submission"},
	{LifecycleEntryPending, LifecycleOpen, "entry_filled", "Entry order confirmed filled"},
	{LifecycleEntryPending, LifecycleOpen, "entry_partial_final", "Entry partially filled, remainder canceled"},
	{LifecycleEntryPending, LifecycleIdle, "entry_failed", "Entry rejected or canceled with no fill"},
	{LifecycleEntryPending, LifecycleIdle, "entry_abandoned", "Entry retry budget exhausted with no fill"},

	// Exit
	{LifecycleOpen, LifecycleClosing, "stop_loss_triggered", "Stop-loss close order submitted"},
	{LifecycleOpen, LifecycleClosing, "take_profit_triggered", "Take-profit close order submitted"},
	{LifecycleOpen, LifecycleClosing, "manual_exit", "Operator-requested close submitted"},
	{LifecycleClosing, LifecycleClosed, "close_filled", "Closing order confirmed filled"},
	{LifecycleClosing, LifecycleClosingFailed, "close_order_failed", "Closing order rejected, canceled, or expired"},

	// Re-arm: a failed close returns the position to supervision so the
	// same trigger can fire again on the next evaluation.
	{LifecycleClosingFailed, LifecycleOpen, "re_armed", "Exit flags cleared, back under supervision"},

	// Reconciliation
	{LifecycleOpen, LifecycleClosed, "position_gone", "Broker no longer reports the position"},
	{LifecycleClosing, LifecycleClosed, "position_gone", "Broker no longer reports the position"},

	// Rollover
	{LifecycleClosed, LifecycleIdle, "day_reset", "Daily rollover, ready for a new trade"},
}

// LifecycleMachine manages lifecycle transitions for one position.
type LifecycleMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionLifecycle]int
	currentState    PositionLifecycle
	previousState   PositionLifecycle
}

// NewLifecycleMachine creates a machine starting at LifecycleIdle.
func NewLifecycleMachine() *LifecycleMachine {
	return &LifecycleMachine{
		currentState:    LifecycleIdle,
		previousState:   LifecycleIdle,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionLifecycle]int),
	}
}

// RestoreLifecycleMachine creates a machine positioned at a persisted state,
// used when loading a snapshot.
func RestoreLifecycleMachine(state PositionLifecycle) *LifecycleMachine {
	m := NewLifecycleMachine()
	if state != "" {
		m.currentState = state
		m.previousState = state
	}
	return m
}

// Current returns the current lifecycle state.
func (m *LifecycleMachine) Current() PositionLifecycle {
	return m.currentState
}

// Previous returns the lifecycle state before the last transition.
func (m *LifecycleMachine) Previous() PositionLifecycle {
	return m.previousState
}

// CanTransition checks whether a transition is legal without performing it.
func (m *LifecycleMachine) CanTransition(to PositionLifecycle, condition string) error {
	for _, tr := range ValidLifecycleTransitions {
		if tr.From == m.currentState && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition from %s to %s with condition %q",
		m.currentState, to, condition)
}

// Transition moves to a new lifecycle state.
func (m *LifecycleMachine) Transition(to PositionLifecycle, condition string) error {
	if err := m.CanTransition(to, condition); err != nil {
		return err
	}

	m.previousState = m.currentState
	m.currentState = to
	m.transitionTime = time.Now().UTC()
	m.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times the machine has entered a state.
func (m *LifecycleMachine) TransitionCount(state PositionLifecycle) int {
	return m.transitionCount[state]
}

// CloseFailureCount returns how many closing attempts have died for this
// position, used for escalation to market-style closes.
func (m *LifecycleMachine) CloseFailureCount() int {
	return m.transitionCount[LifecycleClosingFailed]
}

// IsActive reports whether the position holds or is acquiring exposure.
func (m *LifecycleMachine) IsActive() bool {
	switch m.currentState {
	case LifecycleEntryPending, LifecycleOpen, LifecycleClosing, LifecycleClosingFailed:
		return true
	default:
		return false
	}
}

// Reset returns the machine to idle for a fresh trade.
func (m *LifecycleMachine) Reset() {
	m.currentState = LifecycleIdle
	m.previousState = LifecycleIdle
	m.transitionTime = time.Now().UTC()
	m.transitionCount = make(map[PositionLifecycle]int)
}

// Describe returns a human-readable description of the current state.
func (m *LifecycleMachine) Describe() string {
	switch m.currentState {
	case LifecycleIdle:
		return "No active position, ready for a new entry"
	case LifecycleEntryPending:
		return "Entry order working at the broker"
	case LifecycleOpen:
		return "Position open, exits supervised on every tick"
	case LifecycleClosing:
		return "Closing order working at the broker"
	case LifecycleClosingFailed:
		return "Closing order failed, re-arming exit supervision"
	case LifecycleClosed:
		return "Position closed, trade finalized"
	default:
		return "Unknown state"
	}
}

// ValidateConsistency checks internal invariants of the machine.
func (m *LifecycleMachine) ValidateConsistency() error {
	total := 0
	for _, c := range m.transitionCount {
		total += c
	}

	if total == 0 {
		if m.currentState != m.previousState {
			return fmt.Errorf("no transitions recorded but current %s differs from previous %s",
				m.currentState, m.previousState)
		}
		return nil
	}

	if m.transitionTime.IsZero() {
		return fmt.Errorf("transitions recorded but transition time is zero")
	}

	if m.transitionCount[m.currentState] == 0 && m.currentState != m.previousState {
		return fmt.Errorf("current state %s has no recorded entry", m.currentState)
	}

	return nil
}

// Copy creates a deep copy of the machine.
func (m *LifecycleMachine) Copy() *LifecycleMachine {
	if m == nil {
		return nil
	}

	cp := &LifecycleMachine{
		currentState:    m.currentState,
		previousState:   m.previousState,
		transitionTime:  m.transitionTime,
		transitionCount: make(map[PositionLifecycle]int, len(m.transitionCount)),
	}
	for k, v := range m.transitionCount {
		cp.transitionCount[k] = v
	}
	return cp
}
