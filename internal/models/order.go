// Package models provides the data structures and state management for
// orders, positions, and trade records.
package models

import (
	"fmt"
	"math"
	"time"
)

// OrderPurpose classifies why an order exists. Purpose is immutable once set.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "entry"
	PurposeExit       OrderPurpose = "exit"
	PurposeStopLoss   OrderPurpose = "stop_loss"
	PurposeTakeProfit OrderPurpose = "take_profit"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderState represents the broker-visible lifecycle of a single order.
type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderSubmitted       OrderState = "submitted"
	OrderAccepted        OrderState = "accepted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderRejected        OrderState = "rejected"
	OrderCanceled        OrderState = "canceled"
	OrderExpired         OrderState = "expired"
)

// orderStateRank orders the non-terminal states so that regressions
// (e.g. a late ACCEPTED after PARTIALLY_FILLED) can be rejected.
var orderStateRank = map[OrderState]int{
	OrderPending:         0,
	OrderSubmitted:       1,
	OrderAccepted:        2,
	OrderPartiallyFilled: 3,
	OrderFilled:          4,
	OrderRejected:        4,
	OrderCanceled:        4,
	OrderExpired:         4,
}

// ErrStaleOrderEvent marks a broker event that carries no new information,
// typically a duplicate delivery of an event already applied.
var ErrStaleOrderEvent = fmt.Errorf("stale order event")

// fillEpsilon tolerates floating point drift in filled-quantity comparisons.
const fillEpsilon = 1e-6

// Order is a single order as tracked by the core. It is owned exclusively
// by the tracker until it reaches a terminal state.
type Order struct {
	ID             string       `json:"id"`
	CorrelationID  string       `json:"correlation_id"`
	Purpose        OrderPurpose `json:"purpose"`
	Side           OrderSide    `json:"side"`
	InstrumentKey  string       `json:"instrument_key"`
	Quantity       float64      `json:"quantity"`
	LimitPrice     float64      `json:"limit_price"` // 0 means market
	State          OrderState   `json:"state"`
	FilledQuantity float64      `json:"filled_quantity"`
	AvgFillPrice   float64      `json:"avg_fill_price"`
	Attempt        int          `json:"attempt"`
	CreatedAt      time.Time    `json:"created_at"`
	TerminalAt     time.Time    `json:"terminal_at,omitempty"`
}

// IsTerminal reports whether the order can no longer change state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCanceled, OrderExpired:
		return true
	default:
		return false
	}
}

// IsMarket reports whether the order will execute at whatever price the
// market offers.
func (o *Order) IsMarket() bool {
	return o.LimitPrice == 0
}

// ApplyEvent advances the order with a broker-reported state change.
// State only moves forward: regressions are rejected, a terminal order
// never changes again, and an exact duplicate of the last applied event
// returns ErrStaleOrderEvent so callers can skip side effects.
func (o *Order) ApplyEvent(newState OrderState, filledQty, avgPrice float64, ts time.Time) error {
	if o.State.IsTerminal() {
		if newState == o.State && math.Abs(filledQty-o.FilledQuantity) < fillEpsilon {
			return ErrStaleOrderEvent
		}
		return fmt.Errorf("order %s already terminal in state %s, got %s", o.ID, o.State, newState)
	}

	if newState == o.State && filledQty <= o.FilledQuantity+fillEpsilon {
		return ErrStaleOrderEvent
	}

	if orderStateRank[newState] < orderStateRank[o.State] {
		return fmt.Errorf("order %s state cannot regress from %s to %s", o.ID, o.State, newState)
	}

	if filledQty+fillEpsilon < o.FilledQuantity {
		return fmt.Errorf("order %s cumulative fill cannot shrink: %.4f -> %.4f",
			o.ID, o.FilledQuantity, filledQty)
	}

	if filledQty > o.Quantity+fillEpsilon {
		return fmt.Errorf("order %s overfilled: %.4f of %.4f", o.ID, filledQty, o.Quantity)
	}

	o.State = newState
	if filledQty > o.FilledQuantity {
		o.FilledQuantity = filledQty
	}
	if avgPrice != 0 {
		o.AvgFillPrice = avgPrice
	}
	if newState.IsTerminal() {
		o.TerminalAt = ts
	}

	return nil
}

// IsCompletelyFilled reports whether every contract of the order executed.
// A zero-quantity order is never considered filled.
func (o *Order) IsCompletelyFilled() bool {
	if o.Quantity <= 0 && o.FilledQuantity <= 0 {
		return false
	}
	return o.State == OrderFilled && o.FilledQuantity >= o.Quantity-fillEpsilon
}

// RemainingQuantity is the portion of the order still working.
func (o *Order) RemainingQuantity() float64 {
	rem := o.Quantity - o.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}

// CopyForRead returns a value copy safe to hand outside the owner.
func (o *Order) CopyForRead() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// SignedFill converts the cumulative fill into a signed quantity:
// positive for buys, negative for sells.
func (o *Order) SignedFill() float64 {
	if o.Side == SideSell {
		return -o.FilledQuantity
	}
	return o.FilledQuantity
}
