// Package broker defines the gateway contract the core uses to reach a
// brokerage: order submission and cancellation, order-state events, and
// position/quote queries. Concrete integrations live behind Gateway; the
// in-tree implementation is the paper-trading simulator.
package broker

import (
	"context"
	"time"

	"github.com/halcyonlabs/spreadkeeper/internal/models"
)

// LegSpec describes one leg of a spread order: the instrument and its
// signed per-unit ratio (e.g. -1 for the short leg of a vertical).
type LegSpec struct {
	Instrument string `json:"instrument"`
	Ratio      int    `json:"ratio"`
}

// OrderRequest is a spread-level order handed to the gateway. Quantity is
// in spread units; LimitPrice 0 means market.
type OrderRequest struct {
	OrderID       string
	CorrelationID string
	InstrumentKey string
	Legs          []LegSpec
	Side          models.OrderSide
	Quantity      float64
	LimitPrice    float64
	Purpose       models.OrderPurpose
}

// LegFill is per-leg fill detail attached to an order event when the
// broker reports executions leg by leg.
type LegFill struct {
	Instrument     string
	SignedQuantity float64
	AvgPrice       float64
}

// OrderEvent is the broker's report of an order state change. Delivery is
// at-least-once: consumers must treat duplicates as no-ops.
// FilledQuantity is cumulative, in spread units.
type OrderEvent struct {
	OrderID        string
	State          models.OrderState
	FilledQuantity float64
	AvgFillPrice   float64
	ExecutionID    string
	Commission     float64
	LegFills       []LegFill
	Timestamp      time.Time
}

// BrokerPosition is one position as the broker reports it, used only by
// reconciliation.
type BrokerPosition struct {
	InstrumentKey string
	Quantity      float64
	Legs          []LegFill
}

// Quote is a top-of-book snapshot for an instrument key. For a spread key
// the prices are net spread prices.
type Quote struct {
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Gateway is the broker abstraction the core depends on. Submit and
// cancel are fire-and-confirm: the call returns once the request is
// accepted for transmission, and the authoritative outcome arrives later
// on the Events channel.
type Gateway interface {
	// SubmitOrder transmits an order. The returned id equals
	// req.OrderID when set, otherwise the gateway assigns one.
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder requests cancellation. Cancellation is asynchronous:
	// success here only means the request was transmitted.
	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatus queries the current state of an order, used on restart
	// to resolve orders whose outcome was lost with the process.
	OrderStatus(ctx context.Context, orderID string) (*OrderEvent, error)

	// Positions lists what the broker currently reports as held.
	Positions(ctx context.Context) ([]BrokerPosition, error)

	// GetQuote returns a current quote for an instrument key.
	GetQuote(ctx context.Context, instrumentKey string) (Quote, error)

	// Events is the order-state event stream.
	Events() <-chan OrderEvent
}
