// Package orders owns the lifecycle of individual orders from submission
// to terminal state. The tracker never mutates strategy-visible flags:
// submission records an order and nothing else, and only broker events
// move it forward.
package orders

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/spreadkeeper/internal/broker"
	"github.com/halcyonlabs/spreadkeeper/internal/journal"
	"github.com/halcyonlabs/spreadkeeper/internal/models"
	"github.com/halcyonlabs/spreadkeeper/internal/ops"
)

// Config controls entry retry and timeout behavior.
type Config struct {
	MaxEntryAttempts int
	FillTimeout      time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig is used when no config is provided.
var DefaultConfig = Config{
	MaxEntryAttempts: 3,
	FillTimeout:      2 * time.Minute,
	InitialBackoff:   1 * time.Second,
	MaxBackoff:       30 * time.Second,
}

// SubmitRequest describes an order to place.
type SubmitRequest struct {
	Purpose       models.OrderPurpose
	Side          models.OrderSide
	InstrumentKey string
	Legs          []broker.LegSpec
	Quantity      float64
	LimitPrice    float64 // 0 means market
	CorrelationID string
	Attempt       int
}

// Applied describes what a broker event changed, so the engine can react
// without re-deriving it.
type Applied struct {
	Order    *models.Order
	Previous models.OrderState
	// FillDelta is the newly executed quantity in this event (spread units).
	FillDelta float64
	// Duplicate marks an event that carried no new information.
	Duplicate bool
}

// Tracker tracks orders against a broker gateway.
type Tracker struct {
	gateway broker.Gateway
	journal journal.Recorder
	logger  *log.Logger
	config  Config

	mu            sync.RWMutex
	orders        map[string]*models.Order
	legs          map[string][]broker.LegSpec
	entryAttempts map[string]int // correlation id -> attempts used
}

// NewTracker creates a tracker. The journal may be nil in tests that do
// not exercise the order log.
func NewTracker(gateway broker.Gateway, journal journal.Recorder, logger *log.Logger, config ...Config) *Tracker {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	return &Tracker{
		gateway:       gateway,
		journal:       journal,
		logger:        logger,
		config:        cfg,
		orders:        make(map[string]*models.Order),
		legs:          make(map[string][]broker.LegSpec),
		entryAttempts: make(map[string]int),
	}
}

// Submit places an order with the broker. It returns once the gateway has
// accepted the request for transmission; the outcome arrives later as a
// broker event. No "traded" or daily-gate flag is touched here.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (*models.Order, error) {
	order := &models.Order{
		ID:            uuid.New().String(),
		CorrelationID: req.CorrelationID,
		Purpose:       req.Purpose,
		Side:          req.Side,
		InstrumentKey: req.InstrumentKey,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		State:         models.OrderPending,
		Attempt:       req.Attempt,
		CreatedAt:     time.Now().UTC(),
	}

	t.mu.Lock()
	t.orders[order.ID] = order
	t.legs[order.ID] = req.Legs
	if req.Purpose == models.PurposeEntry {
		t.entryAttempts[req.CorrelationID]++
	}
	t.mu.Unlock()

	_, err := t.gateway.SubmitOrder(ctx, broker.OrderRequest{
		OrderID:       order.ID,
		CorrelationID: req.CorrelationID,
		InstrumentKey: req.InstrumentKey,
		Legs:          req.Legs,
		Side:          req.Side,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Purpose:       req.Purpose,
	})
	if err != nil {
		t.mu.Lock()
		order.State = models.OrderRejected
		order.TerminalAt = time.Now().UTC()
		t.mu.Unlock()
		t.recordOrder(order)
		return nil, fmt.Errorf("submitting %s order for %s: %w", req.Purpose, req.InstrumentKey, err)
	}

	t.mu.Lock()
	order.State = models.OrderSubmitted
	t.mu.Unlock()
	t.recordOrder(order)
	ops.OrdersSubmittedTotal.WithLabelValues(string(req.Purpose)).Inc()

	t.logger.Printf("Submitted %s order %s for %s: qty %.2f @ %.2f (attempt %d)",
		req.Purpose, order.ID, req.InstrumentKey, req.Quantity, req.LimitPrice, req.Attempt)

	return order.CopyForRead(), nil
}

// Cancel requests cancellation of a working order. Cancellation is
// asynchronous: the order stays live locally until the broker confirms a
// terminal state, and callers must not treat this call as success.
func (t *Tracker) Cancel(ctx context.Context, orderID string) error {
	t.mu.RLock()
	order, ok := t.orders[orderID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cancel: unknown order %s", orderID)
	}
	if order.State.IsTerminal() {
		return nil
	}

	if err := t.gateway.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("requesting cancel of %s: %w", orderID, err)
	}
	t.logger.Printf("Cancel requested for order %s", orderID)
	return nil
}

// OnBrokerEvent applies a broker event to the tracked order. Duplicate
// deliveries come back with Applied.Duplicate set and cause no side
// effects; regressions are rejected.
func (t *Tracker) OnBrokerEvent(ev broker.OrderEvent) (Applied, error) {
	t.mu.Lock()
	order, ok := t.orders[ev.OrderID]
	if !ok {
		t.mu.Unlock()
		return Applied{}, fmt.Errorf("event for unknown order %s", ev.OrderID)
	}

	prev := order.State
	prevFilled := order.FilledQuantity
	err := order.ApplyEvent(ev.State, ev.FilledQuantity, ev.AvgFillPrice, ev.Timestamp)
	t.mu.Unlock()

	if errors.Is(err, models.ErrStaleOrderEvent) {
		return Applied{Order: order.CopyForRead(), Previous: prev, Duplicate: true}, nil
	}
	if err != nil {
		return Applied{}, err
	}

	t.recordOrder(order)
	if ev.State.IsTerminal() {
		outcome := string(ev.State)
		ops.OrdersTerminalTotal.WithLabelValues(string(order.Purpose), outcome).Inc()
		t.logger.Printf("Order %s (%s) terminal: %s, filled %.2f of %.2f",
			order.ID, order.Purpose, ev.State, order.FilledQuantity, order.Quantity)
	}

	return Applied{
		Order:     order.CopyForRead(),
		Previous:  prev,
		FillDelta: order.FilledQuantity - prevFilled,
	}, nil
}

// Resolve re-queries the broker for an order's true state and applies it,
// used on restart when the outcome may have been lost with the process.
func (t *Tracker) Resolve(ctx context.Context, orderID string) (Applied, error) {
	ev, err := t.gateway.OrderStatus(ctx, orderID)
	if err != nil {
		return Applied{}, fmt.Errorf("resolving order %s: %w", orderID, err)
	}

	t.mu.Lock()
	if _, ok := t.orders[orderID]; !ok {
		// The process that submitted this order is gone; adopt the broker's
		// view so the caller can reason about it.
		t.orders[orderID] = &models.Order{
			ID:        orderID,
			State:     models.OrderPending,
			Quantity:  ev.FilledQuantity,
			CreatedAt: time.Now().UTC(),
		}
	}
	t.mu.Unlock()

	return t.OnBrokerEvent(*ev)
}

// Track registers a restored order (from a snapshot) without submitting.
func (t *Tracker) Track(order *models.Order, legs []broker.LegSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[order.ID] = order
	t.legs[order.ID] = legs
}

// Get returns a copy of a tracked order.
func (t *Tracker) Get(orderID string) (*models.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, ok := t.orders[orderID]
	if !ok {
		return nil, false
	}
	return order.CopyForRead(), true
}

// Legs returns the leg specs an order was submitted with.
func (t *Tracker) Legs(orderID string) []broker.LegSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.legs[orderID]
}

// IsConfirmedFilled reports whether an order is completely filled.
func (t *Tracker) IsConfirmedFilled(orderID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, ok := t.orders[orderID]
	return ok && order.IsCompletelyFilled()
}

// PendingOrders returns copies of non-terminal orders for an instrument.
func (t *Tracker) PendingOrders(instrumentKey string) []*models.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*models.Order
	for _, order := range t.orders {
		if order.InstrumentKey == instrumentKey && !order.State.IsTerminal() {
			out = append(out, order.CopyForRead())
		}
	}
	return out
}

// TimedOut returns working orders of a purpose older than the fill
// timeout, candidates for cancel-and-retry.
func (t *Tracker) TimedOut(now time.Time, purpose models.OrderPurpose) []*models.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*models.Order
	for _, order := range t.orders {
		if order.Purpose != purpose || order.State.IsTerminal() {
			continue
		}
		if now.Sub(order.CreatedAt) >= t.config.FillTimeout {
			out = append(out, order.CopyForRead())
		}
	}
	return out
}

// EntryAttempts returns how many entry submissions a correlation id has used.
func (t *Tracker) EntryAttempts(correlationID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entryAttempts[correlationID]
}

// EntryBudgetExhausted reports whether the retry budget for a
// correlation id is used up.
func (t *Tracker) EntryBudgetExhausted(correlationID string) bool {
	return t.EntryAttempts(correlationID) >= t.config.MaxEntryAttempts
}

// NextBackoff grows a backoff with jitter, capped at the configured max.
func (t *Tracker) NextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return t.config.InitialBackoff
	}

	backoff := time.Duration(float64(current) * 1.5)
	if backoff > t.config.MaxBackoff {
		backoff = t.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			t.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (t *Tracker) recordOrder(order *models.Order) {
	if t.journal == nil {
		return
	}
	if err := t.journal.RecordOrder(order.CopyForRead()); err != nil {
		t.logger.Printf("Failed to append order %s to journal: %v", order.ID, err)
	}
}
