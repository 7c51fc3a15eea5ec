package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/spreadkeeper/internal/models"
)

// FillMode scripts how the simulator treats orders for an instrument key.
type FillMode int

const (
	// FillImmediate fills the full quantity as soon as the order arrives.
	FillImmediate FillMode = iota
	// FillPartial fills a fraction and leaves the remainder working.
	FillPartial
	// RejectOrder rejects the order outright.
	RejectOrder
	// HoldOrder accepts the order and never fills it (forces timeouts).
	HoldOrder
)

// Sim is an in-memory paper gateway. Fill behavior is scriptable per
// instrument key so tests and paper mode can exercise rejects, partial
// fills, timeouts, and duplicate event delivery.
type Sim struct {
	mu        sync.Mutex
	events    chan OrderEvent
	quotes    map[string]Quote
	modes     map[string]FillMode
	fraction  float64 // portion filled under FillPartial
	orders    map[string]*simOrder
	positions map[string]float64 // instrument key -> filled spread units
	legs      map[string][]LegFill
	lastEvent map[string]OrderEvent
}

type simOrder struct {
	req    OrderRequest
	state  models.OrderState
	filled float64
	avg    float64
}

// NewSim creates a simulator with an empty book.
func NewSim() *Sim {
	return &Sim{
		events:    make(chan OrderEvent, 256),
		quotes:    make(map[string]Quote),
		modes:     make(map[string]FillMode),
		fraction:  0.5,
		orders:    make(map[string]*simOrder),
		positions: make(map[string]float64),
		legs:      make(map[string][]LegFill),
		lastEvent: make(map[string]OrderEvent),
	}
}

// SetQuote scripts the quote returned for an instrument key.
func (s *Sim) SetQuote(instrumentKey string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[instrumentKey] = Quote{Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}
}

// SetFillMode scripts the fill behavior for an instrument key.
func (s *Sim) SetFillMode(instrumentKey string, mode FillMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[instrumentKey] = mode
}

// SetPartialFraction sets the portion filled under FillPartial.
func (s *Sim) SetPartialFraction(f float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fraction = f
}

// SubmitOrder accepts an order and plays out the scripted behavior.
func (s *Sim) SubmitOrder(_ context.Context, req OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.OrderID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.orders[id]; exists {
		return "", fmt.Errorf("sim: duplicate order id %s", id)
	}

	ord := &simOrder{req: req, state: models.OrderSubmitted}
	s.orders[id] = ord
	s.emitLocked(id, models.OrderSubmitted, 0, 0, nil)

	switch s.modes[req.InstrumentKey] {
	case RejectOrder:
		ord.state = models.OrderRejected
		s.emitLocked(id, models.OrderRejected, 0, 0, nil)
	case HoldOrder:
		ord.state = models.OrderAccepted
		s.emitLocked(id, models.OrderAccepted, 0, 0, nil)
	case FillPartial:
		ord.state = models.OrderPartiallyFilled
		ord.filled = req.Quantity * s.fraction
		ord.avg = s.fillPriceLocked(req)
		s.applyPositionLocked(req, ord.filled)
		s.emitLocked(id, models.OrderPartiallyFilled, ord.filled, ord.avg, s.legFills(req, ord.filled, ord.avg))
	default: // FillImmediate
		ord.state = models.OrderAccepted
		s.emitLocked(id, models.OrderAccepted, 0, 0, nil)
		ord.state = models.OrderFilled
		ord.filled = req.Quantity
		ord.avg = s.fillPriceLocked(req)
		s.applyPositionLocked(req, ord.filled)
		s.emitLocked(id, models.OrderFilled, ord.filled, ord.avg, s.legFills(req, ord.filled, ord.avg))
	}

	return id, nil
}

// CancelOrder cancels a working order, reporting whatever filled so far.
func (s *Sim) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("sim: unknown order %s", orderID)
	}
	if ord.state.IsTerminal() {
		return nil
	}

	ord.state = models.OrderCanceled
	s.emitLocked(orderID, models.OrderCanceled, ord.filled, ord.avg, nil)
	return nil
}

// OrderStatus returns the current state of an order as an event.
func (s *Sim) OrderStatus(_ context.Context, orderID string) (*OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("sim: unknown order %s", orderID)
	}
	ev := OrderEvent{
		OrderID:        orderID,
		State:          ord.state,
		FilledQuantity: ord.filled,
		AvgFillPrice:   ord.avg,
		Timestamp:      time.Now().UTC(),
	}
	return &ev, nil
}

// Positions reports the simulator's view of held positions.
func (s *Sim) Positions(_ context.Context) ([]BrokerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BrokerPosition, 0, len(s.positions))
	for key, qty := range s.positions {
		if qty == 0 {
			continue
		}
		out = append(out, BrokerPosition{InstrumentKey: key, Quantity: qty, Legs: s.legs[key]})
	}
	return out, nil
}

// InjectPosition seeds a broker-side position that this process did not
// create, used to exercise reconciliation.
func (s *Sim) InjectPosition(instrumentKey string, qty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[instrumentKey] = qty
}

// GetQuote returns the scripted quote for an instrument key.
func (s *Sim) GetQuote(_ context.Context, instrumentKey string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[instrumentKey]
	if !ok {
		return Quote{}, fmt.Errorf("sim: no quote for %s", instrumentKey)
	}
	return q, nil
}

// Events returns the order event stream.
func (s *Sim) Events() <-chan OrderEvent {
	return s.events
}

// RedeliverLast re-emits the last event for an order, simulating the
// at-least-once delivery duplicates a real feed produces.
func (s *Sim) RedeliverLast(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.lastEvent[orderID]; ok {
		s.events <- ev
	}
}

// CompleteFill fills the remainder of a held or partially filled order,
// letting tests script late fills.
func (s *Sim) CompleteFill(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("sim: unknown order %s", orderID)
	}
	if ord.state.IsTerminal() {
		return fmt.Errorf("sim: order %s already terminal", orderID)
	}

	remainder := ord.req.Quantity - ord.filled
	ord.state = models.OrderFilled
	ord.filled = ord.req.Quantity
	if ord.avg == 0 {
		ord.avg = s.fillPriceLocked(ord.req)
	}
	s.applyPositionLocked(ord.req, remainder)
	s.emitLocked(orderID, models.OrderFilled, ord.filled, ord.avg, s.legFills(ord.req, ord.filled, ord.avg))
	return nil
}

func (s *Sim) fillPriceLocked(req OrderRequest) float64 {
	if req.LimitPrice != 0 {
		return req.LimitPrice
	}
	if q, ok := s.quotes[req.InstrumentKey]; ok {
		return q.Mid()
	}
	return 0
}

func (s *Sim) applyPositionLocked(req OrderRequest, qty float64) {
	signed := qty
	if req.Side == models.SideSell {
		signed = -qty
	}
	s.positions[req.InstrumentKey] += signed
	if s.positions[req.InstrumentKey] == 0 {
		delete(s.positions, req.InstrumentKey)
		delete(s.legs, req.InstrumentKey)
	}
}

func (s *Sim) legFills(req OrderRequest, units, avg float64) []LegFill {
	if len(req.Legs) == 0 {
		return nil
	}
	sign := 1.0
	if req.Side == models.SideSell {
		sign = -1
	}
	fills := make([]LegFill, 0, len(req.Legs))
	for _, leg := range req.Legs {
		fills = append(fills, LegFill{
			Instrument:     leg.Instrument,
			SignedQuantity: sign * units * float64(leg.Ratio),
			AvgPrice:       avg,
		})
	}
	s.legs[req.InstrumentKey] = fills
	return fills
}

func (s *Sim) emitLocked(orderID string, state models.OrderState, filled, avg float64, legFills []LegFill) {
	ev := OrderEvent{
		OrderID:        orderID,
		State:          state,
		FilledQuantity: filled,
		AvgFillPrice:   avg,
		ExecutionID:    uuid.New().String(),
		LegFills:       legFills,
		Timestamp:      time.Now().UTC(),
	}
	s.lastEvent[orderID] = ev
	s.events <- ev
}

// Ensure Sim implements Gateway at compile time.
var _ Gateway = (*Sim)(nil)
