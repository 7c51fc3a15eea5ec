package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/spreadkeeper/internal/models"
)

func drain(t *testing.T, events <-chan OrderEvent, n int) []OrderEvent {
	t.Helper()
	out := make([]OrderEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	return out
}

func verticalRequest(qty float64) OrderRequest {
	return OrderRequest{
		OrderID:       "ord-1",
		CorrelationID: "corr-1",
		InstrumentKey: "SPX-BPS",
		Legs: []LegSpec{
			{Instrument: "SHORT", Ratio: -1},
			{Instrument: "LONG", Ratio: 1},
		},
		Side:       models.SideSell,
		Quantity:   qty,
		LimitPrice: 1.25,
		Purpose:    models.PurposeEntry,
	}
}

func TestSim_ImmediateFill(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	id, err := sim.SubmitOrder(ctx, verticalRequest(2))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", id)

	events := drain(t, sim.Events(), 3)
	assert.Equal(t, models.OrderSubmitted, events[0].State)
	assert.Equal(t, models.OrderAccepted, events[1].State)
	assert.Equal(t, models.OrderFilled, events[2].State)
	assert.Equal(t, 2.0, events[2].FilledQuantity)
	assert.Equal(t, 1.25, events[2].AvgFillPrice)
	assert.Len(t, events[2].LegFills, 2)

	positions, err := sim.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -2.0, positions[0].Quantity)
}

func TestSim_RejectAndHold(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	sim.SetFillMode("SPX-BPS", RejectOrder)
	_, err := sim.SubmitOrder(ctx, verticalRequest(1))
	require.NoError(t, err)
	events := drain(t, sim.Events(), 2)
	assert.Equal(t, models.OrderRejected, events[1].State)

	sim.SetFillMode("SPX-BPS", HoldOrder)
	req := verticalRequest(1)
	req.OrderID = "ord-2"
	_, err = sim.SubmitOrder(ctx, req)
	require.NoError(t, err)
	events = drain(t, sim.Events(), 2)
	assert.Equal(t, models.OrderAccepted, events[1].State)

	// A held order cancels cleanly with zero filled.
	require.NoError(t, sim.CancelOrder(ctx, "ord-2"))
	ev := drain(t, sim.Events(), 1)[0]
	assert.Equal(t, models.OrderCanceled, ev.State)
	assert.Zero(t, ev.FilledQuantity)
}

func TestSim_PartialThenCancel(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()
	sim.SetFillMode("SPX-BPS", FillPartial)
	sim.SetPartialFraction(0.5)

	_, err := sim.SubmitOrder(ctx, verticalRequest(2))
	require.NoError(t, err)

	events := drain(t, sim.Events(), 2)
	assert.Equal(t, models.OrderPartiallyFilled, events[1].State)
	assert.Equal(t, 1.0, events[1].FilledQuantity)

	require.NoError(t, sim.CancelOrder(ctx, "ord-1"))
	ev := drain(t, sim.Events(), 1)[0]
	assert.Equal(t, models.OrderCanceled, ev.State)
	assert.Equal(t, 1.0, ev.FilledQuantity, "cancel reports what filled before it")
}

func TestSim_RedeliverLast(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	_, err := sim.SubmitOrder(ctx, verticalRequest(1))
	require.NoError(t, err)
	events := drain(t, sim.Events(), 3)
	last := events[2]

	sim.RedeliverLast("ord-1")
	dup := drain(t, sim.Events(), 1)[0]
	assert.Equal(t, last.State, dup.State)
	assert.Equal(t, last.FilledQuantity, dup.FilledQuantity)
	assert.Equal(t, last.ExecutionID, dup.ExecutionID, "a redelivery carries the same execution id")
}

func TestSim_OrderStatusAndCompleteFill(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()
	sim.SetFillMode("SPX-BPS", HoldOrder)

	_, err := sim.SubmitOrder(ctx, verticalRequest(2))
	require.NoError(t, err)
	drain(t, sim.Events(), 2)

	st, err := sim.OrderStatus(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderAccepted, st.State)

	require.NoError(t, sim.CompleteFill("ord-1"))
	ev := drain(t, sim.Events(), 1)[0]
	assert.Equal(t, models.OrderFilled, ev.State)
	assert.Equal(t, 2.0, ev.FilledQuantity)

	st, err = sim.OrderStatus(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, st.State)
}

func TestSim_QuoteLookup(t *testing.T) {
	sim := NewSim()
	sim.SetQuote("SPX-BPS", 1.20, 1.30)

	q, err := sim.GetQuote(context.Background(), "SPX-BPS")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, q.Mid(), 1e-9)

	_, err = sim.GetQuote(context.Background(), "UNKNOWN")
	assert.Error(t, err)
}
