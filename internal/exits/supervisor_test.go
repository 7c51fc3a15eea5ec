package exits

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/spreadkeeper/internal/broker"
	"github.com/halcyonlabs/spreadkeeper/internal/journal"
	"github.com/halcyonlabs/spreadkeeper/internal/models"
	"github.com/halcyonlabs/spreadkeeper/internal/ops"
	"github.com/halcyonlabs/spreadkeeper/internal/orders"
)

// journalStub satisfies the recorder contract without a database.
type journalStub struct {
	liveUpdates []float64
	exits       []journal.ExitFill
}

func (j *journalStub) OnEntryConfirmed(journal.EntryFill) (string, error) { return "trade-1", nil }
func (j *journalStub) UpdateEntry(string, float64, float64) error         { return nil }
func (j *journalStub) OnExitConfirmed(f journal.ExitFill) error {
	j.exits = append(j.exits, f)
	return nil
}
func (j *journalStub) CancelTrade(string, string) error { return nil }
func (j *journalStub) UpdateLiveMetrics(_ string, pnl float64) error {
	j.liveUpdates = append(j.liveUpdates, pnl)
	return nil
}
func (j *journalStub) AddCommission(string, string, float64) error { return nil }
func (j *journalStub) RecordOrder(*models.Order) error             { return nil }
func (j *journalStub) Trade(string) (*models.TradeRecord, error) {
	return nil, journal.ErrTradeNotFound
}
func (j *journalStub) OpenTradeFor(string, string) (*models.TradeRecord, error) {
	return nil, journal.ErrTradeNotFound
}
func (j *journalStub) Stats(string) (*journal.Stats, error) { return &journal.Stats{}, nil }
func (j *journalStub) Close() error                         { return nil }

var _ journal.Recorder = (*journalStub)(nil)

type capturedAlerts struct {
	alerts []ops.Alert
}

func (c *capturedAlerts) Notify(a ops.Alert) { c.alerts = append(c.alerts, a) }

type fixture struct {
	sim      *broker.Sim
	tracker  *orders.Tracker
	journal  *journalStub
	alerts   *capturedAlerts
	sup      *Supervisor
	position *models.Position
}

func newFixture(t *testing.T, cfg ...Config) *fixture {
	t.Helper()

	sim := broker.NewSim()
	tracker := orders.NewTracker(sim, nil, log.New(io.Discard, "", 0))
	j := &journalStub{}
	alerts := &capturedAlerts{}
	sup := NewSupervisor(tracker, j, alerts, log.New(io.Discard, "", 0), cfg...)

	return &fixture{
		sim:      sim,
		tracker:  tracker,
		journal:  j,
		alerts:   alerts,
		sup:      sup,
		position: openCreditPosition(t),
	}
}

// openCreditPosition builds a two-lot short vertical entered at 2.00.
func openCreditPosition(t *testing.T) *models.Position {
	t.Helper()

	pos := models.NewPosition("strangler-1", "SPX-BPS")
	pos.CorrelationID = "corr-1"
	require.NoError(t, pos.TransitionState(models.LifecycleEntryPending, "entry_submitted"))
	pos.TradeID = "trade-1"
	pos.EntrySide = models.SideSell
	pos.EntryPrice = 2.00
	pos.ApplyFill("SHORT", -1, -2, 3.10)
	pos.ApplyFill("LONG", 1, 2, 1.10)
	require.NoError(t, pos.TransitionState(models.LifecycleOpen, "entry_filled"))
	return pos
}

// pump drains n simulator events through the tracker.
func (f *fixture) pump(t *testing.T, n int) []orders.Applied {
	t.Helper()
	out := make([]orders.Applied, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-f.sim.Events():
			applied, err := f.tracker.OnBrokerEvent(ev)
			require.NoError(t, err)
			out = append(out, applied)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	return out
}

func TestSupervisor_NoTriggerBetweenBands(t *testing.T) {
	f := newFixture(t)
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	// Entry 2.00, stop at -2.00/unit, profit at +0.80/unit. Mid 2.50 is
	// a 0.50 loss: inside the band.
	quote := broker.Quote{Bid: 2.45, Ask: 2.55}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))

	assert.Equal(t, models.LifecycleOpen, f.position.CurrentState())
	assert.Empty(t, f.tracker.PendingOrders("SPX-BPS"))

	// Live metrics still tracked every tick: -0.50/unit on 2 units.
	require.Len(t, f.journal.liveUpdates, 1)
	assert.InDelta(t, -1.00, f.journal.liveUpdates[0], 1e-9)
}

func TestSupervisor_TakeProfitTrigger(t *testing.T) {
	f := newFixture(t)
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	// Mid 1.00 means +1.00/unit gain against a 0.80 threshold.
	quote := broker.Quote{Bid: 0.95, Ask: 1.05}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))

	assert.Equal(t, models.LifecycleClosing, f.position.CurrentState())
	assert.Equal(t, models.TriggerTakeProfit, f.position.ActiveTrigger)
	require.NotEmpty(t, f.position.ClosingOrderID)

	order, ok := f.tracker.Get(f.position.ClosingOrderID)
	require.True(t, ok)
	assert.Equal(t, models.PurposeTakeProfit, order.Purpose)
	assert.Equal(t, models.SideBuy, order.Side)
	assert.Equal(t, 2.0, order.Quantity)
	// Entry 2.00 less the 40% target.
	assert.InDelta(t, 1.20, order.LimitPrice, 1e-9)
}

func TestSupervisor_StopLossTrigger(t *testing.T) {
	f := newFixture(t)
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	// Mid 4.10 is a 2.10/unit loss, past the 100% stop.
	quote := broker.Quote{Bid: 4.00, Ask: 4.20}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))

	assert.Equal(t, models.LifecycleClosing, f.position.CurrentState())
	assert.Equal(t, models.TriggerStopLoss, f.position.ActiveTrigger)

	order, ok := f.tracker.Get(f.position.ClosingOrderID)
	require.True(t, ok)
	assert.Equal(t, models.PurposeStopLoss, order.Purpose)
	// First attempt concedes one step through the mid.
	assert.InDelta(t, 4.15, order.LimitPrice, 1e-9)
}

func TestSupervisor_CloseFillCompletesTrade(t *testing.T) {
	f := newFixture(t)

	quote := broker.Quote{Bid: 0.95, Ask: 1.05}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))

	applied := f.pump(t, 3)
	final := applied[2]
	require.True(t, final.Order.State.IsTerminal())

	closed, err := f.sup.OnCloseOrderTerminal(f.position, final.Order)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, models.LifecycleClosed, f.position.CurrentState())
	assert.False(t, f.position.HasOpenOrders())
}

func TestSupervisor_FailedCloseReArmsBothFlags(t *testing.T) {
	f := newFixture(t)
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	quote := broker.Quote{Bid: 4.00, Ask: 4.20}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	f.pump(t, 2)

	closingID := f.position.ClosingOrderID
	require.NoError(t, f.tracker.Cancel(context.Background(), closingID))
	applied := f.pump(t, 1)[0]
	require.Equal(t, models.OrderCanceled, applied.Order.State)

	closed, err := f.sup.OnCloseOrderTerminal(f.position, applied.Order)
	require.NoError(t, err)
	assert.False(t, closed)

	// Both the in-flight state and the trigger reset, so the next tick
	// can fire the same stop again.
	assert.Equal(t, models.LifecycleOpen, f.position.CurrentState())
	assert.Equal(t, models.TriggerNone, f.position.ActiveTrigger)
	assert.Empty(t, f.position.ClosingOrderID)
	assert.Equal(t, 1, f.position.Lifecycle.CloseFailureCount())

	// Re-trigger on the same quote: the walk concedes one more step.
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	assert.Equal(t, models.LifecycleClosing, f.position.CurrentState())
	order, ok := f.tracker.Get(f.position.ClosingOrderID)
	require.True(t, ok)
	assert.InDelta(t, 4.20, order.LimitPrice, 1e-9)
}

func TestSupervisor_MarketFallbackAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t, Config{
		StopLossPct:         100,
		TakeProfitPct:       40,
		WalkStep:            0.05,
		Tick:                0.05,
		MarketFallbackTicks: 1,
		RepriceTakeProfit:   true,
		MinPrice:            0.05,
	})
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	quote := broker.Quote{Bid: 4.00, Ask: 4.20}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	f.pump(t, 2)

	require.NoError(t, f.tracker.Cancel(context.Background(), f.position.ClosingOrderID))
	applied := f.pump(t, 1)[0]
	_, err := f.sup.OnCloseOrderTerminal(f.position, applied.Order)
	require.NoError(t, err)

	// Failure count reached the fallback budget: operator alerted.
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, ops.AlertExitUnfillable, f.alerts.alerts[0].Kind)

	// The resubmission goes out as a market order.
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	order, ok := f.tracker.Get(f.position.ClosingOrderID)
	require.True(t, ok)
	assert.True(t, order.IsMarket())
}

func TestSupervisor_RepriceCancelDoesNotConsumeFailureBudget(t *testing.T) {
	f := newFixture(t, Config{
		StopLossPct:         100,
		TakeProfitPct:       40,
		WalkStep:            0.05,
		Tick:                0.05,
		MarketFallbackTicks: 1,
		RepriceTakeProfit:   true,
		MinPrice:            0.05,
	})
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	// Stop fires at mid 4.10; the close rests at 4.15.
	quote := broker.Quote{Bid: 4.00, Ask: 4.20}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	f.pump(t, 2)

	// The market runs away, so the resting limit is stale and the
	// supervisor cancels it purely to chase the new mid.
	worse := broker.Quote{Bid: 4.40, Ask: 4.60}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, worse))
	applied := f.pump(t, 1)[0]
	require.Equal(t, models.OrderCanceled, applied.Order.State)

	closed, err := f.sup.OnCloseOrderTerminal(f.position, applied.Order)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, models.LifecycleOpen, f.position.CurrentState())

	// A routine re-price is not an unfillable close: no alert, and even
	// with the fallback budget at one the resubmission stays a limit.
	assert.Empty(t, f.alerts.alerts)
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, worse))
	order, ok := f.tracker.Get(f.position.ClosingOrderID)
	require.True(t, ok)
	assert.False(t, order.IsMarket())
	// The walk still advanced: mid 4.50 plus two conceded steps.
	assert.InDelta(t, 4.60, order.LimitPrice, 1e-9)
	f.pump(t, 2)

	// A close that genuinely dies still spends the budget and escalates.
	require.NoError(t, f.tracker.Cancel(context.Background(), f.position.ClosingOrderID))
	applied = f.pump(t, 1)[0]
	_, err = f.sup.OnCloseOrderTerminal(f.position, applied.Order)
	require.NoError(t, err)

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, ops.AlertExitUnfillable, f.alerts.alerts[0].Kind)
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, worse))
	order, ok = f.tracker.Get(f.position.ClosingOrderID)
	require.True(t, ok)
	assert.True(t, order.IsMarket())
}

func TestSupervisor_BrokenPositionAlertsAndNeverCloses(t *testing.T) {
	f := newFixture(t)

	// One leg short two lots, the other long three: no consistent unit count.
	f.position.Legs["LONG"].SignedQuantity = 3

	quote := broker.Quote{Bid: 0.95, Ask: 1.05}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))

	assert.Equal(t, models.LifecycleOpen, f.position.CurrentState())
	assert.Empty(t, f.tracker.PendingOrders("SPX-BPS"))
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, ops.AlertBrokenPosition, f.alerts.alerts[0].Kind)

	// Re-evaluation does not spam the alert.
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	assert.Len(t, f.alerts.alerts, 1)
}

func TestSupervisor_CancelsWorkingEntryBeforeClosing(t *testing.T) {
	f := newFixture(t)
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	// A scale-in entry still working when the stop fires.
	_, err := f.tracker.Submit(context.Background(), orders.SubmitRequest{
		Purpose:       models.PurposeEntry,
		Side:          models.SideSell,
		InstrumentKey: "SPX-BPS",
		Legs: []broker.LegSpec{
			{Instrument: "SHORT", Ratio: -1},
			{Instrument: "LONG", Ratio: 1},
		},
		Quantity:      1,
		LimitPrice:    2.10,
		CorrelationID: "corr-1",
		Attempt:       2,
	})
	require.NoError(t, err)
	f.pump(t, 2)

	quote := broker.Quote{Bid: 4.00, Ask: 4.20}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))

	// The cancel and the close submission both hit the simulator; the
	// entry's cancel confirmation arrives as an event.
	applied := f.pump(t, 3)
	var sawEntryCancel bool
	for _, a := range applied {
		if a.Order.Purpose == models.PurposeEntry && a.Order.State == models.OrderCanceled {
			sawEntryCancel = true
		}
	}
	assert.True(t, sawEntryCancel, "working entry must die before the close")
}

func TestSupervisor_RepricesRestingTakeProfit(t *testing.T) {
	f := newFixture(t)
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	quote := broker.Quote{Bid: 0.95, Ask: 1.05}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	f.pump(t, 2)

	// The market dropped well below the resting 1.20 limit; the close is
	// canceled so the re-arm path can resubmit nearer the market.
	cheaper := broker.Quote{Bid: 0.40, Ask: 0.50}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, cheaper))

	applied := f.pump(t, 1)[0]
	assert.Equal(t, models.OrderCanceled, applied.Order.State)
}

func TestSupervisor_FrozenTakeProfitWhenRepriceDisabled(t *testing.T) {
	f := newFixture(t, Config{
		StopLossPct:         100,
		TakeProfitPct:       40,
		WalkStep:            0.05,
		Tick:                0.05,
		MarketFallbackTicks: 5,
		RepriceTakeProfit:   false,
		MinPrice:            0.05,
	})
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	quote := broker.Quote{Bid: 0.95, Ask: 1.05}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	f.pump(t, 2)

	closingID := f.position.ClosingOrderID
	cheaper := broker.Quote{Bid: 0.40, Ask: 0.50}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, cheaper))

	// No cancel was issued; the resting limit stays put.
	order, ok := f.tracker.Get(closingID)
	require.True(t, ok)
	assert.False(t, order.State.IsTerminal())
	select {
	case ev := <-f.sim.Events():
		t.Fatalf("unexpected broker event %s for order %s", ev.State, ev.OrderID)
	default:
	}
}

func TestSupervisor_ResumeAfterRestartResolvesDeadClose(t *testing.T) {
	f := newFixture(t)
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	quote := broker.Quote{Bid: 4.00, Ask: 4.20}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	f.pump(t, 2)

	// The close dies at the broker while the process is down.
	require.NoError(t, f.sim.CancelOrder(context.Background(), f.position.ClosingOrderID))
	<-f.sim.Events()

	// A fresh process restores the position mid-close and resolves.
	tracker2 := orders.NewTracker(f.sim, nil, log.New(io.Discard, "", 0))
	sup2 := NewSupervisor(tracker2, f.journal, f.alerts, log.New(io.Discard, "", 0))

	closed, err := sup2.ResumeAfterRestart(context.Background(), f.position)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, models.LifecycleOpen, f.position.CurrentState())
	assert.Equal(t, models.TriggerNone, f.position.ActiveTrigger)
	assert.Equal(t, 1, f.position.Lifecycle.CloseFailureCount())
}

func TestSupervisor_ResumeAfterRestartKeepsLiveClose(t *testing.T) {
	f := newFixture(t)
	f.sim.SetFillMode("SPX-BPS", broker.HoldOrder)

	quote := broker.Quote{Bid: 4.00, Ask: 4.20}
	require.NoError(t, f.sup.Evaluate(context.Background(), f.position, quote))
	f.pump(t, 2)

	tracker2 := orders.NewTracker(f.sim, nil, log.New(io.Discard, "", 0))
	sup2 := NewSupervisor(tracker2, f.journal, f.alerts, log.New(io.Discard, "", 0))

	closed, err := sup2.ResumeAfterRestart(context.Background(), f.position)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, models.LifecycleClosing, f.position.CurrentState())
}
