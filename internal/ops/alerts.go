// Package ops is the operator-facing surface: typed alerts, Prometheus
// metrics, and a small HTTP server exposing health, alerts, and metrics.
package ops

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertOrderRejected      AlertKind = "order_rejected"
	AlertOrderTimedOut      AlertKind = "order_timed_out"
	AlertBrokenPosition     AlertKind = "broken_position"
	AlertOwnershipConflict  AlertKind = "ownership_conflict"
	AlertPersistenceFailure AlertKind = "persistence_failure"
	AlertExitUnfillable     AlertKind = "exit_unfillable"
	AlertEntryExhausted     AlertKind = "entry_exhausted"
)

// Alert is one operator-facing event.
type Alert struct {
	Kind          AlertKind `json:"kind"`
	StrategyID    string    `json:"strategy_id"`
	InstrumentKey string    `json:"instrument_key,omitempty"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier receives alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(alert Alert)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Alert)

// Notify calls the wrapped function.
func (f NotifierFunc) Notify(alert Alert) { f(alert) }

// LogNotifier writes alerts to a structured logger and keeps a bounded
// in-memory ring for the HTTP /alerts endpoint.
type LogNotifier struct {
	mu     sync.Mutex
	logger *logrus.Logger
	ring   []Alert
	max    int
}

// NewLogNotifier creates a notifier retaining the most recent max alerts.
func NewLogNotifier(logger *logrus.Logger, max int) *LogNotifier {
	if max <= 0 {
		max = 200
	}
	return &LogNotifier{logger: logger, max: max}
}

// Notify logs the alert and records it in the ring.
func (n *LogNotifier) Notify(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	n.logger.WithFields(logrus.Fields{
		"kind":       alert.Kind,
		"strategy":   alert.StrategyID,
		"instrument": alert.InstrumentKey,
	}).Warn(alert.Message)

	AlertsTotal.WithLabelValues(string(alert.Kind)).Inc()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.ring = append(n.ring, alert)
	if len(n.ring) > n.max {
		n.ring = n.ring[len(n.ring)-n.max:]
	}
}

// Recent returns the retained alerts, newest last.
func (n *LogNotifier) Recent() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Alert, len(n.ring))
	copy(out, n.ring)
	return out
}

// Ensure LogNotifier implements Notifier at compile time.
var _ Notifier = (*LogNotifier)(nil)
