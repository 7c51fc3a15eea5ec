// Package journal records the durable trading history: an append-only
// order log and a trades table keyed by trade id. The order log is the
// transactional record; trades are the derived journal used for review
// and statistics.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/halcyonlabs/spreadkeeper/internal/models"
)

// Recorder is the trade journal contract.
type Recorder interface {
	// OnEntryConfirmed creates the trade record for a confirmed entry
	// fill. Idempotent per correlation id: a duplicate confirmation
	// returns the existing trade id without creating a second record.
	OnEntryConfirmed(fill EntryFill) (string, error)

	// UpdateEntry re-sizes an OPEN trade as later fills for the same
	// entry accumulate. Closed trades are untouched.
	UpdateEntry(tradeID string, quantity, avgPrice float64) error

	// OnExitConfirmed finalizes a trade. Only an OPEN trade transitions;
	// duplicate confirmations are no-ops.
	OnExitConfirmed(fill ExitFill) error

	// CancelTrade marks a trade CANCELED (e.g. entry filled then position
	// vanished at the broker before any exit).
	CancelTrade(tradeID, reason string) error

	// UpdateLiveMetrics tracks running excursion extremes. It never
	// influences exit decisions.
	UpdateLiveMetrics(tradeID string, unrealizedPnL float64) error

	// AddCommission attributes commission to a trade, deduplicated by
	// execution id so spread- and leg-level reports count once.
	AddCommission(tradeID, executionID string, amount float64) error

	// RecordOrder appends an order's current state to the order log.
	RecordOrder(o *models.Order) error

	// Trade fetches one trade record.
	Trade(tradeID string) (*models.TradeRecord, error)

	// OpenTradeFor returns the OPEN trade for an instrument, if any.
	OpenTradeFor(strategyID, instrumentKey string) (*models.TradeRecord, error)

	// Stats aggregates closed-trade performance for a strategy.
	Stats(strategyID string) (*Stats, error)

	Close() error
}

// EntryFill carries the confirmed entry details for trade creation.
type EntryFill struct {
	StrategyID    string
	InstrumentKey string
	CorrelationID string
	Quantity      float64
	AvgPrice      float64
	FilledAt      time.Time
}

// ExitFill carries the confirmed exit details for trade finalization.
type ExitFill struct {
	TradeID    string
	AvgPrice   float64
	PnL        float64
	ExitReason string
	ClosedAt   time.Time
}

// Stats summarizes closed trades for a strategy.
type Stats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalFees     float64 `json:"total_fees"`
}

// ErrTradeNotFound is returned for lookups of unknown trade ids.
var ErrTradeNotFound = errors.New("trade not found")

// SQLite implements Recorder on a sqlite database file.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id       TEXT NOT NULL,
	correlation_id TEXT,
	purpose        TEXT NOT NULL,
	side           TEXT NOT NULL,
	instrument_key TEXT NOT NULL,
	quantity       REAL NOT NULL,
	limit_price    REAL NOT NULL,
	status         TEXT NOT NULL,
	filled_qty     REAL NOT NULL,
	avg_fill_price REAL NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 0,
	recorded_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_order_id ON orders(order_id);
CREATE INDEX IF NOT EXISTS idx_orders_correlation ON orders(correlation_id);

CREATE TABLE IF NOT EXISTS trades (
	trade_id              TEXT PRIMARY KEY,
	strategy_id           TEXT NOT NULL,
	instrument_key        TEXT NOT NULL,
	correlation_id        TEXT NOT NULL UNIQUE,
	status                TEXT NOT NULL,
	opened_at             TIMESTAMP NOT NULL,
	closed_at             TIMESTAMP,
	entry_price           REAL NOT NULL,
	exit_price            REAL NOT NULL DEFAULT 0,
	quantity              REAL NOT NULL,
	commission            REAL NOT NULL DEFAULT 0,
	pnl                   REAL NOT NULL DEFAULT 0,
	max_unrealized_profit REAL NOT NULL DEFAULT 0,
	max_unrealized_loss   REAL NOT NULL DEFAULT 0,
	exit_reason           TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id);

CREATE TABLE IF NOT EXISTS executions (
	execution_id TEXT PRIMARY KEY,
	trade_id     TEXT NOT NULL,
	commission   REAL NOT NULL,
	recorded_at  TIMESTAMP NOT NULL
);
`

// NewSQLite opens (or creates) the journal database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}
	// Serialized writes keep sqlite happy under a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// OnEntryConfirmed creates exactly one trade per correlation id.
func (j *SQLite) OnEntryConfirmed(fill EntryFill) (string, error) {
	if fill.CorrelationID == "" {
		return "", fmt.Errorf("entry fill missing correlation id")
	}

	var existing string
	err := j.db.QueryRow(
		`SELECT trade_id FROM trades WHERE correlation_id = ?`, fill.CorrelationID,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("looking up trade for correlation %s: %w", fill.CorrelationID, err)
	}

	tradeID := uuid.New().String()
	openedAt := fill.FilledAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}

	_, err = j.db.Exec(
		`INSERT INTO trades (trade_id, strategy_id, instrument_key, correlation_id,
			status, opened_at, entry_price, quantity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tradeID, fill.StrategyID, fill.InstrumentKey, fill.CorrelationID,
		string(models.TradeOpen), openedAt, fill.AvgPrice, fill.Quantity,
	)
	if err != nil {
		// A concurrent duplicate lost the race to the UNIQUE index: return
		// whichever record won.
		var winner string
		if scanErr := j.db.QueryRow(
			`SELECT trade_id FROM trades WHERE correlation_id = ?`, fill.CorrelationID,
		).Scan(&winner); scanErr == nil {
			return winner, nil
		}
		return "", fmt.Errorf("inserting trade: %w", err)
	}

	return tradeID, nil
}

// UpdateEntry refreshes an OPEN trade's entry size and average price.
func (j *SQLite) UpdateEntry(tradeID string, quantity, avgPrice float64) error {
	_, err := j.db.Exec(
		`UPDATE trades SET quantity = ?, entry_price = ?
		 WHERE trade_id = ? AND status = ?`,
		quantity, avgPrice, tradeID, string(models.TradeOpen),
	)
	if err != nil {
		return fmt.Errorf("updating entry for trade %s: %w", tradeID, err)
	}
	return nil
}

// OnExitConfirmed closes an OPEN trade; duplicates are no-ops.
func (j *SQLite) OnExitConfirmed(fill ExitFill) error {
	closedAt := fill.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	res, err := j.db.Exec(
		`UPDATE trades
		 SET status = ?, closed_at = ?, exit_price = ?, pnl = ?, exit_reason = ?
		 WHERE trade_id = ? AND status = ?`,
		string(models.TradeClosed), closedAt, fill.AvgPrice, fill.PnL, fill.ExitReason,
		fill.TradeID, string(models.TradeOpen),
	)
	if err != nil {
		return fmt.Errorf("closing trade %s: %w", fill.TradeID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Either already closed (duplicate confirmation) or unknown.
		var status string
		err := j.db.QueryRow(`SELECT status FROM trades WHERE trade_id = ?`, fill.TradeID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("closing trade %s: %w", fill.TradeID, ErrTradeNotFound)
		}
	}
	return nil
}

// CancelTrade marks a trade CANCELED if it is still OPEN.
func (j *SQLite) CancelTrade(tradeID, reason string) error {
	_, err := j.db.Exec(
		`UPDATE trades SET status = ?, closed_at = ?, exit_reason = ?
		 WHERE trade_id = ? AND status = ?`,
		string(models.TradeCanceled), time.Now().UTC(), reason,
		tradeID, string(models.TradeOpen),
	)
	if err != nil {
		return fmt.Errorf("canceling trade %s: %w", tradeID, err)
	}
	return nil
}

// UpdateLiveMetrics widens the running excursion extremes.
func (j *SQLite) UpdateLiveMetrics(tradeID string, unrealizedPnL float64) error {
	_, err := j.db.Exec(
		`UPDATE trades
		 SET max_unrealized_profit = MAX(max_unrealized_profit, ?),
		     max_unrealized_loss   = MIN(max_unrealized_loss, ?)
		 WHERE trade_id = ?`,
		unrealizedPnL, unrealizedPnL, tradeID,
	)
	if err != nil {
		return fmt.Errorf("updating live metrics for %s: %w", tradeID, err)
	}
	return nil
}

// AddCommission counts each execution id exactly once.
func (j *SQLite) AddCommission(tradeID, executionID string, amount float64) error {
	if executionID == "" {
		return fmt.Errorf("commission for trade %s missing execution id", tradeID)
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("starting commission tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO executions (execution_id, trade_id, commission, recorded_at)
		 VALUES (?, ?, ?, ?)`,
		executionID, tradeID, amount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording execution %s: %w", executionID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate report of the same execution: already counted.
		return nil
	}

	if _, err := tx.Exec(
		`UPDATE trades SET commission = commission + ? WHERE trade_id = ?`,
		amount, tradeID,
	); err != nil {
		return fmt.Errorf("attributing commission to %s: %w", tradeID, err)
	}

	return tx.Commit()
}

// RecordOrder appends an order snapshot to the order log.
func (j *SQLite) RecordOrder(o *models.Order) error {
	_, err := j.db.Exec(
		`INSERT INTO orders (order_id, correlation_id, purpose, side, instrument_key,
			quantity, limit_price, status, filled_qty, avg_fill_price, attempt, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CorrelationID, string(o.Purpose), string(o.Side), o.InstrumentKey,
		o.Quantity, o.LimitPrice, string(o.State), o.FilledQuantity, o.AvgFillPrice,
		o.Attempt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording order %s: %w", o.ID, err)
	}
	return nil
}

// Trade fetches one trade record by id.
func (j *SQLite) Trade(tradeID string) (*models.TradeRecord, error) {
	return j.scanTrade(j.db.QueryRow(
		`SELECT trade_id, strategy_id, instrument_key, correlation_id, status,
			opened_at, closed_at, entry_price, exit_price, quantity, commission, pnl,
			max_unrealized_profit, max_unrealized_loss, COALESCE(exit_reason, '')
		 FROM trades WHERE trade_id = ?`, tradeID))
}

// OpenTradeFor returns the OPEN trade for a strategy/instrument, if any.
func (j *SQLite) OpenTradeFor(strategyID, instrumentKey string) (*models.TradeRecord, error) {
	rec, err := j.scanTrade(j.db.QueryRow(
		`SELECT trade_id, strategy_id, instrument_key, correlation_id, status,
			opened_at, closed_at, entry_price, exit_price, quantity, commission, pnl,
			max_unrealized_profit, max_unrealized_loss, COALESCE(exit_reason, '')
		 FROM trades WHERE strategy_id = ? AND instrument_key = ? AND status = ?
		 ORDER BY opened_at DESC LIMIT 1`,
		strategyID, instrumentKey, string(models.TradeOpen)))
	if errors.Is(err, ErrTradeNotFound) {
		return nil, nil
	}
	return rec, err
}

func (j *SQLite) scanTrade(row *sql.Row) (*models.TradeRecord, error) {
	var rec models.TradeRecord
	var status string
	var closedAt sql.NullTime
	err := row.Scan(
		&rec.TradeID, &rec.StrategyID, &rec.InstrumentKey, &rec.CorrelationID, &status,
		&rec.OpenedAt, &closedAt, &rec.EntryPrice, &rec.ExitPrice, &rec.Quantity,
		&rec.Commission, &rec.PnL, &rec.MaxUnrealizedProfit, &rec.MaxUnrealizedLoss,
		&rec.ExitReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trade: %w", err)
	}
	rec.Status = models.TradeStatus(status)
	if closedAt.Valid {
		rec.ClosedAt = closedAt.Time
	}
	return &rec, nil
}

// Stats aggregates closed trades for a strategy.
func (j *SQLite) Stats(strategyID string) (*Stats, error) {
	var s Stats
	err := j.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pnl <= 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(SUM(commission), 0)
		 FROM trades WHERE strategy_id = ? AND status = ?`,
		strategyID, string(models.TradeClosed),
	).Scan(&s.TotalTrades, &s.WinningTrades, &s.LosingTrades, &s.TotalPnL, &s.TotalFees)
	if err != nil {
		return nil, fmt.Errorf("aggregating stats for %s: %w", strategyID, err)
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	}
	return &s, nil
}

// Close releases the database handle.
func (j *SQLite) Close() error {
	return j.db.Close()
}

// Ensure SQLite implements Recorder at compile time.
var _ Recorder = (*SQLite)(nil)
