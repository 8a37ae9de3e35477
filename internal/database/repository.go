package database

import (
	"context"
	"fmt"
	"time"

	"breakretest-bot/internal/levels"
	"breakretest-bot/internal/strategy"
	"breakretest-bot/internal/trade"
)

// Repository persists trades, levels and signals. Implements
// trade.Store.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck verifies database connectivity.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// SaveTrade upserts the full trade row; the controller calls this on
// every state change.
func (r *Repository) SaveTrade(ctx context.Context, t *trade.Trade) error {
	query := `
		INSERT INTO trades (
			id, signal_id, instance_id, symbol, strategy, direction,
			quantity, remaining, entry_price, stop_price, target_price,
			exit_price, status, result, pnl, broker_order_id,
			error_reason, created_at, opened_at, closed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			entry_price = EXCLUDED.entry_price,
			stop_price = EXCLUDED.stop_price,
			exit_price = EXCLUDED.exit_price,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			pnl = EXCLUDED.pnl,
			broker_order_id = EXCLUDED.broker_order_id,
			error_reason = EXCLUDED.error_reason,
			opened_at = EXCLUDED.opened_at,
			closed_at = EXCLUDED.closed_at`

	_, err := r.db.Pool.Exec(ctx, query,
		t.ID, t.SignalID, t.InstanceID, t.Symbol, string(t.Strategy), string(t.Direction),
		t.Quantity, t.Remaining, t.EntryPrice, t.StopPrice, t.TargetPrice,
		nullFloat(t.ExitPrice), string(t.Status), string(t.Result), t.PnL,
		nullString(t.BrokerOrderID), nullString(t.ErrorReason),
		t.CreatedAt, t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save trade %s: %w", t.ID, err)
	}
	return nil
}

// SaveLevel upserts a level row on every status transition.
func (r *Repository) SaveLevel(ctx context.Context, l *levels.Level) error {
	query := `
		INSERT INTO levels (
			id, symbol, kind, price, zone_low, zone_high,
			session_date, status, description, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`

	_, err := r.db.Pool.Exec(ctx, query,
		l.ID, l.Symbol, string(l.Kind), l.Price,
		nullFloat(l.ZoneLow), nullFloat(l.ZoneHigh),
		l.SessionDate, string(l.Status), nullString(l.Description), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save level %s: %w", l.ID, err)
	}
	return nil
}

// SaveSignal records a fired signal for the audit trail.
func (r *Repository) SaveSignal(ctx context.Context, s *strategy.Signal) error {
	query := `
		INSERT INTO signals (
			id, instance_id, symbol, strategy, direction,
			level_id, entry, stop, target, generated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.Pool.Exec(ctx, query,
		s.ID, s.InstanceID, s.Symbol, string(s.Strategy), string(s.Direction),
		s.LevelID, s.Entry, s.Stop, s.Target, s.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save signal %s: %w", s.ID, err)
	}
	return nil
}

// DailySummary aggregates a session's closed trades.
type DailySummary struct {
	SessionDate string  `json:"session_date"`
	TradesTaken int     `json:"trades_taken"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	Scratches   int     `json:"scratches"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// SaveDailySummary writes the end-of-session rollup.
func (r *Repository) SaveDailySummary(ctx context.Context, s DailySummary) error {
	query := `
		INSERT INTO daily_summaries (
			session_date, trades_taken, wins, losses, scratches, realized_pnl
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_date) DO UPDATE SET
			trades_taken = EXCLUDED.trades_taken,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			scratches = EXCLUDED.scratches,
			realized_pnl = EXCLUDED.realized_pnl`

	_, err := r.db.Pool.Exec(ctx, query,
		s.SessionDate, s.TradesTaken, s.Wins, s.Losses, s.Scratches, s.RealizedPnL)
	if err != nil {
		return fmt.Errorf("failed to save daily summary: %w", err)
	}
	return nil
}

// RecentTrades returns the latest trades, newest first.
func (r *Repository) RecentTrades(ctx context.Context, limit int) ([]trade.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, signal_id, instance_id, symbol, strategy, direction,
		       quantity, remaining, entry_price, stop_price, target_price,
		       COALESCE(exit_price, 0), status, COALESCE(result, ''), pnl,
		       COALESCE(broker_order_id, ''), COALESCE(error_reason, ''),
		       created_at, opened_at, closed_at
		FROM trades ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []trade.Trade
	for rows.Next() {
		var t trade.Trade
		var strat, direction, status, result string
		var openedAt, closedAt *time.Time
		if err := rows.Scan(
			&t.ID, &t.SignalID, &t.InstanceID, &t.Symbol, &strat, &direction,
			&t.Quantity, &t.Remaining, &t.EntryPrice, &t.StopPrice, &t.TargetPrice,
			&t.ExitPrice, &status, &result, &t.PnL,
			&t.BrokerOrderID, &t.ErrorReason,
			&t.CreatedAt, &openedAt, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Strategy = strategy.Kind(strat)
		t.Direction = strategy.Direction(direction)
		t.Status = trade.Status(status)
		t.Result = trade.Result(result)
		t.OpenedAt = openedAt
		t.ClosedAt = closedAt
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullFloat(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
