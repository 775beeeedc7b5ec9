// Package repository - работа с базой данных
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"autotrader/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeRepository - работа с таблицей trades (журнал сделок)
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// InsertTrade записывает завершённую сделку в журнал
func (r *TradeRepository) InsertTrade(ctx context.Context, trade *models.TradeRecord) error {
	query := `
		INSERT INTO trades (position_id, order_id, symbol, side, quantity, entry_price, exit_price, realized_pnl, commission, strategy, exit_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	if trade.ClosedAt.IsZero() {
		trade.ClosedAt = time.Now().UTC()
	}

	err := r.db.QueryRowContext(
		ctx,
		query,
		trade.PositionID,
		trade.OrderID,
		trade.Symbol,
		trade.Side,
		trade.Quantity,
		trade.EntryPrice,
		trade.ExitPrice,
		trade.RealizedPnl,
		trade.Commission,
		trade.Strategy,
		trade.ExitReason,
		trade.OpenedAt,
		trade.ClosedAt,
	).Scan(&trade.ID)

	if err != nil {
		return err
	}

	return nil
}

// GetByID возвращает сделку по ID
func (r *TradeRepository) GetByID(ctx context.Context, id int) (*models.TradeRecord, error) {
	query := `
		SELECT id, position_id, order_id, symbol, side, quantity, entry_price, exit_price, realized_pnl, commission, strategy, exit_reason, opened_at, closed_at
		FROM trades
		WHERE id = $1`

	trade := &models.TradeRecord{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&trade.ID,
		&trade.PositionID,
		&trade.OrderID,
		&trade.Symbol,
		&trade.Side,
		&trade.Quantity,
		&trade.EntryPrice,
		&trade.ExitPrice,
		&trade.RealizedPnl,
		&trade.Commission,
		&trade.Strategy,
		&trade.ExitReason,
		&trade.OpenedAt,
		&trade.ClosedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}

	return trade, nil
}

// GetBySymbol возвращает сделки по инструменту за период
func (r *TradeRepository) GetBySymbol(ctx context.Context, symbol string, since time.Time) ([]*models.TradeRecord, error) {
	query := `
		SELECT id, position_id, order_id, symbol, side, quantity, entry_price, exit_price, realized_pnl, commission, strategy, exit_reason, opened_at, closed_at
		FROM trades
		WHERE symbol = $1 AND closed_at >= $2
		ORDER BY closed_at DESC`

	rows, err := r.db.QueryContext(ctx, query, symbol, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetRecent возвращает последние сделки
func (r *TradeRepository) GetRecent(ctx context.Context, limit int) ([]*models.TradeRecord, error) {
	query := `
		SELECT id, position_id, order_id, symbol, side, quantity, entry_price, exit_price, realized_pnl, commission, strategy, exit_reason, opened_at, closed_at
		FROM trades
		ORDER BY closed_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// DailyPnl возвращает суммарный реализованный P&L за календарный день
func (r *TradeRepository) DailyPnl(ctx context.Context, day time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE closed_at >= $1 AND closed_at < $2`

	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	var pnl float64
	if err := r.db.QueryRowContext(ctx, query, start, end).Scan(&pnl); err != nil {
		return 0, err
	}
	return pnl, nil
}

// scanTrades читает все строки результата
func scanTrades(rows *sql.Rows) ([]*models.TradeRecord, error) {
	var trades []*models.TradeRecord
	for rows.Next() {
		trade := &models.TradeRecord{}
		err := rows.Scan(
			&trade.ID,
			&trade.PositionID,
			&trade.OrderID,
			&trade.Symbol,
			&trade.Side,
			&trade.Quantity,
			&trade.EntryPrice,
			&trade.ExitPrice,
			&trade.RealizedPnl,
			&trade.Commission,
			&trade.Strategy,
			&trade.ExitReason,
			&trade.OpenedAt,
			&trade.ClosedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}
