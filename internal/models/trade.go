package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Причины закрытия позиции
const (
	ExitReasonManual         = "manual"
	ExitReasonStopLoss       = "stop_loss"
	ExitReasonTakeProfit     = "take_profit"
	ExitReasonReconciliation = "reconciliation"
)

// TradeRecord представляет запись о завершённой сделке в журнале
type TradeRecord struct {
	ID          int             `json:"id" db:"id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Side        string          `json:"side" db:"side"` // long, short
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price" db:"exit_price"`
	RealizedPnl decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Commission  decimal.Decimal `json:"commission" db:"commission"`
	Strategy    string          `json:"strategy" db:"strategy"`
	ExitReason  string          `json:"exit_reason" db:"exit_reason"`
	OpenedAt    time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at" db:"closed_at"`
}
