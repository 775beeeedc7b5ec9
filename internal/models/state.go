package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SystemState - полный снимок состояния системы
//
// Единица сохранения и восстановления после сбоя. Перезаписывается
// целиком при каждом сохранении.
type SystemState struct {
	Timestamp            time.Time            `json:"timestamp"`
	Positions            map[string]*Position `json:"positions"`
	OpenOrders           map[string]*Order    `json:"open_orders"`
	AccountBalance       decimal.Decimal      `json:"account_balance"`
	AccountEquity        decimal.Decimal      `json:"account_equity"`
	EquityHighWaterMark  decimal.Decimal      `json:"equity_high_water_mark"`
	DailyStartEquity     decimal.Decimal      `json:"daily_start_equity"`
	DailyPnl             decimal.Decimal      `json:"daily_pnl"`
	TotalPnl             decimal.Decimal      `json:"total_pnl"`
	KillSwitchActive     bool                 `json:"kill_switch_active"`
	CircuitBreakerActive bool                 `json:"circuit_breaker_active"`
	LastTradeTime        *time.Time           `json:"last_trade_time,omitempty"`
	Metadata             map[string]string    `json:"metadata,omitempty"`
}

// NewSystemState создаёт пустое состояние с текущим временем
func NewSystemState() *SystemState {
	return &SystemState{
		Timestamp:  time.Now().UTC(),
		Positions:  make(map[string]*Position),
		OpenOrders: make(map[string]*Order),
		Metadata:   make(map[string]string),
	}
}

// RiskMetrics - снимок риск-показателей для наблюдаемости
//
// Вычисляется по запросу, никогда не сохраняется отдельно.
type RiskMetrics struct {
	Balance              decimal.Decimal            `json:"balance"`
	Equity               decimal.Decimal            `json:"equity"`
	EquityHighWaterMark  decimal.Decimal            `json:"equity_high_water_mark"`
	CurrentDrawdown      decimal.Decimal            `json:"current_drawdown"`
	DailyPnl             decimal.Decimal            `json:"daily_pnl"`
	DailyLossLimit       decimal.Decimal            `json:"daily_loss_limit"`
	OpenPositions        int                        `json:"open_positions"`
	MaxPositions         int                        `json:"max_positions"`
	ExposureBySymbol     map[string]decimal.Decimal `json:"exposure_by_symbol"`
	KillSwitchActive     bool                       `json:"kill_switch_active"`
	KillSwitchReason     string                     `json:"kill_switch_reason,omitempty"`
	CircuitBreakerActive bool                       `json:"circuit_breaker_active"`
	ConsecutiveLosses    int                        `json:"consecutive_losses"`
	Timestamp            time.Time                  `json:"timestamp"`
}
