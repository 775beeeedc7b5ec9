package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal представляет торговый сигнал от стратегии
//
// Ядро не владеет сигналами: оно только читает поля. SignalID
// используется как ключ идемпотентности — повторная подача сигнала
// с тем же id не создаёт второй ордер.
type Signal struct {
	SignalID   string            `json:"signal_id"`
	Strategy   string            `json:"strategy"`
	Symbol     string            `json:"symbol"` // ticker, например EURUSD
	Side       string            `json:"side"` // buy, sell
	Strength   float64           `json:"strength"` // [0, 1]
	Regime     string            `json:"regime"`
	Entry      decimal.Decimal   `json:"entry"`
	StopLoss   decimal.Decimal   `json:"stop_loss"`
	TakeProfit decimal.Decimal   `json:"take_profit"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
