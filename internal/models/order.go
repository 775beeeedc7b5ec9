package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Стороны ордера
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Типы ордера
const (
	OrderKindMarket = "market"
	OrderKindLimit  = "limit"
	OrderKindStop   = "stop"
)

// Статусы ордера
const (
	OrderStatusPending   = "pending"
	OrderStatusSent      = "sent"
	OrderStatusAccepted  = "accepted"
	OrderStatusFilled    = "filled"
	OrderStatusRejected  = "rejected"
	OrderStatusCancelled = "cancelled"
	OrderStatusExpired   = "expired"
)

// Ключи метаданных ордера
const (
	MetaSignalID        = "signal_id"
	MetaStrategy        = "strategy"
	MetaRegime          = "regime"
	MetaRejectionReason = "rejection_reason"
	MetaBrokerTicket    = "broker_ticket"
)

// Order представляет ордер на протяжении всего жизненного цикла
//
// Ордер никогда не удаляется: отклонённые и исполненные ордера
// остаются в реестре для аудита и статистики. После перехода в
// терминальный статус ордер больше не мутирует.
type Order struct {
	ID             uuid.UUID         `json:"id"`
	Symbol         *Symbol           `json:"symbol"`
	Side           string            `json:"side"`
	Kind           string            `json:"kind"`
	Quantity       decimal.Decimal   `json:"quantity"`
	Price          decimal.Decimal   `json:"price"` // ноль = рыночный ордер без оценки цены
	StopLoss       decimal.Decimal   `json:"stop_loss"`
	TakeProfit     decimal.Decimal   `json:"take_profit"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	FilledAt       *time.Time        `json:"filled_at,omitempty"`
	FilledPrice    decimal.Decimal   `json:"filled_price"`
	FilledQuantity decimal.Decimal   `json:"filled_quantity"`
	Slippage       decimal.Decimal   `json:"slippage"` // filled − requested, со знаком
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewOrder создаёт ордер в статусе pending
func NewOrder(symbol *Symbol, side, kind string, quantity decimal.Decimal) *Order {
	return &Order{
		ID:        uuid.New(),
		Symbol:    symbol,
		Side:      side,
		Kind:      kind,
		Quantity:  quantity,
		Status:    OrderStatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]string),
	}
}

// IsTerminal возвращает true для статусов из которых нет переходов
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// IsActive возвращает true пока ордер ещё может исполниться
func (o *Order) IsActive() bool {
	return !o.IsTerminal()
}

// HasPrice возвращает true если у ордера есть запрошенная цена
//
// Рыночные ордера без цены освобождаются от проверки нотиональной
// экспозиции: оценить нотионал до исполнения нечем.
func (o *Order) HasPrice() bool {
	return !o.Price.IsZero()
}

// CalculateSlippage вычисляет проскальзывание относительно запрошенной цены
//
// Знак нормализован по направлению: положительное значение всегда
// означает исполнение хуже запрошенного.
func (o *Order) CalculateSlippage() decimal.Decimal {
	if !o.HasPrice() || o.FilledPrice.IsZero() {
		return decimal.Zero
	}
	if o.Side == SideBuy {
		return o.FilledPrice.Sub(o.Price)
	}
	return o.Price.Sub(o.FilledPrice)
}

// SetMeta записывает значение в метаданные ордера
func (o *Order) SetMeta(key, value string) {
	if o.Metadata == nil {
		o.Metadata = make(map[string]string)
	}
	o.Metadata[key] = value
}

// Meta возвращает значение метаданных (пустая строка если нет)
func (o *Order) Meta(key string) string {
	if o.Metadata == nil {
		return ""
	}
	return o.Metadata[key]
}
