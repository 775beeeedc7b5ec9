package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Стороны позиции
const (
	PositionSideLong  = "long"
	PositionSideShort = "short"
	PositionSideFlat  = "flat"
)

// Ключи метаданных позиции
const (
	MetaOrderID    = "order_id"
	MetaCommission = "commission"
	MetaAdopted    = "adopted" // позиция принята из брокера при реконсиляции
)

// Position представляет открытую позицию
//
// Инварианты:
// - Quantity > 0 пока позиция открыта
// - Side становится flat и Quantity становится 0 ровно один раз, при закрытии
// - BrokerTicket это слабая обратная ссылка на брокера, не владение
type Position struct {
	ID            uuid.UUID         `json:"id"`
	BrokerTicket  int64             `json:"broker_ticket,omitempty"`
	Symbol        *Symbol           `json:"symbol"`
	Side          string            `json:"side"`
	Quantity      decimal.Decimal   `json:"quantity"`
	EntryPrice    decimal.Decimal   `json:"entry_price"`
	CurrentPrice  decimal.Decimal   `json:"current_price"`
	StopLoss      decimal.Decimal   `json:"stop_loss"`
	TakeProfit    decimal.Decimal   `json:"take_profit"`
	UnrealizedPnl decimal.Decimal   `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal   `json:"realized_pnl"`
	OpenedAt      time.Time         `json:"opened_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewPosition создаёт открытую позицию
func NewPosition(symbol *Symbol, side string, quantity, entryPrice decimal.Decimal) *Position {
	return &Position{
		ID:           uuid.New(),
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		OpenedAt:     time.Now().UTC(),
		Metadata:     make(map[string]string),
	}
}

// IsOpen возвращает true пока позиция не закрыта
func (p *Position) IsOpen() bool {
	return p.Side != PositionSideFlat && p.Quantity.GreaterThan(decimal.Zero)
}

// UpdatePrice обновляет текущую цену и пересчитывает unrealized PNL
func (p *Position) UpdatePrice(price decimal.Decimal) {
	p.CurrentPrice = price
	p.UnrealizedPnl = p.PnlAt(price)
}

// PnlAt вычисляет PNL позиции при указанной цене выхода
func (p *Position) PnlAt(exit decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(p.EntryPrice)
	if p.Side == PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity).Mul(p.Symbol.ValuePerLot)
}

// Notional возвращает нотиональную экспозицию позиции по текущей цене
func (p *Position) Notional() decimal.Decimal {
	price := p.CurrentPrice
	if price.IsZero() {
		price = p.EntryPrice
	}
	return price.Mul(p.Quantity).Mul(p.Symbol.ValuePerLot)
}

// SignedQuantity возвращает объём со знаком (отрицательный для short)
func (p *Position) SignedQuantity() decimal.Decimal {
	if p.Side == PositionSideShort {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// Commission возвращает комиссию записанную в метаданных
func (p *Position) Commission() decimal.Decimal {
	raw, ok := p.Metadata[MetaCommission]
	if !ok {
		return decimal.Zero
	}
	c, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return c
}

// SetMeta записывает значение в метаданные позиции
func (p *Position) SetMeta(key, value string) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	p.Metadata[key] = value
}
