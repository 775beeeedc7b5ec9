package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ошибки брокерского слоя
var (
	ErrNotConnected  = errors.New("broker not connected")
	ErrCallTimeout   = errors.New("broker call timed out")
	ErrMissingField  = errors.New("broker response missing required field")
	ErrUnexpectedTyp = errors.New("broker response field has unexpected type")
)

// Статусы результата размещения ордера
const (
	ResultStatusFilled   = "filled"
	ResultStatusAccepted = "accepted"
	ResultStatusRejected = "rejected"
	ResultStatusError    = "error"
)

// Broker - интерфейс брокерского подключения
//
// Брокер - финальный авторитет по вопросу "двигались ли деньги".
// Все блокирующие вызовы принимают контекст и несут явный таймаут.
type Broker interface {
	// Heartbeat проверяет живость подключения
	Heartbeat(ctx context.Context) error

	// GetAccountInfo возвращает состояние счёта
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)

	// GetPositions возвращает открытые позиции по тикету
	GetPositions(ctx context.Context) (map[int64]*BrokerPosition, error)

	// PlaceOrder размещает ордер
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResult, error)

	// ClosePosition закрывает позицию по тикету
	ClosePosition(ctx context.Context, ticket int64) (*CloseResult, error)

	// ModifyPosition изменяет stop loss / take profit позиции
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit decimal.Decimal) error

	// GetClosedPositions возвращает закрытые сделки за период
	GetClosedPositions(ctx context.Context, lookback time.Duration) ([]*ClosedDeal, error)

	// SubscribeFills регистрирует обработчик асинхронных событий исполнения
	SubscribeFills(handler func(*FillEvent))
}

// AccountInfo - состояние брокерского счёта
type AccountInfo struct {
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	MarginLevel decimal.Decimal `json:"margin_level"`
	Currency    string          `json:"currency"`
	Leverage    int             `json:"leverage"`
}

// BrokerPosition - позиция по версии брокера
type BrokerPosition struct {
	Ticket       int64           `json:"ticket"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"` // long, short
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	Profit       decimal.Decimal `json:"profit"`
	Swap         decimal.Decimal `json:"swap"`
	Commission   decimal.Decimal `json:"commission"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// PlaceOrderRequest - запрос на размещение ордера
type PlaceOrderRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"` // buy, sell
	Quantity   decimal.Decimal `json:"quantity"`
	Kind       string          `json:"kind"` // market, limit, stop
	Price      decimal.Decimal `json:"price,omitempty"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
	Comment    string          `json:"comment,omitempty"`
}

// OrderResult - результат размещения ордера
type OrderResult struct {
	Status         string          `json:"status"`
	Ticket         int64           `json:"ticket"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Error          string          `json:"error,omitempty"`
}

// Rejected возвращает true если брокер отклонил ордер
func (r *OrderResult) Rejected() bool {
	return r.Status == ResultStatusRejected || r.Status == ResultStatusError
}

// CloseResult - результат закрытия позиции
type CloseResult struct {
	Status      string          `json:"status"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	Error       string          `json:"error,omitempty"`
}

// ClosedDeal - историческая закрытая сделка
type ClosedDeal struct {
	Ticket         int64           `json:"ticket"`
	PositionTicket int64           `json:"position_ticket"`
	Price          decimal.Decimal `json:"price"`
	Profit         decimal.Decimal `json:"profit"`
	Swap           decimal.Decimal `json:"swap"`
	Commission     decimal.Decimal `json:"commission"`
	Time           time.Time       `json:"time"`
}

// NetPnl возвращает итоговый результат сделки: profit + swap + commission
func (d *ClosedDeal) NetPnl() decimal.Decimal {
	return d.Profit.Add(d.Swap).Add(d.Commission)
}

// FillEvent - асинхронное событие исполнения от брокера
type FillEvent struct {
	OrderID  string          `json:"order_id,omitempty"`
	Ticket   int64           `json:"ticket"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Comment  string          `json:"comment,omitempty"` // брокеры обрезают свободный текст
	Time     time.Time       `json:"time"`
}

// ============================================================
// Валидация ответов моста
// ============================================================
//
// Мост отвечает слабо типизированными JSON-объектами. Каждый ответ
// превращается в явную структуру с проверкой обязательных полей на
// границе: недостающее поле это ошибка, не нулевое значение.

// requireString извлекает обязательное строковое поле
func requireString(raw map[string]interface{}, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnexpectedTyp, key)
	}
	return s, nil
}

// requireDecimal извлекает обязательное числовое поле
func requireDecimal(raw map[string]interface{}, key string) (decimal.Decimal, error) {
	v, ok := raw[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	return toDecimal(v, key)
}

// optionalDecimal извлекает числовое поле (ноль если отсутствует)
func optionalDecimal(raw map[string]interface{}, key string) (decimal.Decimal, error) {
	v, ok := raw[key]
	if !ok {
		return decimal.Zero, nil
	}
	return toDecimal(v, key)
}

func toDecimal(v interface{}, key string) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnexpectedTyp, key, err)
		}
		return d, nil
	case int64:
		return decimal.NewFromInt(n), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnexpectedTyp, key)
	}
}

// requireInt64 извлекает обязательное целочисленное поле
func requireInt64(raw map[string]interface{}, key string) (int64, error) {
	d, err := requireDecimal(raw, key)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

func optionalString(raw map[string]interface{}, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func optionalTime(raw map[string]interface{}, key string) time.Time {
	s := optionalString(raw, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseOrderResult валидирует ответ place_order
func parseOrderResult(raw map[string]interface{}) (*OrderResult, error) {
	status, err := requireString(raw, "status")
	if err != nil {
		return nil, err
	}

	result := &OrderResult{
		Status: status,
		Error:  optionalString(raw, "error"),
	}

	// Для отклонённого ордера тикет и цена не обязательны
	if result.Rejected() {
		return result, nil
	}

	if result.Ticket, err = requireInt64(raw, "ticket"); err != nil {
		return nil, err
	}
	if result.FilledPrice, err = optionalDecimal(raw, "filled_price"); err != nil {
		return nil, err
	}
	if result.FilledQuantity, err = optionalDecimal(raw, "filled_quantity"); err != nil {
		return nil, err
	}

	return result, nil
}

// parseCloseResult валидирует ответ close_position
func parseCloseResult(raw map[string]interface{}) (*CloseResult, error) {
	status, err := requireString(raw, "status")
	if err != nil {
		return nil, err
	}

	result := &CloseResult{
		Status: status,
		Error:  optionalString(raw, "error"),
	}

	if status == ResultStatusError || status == ResultStatusRejected {
		return result, nil
	}

	if result.RealizedPnl, err = requireDecimal(raw, "realized_pnl"); err != nil {
		return nil, err
	}
	if result.ClosePrice, err = requireDecimal(raw, "close_price"); err != nil {
		return nil, err
	}

	return result, nil
}

// parseAccountInfo валидирует ответ get_account_info
func parseAccountInfo(raw map[string]interface{}) (*AccountInfo, error) {
	info := &AccountInfo{
		Currency: optionalString(raw, "currency"),
	}

	var err error
	if info.Balance, err = requireDecimal(raw, "balance"); err != nil {
		return nil, err
	}
	if info.Equity, err = requireDecimal(raw, "equity"); err != nil {
		return nil, err
	}
	if info.Margin, err = optionalDecimal(raw, "margin"); err != nil {
		return nil, err
	}
	if info.FreeMargin, err = optionalDecimal(raw, "free_margin"); err != nil {
		return nil, err
	}
	if info.MarginLevel, err = optionalDecimal(raw, "margin_level"); err != nil {
		return nil, err
	}
	if lev, ok := raw["leverage"]; ok {
		if f, ok := lev.(float64); ok {
			info.Leverage = int(f)
		}
	}

	return info, nil
}

// parseBrokerPosition валидирует один элемент ответа get_positions
func parseBrokerPosition(raw map[string]interface{}) (*BrokerPosition, error) {
	pos := &BrokerPosition{
		OpenedAt: optionalTime(raw, "opened_at"),
	}

	var err error
	if pos.Ticket, err = requireInt64(raw, "ticket"); err != nil {
		return nil, err
	}
	if pos.Symbol, err = requireString(raw, "symbol"); err != nil {
		return nil, err
	}
	if pos.Side, err = requireString(raw, "side"); err != nil {
		return nil, err
	}
	if pos.Quantity, err = requireDecimal(raw, "quantity"); err != nil {
		return nil, err
	}
	if pos.EntryPrice, err = requireDecimal(raw, "entry_price"); err != nil {
		return nil, err
	}
	if pos.CurrentPrice, err = optionalDecimal(raw, "current_price"); err != nil {
		return nil, err
	}
	if pos.StopLoss, err = optionalDecimal(raw, "stop_loss"); err != nil {
		return nil, err
	}
	if pos.TakeProfit, err = optionalDecimal(raw, "take_profit"); err != nil {
		return nil, err
	}
	if pos.Profit, err = optionalDecimal(raw, "profit"); err != nil {
		return nil, err
	}
	if pos.Swap, err = optionalDecimal(raw, "swap"); err != nil {
		return nil, err
	}
	if pos.Commission, err = optionalDecimal(raw, "commission"); err != nil {
		return nil, err
	}

	return pos, nil
}

// parseClosedDeal валидирует один элемент ответа get_closed_positions
func parseClosedDeal(raw map[string]interface{}) (*ClosedDeal, error) {
	deal := &ClosedDeal{
		Time: optionalTime(raw, "time"),
	}

	var err error
	if deal.Ticket, err = requireInt64(raw, "ticket"); err != nil {
		return nil, err
	}
	if deal.PositionTicket, err = requireInt64(raw, "position_ticket"); err != nil {
		return nil, err
	}
	if deal.Price, err = requireDecimal(raw, "price"); err != nil {
		return nil, err
	}
	if deal.Profit, err = requireDecimal(raw, "profit"); err != nil {
		return nil, err
	}
	if deal.Swap, err = optionalDecimal(raw, "swap"); err != nil {
		return nil, err
	}
	if deal.Commission, err = optionalDecimal(raw, "commission"); err != nil {
		return nil, err
	}

	return deal, nil
}

// parseFillEvent валидирует асинхронное событие исполнения
func parseFillEvent(raw map[string]interface{}) (*FillEvent, error) {
	event := &FillEvent{
		OrderID: optionalString(raw, "order_id"),
		Comment: optionalString(raw, "comment"),
		Time:    optionalTime(raw, "time"),
	}

	var err error
	if event.Ticket, err = requireInt64(raw, "ticket"); err != nil {
		return nil, err
	}
	if event.Symbol, err = requireString(raw, "symbol"); err != nil {
		return nil, err
	}
	if event.Side, err = requireString(raw, "side"); err != nil {
		return nil, err
	}
	if event.Price, err = requireDecimal(raw, "price"); err != nil {
		return nil, err
	}
	if event.Quantity, err = requireDecimal(raw, "quantity"); err != nil {
		return nil, err
	}

	return event, nil
}
