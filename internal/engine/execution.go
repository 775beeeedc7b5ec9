package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/models"
	"autotrader/pkg/retry"
	"autotrader/pkg/utils"
)

// orderCommentPrefix - префикс комментария, по которому событие
// исполнения связывается с локальным ордером когда брокер потерял
// наш order_id
const orderCommentPrefix = "Order-"

// slippageWarnPips - порог предупреждения о проскальзывании
const slippageWarnPips = 5

// ExecutionEngine проводит сигнал через риск-гейт до брокера и
// сопровождает ордер по его жизненному циклу
type ExecutionEngine struct {
	broker    broker.Broker
	risk      *RiskEngine
	orders    *OrderManager
	portfolio *PortfolioEngine
	cfg       config.ExecutionConfig

	symbolMu sync.RWMutex
	symbols  map[string]*models.Symbol

	signalMu         sync.Mutex
	processedSignals map[string]string // signal_id -> order_id

	logger *utils.Logger
}

// NewExecutionEngine создаёт движок исполнения
func NewExecutionEngine(
	b broker.Broker,
	risk *RiskEngine,
	orders *OrderManager,
	portfolio *PortfolioEngine,
	cfg config.ExecutionConfig,
	logger *utils.Logger,
) *ExecutionEngine {
	return &ExecutionEngine{
		broker:           b,
		risk:             risk,
		orders:           orders,
		portfolio:        portfolio,
		cfg:              cfg,
		symbols:          make(map[string]*models.Symbol),
		processedSignals: make(map[string]string),
		logger:           logger.WithComponent("execution"),
	}
}

// RegisterSymbol добавляет спецификацию инструмента
func (ee *ExecutionEngine) RegisterSymbol(symbol *models.Symbol) {
	ee.symbolMu.Lock()
	defer ee.symbolMu.Unlock()
	ee.symbols[symbol.Ticker] = symbol
}

// ResolveSymbol возвращает спецификацию инструмента
//
// Для незнакомого тикера создаётся спецификация с консервативными
// значениями по умолчанию.
func (ee *ExecutionEngine) ResolveSymbol(ticker string) *models.Symbol {
	ee.symbolMu.RLock()
	s, ok := ee.symbols[ticker]
	ee.symbolMu.RUnlock()
	if ok {
		return s
	}

	ee.symbolMu.Lock()
	defer ee.symbolMu.Unlock()
	if s, ok := ee.symbols[ticker]; ok {
		return s
	}
	s = models.NewSymbol(ticker)
	ee.symbols[ticker] = s
	ee.logger.Warn("unknown symbol, using default specification", utils.Symbol(ticker))
	return s
}

// SubmitSignal превращает торговый сигнал в ордер
//
// Последовательность: дедупликация по signal_id, расчёт объёма,
// риск-валидация, регистрация, отправка брокеру с повторами.
// Отклонённый ордер остаётся в реестре с причиной в метаданных.
// Фатальная ошибка риск-движка пробрасывается наверх.
func (ee *ExecutionEngine) SubmitSignal(
	ctx context.Context,
	signal *models.Signal,
	balance, equity, dailyPnl decimal.Decimal,
) (*models.Order, error) {
	ee.signalMu.Lock()
	if orderID, seen := ee.processedSignals[signal.SignalID]; seen && signal.SignalID != "" {
		ee.signalMu.Unlock()
		ee.logger.Warn("duplicate signal ignored",
			utils.String("signal_id", signal.SignalID),
			utils.OrderID(orderID),
		)
		if existing, ok := ee.orders.Get(orderID); ok {
			return existing, nil
		}
		return nil, nil
	}
	ee.signalMu.Unlock()

	symbol := ee.ResolveSymbol(signal.Symbol)
	openPositions := ee.portfolio.OpenPositions()

	size := ee.risk.CalculatePositionSize(symbol, balance, signal.Entry, signal.StopLoss, signal.Side, &SizingContext{
		Equity:        equity,
		OpenPositions: openPositions,
	})

	order := models.NewOrder(symbol, signal.Side, models.OrderKindMarket, size)
	order.Price = signal.Entry
	order.StopLoss = signal.StopLoss
	order.TakeProfit = signal.TakeProfit
	order.SetMeta(models.MetaSignalID, signal.SignalID)
	order.SetMeta(models.MetaStrategy, signal.Strategy)
	order.SetMeta(models.MetaRegime, signal.Regime)

	ee.orders.Register(order)
	ee.rememberSignal(signal.SignalID, order.ID.String())

	allowed, reason, fatalErr := ee.risk.ValidateOrder(order, balance, equity, openPositions, dailyPnl)
	if !allowed {
		order.SetMeta(models.MetaRejectionReason, reason)
		if err := ee.orders.Transition(order, models.OrderStatusRejected); err != nil {
			ee.logger.Error("failed to reject order", utils.OrderID(order.ID.String()), utils.Err(err))
		}
		ee.logger.Warn("order rejected by risk engine",
			utils.OrderID(order.ID.String()),
			utils.Symbol(symbol.Ticker),
			utils.Reason(reason),
		)
		return order, fatalErr
	}

	if err := ee.submitOrder(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

// submitOrder отправляет ордер брокеру с экспоненциальными повторами
//
// Отклонение брокером - постоянная ошибка, транспортный сбой -
// временная. Исчерпание повторов переводит ордер в rejected.
func (ee *ExecutionEngine) submitOrder(ctx context.Context, order *models.Order) error {
	if err := ee.orders.Transition(order, models.OrderStatusSent); err != nil {
		return err
	}

	req := &broker.PlaceOrderRequest{
		Symbol:     order.Symbol.Ticker,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Kind:       order.Kind,
		Price:      order.Price,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
		Comment:    orderCommentPrefix + shortID(order.ID.String()),
	}

	cfg := retry.SubmissionConfig()
	if ee.cfg.MaxRetries > 0 {
		cfg.MaxRetries = ee.cfg.MaxRetries
	}
	if ee.cfg.RetryBackoff > 0 {
		cfg.InitialDelay = ee.cfg.RetryBackoff
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		orderRetries.Inc()
		ee.logger.Warn("order submission retry",
			utils.OrderID(order.ID.String()),
			utils.Int("attempt", attempt),
			utils.Duration("delay", delay),
			utils.Err(err),
		)
	}

	result, err := retry.DoWithResult(ctx, func() (*broker.OrderResult, error) {
		res, err := ee.broker.PlaceOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Rejected() {
			return nil, retry.Permanent(fmt.Errorf("broker rejected order: %s", res.Error))
		}
		return res, nil
	}, cfg)
	if err != nil {
		order.SetMeta(models.MetaRejectionReason, fmt.Sprintf("submission failed: %v", err))
		if terr := ee.orders.Transition(order, models.OrderStatusRejected); terr != nil {
			ee.logger.Error("failed to reject order", utils.OrderID(order.ID.String()), utils.Err(terr))
		}
		ee.logger.Error("order submission failed",
			utils.OrderID(order.ID.String()),
			utils.Symbol(order.Symbol.Ticker),
			utils.Err(err),
		)
		return err
	}

	order.SetMeta(models.MetaBrokerTicket, fmt.Sprintf("%d", result.Ticket))
	if err := ee.orders.Transition(order, models.OrderStatusAccepted); err != nil {
		return err
	}
	ee.logger.Info("order accepted by broker",
		utils.OrderID(order.ID.String()),
		utils.Symbol(order.Symbol.Ticker),
		utils.Ticket(result.Ticket),
	)

	// Мост может исполнить рыночный ордер синхронно
	if result.Status == broker.ResultStatusFilled {
		ee.applyFill(order, result.Ticket, result.FilledPrice, result.FilledQuantity)
	}
	return nil
}

// HandleFill обрабатывает асинхронное событие исполнения
//
// Ордер ищется сначала по полному order_id, затем по префиксу из
// брокерского комментария (брокер обрезает свободный текст).
func (ee *ExecutionEngine) HandleFill(event *broker.FillEvent) {
	order, ok := ee.orders.Get(event.OrderID)
	if !ok {
		prefix := strings.TrimPrefix(event.Comment, orderCommentPrefix)
		if prefix != event.Comment {
			order, ok = ee.orders.FindByIDPrefix(prefix)
		}
	}
	if !ok {
		ee.logger.Warn("fill event for unknown order",
			utils.String("event_order_id", event.OrderID),
			utils.String("comment", event.Comment),
			utils.Ticket(event.Ticket),
		)
		return
	}

	ee.applyFill(order, event.Ticket, event.Price, event.Quantity)
}

// applyFill переводит ордер в filled и открывает позицию
func (ee *ExecutionEngine) applyFill(order *models.Order, ticket int64, price, quantity decimal.Decimal) {
	if order.Status == models.OrderStatusFilled {
		ee.logger.Warn("duplicate fill ignored", utils.OrderID(order.ID.String()))
		return
	}

	order.FilledPrice = price
	order.FilledQuantity = quantity
	order.Slippage = order.CalculateSlippage()
	if err := ee.orders.Transition(order, models.OrderStatusFilled); err != nil {
		ee.logger.Error("failed to mark order filled", utils.OrderID(order.ID.String()), utils.Err(err))
		return
	}

	slippagePips := decimal.Zero
	if !order.Symbol.PipValue.IsZero() {
		slippagePips = order.Slippage.Div(order.Symbol.PipValue)
	}
	slippageObserved.WithLabelValues(order.Symbol.Ticker).Observe(slippagePips.InexactFloat64())
	if slippagePips.Abs().GreaterThan(decimal.NewFromInt(slippageWarnPips)) {
		ee.logger.Warn("excessive slippage on fill",
			utils.OrderID(order.ID.String()),
			utils.Symbol(order.Symbol.Ticker),
			utils.Slippage(order.Slippage.InexactFloat64()),
		)
	}

	side := models.PositionSideLong
	if order.Side == models.SideSell {
		side = models.PositionSideShort
	}
	pos := models.NewPosition(order.Symbol, side, quantity, price)
	pos.BrokerTicket = ticket
	pos.StopLoss = order.StopLoss
	pos.TakeProfit = order.TakeProfit
	pos.SetMeta(models.MetaOrderID, order.ID.String())
	if strategy := order.Meta(models.MetaStrategy); strategy != "" {
		pos.SetMeta(models.MetaStrategy, strategy)
	}
	ee.portfolio.AddPosition(pos)

	ee.logger.Info("order filled",
		utils.OrderID(order.ID.String()),
		utils.Symbol(order.Symbol.Ticker),
		utils.Ticket(ticket),
		utils.Price(price.InexactFloat64()),
		utils.Quantity(quantity.InexactFloat64()),
	)
}

// CheckOrderTimeouts отклоняет ордера, зависшие в sent дольше таймаута
//
// Вызывается из кооперативного цикла, сам таймеров не держит.
func (ee *ExecutionEngine) CheckOrderTimeouts(now time.Time) int {
	stale := ee.orders.StaleOrders(now, ee.cfg.OrderTimeout)
	for _, order := range stale {
		order.SetMeta(models.MetaRejectionReason, fmt.Sprintf("order timeout after %s", ee.cfg.OrderTimeout))
		if err := ee.orders.Transition(order, models.OrderStatusRejected); err != nil {
			ee.logger.Error("failed to reject stale order", utils.OrderID(order.ID.String()), utils.Err(err))
			continue
		}
		ee.logger.Warn("order timed out without broker response, rejected",
			utils.OrderID(order.ID.String()),
			utils.Symbol(order.Symbol.Ticker),
		)
	}
	return len(stale)
}

// CancelOrder отменяет ордер локально
//
// Мост не поддерживает отмену на стороне брокера: если ордер уже
// принят, он может исполниться несмотря на локальную отмену.
// Реконсиляция подберёт такую позицию.
func (ee *ExecutionEngine) CancelOrder(id string) error {
	order, ok := ee.orders.Get(id)
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	if err := ee.orders.Transition(order, models.OrderStatusCancelled); err != nil {
		return err
	}
	ee.logger.Warn("order cancelled locally, broker side cancellation is not supported",
		utils.OrderID(id),
	)
	return nil
}

// rememberSignal фиксирует связь сигнал-ордер для дедупликации
func (ee *ExecutionEngine) rememberSignal(signalID, orderID string) {
	if signalID == "" {
		return
	}
	ee.signalMu.Lock()
	defer ee.signalMu.Unlock()
	ee.processedSignals[signalID] = orderID
}

// shortID возвращает первые 8 символов ID для брокерского комментария
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
