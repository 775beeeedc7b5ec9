package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// Restore восстанавливает состояние после перезапуска
//
// Разделение доверия: брокер - источник истины о позициях и деньгах,
// сохранённое состояние - источник истины о торговой истории дня
// (high-water mark, стартовый equity, накопленный P&L) и намерениях
// (метаданные позиций). Завершается немедленным сохранением, чтобы
// следующий сбой стартовал уже с восстановленного снимка.
func (e *Engine) Restore(ctx context.Context) error {
	saved, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("load saved state: %w", err)
	}

	info, err := e.broker.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetch account info: %w", err)
	}
	brokerPositions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker positions: %w", err)
	}

	e.mu.Lock()
	e.balance = info.Balance
	e.equity = info.Equity
	e.currentDay = time.Now().UTC().Truncate(24 * time.Hour)
	e.mu.Unlock()

	if saved == nil {
		e.coldStart(info.Equity)
	} else {
		e.restoreFromSnapshot(saved, info.Equity, brokerPositions)
	}

	// Неизвестные брокерские позиции принимает сверка
	if _, _, err := e.reconciler.Reconcile(ctx); err != nil {
		e.logger.Error("initial reconciliation failed", utils.Err(err))
	}

	if err := e.SaveState(); err != nil {
		return fmt.Errorf("save recovered state: %w", err)
	}
	e.logger.Info("state restored",
		utils.Bool("cold_start", saved == nil),
		utils.Int("broker_positions", len(brokerPositions)),
	)
	return nil
}

// coldStart инициализирует состояние с нуля
func (e *Engine) coldStart(equity decimal.Decimal) {
	e.mu.Lock()
	e.dailyStartEquity = equity
	e.mu.Unlock()
	e.risk.SetHighWaterMark(equity)
	e.logger.Info("cold start, no saved state found")
}

// restoreFromSnapshot накладывает сохранённый снимок на брокерскую
// реальность
func (e *Engine) restoreFromSnapshot(saved *models.SystemState, equity decimal.Decimal, brokerPositions map[int64]*broker.BrokerPosition) {
	e.risk.SetHighWaterMark(saved.EquityHighWaterMark)
	e.risk.UpdateEquityHighWaterMark(equity)
	e.portfolio.SetRealizedPnl(saved.TotalPnl)

	e.mu.Lock()
	// Стартовый equity дня переживает рестарт только в пределах суток
	if sameDay(saved.Timestamp, time.Now().UTC()) && !saved.DailyStartEquity.IsZero() {
		e.dailyStartEquity = saved.DailyStartEquity
	} else {
		e.dailyStartEquity = equity
	}
	e.lastTradeTime = saved.LastTradeTime
	e.mu.Unlock()

	// Позиции восстанавливаются только если брокер их подтверждает
	for _, pos := range saved.Positions {
		if !pos.IsOpen() {
			continue
		}
		bp, confirmed := brokerPositions[pos.BrokerTicket]
		if !confirmed {
			e.logger.Warn("saved position not confirmed by broker, dropped",
				utils.PositionID(pos.ID.String()),
				utils.Ticket(pos.BrokerTicket),
				utils.Symbol(pos.Symbol.Ticker),
			)
			continue
		}
		if !bp.CurrentPrice.IsZero() {
			pos.UpdatePrice(bp.CurrentPrice)
		}
		e.portfolio.AddPosition(pos)
		e.execution.RegisterSymbol(pos.Symbol)
	}

	// Висящие ордера: исполнившиеся во время простоя закрываются как
	// filled по данным брокера, остальные отменяются
	for _, order := range saved.OpenOrders {
		e.orders.Register(order)
		e.resolvePendingOrder(order, brokerPositions)
	}
}

// resolvePendingOrder решает судьбу ордера, пережившего рестарт
func (e *Engine) resolvePendingOrder(order *models.Order, brokerPositions map[int64]*broker.BrokerPosition) {
	ticket, _ := strconv.ParseInt(order.Meta(models.MetaBrokerTicket), 10, 64)
	if bp, ok := brokerPositions[ticket]; ok && ticket != 0 {
		if _, tracked := e.portfolio.GetByTicket(ticket); !tracked {
			e.execution.applyFill(order, ticket, bp.EntryPrice, bp.Quantity)
			e.logger.Info("pending order resolved as filled during downtime",
				utils.OrderID(order.ID.String()),
				utils.Ticket(ticket),
			)
			return
		}
	}

	if err := e.orders.Transition(order, models.OrderStatusCancelled); err != nil {
		e.logger.Warn("failed to cancel stale pending order",
			utils.OrderID(order.ID.String()),
			utils.Err(err),
		)
		return
	}
	e.logger.Warn("pending order cancelled after restart",
		utils.OrderID(order.ID.String()),
		utils.Symbol(order.Symbol.Ticker),
	)
}

// sameDay сравнивает календарные дни UTC
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
