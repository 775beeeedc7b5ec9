package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// TradeJournal - постоянный журнал завершённых сделок
//
// Реализуется слоем repository; nil-журнал допустим, тогда сделки
// не журналируются (тестовые и бес-БД конфигурации).
type TradeJournal interface {
	InsertTrade(ctx context.Context, trade *models.TradeRecord) error
}

// PortfolioEngine - реестр позиций и учёт P&L
type PortfolioEngine struct {
	mu        sync.RWMutex
	positions map[string]*models.Position

	realizedPnl decimal.Decimal

	journal TradeJournal
	logger  *utils.Logger
}

// NewPortfolioEngine создаёт пустой портфель
func NewPortfolioEngine(journal TradeJournal, logger *utils.Logger) *PortfolioEngine {
	return &PortfolioEngine{
		positions: make(map[string]*models.Position),
		journal:   journal,
		logger:    logger.WithComponent("portfolio"),
	}
}

// AddPosition регистрирует позицию в портфеле
func (pe *PortfolioEngine) AddPosition(pos *models.Position) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.positions[pos.ID.String()] = pos
	openPositions.Set(float64(pe.openCountLocked()))
}

// Get возвращает позицию по ID
func (pe *PortfolioEngine) Get(id string) (*models.Position, bool) {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	p, ok := pe.positions[id]
	return p, ok
}

// GetByTicket ищет открытую позицию по тикету брокера
func (pe *PortfolioEngine) GetByTicket(ticket int64) (*models.Position, bool) {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	for _, p := range pe.positions {
		if p.BrokerTicket == ticket && p.IsOpen() {
			return p, true
		}
	}
	return nil, false
}

// OpenPositions возвращает все открытые позиции
func (pe *PortfolioEngine) OpenPositions() []*models.Position {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	var open []*models.Position
	for _, p := range pe.positions {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open
}

// UpdatePrice обновляет текущую цену всех открытых позиций инструмента
func (pe *PortfolioEngine) UpdatePrice(ticker string, price decimal.Decimal) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	for _, p := range pe.positions {
		if p.IsOpen() && p.Symbol.Ticker == ticker {
			p.UpdatePrice(price)
		}
	}
}

// ClosePosition закрывает позицию по указанной цене выхода
//
// Запись в журнал идёт ДО мутации позиции: если вставка упала,
// позиция остаётся открытой и закрытие можно повторить. Реализованный
// P&L уменьшается на комиссию из метаданных позиции.
func (pe *PortfolioEngine) ClosePosition(ctx context.Context, pos *models.Position, exitPrice decimal.Decimal, exitReason string) (decimal.Decimal, error) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	if !pos.IsOpen() {
		return decimal.Zero, fmt.Errorf("position %s is already closed", pos.ID)
	}

	gross := pos.PnlAt(exitPrice)
	realized := gross.Sub(pos.Commission())

	if pe.journal != nil {
		trade := &models.TradeRecord{
			PositionID:  pos.ID.String(),
			OrderID:     pos.Metadata[models.MetaOrderID],
			Symbol:      pos.Symbol.Ticker,
			Side:        pos.Side,
			Quantity:    pos.Quantity,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   exitPrice,
			RealizedPnl: realized,
			Commission:  pos.Commission(),
			Strategy:    pos.Metadata[models.MetaStrategy],
			ExitReason:  exitReason,
			OpenedAt:    pos.OpenedAt,
			ClosedAt:    time.Now().UTC(),
		}
		if err := pe.journal.InsertTrade(ctx, trade); err != nil {
			return decimal.Zero, fmt.Errorf("journal trade for position %s: %w", pos.ID, err)
		}
	}

	pos.RealizedPnl = realized
	pos.UnrealizedPnl = decimal.Zero
	pos.CurrentPrice = exitPrice
	pos.Quantity = decimal.Zero
	pos.Side = models.PositionSideFlat

	pe.realizedPnl = pe.realizedPnl.Add(realized)
	realizedPnlTotal.Add(realized.InexactFloat64())
	openPositions.Set(float64(pe.openCountLocked()))

	pnl, _ := realized.Float64()
	pe.logger.Info("position closed",
		utils.PositionID(pos.ID.String()),
		utils.Symbol(pos.Symbol.Ticker),
		utils.Reason(exitReason),
		utils.PNL(pnl),
	)
	return realized, nil
}

// CloseWithKnownPnl закрывает позицию с точным P&L от брокера
//
// Используется при реконсиляции: брокер уже посчитал итог сделки
// (профит, своп, комиссия), пересчитывать его локально нельзя.
func (pe *PortfolioEngine) CloseWithKnownPnl(ctx context.Context, pos *models.Position, exitPrice, netPnl decimal.Decimal, exitReason string) error {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	if !pos.IsOpen() {
		return fmt.Errorf("position %s is already closed", pos.ID)
	}

	if pe.journal != nil {
		trade := &models.TradeRecord{
			PositionID:  pos.ID.String(),
			OrderID:     pos.Metadata[models.MetaOrderID],
			Symbol:      pos.Symbol.Ticker,
			Side:        pos.Side,
			Quantity:    pos.Quantity,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   exitPrice,
			RealizedPnl: netPnl,
			Commission:  pos.Commission(),
			Strategy:    pos.Metadata[models.MetaStrategy],
			ExitReason:  exitReason,
			OpenedAt:    pos.OpenedAt,
			ClosedAt:    time.Now().UTC(),
		}
		if err := pe.journal.InsertTrade(ctx, trade); err != nil {
			return fmt.Errorf("journal trade for position %s: %w", pos.ID, err)
		}
	}

	pos.RealizedPnl = netPnl
	pos.UnrealizedPnl = decimal.Zero
	if !exitPrice.IsZero() {
		pos.CurrentPrice = exitPrice
	}
	pos.Quantity = decimal.Zero
	pos.Side = models.PositionSideFlat

	pe.realizedPnl = pe.realizedPnl.Add(netPnl)
	realizedPnlTotal.Add(netPnl.InexactFloat64())
	openPositions.Set(float64(pe.openCountLocked()))
	return nil
}

// Remove удаляет позицию из реестра без журналирования
//
// Только для фантомных позиций, которых брокер никогда не видел.
func (pe *PortfolioEngine) Remove(id string) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	delete(pe.positions, id)
	openPositions.Set(float64(pe.openCountLocked()))
}

// TotalUnrealizedPnl суммирует unrealized P&L открытых позиций
func (pe *PortfolioEngine) TotalUnrealizedPnl() decimal.Decimal {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	total := decimal.Zero
	for _, p := range pe.positions {
		if p.IsOpen() {
			total = total.Add(p.UnrealizedPnl)
		}
	}
	return total
}

// TotalRealizedPnl возвращает накопленный реализованный P&L
func (pe *PortfolioEngine) TotalRealizedPnl() decimal.Decimal {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	return pe.realizedPnl
}

// SetRealizedPnl восстанавливает накопленный P&L из сохранённого состояния
func (pe *PortfolioEngine) SetRealizedPnl(pnl decimal.Decimal) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.realizedPnl = pnl
}

// Exposure - сводка экспозиции портфеля
type Exposure struct {
	Total    decimal.Decimal            `json:"total"`
	Net      decimal.Decimal            `json:"net"`
	BySymbol map[string]decimal.Decimal `json:"by_symbol"`
}

// CurrentExposure считает нотиональную экспозицию портфеля
//
// Total - сумма абсолютных нотионалов, Net - со знаком стороны.
func (pe *PortfolioEngine) CurrentExposure() Exposure {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	exp := Exposure{BySymbol: make(map[string]decimal.Decimal)}
	for _, p := range pe.positions {
		if !p.IsOpen() {
			continue
		}
		notional := p.Notional()
		exp.Total = exp.Total.Add(notional)
		exp.BySymbol[p.Symbol.Ticker] = exp.BySymbol[p.Symbol.Ticker].Add(notional)
		if p.Side == models.PositionSideShort {
			exp.Net = exp.Net.Sub(notional)
		} else {
			exp.Net = exp.Net.Add(notional)
		}
	}
	return exp
}

// PortfolioStatistics - сводка по портфелю
type PortfolioStatistics struct {
	OpenPositions int             `json:"open_positions"`
	TotalTracked  int             `json:"total_tracked"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	Exposure      Exposure        `json:"exposure"`
}

// Statistics собирает сводку по портфелю
func (pe *PortfolioEngine) Statistics() PortfolioStatistics {
	exposure := pe.CurrentExposure()

	pe.mu.RLock()
	defer pe.mu.RUnlock()

	stats := PortfolioStatistics{
		TotalTracked: len(pe.positions),
		RealizedPnl:  pe.realizedPnl,
		Exposure:     exposure,
	}
	for _, p := range pe.positions {
		if p.IsOpen() {
			stats.OpenPositions++
			stats.UnrealizedPnl = stats.UnrealizedPnl.Add(p.UnrealizedPnl)
		}
	}
	return stats
}

// openCountLocked считает открытые позиции; вызывать под pe.mu
func (pe *PortfolioEngine) openCountLocked() int {
	n := 0
	for _, p := range pe.positions {
		if p.IsOpen() {
			n++
		}
	}
	return n
}
