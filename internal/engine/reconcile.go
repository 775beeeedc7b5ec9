package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// Виды расхождений между локальным портфелем и брокером
const (
	DiscrepancyPhantomClosed  = "phantom_closed"
	DiscrepancyPhantomPruned  = "phantom_pruned"
	DiscrepancyUnknownAdopted = "unknown_adopted"
	DiscrepancyFuzzyMatch     = "fuzzy_match"
	DiscrepancyQuantity       = "quantity_mismatch"
)

// fuzzyEntryTolerance - относительный допуск цены входа при
// сопоставлении позиции без тикета с брокерской
var fuzzyEntryTolerance = decimal.NewFromFloat(0.001)

// Discrepancy - одно найденное расхождение
type Discrepancy struct {
	Kind       string `json:"kind"`
	Ticket     int64  `json:"ticket,omitempty"`
	PositionID string `json:"position_id,omitempty"`
	Detail     string `json:"detail"`
}

// Reconciler сверяет локальный портфель с брокером
//
// Брокер - источник истины о существовании позиций; локальное
// состояние - источник истины о намерениях (стопы, стратегия).
type Reconciler struct {
	broker    broker.Broker
	portfolio *PortfolioEngine
	resolve   func(ticker string) *models.Symbol
	lookback  time.Duration

	logger *utils.Logger
}

// NewReconciler создаёт сверщик состояния
//
// lookback ограничивает глубину поиска в истории закрытых сделок.
func NewReconciler(b broker.Broker, portfolio *PortfolioEngine, resolve func(string) *models.Symbol, lookback time.Duration, logger *utils.Logger) *Reconciler {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Reconciler{
		broker:    b,
		portfolio: portfolio,
		resolve:   resolve,
		lookback:  lookback,
		logger:    logger.WithComponent("reconcile"),
	}
}

// Reconcile выполняет один проход сверки
//
// Возвращает true если расхождений не найдено. Ошибка означает, что
// сверка не состоялась (брокер недоступен) и ничего не менялось.
//
// Фантомная позиция (есть локально, у брокера нет ни её тикета, ни
// позиции по тому же инструменту) закрывается с точным P&L из истории
// сделок, либо удаляется если истории нет.
// Неизвестная брокерская позиция сначала сопоставляется нечётко
// (инструмент, сторона, цена входа в пределах допуска), иначе
// принимается в портфель как внешняя. Расхождение объёма только
// логируется: у моста нет операции частичного закрытия.
func (r *Reconciler) Reconcile(ctx context.Context) (bool, []Discrepancy, error) {
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("fetch broker positions: %w", err)
	}

	var discrepancies []Discrepancy
	local := r.portfolio.OpenPositions()

	// История сделок запрашивается один раз и только при необходимости
	var deals []*broker.ClosedDeal
	dealsLoaded := false
	loadDeals := func() []*broker.ClosedDeal {
		if dealsLoaded {
			return deals
		}
		dealsLoaded = true
		var derr error
		deals, derr = r.broker.GetClosedPositions(ctx, r.lookback)
		if derr != nil {
			r.logger.Error("failed to fetch closed deals", utils.Err(derr))
			deals = nil
		}
		return deals
	}

	matchedTickets := make(map[int64]bool)

	brokerSymbols := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerSymbols[bp.Symbol] = true
	}

	for _, pos := range local {
		if pos.BrokerTicket != 0 {
			if bp, ok := brokerPositions[pos.BrokerTicket]; ok {
				matchedTickets[pos.BrokerTicket] = true
				reconcileDiscrepancies.WithLabelValues("ticket_match").Inc()
				if !bp.CurrentPrice.IsZero() {
					pos.UpdatePrice(bp.CurrentPrice)
				}
				if d := r.checkQuantity(pos, bp); d != nil {
					discrepancies = append(discrepancies, *d)
				}
				continue
			}
		}

		// Позиция без тикета при живой брокерской позиции по тому же
		// инструменту - кандидат нечёткого сопоставления во втором
		// проходе, не фантом
		if pos.BrokerTicket == 0 && brokerSymbols[pos.Symbol.Ticker] {
			continue
		}

		// Фантом: локально открыта, у брокера отсутствует
		if deal := findDealByTicket(loadDeals(), pos.BrokerTicket); deal != nil {
			if err := r.portfolio.CloseWithKnownPnl(ctx, pos, deal.Price, deal.NetPnl(), models.ExitReasonReconciliation); err != nil {
				r.logger.Error("failed to close phantom position",
					utils.PositionID(pos.ID.String()),
					utils.Err(err),
				)
				continue
			}
			reconcileDiscrepancies.WithLabelValues(DiscrepancyPhantomClosed).Inc()
			discrepancies = append(discrepancies, Discrepancy{
				Kind:       DiscrepancyPhantomClosed,
				Ticket:     pos.BrokerTicket,
				PositionID: pos.ID.String(),
				Detail:     fmt.Sprintf("closed with broker pnl %s", deal.NetPnl()),
			})
			r.logger.Warn("phantom position closed with broker history pnl",
				utils.PositionID(pos.ID.String()),
				utils.Ticket(pos.BrokerTicket),
				utils.PNL(deal.NetPnl().InexactFloat64()),
			)
			continue
		}

		r.portfolio.Remove(pos.ID.String())
		reconcileDiscrepancies.WithLabelValues(DiscrepancyPhantomPruned).Inc()
		discrepancies = append(discrepancies, Discrepancy{
			Kind:       DiscrepancyPhantomPruned,
			Ticket:     pos.BrokerTicket,
			PositionID: pos.ID.String(),
			Detail:     "no broker position and no deal history, pruned",
		})
		r.logger.Warn("phantom position pruned, broker has no trace of it",
			utils.PositionID(pos.ID.String()),
			utils.Ticket(pos.BrokerTicket),
			utils.Symbol(pos.Symbol.Ticker),
		)
	}

	for ticket, bp := range brokerPositions {
		if matchedTickets[ticket] {
			continue
		}

		// Нечёткое сопоставление: локальная позиция ещё без тикета
		if pos := r.fuzzyMatch(local, bp); pos != nil {
			pos.BrokerTicket = ticket
			if !bp.CurrentPrice.IsZero() {
				pos.UpdatePrice(bp.CurrentPrice)
			}
			reconcileDiscrepancies.WithLabelValues(DiscrepancyFuzzyMatch).Inc()
			discrepancies = append(discrepancies, Discrepancy{
				Kind:       DiscrepancyFuzzyMatch,
				Ticket:     ticket,
				PositionID: pos.ID.String(),
				Detail:     "bound local position to broker ticket by fuzzy match",
			})
			r.logger.Info("fuzzy-matched local position to broker ticket",
				utils.PositionID(pos.ID.String()),
				utils.Ticket(ticket),
			)
			if d := r.checkQuantity(pos, bp); d != nil {
				discrepancies = append(discrepancies, *d)
			}
			continue
		}

		adopted := r.adopt(bp)
		reconcileDiscrepancies.WithLabelValues(DiscrepancyUnknownAdopted).Inc()
		discrepancies = append(discrepancies, Discrepancy{
			Kind:       DiscrepancyUnknownAdopted,
			Ticket:     ticket,
			PositionID: adopted.ID.String(),
			Detail:     fmt.Sprintf("adopted unknown broker position %s %s %s", bp.Symbol, bp.Side, bp.Quantity),
		})
		r.logger.Warn("adopted unknown broker position",
			utils.Ticket(ticket),
			utils.Symbol(bp.Symbol),
			utils.Side(bp.Side),
			utils.Quantity(bp.Quantity.InexactFloat64()),
		)
	}

	return len(discrepancies) == 0, discrepancies, nil
}

// checkQuantity сравнивает объёмы сопоставленной пары позиций
func (r *Reconciler) checkQuantity(pos *models.Position, bp *broker.BrokerPosition) *Discrepancy {
	if pos.Quantity.Equal(bp.Quantity) {
		return nil
	}
	reconcileDiscrepancies.WithLabelValues(DiscrepancyQuantity).Inc()
	r.logger.Warn("position quantity mismatch, not corrected",
		utils.PositionID(pos.ID.String()),
		utils.Ticket(bp.Ticket),
		utils.String("local_quantity", pos.Quantity.String()),
		utils.String("broker_quantity", bp.Quantity.String()),
	)
	return &Discrepancy{
		Kind:       DiscrepancyQuantity,
		Ticket:     bp.Ticket,
		PositionID: pos.ID.String(),
		Detail:     fmt.Sprintf("local %s vs broker %s", pos.Quantity, bp.Quantity),
	}
}

// fuzzyMatch ищет локальную позицию без тикета, похожую на брокерскую
func (r *Reconciler) fuzzyMatch(local []*models.Position, bp *broker.BrokerPosition) *models.Position {
	for _, pos := range local {
		if pos.BrokerTicket != 0 || !pos.IsOpen() {
			continue
		}
		if pos.Symbol.Ticker != bp.Symbol || pos.Side != bp.Side {
			continue
		}
		if bp.EntryPrice.IsZero() {
			continue
		}
		diff := pos.EntryPrice.Sub(bp.EntryPrice).Abs().Div(bp.EntryPrice)
		if diff.LessThanOrEqual(fuzzyEntryTolerance) {
			return pos
		}
	}
	return nil
}

// adopt создаёт локальную позицию из брокерской
func (r *Reconciler) adopt(bp *broker.BrokerPosition) *models.Position {
	pos := models.NewPosition(r.resolve(bp.Symbol), bp.Side, bp.Quantity, bp.EntryPrice)
	pos.BrokerTicket = bp.Ticket
	pos.StopLoss = bp.StopLoss
	pos.TakeProfit = bp.TakeProfit
	if !bp.OpenedAt.IsZero() {
		pos.OpenedAt = bp.OpenedAt
	}
	if !bp.CurrentPrice.IsZero() {
		pos.UpdatePrice(bp.CurrentPrice)
	}
	pos.SetMeta(models.MetaAdopted, "true")
	pos.SetMeta(models.MetaCommission, bp.Commission.String())
	r.portfolio.AddPosition(pos)
	return pos
}

// findDealByTicket ищет закрытую сделку по тикету позиции
func findDealByTicket(deals []*broker.ClosedDeal, ticket int64) *broker.ClosedDeal {
	if ticket == 0 {
		return nil
	}
	for _, d := range deals {
		if d.PositionTicket == ticket {
			return d
		}
	}
	return nil
}
