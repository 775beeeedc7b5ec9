package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// Фатальные исходы валидации: останавливают весь торговый цикл и
// требуют ручного сброса kill switch
var (
	ErrKillSwitchActive = errors.New("kill switch active")
	ErrDailyLossLimit   = errors.New("daily loss limit exceeded")
	ErrDrawdownLimit    = errors.New("drawdown limit exceeded")
)

// Доля дневного лимита убытка после которой логируется предупреждение
const dailyLossWarnFraction = 0.8

// balanceTolerancePct - допустимое относительное расхождение балансов
// при сверке с брокером
var balanceTolerancePct = decimal.NewFromFloat(0.001)

// RiskEngine - гейткипер с правом вето на каждый ордер
//
// Валидация это строгий упорядоченный каскад: первый непройденный
// чек определяет исход. Порядок важен - некоторые чеки имеют
// побочный эффект (активация kill switch).
type RiskEngine struct {
	mu sync.Mutex

	cfg config.RiskConfig

	killSwitch     *KillSwitch
	circuitBreaker *CircuitBreaker

	highWaterMark   decimal.Decimal
	dailyLossWarned bool

	logger *utils.Logger
}

// NewRiskEngine создаёт риск-движок с его защитными подкомпонентами
func NewRiskEngine(cfg config.RiskConfig, ks *KillSwitch, cb *CircuitBreaker, logger *utils.Logger) *RiskEngine {
	return &RiskEngine{
		cfg:            cfg,
		killSwitch:     ks,
		circuitBreaker: cb,
		logger:         logger.WithComponent("risk"),
	}
}

// KillSwitch возвращает подкомпонент kill switch
func (re *RiskEngine) KillSwitch() *KillSwitch {
	return re.killSwitch
}

// CircuitBreaker возвращает подкомпонент circuit breaker
func (re *RiskEngine) CircuitBreaker() *CircuitBreaker {
	return re.circuitBreaker
}

// ValidateOrder прогоняет ордер через каскад проверок
//
// Возвращает (true, "", nil) при одобрении, (false, reason, nil) при
// обычном отклонении и (false, reason, err) при фатальном исходе -
// err тогда один из ErrKillSwitchActive, ErrDailyLossLimit,
// ErrDrawdownLimit.
//
// Любая паника внутри проверок превращается в обычное отклонение:
// в условиях неопределённости безопаснее отклонить.
func (re *RiskEngine) ValidateOrder(
	order *models.Order,
	balance, equity decimal.Decimal,
	openPositions []*models.Position,
	dailyPnl decimal.Decimal,
) (allowed bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			re.logger.Error("risk validation panicked, rejecting order",
				utils.OrderID(order.ID.String()),
				utils.Any("panic", r),
			)
			orderRejections.WithLabelValues("internal").Inc()
			allowed, reason, err = false, fmt.Sprintf("internal validation error: %v", r), nil
		}
	}()

	re.mu.Lock()
	defer re.mu.Unlock()

	// 1. Kill switch: перечитывается из файла при каждой проверке
	if record, _ := re.killSwitch.Read(); record.Active {
		orderRejections.WithLabelValues("kill_switch").Inc()
		return false, fmt.Sprintf("kill switch active: %s", record.Reason), ErrKillSwitchActive
	}

	// 2. Circuit breaker в периоде охлаждения
	if !re.circuitBreaker.IsTradingAllowed() {
		orderRejections.WithLabelValues("circuit_breaker").Inc()
		return false, fmt.Sprintf("circuit breaker active, %s remaining",
			re.circuitBreaker.Remaining().Round(time.Second)), nil
	}

	// 3. Неположительный баланс
	if balance.LessThanOrEqual(decimal.Zero) {
		orderRejections.WithLabelValues("balance").Inc()
		return false, fmt.Sprintf("non-positive account balance: %s", balance), nil
	}

	// 4. Дневной лимит убытка (с предупреждением на 80%)
	dailyLimit := balance.Mul(decimal.NewFromFloat(re.cfg.MaxDailyLossPct))
	dailyLoss := dailyPnl.Neg()
	if dailyLoss.GreaterThanOrEqual(dailyLimit) {
		if err := re.killSwitch.Trigger(fmt.Sprintf("daily loss %s reached limit %s", dailyLoss, dailyLimit)); err != nil {
			re.logger.Error("failed to trigger kill switch", utils.Err(err))
		}
		orderRejections.WithLabelValues("daily_loss").Inc()
		return false, fmt.Sprintf("daily loss %s exceeds limit %s", dailyLoss, dailyLimit), ErrDailyLossLimit
	}
	warnLevel := dailyLimit.Mul(decimal.NewFromFloat(dailyLossWarnFraction))
	if dailyLoss.GreaterThanOrEqual(warnLevel) && !re.dailyLossWarned {
		re.dailyLossWarned = true
		re.logger.Warn("daily loss approaching limit",
			utils.String("daily_loss", dailyLoss.String()),
			utils.String("limit", dailyLimit.String()),
		)
	}

	// 5. Просадка от high-water mark
	drawdown := re.currentDrawdown(equity)
	if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(re.cfg.MaxDrawdownPct)) {
		if err := re.killSwitch.Trigger(fmt.Sprintf("drawdown %s reached limit %v", drawdown, re.cfg.MaxDrawdownPct)); err != nil {
			re.logger.Error("failed to trigger kill switch", utils.Err(err))
		}
		orderRejections.WithLabelValues("drawdown").Inc()
		return false, fmt.Sprintf("drawdown %s exceeds limit %v", drawdown, re.cfg.MaxDrawdownPct), ErrDrawdownLimit
	}

	// 6. Лимит количества открытых позиций
	if len(openPositions) >= re.cfg.MaxPositions {
		orderRejections.WithLabelValues("max_positions").Inc()
		return false, fmt.Sprintf("max positions reached: %d", re.cfg.MaxPositions), nil
	}

	// 7. Неположительный объём
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		orderRejections.WithLabelValues("quantity").Inc()
		return false, fmt.Sprintf("non-positive quantity: %s", order.Quantity), nil
	}

	// 8. Нотиональная экспозиция на инструмент
	//
	// Рыночные ордера без цены пропускают эту проверку: оценить
	// нотионал до исполнения нечем.
	if order.HasPrice() {
		existing := symbolExposure(openPositions, order.Symbol.Ticker)
		added := order.Price.Mul(order.Quantity).Mul(order.Symbol.ValuePerLot)
		limit := equity.Mul(decimal.NewFromFloat(re.cfg.MaxExposurePerSymbolPct))
		if existing.Add(added).GreaterThan(limit) {
			orderRejections.WithLabelValues("exposure").Inc()
			return false, fmt.Sprintf("symbol exposure %s would exceed limit %s",
				existing.Add(added), limit), nil
		}
	}

	// 9. Каждый ордер обязан нести stop loss
	if order.StopLoss.IsZero() {
		orderRejections.WithLabelValues("stop_loss").Inc()
		return false, "order has no stop loss", nil
	}

	// 10. Фактический риск сделки не превышает риск на сделку
	if order.HasPrice() {
		riskTaken := order.Quantity.
			Mul(order.Price.Sub(order.StopLoss)).
			Mul(order.Symbol.ValuePerLot).
			Abs()
		riskLimit := balance.Mul(decimal.NewFromFloat(re.cfg.RiskPerTradePct))
		if riskTaken.GreaterThan(riskLimit) {
			orderRejections.WithLabelValues("risk_per_trade").Inc()
			return false, fmt.Sprintf("trade risk %s exceeds per-trade limit %s", riskTaken, riskLimit), nil
		}
	}

	return true, "", nil
}

// currentDrawdown возвращает просадку от high-water mark (минимум 0)
func (re *RiskEngine) currentDrawdown(equity decimal.Decimal) decimal.Decimal {
	if re.highWaterMark.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	dd := re.highWaterMark.Sub(equity).Div(re.highWaterMark)
	if dd.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return dd
}

// symbolExposure суммирует текущий нотионал открытых позиций по инструменту
func symbolExposure(positions []*models.Position, ticker string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.Symbol.Ticker == ticker && p.IsOpen() {
			total = total.Add(p.Notional())
		}
	}
	return total
}

// SizingContext - портфельный контекст для расчёта размера позиции
type SizingContext struct {
	Equity        decimal.Decimal
	OpenPositions []*models.Position
}

// CalculatePositionSize вычисляет объём позиции под заданный риск
//
// raw = (balance × riskPerTradePct) / (|entry − stop| × valuePerLot),
// округляется вниз до шага лота и ограничивается [minLot, maxLot].
//
// При наличии портфельного контекста объём дополнительно ограничен
// остатком экспозиции на инструмент; если рисковый объём превышает
// остаток, возвращается меньшее из остатка и потолка ExposureCapLots.
func (re *RiskEngine) CalculatePositionSize(
	symbol *models.Symbol,
	balance, entry, stop decimal.Decimal,
	side string,
	portfolio *SizingContext,
) decimal.Decimal {
	dist := entry.Sub(stop).Abs()
	if dist.IsZero() || symbol.ValuePerLot.IsZero() {
		return decimal.Zero
	}

	riskAmount := balance.Mul(decimal.NewFromFloat(re.cfg.RiskPerTradePct))
	riskPerLot := dist.Mul(symbol.ValuePerLot)
	size := symbol.ClampLot(symbol.RoundToLotStep(riskAmount.Div(riskPerLot)))

	if portfolio == nil {
		return size
	}

	existing := symbolExposure(portfolio.OpenPositions, symbol.Ticker)
	limit := portfolio.Equity.Mul(decimal.NewFromFloat(re.cfg.MaxExposurePerSymbolPct))
	headroomNotional := limit.Sub(existing)
	if headroomNotional.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	headroom := symbol.RoundToLotStep(headroomNotional.Div(entry.Mul(symbol.ValuePerLot)))
	if size.LessThanOrEqual(headroom) {
		return size
	}

	ceiling := symbol.RoundToLotStep(decimal.NewFromFloat(re.cfg.ExposureCapLots))
	if headroom.LessThan(ceiling) {
		return headroom
	}
	return ceiling
}

// GetRiskMetrics собирает снимок риск-показателей
func (re *RiskEngine) GetRiskMetrics(
	balance, equity decimal.Decimal,
	openPositions []*models.Position,
	dailyPnl decimal.Decimal,
) *models.RiskMetrics {
	re.mu.Lock()
	defer re.mu.Unlock()

	record, _ := re.killSwitch.Read()

	exposures := make(map[string]decimal.Decimal)
	open := 0
	for _, p := range openPositions {
		if !p.IsOpen() {
			continue
		}
		open++
		exposures[p.Symbol.Ticker] = exposures[p.Symbol.Ticker].Add(p.Notional())
	}

	return &models.RiskMetrics{
		Balance:              balance,
		Equity:               equity,
		EquityHighWaterMark:  re.highWaterMark,
		CurrentDrawdown:      re.currentDrawdown(equity),
		DailyPnl:             dailyPnl,
		DailyLossLimit:       balance.Mul(decimal.NewFromFloat(re.cfg.MaxDailyLossPct)),
		OpenPositions:        open,
		MaxPositions:         re.cfg.MaxPositions,
		ExposureBySymbol:     exposures,
		KillSwitchActive:     record.Active,
		KillSwitchReason:     record.Reason,
		CircuitBreakerActive: re.circuitBreaker.IsTripped(),
		ConsecutiveLosses:    re.circuitBreaker.ConsecutiveLosses(),
		Timestamp:            time.Now().UTC(),
	}
}

// RecordTradeResult передаёт результат сделки circuit breaker'у
func (re *RiskEngine) RecordTradeResult(pnl decimal.Decimal) {
	re.circuitBreaker.RecordTrade(pnl)
}

// UpdateEquityHighWaterMark поднимает high-water mark если equity выше
func (re *RiskEngine) UpdateEquityHighWaterMark(equity decimal.Decimal) {
	re.mu.Lock()
	defer re.mu.Unlock()
	if equity.GreaterThan(re.highWaterMark) {
		re.highWaterMark = equity
	}
}

// SetHighWaterMark принудительно устанавливает high-water mark
// (восстановление из сохранённого состояния)
func (re *RiskEngine) SetHighWaterMark(hwm decimal.Decimal) {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.highWaterMark = hwm
}

// HighWaterMark возвращает текущий high-water mark
func (re *RiskEngine) HighWaterMark() decimal.Decimal {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.highWaterMark
}

// ResetDailyMetrics сбрасывает дневные флаги (на границе суток)
func (re *RiskEngine) ResetDailyMetrics() {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.dailyLossWarned = false
}

// ValidateAccountBalance сверяет локальный баланс с брокерским
//
// Возвращает false при расхождении больше допуска. Неположительный
// баланс у брокера это ошибка, требующая остановки торговли.
func (re *RiskEngine) ValidateAccountBalance(local, broker decimal.Decimal) (bool, error) {
	if broker.LessThanOrEqual(decimal.Zero) {
		return false, fmt.Errorf("broker reports non-positive balance: %s", broker)
	}

	if local.IsZero() {
		return true, nil
	}

	diff := local.Sub(broker).Abs().Div(broker)
	if diff.GreaterThan(balanceTolerancePct) {
		re.logger.Warn("account balance mismatch",
			utils.String("local", local.String()),
			utils.String("broker", broker.String()),
			utils.String("relative_diff", diff.String()),
		)
		return false, nil
	}

	return true, nil
}
