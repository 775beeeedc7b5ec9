// Package engine содержит торговые движки: риск, исполнение,
// портфель, сверка с брокером и координирующий цикл.
package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/models"
	"autotrader/internal/state"
	"autotrader/pkg/utils"
)

// killSwitchFileName - файл kill switch в директории состояния.
// Отдельный от state.json: его можно создать руками чтобы остановить
// торговлю, и его читает каждый процесс перед каждым ордером.
const killSwitchFileName = "killswitch.json"

// accountCallTimeout ограничивает вызовы брокера внутри тика цикла
const accountCallTimeout = 5 * time.Second

// ErrBrokerConnectionLost - подача ордеров приостановлена из-за
// потери связи с брокером; в отличие от kill switch снимается
// автоматически при восстановлении heartbeat
var ErrBrokerConnectionLost = errors.New("broker connection lost")

// Engine - координатор всех подсистем
//
// Однопоточная кооперативная модель: один цикл с частотой 1 Гц
// последовательно выполняет фазы тика. Подсистемы не владеют
// собственными горутинами (кроме транспорта моста), гонки между
// фазами исключены по построению.
type Engine struct {
	cfg *config.Config

	broker     broker.Broker
	risk       *RiskEngine
	orders     *OrderManager
	portfolio  *PortfolioEngine
	execution  *ExecutionEngine
	reconciler *Reconciler
	store      *state.Store

	mu               sync.Mutex
	balance          decimal.Decimal
	equity           decimal.Decimal
	dailyStartEquity decimal.Decimal
	currentDay       time.Time
	lastTradeTime    *time.Time

	fillCh chan *broker.FillEvent

	connLost atomic.Bool

	lastSave      time.Time
	lastReconcile time.Time
	haltedLogOnce bool

	logger *utils.Logger
}

// NewEngine собирает все подсистемы
func NewEngine(cfg *config.Config, b broker.Broker, journal TradeJournal, logger *utils.Logger) *Engine {
	ks := NewKillSwitch(filepath.Join(cfg.State.Dir, killSwitchFileName), logger)
	cb := NewCircuitBreaker(cfg.Risk.MaxConsecutiveLosses, time.Duration(cfg.Risk.CooldownMinutes)*time.Minute, logger)
	risk := NewRiskEngine(cfg.Risk, ks, cb, logger)
	orders := NewOrderManager(logger)
	portfolio := NewPortfolioEngine(journal, logger)
	execution := NewExecutionEngine(b, risk, orders, portfolio, cfg.Execution, logger)
	reconciler := NewReconciler(b, portfolio, execution.ResolveSymbol, 24*time.Hour, logger)
	store := state.NewStore(cfg.State, logger)

	e := &Engine{
		cfg:        cfg,
		broker:     b,
		risk:       risk,
		orders:     orders,
		portfolio:  portfolio,
		execution:  execution,
		reconciler: reconciler,
		store:      store,
		fillCh:     make(chan *broker.FillEvent, 64),
		logger:     logger.WithComponent("engine"),
	}

	// События исполнения приходят из горутины транспорта; буферизуем
	// и обрабатываем в своём цикле, не в чужой горутине
	b.SubscribeFills(func(event *broker.FillEvent) {
		select {
		case e.fillCh <- event:
		default:
			e.logger.Error("fill event buffer full, event dropped",
				utils.Ticket(event.Ticket),
				utils.Symbol(event.Symbol),
			)
		}
	})

	return e
}

// Risk возвращает риск-движок
func (e *Engine) Risk() *RiskEngine { return e.risk }

// Orders возвращает реестр ордеров
func (e *Engine) Orders() *OrderManager { return e.orders }

// Portfolio возвращает портфельный движок
func (e *Engine) Portfolio() *PortfolioEngine { return e.portfolio }

// Execution возвращает движок исполнения
func (e *Engine) Execution() *ExecutionEngine { return e.execution }

// Run запускает главный цикл
//
// Блокируется до отмены контекста. Перед выходом сохраняет состояние.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine loop started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine loop stopping, saving state")
			if err := e.SaveState(); err != nil {
				e.logger.Error("failed to save state on shutdown", utils.Err(err))
				return err
			}
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick выполняет фазы одного такта цикла
func (e *Engine) tick(ctx context.Context) {
	now := time.Now().UTC()

	// Фаза стопов: активный kill switch не прерывает цикл (учёт и
	// reconciliation продолжаются), но отмечается в логе один раз
	if e.risk.KillSwitch().IsActive() {
		if !e.haltedLogOnce {
			e.haltedLogOnce = true
			e.logger.Warn("trading halted by kill switch, loop continues in observe-only mode")
		}
	} else {
		e.haltedLogOnce = false
	}

	e.drainFills()
	e.refreshAccount(ctx, now)
	e.execution.CheckOrderTimeouts(now)

	if e.cfg.State.ReconcileFreq > 0 && now.Sub(e.lastReconcile) >= e.cfg.State.ReconcileFreq {
		e.lastReconcile = now
		rctx, cancel := context.WithTimeout(ctx, accountCallTimeout*2)
		clean, discrepancies, err := e.reconciler.Reconcile(rctx)
		cancel()
		if err != nil {
			e.logger.Error("reconciliation failed", utils.Err(err))
		} else if !clean {
			e.logger.Warn("reconciliation found discrepancies",
				utils.Int("count", len(discrepancies)),
			)
		}
	}

	if e.cfg.State.SaveFreq > 0 && now.Sub(e.lastSave) >= e.cfg.State.SaveFreq {
		e.lastSave = now
		if err := e.SaveState(); err != nil {
			e.logger.Error("periodic state save failed", utils.Err(err))
		}
	}
}

// drainFills обрабатывает накопленные события исполнения
func (e *Engine) drainFills() {
	for {
		select {
		case event := <-e.fillCh:
			e.execution.HandleFill(event)
			e.mu.Lock()
			t := event.Time
			if t.IsZero() {
				t = time.Now().UTC()
			}
			e.lastTradeTime = &t
			e.mu.Unlock()
		default:
			return
		}
	}
}

// refreshAccount обновляет баланс и equity из брокера
//
// Недоступность брокера не останавливает тик: работаем по последнему
// известному состоянию счёта, о живости заботится heartbeat.
func (e *Engine) refreshAccount(ctx context.Context, now time.Time) {
	actx, cancel := context.WithTimeout(ctx, accountCallTimeout)
	defer cancel()

	info, err := e.broker.GetAccountInfo(actx)
	if err != nil {
		e.logger.Debug("account refresh failed", utils.Err(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ok, err := e.risk.ValidateAccountBalance(e.balance, info.Balance); err != nil {
		e.logger.Error("broker account in invalid state", utils.Err(err))
		if kerr := e.risk.KillSwitch().Trigger(err.Error()); kerr != nil {
			e.logger.Error("failed to trigger kill switch", utils.Err(kerr))
		}
		return
	} else if !ok {
		e.logger.Warn("local balance diverged from broker, trusting broker")
	}

	e.balance = info.Balance
	e.equity = info.Equity
	e.risk.UpdateEquityHighWaterMark(info.Equity)

	// Суточный рубеж: фиксируем стартовый equity нового дня
	day := now.Truncate(24 * time.Hour)
	if e.currentDay.IsZero() {
		e.currentDay = day
		if e.dailyStartEquity.IsZero() {
			e.dailyStartEquity = info.Equity
		}
	} else if day.After(e.currentDay) {
		e.currentDay = day
		e.dailyStartEquity = info.Equity
		e.risk.ResetDailyMetrics()
		e.logger.Info("daily metrics reset",
			utils.String("daily_start_equity", info.Equity.String()),
		)
	}
}

// SubmitSignal проводит сигнал через исполнение с текущим счётом
func (e *Engine) SubmitSignal(ctx context.Context, signal *models.Signal) (*models.Order, error) {
	if e.connLost.Load() {
		return nil, ErrBrokerConnectionLost
	}

	e.mu.Lock()
	balance, equity, dailyPnl := e.balance, e.equity, e.dailyPnl()
	e.mu.Unlock()

	return e.execution.SubmitSignal(ctx, signal, balance, equity, dailyPnl)
}

// SetConnectionLost переключает флаг потери связи с брокером
//
// При установленном флаге подача новых ордеров отклоняется; учёт,
// сверка и сохранение состояния продолжают работать.
func (e *Engine) SetConnectionLost(lost bool) {
	if e.connLost.Swap(lost) == lost {
		return
	}
	if lost {
		e.logger.Warn("broker connection lost, order submission suspended")
	} else {
		e.logger.Info("broker connection restored, order submission resumed")
	}
}

// dailyPnl вычисляет дневной P&L; вызывать под e.mu
func (e *Engine) dailyPnl() decimal.Decimal {
	if e.dailyStartEquity.IsZero() {
		return decimal.Zero
	}
	return e.equity.Sub(e.dailyStartEquity)
}

// RiskMetrics возвращает снимок риск-показателей
func (e *Engine) RiskMetrics() *models.RiskMetrics {
	e.mu.Lock()
	balance, equity, dailyPnl := e.balance, e.equity, e.dailyPnl()
	e.mu.Unlock()

	return e.risk.GetRiskMetrics(balance, equity, e.portfolio.OpenPositions(), dailyPnl)
}

// TriggerKillSwitch останавливает торговлю вручную
func (e *Engine) TriggerKillSwitch(reason string) error {
	return e.risk.KillSwitch().Trigger(reason)
}

// KillSwitchStatus читает текущую запись kill switch с диска
func (e *Engine) KillSwitchStatus() (KillSwitchRecord, error) {
	return e.risk.KillSwitch().Read()
}

// EngineStatistics - агрегированная сводка по ордерам и портфелю
type EngineStatistics struct {
	Orders    OrderStatistics     `json:"orders"`
	Portfolio PortfolioStatistics `json:"portfolio"`
}

// Statistics собирает сводку по исполнению и портфелю
func (e *Engine) Statistics() EngineStatistics {
	return EngineStatistics{
		Orders:    e.orders.Statistics(),
		Portfolio: e.portfolio.Statistics(),
	}
}

// CancelOrder отменяет ордер локально
func (e *Engine) CancelOrder(id string) error {
	return e.execution.CancelOrder(id)
}

// Snapshot собирает полный снимок состояния системы
func (e *Engine) Snapshot() *models.SystemState {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := models.NewSystemState()
	s.AccountBalance = e.balance
	s.AccountEquity = e.equity
	s.EquityHighWaterMark = e.risk.HighWaterMark()
	s.DailyStartEquity = e.dailyStartEquity
	s.DailyPnl = e.dailyPnl()
	s.TotalPnl = e.portfolio.TotalRealizedPnl()
	s.KillSwitchActive = e.risk.KillSwitch().IsActive()
	s.CircuitBreakerActive = e.risk.CircuitBreaker().IsTripped()
	s.LastTradeTime = e.lastTradeTime

	for _, p := range e.portfolio.OpenPositions() {
		s.Positions[p.ID.String()] = p
	}
	for _, o := range e.orders.ActiveOrders() {
		s.OpenOrders[o.ID.String()] = o
	}
	return s
}

// SaveState сохраняет снимок состояния на диск
func (e *Engine) SaveState() error {
	err := e.store.Save(e.Snapshot())
	RecordStateSave(err)
	return err
}
