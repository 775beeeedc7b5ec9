package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================

// ============ Ордера ============

// ordersTotal - ордера по итоговому статусу
var ordersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "trading",
		Name:      "orders_total",
		Help:      "Total number of orders by final status",
	},
	[]string{"symbol", "status"}, // filled, rejected, cancelled, expired
)

// orderRejections - отклонения риск-движка по причинам
var orderRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "risk",
		Name:      "order_rejections_total",
		Help:      "Orders rejected by the risk engine, by check",
	},
	[]string{"check"}, // kill_switch, circuit_breaker, balance, daily_loss, drawdown, max_positions, quantity, exposure, stop_loss, risk_per_trade, internal
)

// orderRetries - повторные отправки ордеров
var orderRetries = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "trading",
		Name:      "order_retries_total",
		Help:      "Number of order submission retries after transient failures",
	},
)

// slippageObserved - наблюдаемое проскальзывание в пипсах
var slippageObserved = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "autotrader",
		Subsystem: "trading",
		Name:      "slippage_pips",
		Help:      "Observed slippage per fill in pip equivalents",
		Buckets:   []float64{-10, -5, -2, -1, 0, 1, 2, 5, 10, 20},
	},
	[]string{"symbol"},
)

// ============ Портфель ============

// openPositions - текущее количество открытых позиций
var openPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "portfolio",
		Name:      "open_positions",
		Help:      "Current number of open positions",
	},
)

// realizedPnlTotal - суммарный реализованный PNL (может уменьшаться)
var realizedPnlTotal = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "portfolio",
		Name:      "realized_pnl_total",
		Help:      "Cumulative realized PnL in account currency",
	},
)

// reconcileDiscrepancies - расхождения при сверке с брокером
var reconcileDiscrepancies = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "portfolio",
		Name:      "reconcile_discrepancies_total",
		Help:      "Discrepancies found during broker reconciliation, by kind",
	},
	[]string{"kind"}, // phantom_closed, phantom_pruned, unknown_adopted, ticket_match, fuzzy_match, quantity_mismatch
)

// ============ Защитные механизмы ============

// killSwitchActive - состояние kill switch (1 = активен)
var killSwitchActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "autotrader",
		Subsystem: "risk",
		Name:      "kill_switch_active",
		Help:      "Kill switch state (1 = active, 0 = inactive)",
	},
)

// circuitBreakerTrips - срабатывания circuit breaker
var circuitBreakerTrips = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "risk",
		Name:      "circuit_breaker_trips_total",
		Help:      "Number of circuit breaker trips",
	},
)

// ============ Состояние ============

// stateSaves - сохранения состояния по результату
var stateSaves = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "autotrader",
		Subsystem: "state",
		Name:      "saves_total",
		Help:      "State snapshot saves by outcome",
	},
	[]string{"outcome"}, // success, failure
)

// RecordStateSave учитывает результат сохранения состояния
func RecordStateSave(err error) {
	if err != nil {
		stateSaves.WithLabelValues("failure").Inc()
		return
	}
	stateSaves.WithLabelValues("success").Inc()
}
