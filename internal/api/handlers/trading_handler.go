package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"autotrader/internal/engine"
	"autotrader/internal/models"
)

// TradingService - операции торгового ядра, доступные через API
type TradingService interface {
	RiskMetrics() *models.RiskMetrics
	Snapshot() *models.SystemState
	SubmitSignal(ctx context.Context, signal *models.Signal) (*models.Order, error)
	TriggerKillSwitch(reason string) error
	KillSwitchStatus() (engine.KillSwitchRecord, error)
	Statistics() engine.EngineStatistics
	CancelOrder(id string) error
}

// TradeHistory - чтение журнала сделок
type TradeHistory interface {
	GetRecent(ctx context.Context, limit int) ([]*models.TradeRecord, error)
}

// TradingHandler обрабатывает HTTP запросы торгового ядра.
//
// Endpoints:
// - GET /api/v1/health - живость процесса и состояние kill switch
// - GET /api/v1/risk - снимок риск-показателей
// - GET /api/v1/positions - открытые позиции
// - GET /api/v1/orders - активные ордера
// - GET /api/v1/statistics - сводка по ордерам и портфелю
// - GET /api/v1/trades?limit=N - последние сделки из журнала
// - POST /api/v1/signals - подать торговый сигнал
// - DELETE /api/v1/orders/{id} - локальная отмена ордера
// - GET /api/v1/killswitch - текущая запись kill switch
// - POST /api/v1/killswitch - ручная активация kill switch
type TradingHandler struct {
	trading TradingService
	history TradeHistory
}

// NewTradingHandler создает новый TradingHandler с внедрением зависимостей.
func NewTradingHandler(trading TradingService, history TradeHistory) *TradingHandler {
	return &TradingHandler{
		trading: trading,
		history: history,
	}
}

// Health возвращает живость процесса.
//
// GET /api/v1/health
//
// Response 200 OK:
//
//	{
//	  "status": "ok",
//	  "kill_switch_active": false,
//	  "timestamp": "2026-08-30T12:00:00Z"
//	}
func (h *TradingHandler) Health(w http.ResponseWriter, r *http.Request) {
	metrics := h.trading.RiskMetrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"kill_switch_active": metrics.KillSwitchActive,
		"timestamp":          time.Now().UTC(),
	})
}

// GetRisk возвращает снимок риск-показателей.
//
// GET /api/v1/risk
func (h *TradingHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.trading.RiskMetrics())
}

// GetPositions возвращает открытые позиции.
//
// GET /api/v1/positions
func (h *TradingHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	snapshot := h.trading.Snapshot()
	positions := make([]*models.Position, 0, len(snapshot.Positions))
	for _, p := range snapshot.Positions {
		positions = append(positions, p)
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Data: positions})
}

// GetOrders возвращает активные ордера.
//
// GET /api/v1/orders
func (h *TradingHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	snapshot := h.trading.Snapshot()
	orders := make([]*models.Order, 0, len(snapshot.OpenOrders))
	for _, o := range snapshot.OpenOrders {
		orders = append(orders, o)
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Data: orders})
}

// GetStatistics возвращает сводку по ордерам и портфелю.
//
// GET /api/v1/statistics
func (h *TradingHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SuccessResponse{Data: h.trading.Statistics()})
}

// GetTrades возвращает последние сделки из журнала.
//
// GET /api/v1/trades?limit=N (по умолчанию 50)
func (h *TradingHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "trade journal is not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	trades, err := h.history.GetRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read trade journal")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Data: trades})
}

// SubmitSignal принимает торговый сигнал.
//
// POST /api/v1/signals
//
// Request:
//
//	{
//	  "signal_id": "sig-42",
//	  "strategy": "trend",
//	  "symbol": "EURUSD",
//	  "side": "buy",
//	  "entry": "1.1000",
//	  "stop_loss": "1.0900",
//	  "take_profit": "1.1200"
//	}
//
// Response 201 Created: созданный ордер (включая rejected - отклонение
// риск-движком это валидный исход, не ошибка API).
// Response 409 Conflict: торговля остановлена фатальным лимитом.
func (h *TradingHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var signal models.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal payload")
		return
	}
	if signal.Symbol == "" || signal.Side == "" {
		writeError(w, http.StatusBadRequest, "symbol and side are required")
		return
	}

	order, err := h.trading.SubmitSignal(r.Context(), &signal)
	if err != nil {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "trading halted",
			Details: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, SuccessResponse{Data: order})
}

// CancelOrder отменяет ордер локально.
//
// DELETE /api/v1/orders/{id}
func (h *TradingHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.trading.CancelOrder(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "order cancelled locally"})
}

// GetKillSwitch возвращает текущую запись kill switch.
//
// GET /api/v1/killswitch
//
// Повреждённый файл kill switch трактуется как активный, поэтому
// ошибка чтения не скрывает состояние: запись отдаётся всегда.
func (h *TradingHandler) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	record, err := h.trading.KillSwitchStatus()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, record)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// TriggerKillSwitch активирует kill switch вручную.
//
// POST /api/v1/killswitch
//
// Request: {"reason": "operator stop"}
func (h *TradingHandler) TriggerKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := h.trading.TriggerKillSwitch(req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "kill switch activated"})
}
