// Package api - HTTP интерфейс наблюдения и управления
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autotrader/internal/api/handlers"
	"autotrader/internal/api/middleware"
	"autotrader/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Trading handlers.TradingService
	History handlers.TradeHistory
	Logger  *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── GET  /health - живость и состояние kill switch
//	├── GET  /risk - снимок риск-показателей
//	├── GET  /positions - открытые позиции
//	├── GET  /orders - активные ордера
//	├── DELETE /orders/{id} - локальная отмена ордера
//	├── GET  /statistics - сводка по ордерам и портфелю
//	├── GET  /trades - последние сделки из журнала
//	├── POST /signals - подать торговый сигнал
//	├── GET  /killswitch - текущая запись kill switch
//	└── POST /killswitch - ручная остановка торговли
//
// /metrics - Prometheus метрики
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	logger := utils.L()
	if deps != nil && deps.Logger != nil {
		logger = deps.Logger
	}

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if deps == nil || deps.Trading == nil {
		return router
	}

	tradingHandler := handlers.NewTradingHandler(deps.Trading, deps.History)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", tradingHandler.Health).Methods("GET")
	api.HandleFunc("/risk", tradingHandler.GetRisk).Methods("GET")
	api.HandleFunc("/positions", tradingHandler.GetPositions).Methods("GET")
	api.HandleFunc("/orders", tradingHandler.GetOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", tradingHandler.CancelOrder).Methods("DELETE")
	api.HandleFunc("/statistics", tradingHandler.GetStatistics).Methods("GET")
	api.HandleFunc("/trades", tradingHandler.GetTrades).Methods("GET")
	api.HandleFunc("/signals", tradingHandler.SubmitSignal).Methods("POST")
	api.HandleFunc("/killswitch", tradingHandler.GetKillSwitch).Methods("GET")
	api.HandleFunc("/killswitch", tradingHandler.TriggerKillSwitch).Methods("POST")

	return router
}

// NewServer создает HTTP сервер с настроенными маршрутами
func NewServer(addr string, deps *Dependencies) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: SetupRoutes(deps),
	}
}
