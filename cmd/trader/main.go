package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrader/internal/api"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/engine"
	"autotrader/internal/repository"
	"autotrader/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Инициализация логгера
	logger := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	utils.SetGlobalLogger(logger)
	defer logger.Sync()

	logger.Info("starting autotrader",
		utils.String("broker_url", cfg.Broker.URL),
		utils.String("state_dir", cfg.State.Dir),
	)

	// Инициализация базы данных (журнал сделок). Без БД торгуем,
	// но закрытие позиций будет падать до восстановления журнала.
	var tradeRepo *repository.TradeRepository
	db, err := initDatabase(cfg)
	if err != nil {
		logger.Error("database unavailable, trade journal disabled", utils.Err(err))
	} else {
		defer db.Close()
		tradeRepo = repository.NewTradeRepository(db)
		logger.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))
	}

	// Подключение к мосту брокера
	bridge := broker.NewBridge(cfg.Broker, logger)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bridge.Connect(connectCtx); err != nil {
		connectCancel()
		logger.Error("failed to connect to broker bridge", utils.Err(err))
		os.Exit(1)
	}
	connectCancel()
	defer bridge.Close()

	// Торговое ядро
	var journal engine.TradeJournal
	if tradeRepo != nil {
		journal = tradeRepo
	}
	eng := engine.NewEngine(cfg, bridge, journal, logger)

	// Восстановление состояния до приёма сигналов
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := eng.Restore(restoreCtx); err != nil {
		restoreCancel()
		logger.Error("failed to restore state", utils.Err(err))
		os.Exit(1)
	}
	restoreCancel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Heartbeat: потеря связи приостанавливает подачу ордеров до
	// восстановления; kill switch остаётся за риск-лимитами
	heartbeat := broker.NewHeartbeatMonitor(
		bridge,
		cfg.Broker.HeartbeatInterval,
		cfg.Broker.CallTimeout,
		cfg.Broker.HeartbeatMaxFailures,
		func(failures int) {
			logger.Error("broker connection lost", utils.Int("failures", failures))
			eng.SetConnectionLost(true)
		},
		func() { eng.SetConnectionLost(false) },
		logger,
	)
	go heartbeat.Run(ctx)

	// Главный торговый цикл
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	// HTTP API
	deps := &api.Dependencies{
		Trading: eng,
		Logger:  logger,
	}
	if tradeRepo != nil {
		deps.History = tradeRepo
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.SetupRoutes(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", utils.Err(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Останавливаем цикл: он сохраняет состояние перед выходом
	cancel()
	select {
	case err := <-engineDone:
		if err != nil {
			logger.Error("engine stopped with error", utils.Err(err))
		}
	case <-time.After(30 * time.Second):
		logger.Error("engine did not stop in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server forced to shutdown", utils.Err(err))
	}

	logger.Info("stopped")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
