package broker

import (
	"context"
	"time"

	"autotrader/pkg/utils"
)

// HeartbeatMonitor - фоновая проверка живости брокерского подключения
//
// Периодически опрашивает брокера; после maxFailures подряд неудач
// вызывает onLost ровно один раз. Счётчик сбрасывается первым же
// успешным ответом; если связь была объявлена потерянной, при
// восстановлении один раз вызывается onRestored. Сообщение главному
// циклу идёт через callback, не через разделяемые структуры.
type HeartbeatMonitor struct {
	broker      Broker
	interval    time.Duration
	callTimeout time.Duration
	maxFailures int
	onLost      func(failures int)
	onRestored  func()
	logger      *utils.Logger

	failures int
	lost     bool
}

// NewHeartbeatMonitor создаёт монитор живости
func NewHeartbeatMonitor(b Broker, interval, callTimeout time.Duration, maxFailures int, onLost func(failures int), onRestored func(), logger *utils.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		broker:      b,
		interval:    interval,
		callTimeout: callTimeout,
		maxFailures: maxFailures,
		onLost:      onLost,
		onRestored:  onRestored,
		logger:      logger.WithComponent("heartbeat"),
	}
}

// Run выполняет проверки до отмены контекста
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

// probe выполняет одну проверку живости
func (h *HeartbeatMonitor) probe(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
	err := h.broker.Heartbeat(callCtx)
	cancel()

	if err == nil {
		if h.failures > 0 {
			h.logger.Info("broker heartbeat recovered", utils.Int("after_failures", h.failures))
		}
		if h.lost && h.onRestored != nil {
			h.onRestored()
		}
		h.failures = 0
		h.lost = false
		return
	}

	h.failures++
	h.logger.Warn("broker heartbeat failed",
		utils.Int("consecutive_failures", h.failures),
		utils.Err(err),
	)

	if h.failures >= h.maxFailures && !h.lost {
		h.lost = true
		h.logger.Error("broker connection lost",
			utils.Int("consecutive_failures", h.failures),
		)
		if h.onLost != nil {
			h.onLost(h.failures)
		}
	}
}
