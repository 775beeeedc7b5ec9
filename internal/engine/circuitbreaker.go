package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/pkg/utils"
)

// CircuitBreaker - автоматическая пауза после серии убыточных сделок
//
// В отличие от kill switch снимается сам: по истечении cooldown
// торговля возобновляется и счётчик обнуляется. Прибыльная сделка
// тоже обнуляет счётчик.
type CircuitBreaker struct {
	mu sync.Mutex

	maxConsecutiveLosses int
	cooldown             time.Duration

	consecutiveLosses int
	trippedAt         time.Time

	logger *utils.Logger
}

// NewCircuitBreaker создаёт circuit breaker
func NewCircuitBreaker(maxLosses int, cooldown time.Duration, logger *utils.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		maxConsecutiveLosses: maxLosses,
		cooldown:             cooldown,
		logger:               logger.WithComponent("circuitbreaker"),
	}
}

// RecordTrade учитывает результат закрытой сделки
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.GreaterThanOrEqual(decimal.Zero) {
		cb.consecutiveLosses = 0
		return
	}

	cb.consecutiveLosses++
	cb.logger.Info("losing trade recorded",
		utils.PNL(pnl.InexactFloat64()),
		utils.Int("consecutive_losses", cb.consecutiveLosses),
	)

	if cb.consecutiveLosses >= cb.maxConsecutiveLosses && cb.trippedAt.IsZero() {
		cb.trippedAt = time.Now()
		circuitBreakerTrips.Inc()
		cb.logger.Warn("circuit breaker tripped",
			utils.Int("consecutive_losses", cb.consecutiveLosses),
			utils.Duration("cooldown", cb.cooldown),
		)
	}
}

// IsTradingAllowed сообщает, разрешена ли торговля
//
// Истёкший cooldown сбрасывает срабатывание и счётчик.
func (cb *CircuitBreaker) IsTradingAllowed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.trippedAt.IsZero() {
		return true
	}

	if time.Since(cb.trippedAt) >= cb.cooldown {
		cb.logger.Info("circuit breaker cooldown expired, trading resumed")
		cb.trippedAt = time.Time{}
		cb.consecutiveLosses = 0
		return true
	}

	return false
}

// Remaining возвращает оставшееся время паузы (0 если не сработал)
func (cb *CircuitBreaker) Remaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.trippedAt.IsZero() {
		return 0
	}

	remaining := cb.cooldown - time.Since(cb.trippedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ConsecutiveLosses возвращает текущий счётчик убытков подряд
func (cb *CircuitBreaker) ConsecutiveLosses() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveLosses
}

// IsTripped возвращает true если пауза активна прямо сейчас
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.trippedAt.IsZero() && time.Since(cb.trippedAt) < cb.cooldown
}
