package engine

import "autotrader/internal/models"

// ValidOrderTransitions определяет допустимые переходы статусов ордера
//
// Прямой путь: pending → sent → accepted → filled.
// Боковые выходы rejected/cancelled/expired достижимы из pending и
// sent. Из терминальных статусов переходов нет и обратных переходов
// не существует.
var ValidOrderTransitions = map[string][]string{
	models.OrderStatusPending: {
		models.OrderStatusSent,
		models.OrderStatusRejected,
		models.OrderStatusCancelled,
		models.OrderStatusExpired,
	},
	models.OrderStatusSent: {
		models.OrderStatusAccepted,
		models.OrderStatusFilled,
		models.OrderStatusRejected,
		models.OrderStatusCancelled,
		models.OrderStatusExpired,
	},
	models.OrderStatusAccepted: {
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
		models.OrderStatusExpired,
	},
	models.OrderStatusFilled:    {},
	models.OrderStatusRejected:  {},
	models.OrderStatusCancelled: {},
	models.OrderStatusExpired:   {},
}

// CanTransition проверяет допустимость перехода статуса
func CanTransition(from, to string) bool {
	allowed, ok := ValidOrderTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus возвращает true для статусов без исходящих переходов
func IsTerminalStatus(s string) bool {
	allowed, ok := ValidOrderTransitions[s]
	return ok && len(allowed) == 0
}
