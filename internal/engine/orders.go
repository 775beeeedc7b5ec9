package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

// OrderManager - реестр ордеров с контролем жизненного цикла
//
// Единственная точка, через которую меняется статус ордера: все
// переходы проверяются по таблице ValidOrderTransitions.
type OrderManager struct {
	mu     sync.RWMutex
	orders map[string]*models.Order

	logger *utils.Logger
}

// NewOrderManager создаёт пустой реестр ордеров
func NewOrderManager(logger *utils.Logger) *OrderManager {
	return &OrderManager{
		orders: make(map[string]*models.Order),
		logger: logger.WithComponent("orders"),
	}
}

// Register добавляет ордер в реестр
//
// Повторная регистрация того же ID это no-op с предупреждением:
// источник сигналов может прислать дубликат, падать из-за этого
// нельзя.
func (om *OrderManager) Register(order *models.Order) {
	om.mu.Lock()
	defer om.mu.Unlock()

	id := order.ID.String()
	if _, exists := om.orders[id]; exists {
		om.logger.Warn("duplicate order registration ignored", utils.OrderID(id))
		return
	}
	om.orders[id] = order
}

// Get возвращает ордер по полному ID
func (om *OrderManager) Get(id string) (*models.Order, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	o, ok := om.orders[id]
	return o, ok
}

// FindByIDPrefix ищет ордер по префиксу ID
//
// Брокерский комментарий усекает ID ордера, поэтому событие
// исполнения может нести только его начало. Неоднозначный префикс
// считается ненайденным.
func (om *OrderManager) FindByIDPrefix(prefix string) (*models.Order, bool) {
	if prefix == "" {
		return nil, false
	}

	om.mu.RLock()
	defer om.mu.RUnlock()

	var found *models.Order
	for id, o := range om.orders {
		if strings.HasPrefix(id, prefix) {
			if found != nil {
				om.logger.Warn("ambiguous order id prefix", utils.String("prefix", prefix))
				return nil, false
			}
			found = o
		}
	}
	return found, found != nil
}

// Transition переводит ордер в новый статус
//
// Недопустимый переход возвращает ошибку и не меняет ордер.
// Временные метки SentAt и FilledAt проставляются автоматически.
func (om *OrderManager) Transition(order *models.Order, to string) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	from := order.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid order transition %s -> %s for order %s", from, to, order.ID)
	}

	order.Status = to
	now := time.Now().UTC()
	switch to {
	case models.OrderStatusSent:
		order.SentAt = &now
	case models.OrderStatusFilled:
		order.FilledAt = &now
	}

	ordersTotal.WithLabelValues(order.Symbol.Ticker, to).Inc()
	om.logger.Debug("order transition",
		utils.OrderID(order.ID.String()),
		utils.String("from", from),
		utils.String("to", to),
	)
	return nil
}

// ActiveOrders возвращает все ордера в нетерминальных статусах
func (om *OrderManager) ActiveOrders() []*models.Order {
	om.mu.RLock()
	defer om.mu.RUnlock()

	var active []*models.Order
	for _, o := range om.orders {
		if o.IsActive() {
			active = append(active, o)
		}
	}
	return active
}

// StaleOrders возвращает отправленные ордера, ожидающие дольше timeout
//
// Отсчёт идёт от SentAt; ордера без метки отправки не считаются
// просроченными. Принятые брокером (accepted) ордера не попадают в
// выборку: они ждут асинхронного исполнения и не должны локально
// протухать.
func (om *OrderManager) StaleOrders(now time.Time, timeout time.Duration) []*models.Order {
	om.mu.RLock()
	defer om.mu.RUnlock()

	var stale []*models.Order
	for _, o := range om.orders {
		if o.Status != models.OrderStatusSent {
			continue
		}
		if o.SentAt == nil {
			continue
		}
		if now.Sub(*o.SentAt) > timeout {
			stale = append(stale, o)
		}
	}
	return stale
}

// OrderStatistics - сводка по реестру ордеров
type OrderStatistics struct {
	Total         int             `json:"total"`
	Active        int             `json:"active"`
	Filled        int             `json:"filled"`
	ByStatus      map[string]int  `json:"by_status"`
	TotalSlippage decimal.Decimal `json:"total_slippage"`
	AvgSlippage   decimal.Decimal `json:"avg_slippage"`
}

// Statistics собирает сводку по всем зарегистрированным ордерам
//
// Проскальзывание агрегируется только по исполненным ордерам.
func (om *OrderManager) Statistics() OrderStatistics {
	om.mu.RLock()
	defer om.mu.RUnlock()

	stats := OrderStatistics{
		Total:    len(om.orders),
		ByStatus: make(map[string]int),
	}
	for _, o := range om.orders {
		stats.ByStatus[o.Status]++
		if o.IsActive() {
			stats.Active++
		}
		if o.Status == models.OrderStatusFilled {
			stats.Filled++
			stats.TotalSlippage = stats.TotalSlippage.Add(o.Slippage)
		}
	}
	if stats.Filled > 0 {
		stats.AvgSlippage = stats.TotalSlippage.Div(decimal.NewFromInt(int64(stats.Filled)))
	}
	return stats
}
