package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/pkg/retry"
	"autotrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rpcRequest - кадр запроса к мосту
type rpcRequest struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// rpcEnvelope - входящий кадр: либо ответ на запрос, либо асинхронное событие
type rpcEnvelope struct {
	ID     string              `json:"id,omitempty"`
	Result jsoniter.RawMessage `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
	Event  string              `json:"event,omitempty"`
	Data   jsoniter.RawMessage `json:"data,omitempty"`
}

// Bridge - WebSocket клиент брокерского моста
//
// Реализует Broker поверх RPC-протокола моста: каждый запрос несёт
// уникальный id, ответ сопоставляется по нему. Асинхронные события
// исполнения приходят отдельными кадрами с полем event и раздаются
// подписчикам.
//
// Транспортные ошибки (обрыв, таймаут) помечаются как временные и
// пригодны для retry; отклонение брокером возвращается как обычный
// результат со статусом rejected.
type Bridge struct {
	url            string
	callTimeout    time.Duration
	reconnectDelay time.Duration

	conn    *websocket.Conn
	connMu  sync.Mutex // сериализует запись в соединение
	writeMu sync.Mutex

	pending   map[string]chan *rpcEnvelope
	pendingMu sync.Mutex

	fillHandlers []func(*FillEvent)
	handlerMu    sync.RWMutex

	closeChan chan struct{}
	closeOnce sync.Once

	logger *utils.Logger
}

// NewBridge создаёт клиент моста (без подключения)
func NewBridge(cfg config.BrokerConfig, logger *utils.Logger) *Bridge {
	return &Bridge{
		url:            cfg.URL,
		callTimeout:    cfg.CallTimeout,
		reconnectDelay: cfg.ReconnectDelay,
		pending:        make(map[string]chan *rpcEnvelope),
		closeChan:      make(chan struct{}),
		logger:         logger.WithComponent("bridge"),
	}
}

// Connect устанавливает соединение и запускает приём кадров
func (b *Bridge) Connect(ctx context.Context) error {
	return retry.Do(ctx, func() error {
		return b.dial(ctx)
	}, retry.NetworkConfig())
}

// dial выполняет одну попытку подключения
func (b *Bridge) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: b.callTimeout}
	conn, _, err := dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.url, err)
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()

	go b.readPump(conn)

	b.logger.Info("connected to broker bridge", utils.String("url", b.url))
	return nil
}

// Close закрывает соединение и прекращает переподключения
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeChan)
	})

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// readPump читает кадры до обрыва соединения
func (b *Bridge) readPump(conn *websocket.Conn) {
	defer b.onDisconnect(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.closeChan:
			default:
				b.logger.Warn("bridge read failed", utils.Err(err))
			}
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("dropping malformed bridge frame", utils.Err(err))
			continue
		}

		switch {
		case env.Event != "":
			b.dispatchEvent(&env)
		case env.ID != "":
			b.dispatchResponse(&env)
		default:
			b.logger.Warn("dropping bridge frame without id or event")
		}
	}
}

// onDisconnect проваливает висящие запросы и запускает переподключение
func (b *Bridge) onDisconnect(conn *websocket.Conn) {
	conn.Close()

	b.pendingMu.Lock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	select {
	case <-b.closeChan:
		return
	default:
	}

	b.logger.Warn("bridge disconnected, reconnecting")

	// Переподключаемся пока не получится или нас не закроют
	for {
		select {
		case <-b.closeChan:
			return
		case <-time.After(b.reconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := b.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		b.logger.Error("bridge reconnect failed", utils.Err(err))
	}
}

// dispatchResponse доставляет ответ ожидающему вызову
func (b *Bridge) dispatchResponse(env *rpcEnvelope) {
	b.pendingMu.Lock()
	ch, ok := b.pending[env.ID]
	if ok {
		delete(b.pending, env.ID)
	}
	b.pendingMu.Unlock()

	if !ok {
		b.logger.Warn("response for unknown request", utils.String("request_id", env.ID))
		return
	}

	ch <- env
	close(ch)
}

// dispatchEvent раздаёт асинхронное событие подписчикам
func (b *Bridge) dispatchEvent(env *rpcEnvelope) {
	if env.Event != "fill" {
		b.logger.Debug("ignoring bridge event", utils.String("event", env.Event))
		return
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		b.logger.Warn("malformed fill event", utils.Err(err))
		return
	}

	fill, err := parseFillEvent(raw)
	if err != nil {
		b.logger.Warn("invalid fill event", utils.Err(err))
		return
	}

	b.handlerMu.RLock()
	handlers := b.fillHandlers
	b.handlerMu.RUnlock()

	for _, h := range handlers {
		h(fill)
	}
}

// call выполняет один RPC запрос к мосту
func (b *Bridge) call(ctx context.Context, method string, params interface{}) (jsoniter.RawMessage, error) {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return nil, retry.Temporary(ErrNotConnected)
	}

	req := rpcRequest{
		ID:     uuid.NewString(),
		Method: method,
		Params: params,
	}

	ch := make(chan *rpcEnvelope, 1)
	b.pendingMu.Lock()
	b.pending[req.ID] = ch
	b.pendingMu.Unlock()

	b.writeMu.Lock()
	err := conn.WriteJSON(req)
	b.writeMu.Unlock()
	if err != nil {
		b.pendingMu.Lock()
		delete(b.pending, req.ID)
		b.pendingMu.Unlock()
		return nil, retry.Temporary(fmt.Errorf("write %s: %w", method, err))
	}

	timer := time.NewTimer(b.callTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			// Канал закрыт при обрыве соединения
			return nil, retry.Temporary(fmt.Errorf("%s: connection lost", method))
		}
		if env.Error != "" {
			return nil, fmt.Errorf("%s: %s", method, env.Error)
		}
		return env.Result, nil
	case <-timer.C:
		b.pendingMu.Lock()
		delete(b.pending, req.ID)
		b.pendingMu.Unlock()
		return nil, retry.Temporary(fmt.Errorf("%s: %w", method, ErrCallTimeout))
	case <-ctx.Done():
		b.pendingMu.Lock()
		delete(b.pending, req.ID)
		b.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// callObject выполняет запрос и разбирает ответ-объект
func (b *Bridge) callObject(ctx context.Context, method string, params interface{}) (map[string]interface{}, error) {
	result, err := b.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	return raw, nil
}

// callList выполняет запрос и разбирает ответ-список объектов
func (b *Bridge) callList(ctx context.Context, method string, params interface{}) ([]map[string]interface{}, error) {
	result, err := b.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var raw []map[string]interface{}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	return raw, nil
}

// ============================================================
// Реализация Broker
// ============================================================

// Heartbeat проверяет живость моста
func (b *Bridge) Heartbeat(ctx context.Context) error {
	_, err := b.call(ctx, "heartbeat", nil)
	return err
}

// GetAccountInfo возвращает состояние счёта
func (b *Bridge) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	raw, err := b.callObject(ctx, "get_account_info", nil)
	if err != nil {
		return nil, err
	}
	return parseAccountInfo(raw)
}

// GetPositions возвращает открытые позиции по тикету
func (b *Bridge) GetPositions(ctx context.Context) (map[int64]*BrokerPosition, error) {
	raw, err := b.callList(ctx, "get_positions", nil)
	if err != nil {
		return nil, err
	}

	positions := make(map[int64]*BrokerPosition, len(raw))
	for _, item := range raw {
		pos, err := parseBrokerPosition(item)
		if err != nil {
			return nil, err
		}
		positions[pos.Ticket] = pos
	}
	return positions, nil
}

// PlaceOrder размещает ордер
func (b *Bridge) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResult, error) {
	raw, err := b.callObject(ctx, "place_order", req)
	if err != nil {
		return nil, err
	}
	return parseOrderResult(raw)
}

// ClosePosition закрывает позицию по тикету
func (b *Bridge) ClosePosition(ctx context.Context, ticket int64) (*CloseResult, error) {
	raw, err := b.callObject(ctx, "close_position", map[string]interface{}{"ticket": ticket})
	if err != nil {
		return nil, err
	}
	return parseCloseResult(raw)
}

// ModifyPosition изменяет stop loss / take profit позиции
func (b *Bridge) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit decimal.Decimal) error {
	params := map[string]interface{}{"ticket": ticket}
	if !stopLoss.IsZero() {
		params["stop_loss"] = stopLoss
	}
	if !takeProfit.IsZero() {
		params["take_profit"] = takeProfit
	}

	raw, err := b.callObject(ctx, "modify_position", params)
	if err != nil {
		return err
	}

	status, err := requireString(raw, "status")
	if err != nil {
		return err
	}
	if status == ResultStatusError {
		return fmt.Errorf("modify_position: %s", optionalString(raw, "error"))
	}
	return nil
}

// GetClosedPositions возвращает закрытые сделки за период
func (b *Bridge) GetClosedPositions(ctx context.Context, lookback time.Duration) ([]*ClosedDeal, error) {
	params := map[string]interface{}{"lookback_minutes": int(lookback.Minutes())}
	raw, err := b.callList(ctx, "get_closed_positions", params)
	if err != nil {
		return nil, err
	}

	deals := make([]*ClosedDeal, 0, len(raw))
	for _, item := range raw {
		deal, err := parseClosedDeal(item)
		if err != nil {
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, nil
}

// SubscribeFills регистрирует обработчик событий исполнения
func (b *Bridge) SubscribeFills(handler func(*FillEvent)) {
	b.handlerMu.Lock()
	b.fillHandlers = append(b.fillHandlers, handler)
	b.handlerMu.Unlock()
}
