package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/models"
	"autotrader/pkg/utils"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error"})
}

func testSymbol() *models.Symbol {
	s := models.NewSymbol("EURUSD")
	s.ValuePerLot = d("100")
	s.PipValue = d("0.0001")
	return s
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTradePct:         0.0025,
		MaxDailyLossPct:         0.02,
		MaxDrawdownPct:          0.10,
		MaxPositions:            3,
		MaxExposurePerSymbolPct: 0.30,
		ExposureCapLots:         0.1,
		MaxConsecutiveLosses:    3,
		CooldownMinutes:         60,
	}
}

func newTestRiskEngine(t *testing.T) *RiskEngine {
	logger := testLogger()
	ks := NewKillSwitch(t.TempDir()+"/killswitch.json", logger)
	cb := NewCircuitBreaker(3, time.Hour, logger)
	return NewRiskEngine(testRiskConfig(), ks, cb, logger)
}

// fakeBroker - управляемая из теста реализация брокера
type fakeBroker struct {
	placeOrder  func(req *broker.PlaceOrderRequest) (*broker.OrderResult, error)
	positions   map[int64]*broker.BrokerPosition
	deals       []*broker.ClosedDeal
	accountInfo *broker.AccountInfo
	fillHandler func(*broker.FillEvent)
	placeCalls  int
}

func (f *fakeBroker) Heartbeat(ctx context.Context) error { return nil }

func (f *fakeBroker) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if f.accountInfo != nil {
		return f.accountInfo, nil
	}
	return &broker.AccountInfo{Balance: d("10000"), Equity: d("10000")}, nil
}

func (f *fakeBroker) GetPositions(ctx context.Context) (map[int64]*broker.BrokerPosition, error) {
	if f.positions == nil {
		return map[int64]*broker.BrokerPosition{}, nil
	}
	return f.positions, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req *broker.PlaceOrderRequest) (*broker.OrderResult, error) {
	f.placeCalls++
	if f.placeOrder != nil {
		return f.placeOrder(req)
	}
	return &broker.OrderResult{Status: broker.ResultStatusAccepted, Ticket: 1001}, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, ticket int64) (*broker.CloseResult, error) {
	return &broker.CloseResult{Status: broker.ResultStatusFilled}, nil
}

func (f *fakeBroker) ModifyPosition(ctx context.Context, ticket int64, sl, tp decimal.Decimal) error {
	return nil
}

func (f *fakeBroker) GetClosedPositions(ctx context.Context, lookback time.Duration) ([]*broker.ClosedDeal, error) {
	return f.deals, nil
}

func (f *fakeBroker) SubscribeFills(handler func(*broker.FillEvent)) {
	f.fillHandler = handler
}

// fakeJournal записывает сделки в память
type fakeJournal struct {
	trades  []*models.TradeRecord
	failErr error
}

func (j *fakeJournal) InsertTrade(ctx context.Context, trade *models.TradeRecord) error {
	if j.failErr != nil {
		return j.failErr
	}
	j.trades = append(j.trades, trade)
	return nil
}
