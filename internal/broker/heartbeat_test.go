package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/pkg/utils"
)

// fakeBroker - заглушка брокера для тестов монитора
type fakeBroker struct {
	heartbeatErr error
	calls        int
}

func (f *fakeBroker) Heartbeat(ctx context.Context) error {
	f.calls++
	return f.heartbeatErr
}

func (f *fakeBroker) GetAccountInfo(ctx context.Context) (*AccountInfo, error) { return nil, nil }
func (f *fakeBroker) GetPositions(ctx context.Context) (map[int64]*BrokerPosition, error) {
	return nil, nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResult, error) {
	return nil, nil
}
func (f *fakeBroker) ClosePosition(ctx context.Context, ticket int64) (*CloseResult, error) {
	return nil, nil
}
func (f *fakeBroker) ModifyPosition(ctx context.Context, ticket int64, sl, tp decimal.Decimal) error {
	return nil
}
func (f *fakeBroker) GetClosedPositions(ctx context.Context, lookback time.Duration) ([]*ClosedDeal, error) {
	return nil, nil
}
func (f *fakeBroker) SubscribeFills(handler func(*FillEvent)) {}

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error"})
}

// ============================================================
// Тесты HeartbeatMonitor
// ============================================================

func TestHeartbeatMonitor_EscalatesAfterMaxFailures(t *testing.T) {
	fake := &fakeBroker{heartbeatErr: errors.New("no response")}

	lostCalls := 0
	monitor := NewHeartbeatMonitor(fake, time.Hour, time.Second, 3, func(failures int) {
		lostCalls++
		if failures != 3 {
			t.Errorf("onLost failures = %d, want 3", failures)
		}
	}, nil, testLogger())

	ctx := context.Background()
	monitor.probe(ctx)
	monitor.probe(ctx)
	if lostCalls != 0 {
		t.Fatal("onLost fired before threshold")
	}

	monitor.probe(ctx)
	if lostCalls != 1 {
		t.Fatalf("onLost calls = %d, want 1", lostCalls)
	}

	// Дальнейшие неудачи не вызывают onLost повторно
	monitor.probe(ctx)
	monitor.probe(ctx)
	if lostCalls != 1 {
		t.Errorf("onLost calls after extra failures = %d, want 1", lostCalls)
	}
}

func TestHeartbeatMonitor_SuccessResetsCounter(t *testing.T) {
	fake := &fakeBroker{heartbeatErr: errors.New("no response")}

	lostCalls := 0
	monitor := NewHeartbeatMonitor(fake, time.Hour, time.Second, 3, func(failures int) {
		lostCalls++
	}, nil, testLogger())

	ctx := context.Background()
	monitor.probe(ctx)
	monitor.probe(ctx)

	// Успешный ответ до порога - счётчик обнуляется
	fake.heartbeatErr = nil
	monitor.probe(ctx)
	if monitor.failures != 0 {
		t.Errorf("failures after recovery = %d, want 0", monitor.failures)
	}

	// Порог отсчитывается заново
	fake.heartbeatErr = errors.New("no response")
	monitor.probe(ctx)
	monitor.probe(ctx)
	if lostCalls != 0 {
		t.Error("onLost fired before a fresh threshold was reached")
	}
	monitor.probe(ctx)
	if lostCalls != 1 {
		t.Errorf("onLost calls = %d, want 1", lostCalls)
	}
}

func TestHeartbeatMonitor_RestoredAfterLoss(t *testing.T) {
	fake := &fakeBroker{heartbeatErr: errors.New("no response")}

	lostCalls, restoredCalls := 0, 0
	monitor := NewHeartbeatMonitor(fake, time.Hour, time.Second, 2,
		func(failures int) { lostCalls++ },
		func() { restoredCalls++ },
		testLogger())

	ctx := context.Background()
	monitor.probe(ctx)
	monitor.probe(ctx)
	if lostCalls != 1 {
		t.Fatalf("onLost calls = %d, want 1", lostCalls)
	}

	// Связь вернулась: один вызов onRestored, связь снова теряема
	fake.heartbeatErr = nil
	monitor.probe(ctx)
	monitor.probe(ctx)
	if restoredCalls != 1 {
		t.Fatalf("onRestored calls = %d, want 1", restoredCalls)
	}

	fake.heartbeatErr = errors.New("no response")
	monitor.probe(ctx)
	monitor.probe(ctx)
	if lostCalls != 2 {
		t.Errorf("onLost calls after second loss = %d, want 2", lostCalls)
	}
}

func TestHeartbeatMonitor_RunStopsOnCancel(t *testing.T) {
	fake := &fakeBroker{}
	monitor := NewHeartbeatMonitor(fake, time.Millisecond, time.Second, 3, nil, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	if fake.calls == 0 {
		t.Error("expected at least one heartbeat probe")
	}
}
