package engine

import (
	"context"
	"errors"
	"testing"

	"autotrader/internal/models"
)

func TestEngine_ConnectionLostSuspendsSubmission(t *testing.T) {
	cfg := testEngineConfig(t)
	fb := &fakeBroker{}
	eng := NewEngine(cfg, fb, &fakeJournal{}, testLogger())
	eng.Execution().RegisterSymbol(testSymbol())

	if err := eng.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	eng.SetConnectionLost(true)
	if _, err := eng.SubmitSignal(context.Background(), testSignal()); !errors.Is(err, ErrBrokerConnectionLost) {
		t.Fatalf("expected ErrBrokerConnectionLost, got %v", err)
	}
	if fb.placeCalls != 0 {
		t.Fatal("no order must reach the broker while connection is lost")
	}

	// Восстановление heartbeat снимает блок без ручного вмешательства
	eng.SetConnectionLost(false)
	order, err := eng.SubmitSignal(context.Background(), testSignal())
	if err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
	if order.Status != models.OrderStatusAccepted {
		t.Fatalf("expected accepted order after recovery, got %s", order.Status)
	}
}

func TestEngine_ConnectionLossDoesNotTouchKillSwitch(t *testing.T) {
	cfg := testEngineConfig(t)
	eng := NewEngine(cfg, &fakeBroker{}, &fakeJournal{}, testLogger())

	eng.SetConnectionLost(true)
	eng.SetConnectionLost(false)

	if eng.Risk().KillSwitch().IsActive() {
		t.Fatal("connection loss must not trigger the manual-reset kill switch")
	}
}
