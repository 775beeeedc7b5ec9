package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/models"
)

func TestOrderManager_RegisterIdempotent(t *testing.T) {
	om := NewOrderManager(testLogger())
	order := validOrder(testSymbol())

	om.Register(order)
	om.Register(order) // дубликат: no-op

	stats := om.Statistics()
	if stats.Total != 1 {
		t.Fatalf("expected 1 registered order, got %d", stats.Total)
	}
}

func TestOrderManager_Transition(t *testing.T) {
	om := NewOrderManager(testLogger())
	order := validOrder(testSymbol())
	om.Register(order)

	if err := om.Transition(order, models.OrderStatusSent); err != nil {
		t.Fatalf("pending->sent: %v", err)
	}
	if order.SentAt == nil {
		t.Fatal("SentAt must be stamped on send")
	}
	if err := om.Transition(order, models.OrderStatusFilled); err != nil {
		t.Fatalf("sent->filled: %v", err)
	}
	if order.FilledAt == nil {
		t.Fatal("FilledAt must be stamped on fill")
	}

	if err := om.Transition(order, models.OrderStatusCancelled); err == nil {
		t.Fatal("transition out of terminal status must fail")
	}
	if order.Status != models.OrderStatusFilled {
		t.Fatalf("failed transition must not mutate status, got %s", order.Status)
	}
}

func TestOrderManager_FindByIDPrefix(t *testing.T) {
	om := NewOrderManager(testLogger())
	order := validOrder(testSymbol())
	om.Register(order)

	found, ok := om.FindByIDPrefix(order.ID.String()[:8])
	if !ok || found.ID != order.ID {
		t.Fatal("expected order found by 8-char prefix")
	}

	if _, ok := om.FindByIDPrefix(""); ok {
		t.Fatal("empty prefix must not match")
	}
	if _, ok := om.FindByIDPrefix("zzzzzzzz"); ok {
		t.Fatal("unknown prefix must not match")
	}
}

func TestOrderManager_StaleOrders(t *testing.T) {
	om := NewOrderManager(testLogger())
	symbol := testSymbol()

	fresh := validOrder(symbol)
	om.Register(fresh)
	if err := om.Transition(fresh, models.OrderStatusSent); err != nil {
		t.Fatalf("transition: %v", err)
	}

	old := validOrder(symbol)
	om.Register(old)
	if err := om.Transition(old, models.OrderStatusSent); err != nil {
		t.Fatalf("transition: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	old.SentAt = &past

	pending := validOrder(symbol)
	om.Register(pending) // без SentAt - не считается просроченным

	accepted := validOrder(symbol)
	om.Register(accepted)
	if err := om.Transition(accepted, models.OrderStatusSent); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := om.Transition(accepted, models.OrderStatusAccepted); err != nil {
		t.Fatalf("transition: %v", err)
	}
	accepted.SentAt = &past // принят брокером - ждёт fill, не протухает

	stale := om.StaleOrders(time.Now().UTC(), 30*time.Second)
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale order, got %d", len(stale))
	}
	if stale[0].ID != old.ID {
		t.Fatal("wrong order flagged as stale")
	}
}

func TestOrderManager_Statistics(t *testing.T) {
	om := NewOrderManager(testLogger())
	symbol := testSymbol()

	a := validOrder(symbol)
	om.Register(a)
	b := validOrder(symbol)
	om.Register(b)
	if err := om.Transition(b, models.OrderStatusSent); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := om.Transition(b, models.OrderStatusRejected); err != nil {
		t.Fatalf("transition: %v", err)
	}

	stats := om.Statistics()
	if stats.Total != 2 || stats.Active != 1 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
	if stats.ByStatus[models.OrderStatusRejected] != 1 {
		t.Fatalf("expected 1 rejected order, got %d", stats.ByStatus[models.OrderStatusRejected])
	}
}

func TestOrderManager_StatisticsSlippage(t *testing.T) {
	om := NewOrderManager(testLogger())
	symbol := testSymbol()

	fill := func(slippage decimal.Decimal) {
		o := validOrder(symbol)
		om.Register(o)
		if err := om.Transition(o, models.OrderStatusSent); err != nil {
			t.Fatalf("transition: %v", err)
		}
		if err := om.Transition(o, models.OrderStatusAccepted); err != nil {
			t.Fatalf("transition: %v", err)
		}
		o.Slippage = slippage
		if err := om.Transition(o, models.OrderStatusFilled); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	fill(d("0.0003"))
	fill(d("-0.0001"))

	stats := om.Statistics()
	if stats.Filled != 2 {
		t.Fatalf("expected 2 filled orders, got %d", stats.Filled)
	}
	if !stats.TotalSlippage.Equal(d("0.0002")) {
		t.Fatalf("total slippage = %s, want 0.0002", stats.TotalSlippage)
	}
	if !stats.AvgSlippage.Equal(d("0.0001")) {
		t.Fatalf("avg slippage = %s, want 0.0001", stats.AvgSlippage)
	}
}
