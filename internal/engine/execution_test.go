package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/models"
)

func newTestExecution(t *testing.T, fb *fakeBroker) (*ExecutionEngine, *PortfolioEngine, *OrderManager) {
	logger := testLogger()
	risk := newTestRiskEngine(t)
	risk.UpdateEquityHighWaterMark(d("10000"))
	orders := NewOrderManager(logger)
	portfolio := NewPortfolioEngine(&fakeJournal{}, logger)
	cfg := config.ExecutionConfig{
		OrderTimeout: 30 * time.Second,
		MaxRetries:   4,
		RetryBackoff: time.Millisecond,
	}
	ee := NewExecutionEngine(fb, risk, orders, portfolio, cfg, logger)
	ee.RegisterSymbol(testSymbol())
	return ee, portfolio, orders
}

func testSignal() *models.Signal {
	return &models.Signal{
		SignalID: "sig-1",
		Strategy: "trend",
		Symbol:   "EURUSD",
		Side:     models.SideBuy,
		Entry:    d("1.2000"),
		StopLoss: d("1.0750"),
	}
}

func TestSubmitSignal_Accepted(t *testing.T) {
	fb := &fakeBroker{}
	ee, _, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.Status != models.OrderStatusAccepted {
		t.Fatalf("expected accepted, got %s", order.Status)
	}
	if order.Meta(models.MetaBrokerTicket) != "1001" {
		t.Fatalf("expected broker ticket in metadata, got %q", order.Meta(models.MetaBrokerTicket))
	}
	// Объём рассчитан из риска: (10000 × 0.0025) / (0.125 × 100) = 2
	if !order.Quantity.Equal(d("2")) {
		t.Fatalf("expected sized quantity 2, got %s", order.Quantity)
	}
}

func TestSubmitSignal_DuplicateSignalID(t *testing.T) {
	fb := &fakeBroker{}
	ee, _, orders := newTestExecution(t, fb)

	first, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatal("duplicate signal must return the original order")
	}
	if fb.placeCalls != 1 {
		t.Fatalf("duplicate signal must not reach the broker, got %d calls", fb.placeCalls)
	}
	if orders.Statistics().Total != 1 {
		t.Fatalf("expected 1 registered order, got %d", orders.Statistics().Total)
	}
}

func TestSubmitSignal_TransientFailuresRetried(t *testing.T) {
	attempts := 0
	fb := &fakeBroker{
		placeOrder: func(req *broker.PlaceOrderRequest) (*broker.OrderResult, error) {
			attempts++
			if attempts <= 2 {
				return nil, errors.New("transport hiccup")
			}
			return &broker.OrderResult{Status: broker.ResultStatusAccepted, Ticket: 2002}, nil
		},
	}
	ee, _, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if order.Status != models.OrderStatusAccepted {
		t.Fatalf("expected accepted after retries, got %s", order.Status)
	}
}

func TestSubmitSignal_BrokerRejectionNotRetried(t *testing.T) {
	fb := &fakeBroker{
		placeOrder: func(req *broker.PlaceOrderRequest) (*broker.OrderResult, error) {
			return &broker.OrderResult{Status: broker.ResultStatusRejected, Error: "not enough margin"}, nil
		},
	}
	ee, _, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err == nil {
		t.Fatal("expected submission error on broker rejection")
	}
	if fb.placeCalls != 1 {
		t.Fatalf("broker rejection must not be retried, got %d calls", fb.placeCalls)
	}
	if order.Status != models.OrderStatusRejected {
		t.Fatalf("expected rejected, got %s", order.Status)
	}
	if order.Meta(models.MetaRejectionReason) == "" {
		t.Fatal("rejection reason must be recorded")
	}
}

func TestSubmitSignal_ExhaustionRejectsOrder(t *testing.T) {
	fb := &fakeBroker{
		placeOrder: func(req *broker.PlaceOrderRequest) (*broker.OrderResult, error) {
			return nil, errors.New("transport down")
		},
	}
	ee, _, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if fb.placeCalls != 4 {
		t.Fatalf("expected 4 attempts, got %d", fb.placeCalls)
	}
	if order.Status != models.OrderStatusRejected {
		t.Fatalf("expected rejected after exhaustion, got %s", order.Status)
	}
}

func TestSubmitSignal_RiskRejectionKeptForAudit(t *testing.T) {
	fb := &fakeBroker{}
	ee, _, orders := newTestExecution(t, fb)

	signal := testSignal()
	signal.StopLoss = d("0") // без стопа риск-движок отклоняет

	order, err := ee.SubmitSignal(context.Background(), signal, d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("ordinary risk rejection must not be an error: %v", err)
	}
	if order.Status != models.OrderStatusRejected {
		t.Fatalf("expected rejected, got %s", order.Status)
	}
	if order.Meta(models.MetaRejectionReason) == "" {
		t.Fatal("rejection reason must be in metadata")
	}
	if fb.placeCalls != 0 {
		t.Fatal("rejected order must not reach the broker")
	}
	if _, ok := orders.Get(order.ID.String()); !ok {
		t.Fatal("rejected order must stay registered for audit")
	}
}

func TestSubmitSignal_SynchronousFill(t *testing.T) {
	fb := &fakeBroker{
		placeOrder: func(req *broker.PlaceOrderRequest) (*broker.OrderResult, error) {
			return &broker.OrderResult{
				Status:         broker.ResultStatusFilled,
				Ticket:         3003,
				FilledPrice:    d("1.2001"),
				FilledQuantity: req.Quantity,
			}, nil
		},
	}
	ee, portfolio, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.Status != models.OrderStatusFilled {
		t.Fatalf("expected filled, got %s", order.Status)
	}
	pos, ok := portfolio.GetByTicket(3003)
	if !ok {
		t.Fatal("synchronous fill must open a position")
	}
	if !pos.EntryPrice.Equal(d("1.2001")) {
		t.Fatalf("expected entry 1.2001, got %s", pos.EntryPrice)
	}
}

func TestHandleFill_ByCommentPrefix(t *testing.T) {
	fb := &fakeBroker{}
	ee, portfolio, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Брокер потерял order_id, но сохранил усечённый комментарий
	ee.HandleFill(&broker.FillEvent{
		Ticket:   4004,
		Symbol:   "EURUSD",
		Side:     models.SideBuy,
		Price:    d("1.2002"),
		Quantity: order.Quantity,
		Comment:  "Order-" + order.ID.String()[:8],
	})

	if order.Status != models.OrderStatusFilled {
		t.Fatalf("expected filled via comment prefix, got %s", order.Status)
	}
	pos, ok := portfolio.GetByTicket(4004)
	if !ok {
		t.Fatal("fill must open a position")
	}
	if pos.Side != models.PositionSideLong {
		t.Fatalf("buy fill must open a long position, got %s", pos.Side)
	}
	if pos.Metadata[models.MetaOrderID] != order.ID.String() {
		t.Fatal("position must reference the originating order")
	}
}

func TestHandleFill_UnknownOrderIgnored(t *testing.T) {
	fb := &fakeBroker{}
	ee, portfolio, _ := newTestExecution(t, fb)

	ee.HandleFill(&broker.FillEvent{
		OrderID: "00000000-0000-0000-0000-000000000000",
		Ticket:  5005,
		Comment: "Order-deadbeef",
	})
	if _, ok := portfolio.GetByTicket(5005); ok {
		t.Fatal("fill for unknown order must not open a position")
	}
}

func TestHandleFill_DuplicateIgnored(t *testing.T) {
	fb := &fakeBroker{}
	ee, portfolio, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	event := &broker.FillEvent{
		OrderID:  order.ID.String(),
		Ticket:   6006,
		Price:    d("1.2000"),
		Quantity: order.Quantity,
	}
	ee.HandleFill(event)
	ee.HandleFill(event)

	if got := len(portfolio.OpenPositions()); got != 1 {
		t.Fatalf("duplicate fill must not open a second position, got %d", got)
	}
}

func TestCheckOrderTimeouts(t *testing.T) {
	fb := &fakeBroker{}
	ee, _, orders := newTestExecution(t, fb)

	// Ордер застрял в sent: брокер так и не ответил
	order := validOrder(testSymbol())
	orders.Register(order)
	if err := orders.Transition(order, models.OrderStatusSent); err != nil {
		t.Fatalf("transition: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	order.SentAt = &past

	swept := ee.CheckOrderTimeouts(time.Now().UTC())
	if swept != 1 {
		t.Fatalf("expected 1 timed out order, got %d", swept)
	}
	if order.Status != models.OrderStatusRejected {
		t.Fatalf("expected rejected, got %s", order.Status)
	}
	if order.Metadata[models.MetaRejectionReason] == "" {
		t.Fatal("timeout rejection must record a reason")
	}
}

func TestCheckOrderTimeouts_AcceptedOrderAwaitsFill(t *testing.T) {
	fb := &fakeBroker{}
	ee, portfolio, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.Status != models.OrderStatusAccepted {
		t.Fatalf("expected accepted, got %s", order.Status)
	}
	past := time.Now().UTC().Add(-time.Minute)
	order.SentAt = &past

	if swept := ee.CheckOrderTimeouts(time.Now().UTC()); swept != 0 {
		t.Fatalf("accepted order must not be swept, got %d", swept)
	}

	// Поздний асинхронный fill всё ещё применяется
	ee.HandleFill(&broker.FillEvent{
		OrderID:  order.ID.String(),
		Ticket:   6006,
		Symbol:   "EURUSD",
		Side:     models.SideBuy,
		Price:    d("1.2001"),
		Quantity: order.Quantity,
	})
	if order.Status != models.OrderStatusFilled {
		t.Fatalf("late fill must still apply, got %s", order.Status)
	}
	if _, ok := portfolio.GetByTicket(6006); !ok {
		t.Fatal("late fill must open a position")
	}
}

func TestCancelOrder_LocalOnly(t *testing.T) {
	fb := &fakeBroker{}
	ee, _, _ := newTestExecution(t, fb)

	order, err := ee.SubmitSignal(context.Background(), testSignal(), d("10000"), d("10000"), d("0"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := ee.CancelOrder(order.ID.String()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != models.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}

	if err := ee.CancelOrder("missing"); err == nil {
		t.Fatal("cancelling an unknown order must fail")
	}
}
