package engine

import (
	"context"
	"errors"
	"testing"

	"autotrader/internal/models"
)

func TestClosePosition_RealizedPnl(t *testing.T) {
	journal := &fakeJournal{}
	pe := NewPortfolioEngine(journal, testLogger())
	symbol := testSymbol()

	tests := []struct {
		name       string
		side       string
		entry      string
		exit       string
		quantity   string
		commission string
		want       string
	}{
		{"long profit", models.PositionSideLong, "1.1000", "1.1100", "2", "0.5", "1.5"},
		{"long loss", models.PositionSideLong, "1.1000", "1.0900", "2", "0", "-2"},
		{"short profit", models.PositionSideShort, "1.1000", "1.0900", "2", "0", "2"},
		{"short loss", models.PositionSideShort, "1.1000", "1.1100", "1", "0", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := models.NewPosition(symbol, tt.side, d(tt.quantity), d(tt.entry))
			if tt.commission != "0" {
				pos.SetMeta(models.MetaCommission, tt.commission)
			}
			pe.AddPosition(pos)

			realized, err := pe.ClosePosition(context.Background(), pos, d(tt.exit), models.ExitReasonManual)
			if err != nil {
				t.Fatalf("close: %v", err)
			}
			if !realized.Equal(d(tt.want)) {
				t.Fatalf("expected realized pnl %s, got %s", tt.want, realized)
			}
			if pos.IsOpen() {
				t.Fatal("position must be flat after close")
			}
		})
	}
}

func TestClosePosition_JournalFailureKeepsPositionOpen(t *testing.T) {
	journal := &fakeJournal{failErr: errors.New("db down")}
	pe := NewPortfolioEngine(journal, testLogger())
	pos := models.NewPosition(testSymbol(), models.PositionSideLong, d("1"), d("1.1"))
	pe.AddPosition(pos)

	if _, err := pe.ClosePosition(context.Background(), pos, d("1.2"), models.ExitReasonManual); err == nil {
		t.Fatal("expected journal error to propagate")
	}
	if !pos.IsOpen() {
		t.Fatal("journal failure must leave the position open for a retry")
	}
	if !pe.TotalRealizedPnl().IsZero() {
		t.Fatal("failed close must not move realized pnl")
	}

	// Повтор после восстановления БД проходит
	journal.failErr = nil
	if _, err := pe.ClosePosition(context.Background(), pos, d("1.2"), models.ExitReasonManual); err != nil {
		t.Fatalf("retry close: %v", err)
	}
	if len(journal.trades) != 1 {
		t.Fatalf("expected 1 journaled trade, got %d", len(journal.trades))
	}
}

func TestClosePosition_AlreadyClosed(t *testing.T) {
	pe := NewPortfolioEngine(nil, testLogger())
	pos := models.NewPosition(testSymbol(), models.PositionSideLong, d("1"), d("1.1"))
	pe.AddPosition(pos)

	if _, err := pe.ClosePosition(context.Background(), pos, d("1.2"), models.ExitReasonManual); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := pe.ClosePosition(context.Background(), pos, d("1.2"), models.ExitReasonManual); err == nil {
		t.Fatal("double close must fail")
	}
}

func TestCloseWithKnownPnl(t *testing.T) {
	journal := &fakeJournal{}
	pe := NewPortfolioEngine(journal, testLogger())
	pos := models.NewPosition(testSymbol(), models.PositionSideLong, d("1"), d("1.1"))
	pe.AddPosition(pos)

	// Итог от брокера используется как есть, без пересчёта
	if err := pe.CloseWithKnownPnl(context.Background(), pos, d("1.05"), d("-7.34"), models.ExitReasonReconciliation); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !pe.TotalRealizedPnl().Equal(d("-7.34")) {
		t.Fatalf("expected realized pnl -7.34, got %s", pe.TotalRealizedPnl())
	}
	if journal.trades[0].ExitReason != models.ExitReasonReconciliation {
		t.Fatalf("unexpected exit reason %s", journal.trades[0].ExitReason)
	}
}

func TestCurrentExposure(t *testing.T) {
	pe := NewPortfolioEngine(nil, testLogger())
	symbol := testSymbol()

	long := models.NewPosition(symbol, models.PositionSideLong, d("2"), d("1.1"))
	short := models.NewPosition(symbol, models.PositionSideShort, d("1"), d("1.1"))
	pe.AddPosition(long)
	pe.AddPosition(short)

	exp := pe.CurrentExposure()
	// 2×1.1×100 + 1×1.1×100 = 330, нетто 220 − 110 = 110
	if !exp.Total.Equal(d("330")) {
		t.Fatalf("expected total exposure 330, got %s", exp.Total)
	}
	if !exp.Net.Equal(d("110")) {
		t.Fatalf("expected net exposure 110, got %s", exp.Net)
	}
	if !exp.BySymbol["EURUSD"].Equal(d("330")) {
		t.Fatalf("expected symbol exposure 330, got %s", exp.BySymbol["EURUSD"])
	}
}

func TestGetByTicketAndRemove(t *testing.T) {
	pe := NewPortfolioEngine(nil, testLogger())
	pos := models.NewPosition(testSymbol(), models.PositionSideLong, d("1"), d("1.1"))
	pos.BrokerTicket = 42
	pe.AddPosition(pos)

	if _, ok := pe.GetByTicket(42); !ok {
		t.Fatal("expected position found by ticket")
	}

	pe.Remove(pos.ID.String())
	if _, ok := pe.GetByTicket(42); ok {
		t.Fatal("removed position must not be found")
	}
	if pe.Statistics().TotalTracked != 0 {
		t.Fatal("removed position must leave the registry")
	}
}

func TestUpdatePriceRecalculatesUnrealized(t *testing.T) {
	pe := NewPortfolioEngine(nil, testLogger())
	pos := models.NewPosition(testSymbol(), models.PositionSideLong, d("2"), d("1.1"))
	pe.AddPosition(pos)

	pe.UpdatePrice("EURUSD", d("1.15"))
	// (1.15 − 1.10) × 2 × 100 = 10
	if !pe.TotalUnrealizedPnl().Equal(d("10")) {
		t.Fatalf("expected unrealized pnl 10, got %s", pe.TotalUnrealizedPnl())
	}
}
