package models_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_backend/models"
)

func ledgerEntry(requestId, eventId, method, currency string, bs, usd int64) *models.CashLedgerEntry {
	return &models.CashLedgerEntry{
		StoreId:       "store-1",
		DeviceId:      "reg-1",
		Seq:           1,
		Clock:         models.VectorClock{"reg-1": 1},
		EntryType:     models.CashEntryTypeSale,
		AmountBs:      decimal.NewFromInt(bs),
		AmountUsd:     decimal.NewFromInt(usd),
		Currency:      currency,
		PaymentMethod: method,
		CashSessionId: "session-1",
		SoldAt:        time.Now().UTC(),
		EventId:       eventId,
		RequestId:     requestId,
	}
}

func TestAppendCashLedgerEntryIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, created, err := models.AppendCashLedgerEntry(ctx, db, ledgerEntry("req-1", "ev-1", "cash", "VES", 100, 0))
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !created {
		t.Fatal("first append not reported as created")
	}

	// Same request replayed with a fresh struct: must return the stored row,
	// not write a second one.
	replayed, created, err := models.AppendCashLedgerEntry(ctx, db, ledgerEntry("req-1", "ev-1", "cash", "VES", 100, 0))
	if err != nil {
		t.Fatalf("replayed append: %v", err)
	}
	if created {
		t.Fatal("replay reported as created")
	}
	if replayed.ID != first.ID {
		t.Fatalf("replay created row %d, want existing row %d", replayed.ID, first.ID)
	}

	var count int64
	if err := db.Model(&models.CashLedgerEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("ledger has %d rows after replay, want 1", count)
	}

	// A different request reusing the same event id is the same projection
	// delivered twice; it must also collapse to the stored row.
	sameEvent, _, err := models.AppendCashLedgerEntry(ctx, db, ledgerEntry("req-2", "ev-1", "cash", "VES", 100, 0))
	if err != nil {
		t.Fatalf("same-event append: %v", err)
	}
	if sameEvent.ID != first.ID {
		t.Fatalf("same-event append created row %d, want %d", sameEvent.ID, first.ID)
	}
}

func TestSummaryForCashSessionBreakdown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	entries := []*models.CashLedgerEntry{
		ledgerEntry("r1", "e1", "cash", "VES", 250, 0),
		ledgerEntry("r2", "e2", "cash", "USD", 0, 10),
		ledgerEntry("r3", "e3", "pago_movil", "VES", 180, 0),
		ledgerEntry("r4", "e4", "transfer", "VES", 75, 0),
		ledgerEntry("r5", "e5", "zelle", "VES", 40, 0),
		ledgerEntry("r6", "e6", "", "VES", 60, 0), // legacy rows have no method
	}
	for _, e := range entries {
		if _, _, err := models.AppendCashLedgerEntry(ctx, db, e); err != nil {
			t.Fatalf("append %s: %v", e.RequestId, err)
		}
	}

	summary, err := models.SummaryForCashSession(ctx, db, "store-1", "session-1")
	if err != nil {
		t.Fatalf("SummaryForCashSession: %v", err)
	}
	if summary.EntryCount != len(entries) {
		t.Fatalf("entry count = %d, want %d", summary.EntryCount, len(entries))
	}
	if !summary.CashBs.Equal(decimal.NewFromInt(310)) {
		t.Fatalf("cash bs = %s, want 310", summary.CashBs)
	}
	if !summary.CashUsd.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("cash usd = %s, want 10", summary.CashUsd)
	}
	if !summary.PagoMovilBs.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("pago movil bs = %s, want 180", summary.PagoMovilBs)
	}
	if !summary.TransferBs.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("transfer bs = %s, want 75", summary.TransferBs)
	}
	if !summary.OtherBs.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("other bs = %s, want 40", summary.OtherBs)
	}
}
