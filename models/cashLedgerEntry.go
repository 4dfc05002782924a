package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CashLedgerEntry is one immutable monetary movement. Entries are created by
// the projection of a money-moving event and never mutated; corrections are
// new compensating entries.
type CashLedgerEntry struct {
	ID       int         `gorm:"primary_key" json:"id"`
	StoreId  string      `gorm:"size:64;not null;index:idx_ledger_session,priority:1" json:"store_id"`
	DeviceId string      `gorm:"size:64;not null" json:"device_id"`
	Seq      int64       `gorm:"not null" json:"seq"`
	Clock    VectorClock `gorm:"column:vector_clock;type:text" json:"vector_clock"`

	EntryType     CashEntryType   `gorm:"size:20;not null" json:"entry_type"`
	AmountBs      decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount_bs"`
	AmountUsd     decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount_usd"`
	Currency      string          `gorm:"size:3;not null" json:"currency"`
	PaymentMethod string          `gorm:"size:30" json:"payment_method"`
	CashSessionId string          `gorm:"size:64;not null;index:idx_ledger_session,priority:2" json:"cash_session_id"`
	SoldAt        time.Time       `json:"sold_at"`

	// EventId and RequestId are both idempotency keys: at most one ledger
	// entry per source event and per client request.
	EventId   string `gorm:"size:64;not null;uniqueIndex" json:"event_id"`
	RequestId string `gorm:"size:64;not null;uniqueIndex" json:"request_id"`

	Metadata  []byte    `gorm:"type:text" json:"metadata"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// AppendCashLedgerEntry inserts the entry, or returns the already-stored one
// when the request_id (or event_id) was seen before. Outbox retries can
// deliver the same projection twice; this is where the double-spend stops.
// The bool reports whether a new row was written, so callers can skip side
// effects that already happened on the first delivery.
func AppendCashLedgerEntry(ctx context.Context, db *gorm.DB, entry *CashLedgerEntry) (*CashLedgerEntry, bool, error) {
	err := db.WithContext(ctx).Create(entry).Error
	if err == nil {
		return entry, true, nil
	}
	if !IsUniqueViolation(err) {
		return nil, false, err
	}

	var existing CashLedgerEntry
	ferr := db.WithContext(ctx).
		Where("request_id = ? OR event_id = ?", entry.RequestId, entry.EventId).
		First(&existing).Error
	if ferr != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// CashSessionSummary is the payment breakdown consumed by shift-close
// reconciliation.
type CashSessionSummary struct {
	CashSessionId string          `json:"cash_session_id"`
	CashBs        decimal.Decimal `json:"cash_bs"`
	CashUsd       decimal.Decimal `json:"cash_usd"`
	PagoMovilBs   decimal.Decimal `json:"pago_movil_bs"`
	TransferBs    decimal.Decimal `json:"transfer_bs"`
	OtherBs       decimal.Decimal `json:"other_bs"`
	EntryCount    int             `json:"entry_count"`
}

// SummaryForCashSession folds every ledger entry of the session into the
// expected-cash breakdown.
func SummaryForCashSession(ctx context.Context, db *gorm.DB, storeId, cashSessionId string) (*CashSessionSummary, error) {
	var entries []CashLedgerEntry
	if err := db.WithContext(ctx).
		Where("store_id = ? AND cash_session_id = ?", storeId, cashSessionId).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	summary := CashSessionSummary{CashSessionId: cashSessionId, EntryCount: len(entries)}
	for _, e := range entries {
		switch strings.ToLower(e.PaymentMethod) {
		case "pago_movil":
			summary.PagoMovilBs = summary.PagoMovilBs.Add(e.AmountBs)
		case "transfer":
			summary.TransferBs = summary.TransferBs.Add(e.AmountBs)
		case "cash", "":
			if e.Currency == "USD" {
				summary.CashUsd = summary.CashUsd.Add(e.AmountUsd)
			} else {
				summary.CashBs = summary.CashBs.Add(e.AmountBs)
			}
		default:
			summary.OtherBs = summary.OtherBs.Add(e.AmountBs)
		}
	}
	return &summary, nil
}

// IsUniqueViolation matches duplicate-key failures across the drivers we
// deploy on (sqlite on devices, mysql at the authority).
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "constraint failed")
}
