package models

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FiscalSequenceRange is a contiguous block of invoice numbers leased to one
// device. Ranges for the same series never overlap across devices, and
// used_up_to only ever moves forward, so a number is consumed at most once
// globally even when devices replay their logs.
type FiscalSequenceRange struct {
	ID       int    `gorm:"primary_key" json:"id"`
	StoreId  string `gorm:"size:64;not null;index:uniq_fiscal_range,unique,priority:1" json:"store_id"`
	SeriesId string `gorm:"size:64;not null;index:uniq_fiscal_range,unique,priority:2" json:"series_id"`
	DeviceId string `gorm:"size:64;not null;index" json:"device_id"`

	// RangeStart is unique per (store, series) regardless of device, so two
	// grants racing for the same slot collide on the index and one retries.
	RangeStart int64 `gorm:"not null;index:uniq_fiscal_range,unique,priority:3" json:"range_start"`
	RangeEnd   int64 `gorm:"not null" json:"range_end"`
	// UsedUpTo sits in [range_start-1, range_end]; range_start-1 means no
	// number has been issued from the range yet.
	UsedUpTo int64 `gorm:"not null" json:"used_up_to"`

	Status    LeaseStatus `gorm:"size:12;not null;default:ACTIVE;index" json:"status"`
	GrantedAt time.Time   `gorm:"autoCreateTime" json:"granted_at"`
	ExpiresAt *time.Time  `json:"expires_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// Remaining reports how many numbers are still consumable from the range.
func (r *FiscalSequenceRange) Remaining() int64 {
	return r.RangeEnd - r.UsedUpTo
}

// Width is the granted block size.
func (r *FiscalSequenceRange) Width() int64 {
	return r.RangeEnd - r.RangeStart + 1
}

// HighestGrantedNumber returns the top of the last range granted for a
// series across all devices; the next grant starts right above it. Must run
// inside the grant transaction: on mysql the top row is read FOR UPDATE so
// concurrent grants for the same series serialize on it. An empty series has
// no row to lock; that first-grant race lands on the unique
// (store, series, range_start) index instead.
func HighestGrantedNumber(ctx context.Context, tx *gorm.DB, storeId, seriesId string) (int64, error) {
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var top FiscalSequenceRange
	err := q.Where("store_id = ? AND series_id = ?", storeId, seriesId).
		Order("range_end DESC").
		First(&top).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return top.RangeEnd, nil
}

// FiscalDuplicateCount feeds the health monitor: overlapping ranges for a
// series mean the never-issue-twice invariant is broken and health goes
// critical. Implemented as a pairwise overlap self-join.
func FiscalDuplicateCount(ctx context.Context, db *gorm.DB, storeId string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&FiscalSequenceRange{}).
		Joins("JOIN fiscal_sequence_ranges b ON b.store_id = fiscal_sequence_ranges.store_id"+
			" AND b.series_id = fiscal_sequence_ranges.series_id"+
			" AND b.id <> fiscal_sequence_ranges.id"+
			" AND b.range_start <= fiscal_sequence_ranges.range_end"+
			" AND b.range_end >= fiscal_sequence_ranges.range_start").
		Where("fiscal_sequence_ranges.store_id = ?", storeId).
		Count(&n).Error
	return n, err
}
