package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ConflictAuditLog records one resolved (or parked) conflict. Append-only:
// rows name the winner, every loser, and the strategy, and are never edited.
type ConflictAuditLog struct {
	ID         int        `gorm:"primary_key" json:"id"`
	StoreId    string     `gorm:"size:64;not null;index" json:"store_id"`
	EntityType EntityType `gorm:"size:30;not null;index:idx_conflict_entity,priority:1" json:"entity_type"`
	EntityId   string     `gorm:"size:64;not null;index:idx_conflict_entity,priority:2" json:"entity_id"`

	Status        ConflictStatus   `gorm:"size:30;not null;index" json:"status"`
	Strategy      ConflictStrategy `gorm:"size:20;not null" json:"strategy"`
	WinnerEventId string           `gorm:"size:64" json:"winner_event_id"`
	LoserEventIds string           `gorm:"type:text" json:"loser_event_ids"`
	WinnerPayload []byte           `gorm:"type:text" json:"winner_payload"`
	LoserPayloads []byte           `gorm:"type:text" json:"loser_payloads"`

	ResolvedAt time.Time `json:"resolved_at"`
	ResolvedBy string    `gorm:"size:64;not null;default:'auto'" json:"resolved_by"`
}

// CountConflictsSince counts resolutions recorded after the cutoff, for the
// health snapshot's divergence counters.
func CountConflictsSince(ctx context.Context, db *gorm.DB, storeId string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&ConflictAuditLog{}).
		Where("store_id = ? AND resolved_at > ?", storeId, since).
		Count(&n).Error
	return n, err
}

// PendingManualReviews lists conflicts waiting on an operator.
func PendingManualReviews(ctx context.Context, db *gorm.DB, storeId string) ([]ConflictAuditLog, error) {
	var rows []ConflictAuditLog
	err := db.WithContext(ctx).
		Where("store_id = ? AND status = ?", storeId, ConflictStatusManualReview).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}
