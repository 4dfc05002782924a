package models

import (
	"context"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// OutboxEntry couples a persisted event to one downstream obligation.
// Entries are written in the same transaction as the event (transactional
// outbox) and worked off asynchronously with retries.
type OutboxEntry struct {
	ID        int          `gorm:"primary_key" json:"id"`
	EventId   string       `gorm:"size:64;not null;index:uniq_outbox_event_target,unique,priority:1" json:"event_id"`
	Target    OutboxTarget `gorm:"size:30;not null;index:uniq_outbox_event_target,unique,priority:2" json:"target"`
	EventType EventType    `gorm:"size:40;not null" json:"event_type"`
	StoreId   string       `gorm:"size:64;not null;index" json:"store_id"`

	Status        string     `gorm:"size:20;not null;default:PENDING;index:idx_outbox_pending,priority:1" json:"status"`
	RetryCount    int        `gorm:"not null;default:0" json:"retry_count"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
	NextAttemptAt *time.Time `json:"next_attempt_at"`
	LockedAt      *time.Time `json:"locked_at"`
	LockedBy      *string    `gorm:"size:64" json:"locked_by"`
	CorrelationId string     `gorm:"size:64" json:"correlation_id"`

	CreatedAt   time.Time  `gorm:"autoCreateTime;index:idx_outbox_pending,priority:2" json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// EnqueueOutbox writes one outbox row per target inside the caller's event
// transaction: either the event and all its obligations commit together or
// none of them do.
func EnqueueOutbox(ctx context.Context, tx *gorm.DB, event *Event, targets []OutboxTarget) error {
	correlationId := utils.CorrelationIdFromContextOrNew(ctx)
	for _, target := range targets {
		entry := OutboxEntry{
			EventId:       event.EventId,
			Target:        target,
			EventType:     event.Type,
			StoreId:       event.StoreId,
			Status:        OutboxStatusPending,
			CorrelationId: correlationId,
		}
		if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
			return err
		}
	}
	return nil
}

// CountDeadOutbox counts terminal rows for health reporting.
func CountDeadOutbox(ctx context.Context, db *gorm.DB, storeId string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&OutboxEntry{}).
		Where("store_id = ? AND status = ?", storeId, OutboxStatusDead).
		Count(&n).Error
	return n, err
}

// CountOutboxBacklog counts undelivered rows per target.
func CountOutboxBacklog(ctx context.Context, db *gorm.DB, storeId string, target OutboxTarget) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&OutboxEntry{}).
		Where("store_id = ? AND target = ? AND status IN ?", storeId, target,
			[]string{OutboxStatusPending, OutboxStatusProcessing}).
		Count(&n).Error
	return n, err
}
