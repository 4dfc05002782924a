package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DeviceLogHead tracks the append head of one device's log: the last seq it
// wrote and its current vector clock. One row per (store_id, device_id),
// mutated only inside the append transaction under the single-writer lock.
type DeviceLogHead struct {
	ID        int         `gorm:"primary_key" json:"id"`
	StoreId   string      `gorm:"size:64;not null;index:uniq_log_head,unique,priority:1" json:"store_id"`
	DeviceId  string      `gorm:"size:64;not null;index:uniq_log_head,unique,priority:2" json:"device_id"`
	LastSeq   int64       `gorm:"not null;default:0" json:"last_seq"`
	Clock     VectorClock `gorm:"column:vector_clock;type:text" json:"vector_clock"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrCreateLogHead loads the head row for (storeId, deviceId), creating a
// zero head on first append. Must run inside the caller's transaction.
func GetOrCreateLogHead(ctx context.Context, tx *gorm.DB, storeId, deviceId string) (*DeviceLogHead, error) {
	var head DeviceLogHead
	err := tx.WithContext(ctx).
		Where("store_id = ? AND device_id = ?", storeId, deviceId).
		First(&head).Error
	if err == nil {
		return &head, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	head = DeviceLogHead{
		StoreId:  storeId,
		DeviceId: deviceId,
		LastSeq:  0,
		Clock:    VectorClock{},
	}
	if err := tx.WithContext(ctx).Create(&head).Error; err != nil {
		return nil, err
	}
	return &head, nil
}
