package models

import (
	"context"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// Event is one row of the per-device append-only log. Rows are immutable
// once written and never deleted; conflict outcomes supersede them via the
// conflict audit log, they do not rewrite them.
type Event struct {
	ID        int         `gorm:"primary_key" json:"id"`
	EventId   string      `gorm:"size:64;not null;uniqueIndex" json:"event_id"`
	StoreId   string      `gorm:"size:64;not null;index:idx_events_store_device_seq,priority:1" json:"store_id"`
	DeviceId  string      `gorm:"size:64;not null;index:idx_events_store_device_seq,priority:2" json:"device_id"`
	Seq       int64       `gorm:"not null;index:idx_events_store_device_seq,priority:3" json:"seq"`
	Clock     VectorClock `gorm:"column:vector_clock;type:text" json:"vector_clock"`
	Type      EventType   `gorm:"size:40;not null;index" json:"type"`
	Version   int         `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`

	ActorUserId int    `json:"actor_user_id"`
	ActorRole   string `gorm:"size:40" json:"actor_role"`

	// Entity reference derived from the payload at append time so conflict
	// detection can query by entity without re-parsing every payload.
	EntityType EntityType `gorm:"size:30;not null;index:idx_events_entity,priority:1" json:"entity_type"`
	EntityId   string     `gorm:"size:64;not null;index:idx_events_entity,priority:2" json:"entity_id"`

	Payload []byte `gorm:"type:text" json:"payload"`
}

// EventsByEntity returns every event touching (entityType, entityId) in
// deterministic (device_id, seq) order.
func EventsByEntity(ctx context.Context, db *gorm.DB, storeId string, entityType EntityType, entityId string) ([]Event, error) {
	var events []Event
	err := db.WithContext(ctx).
		Where("store_id = ? AND entity_type = ? AND entity_id = ?", storeId, entityType, entityId).
		Order("device_id ASC, seq ASC").
		Find(&events).Error
	return events, err
}

// EventsSince returns events whose clocks are not yet covered by the given
// clock, ordered by (device_id, seq) and keyset-paginated so a reader can
// restart mid-stream. For each device it resumes at the counter recorded in
// the clock; a device absent from the clock streams from seq 1. The coverage
// filter runs in the query itself, so a short page means the log really has
// nothing more to hand out, no matter how many covered rows precede it.
func EventsSince(ctx context.Context, db *gorm.DB, storeId string, clock VectorClock, afterDevice string, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}

	q := db.WithContext(ctx).Where("store_id = ?", storeId)
	if len(clock) > 0 {
		devices := make([]string, 0, len(clock))
		for dev := range clock {
			devices = append(devices, dev)
		}
		covered := db.Where("device_id NOT IN ?", devices)
		for _, dev := range devices {
			covered = covered.Or("(device_id = ? AND seq > ?)", dev, clock[dev])
		}
		q = q.Where(covered)
	}
	if afterDevice != "" {
		q = q.Where("(device_id > ? OR (device_id = ? AND seq > ?))", afterDevice, afterDevice, afterSeq)
	}

	var events []Event
	err := q.Order("device_id ASC, seq ASC").Limit(limit).Find(&events).Error
	return events, err
}

// GetEventByEventId looks an event up by its globally unique id.
func GetEventByEventId(ctx context.Context, db *gorm.DB, eventId string) (*Event, error) {
	var ev Event
	err := db.WithContext(ctx).Where("event_id = ?", eventId).First(&ev).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
