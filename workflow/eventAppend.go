package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// EventLog is the append gate for the per-device event log. All writes to a
// device's log funnel through one EventLog instance, which serializes them
// behind a per-(store, device) mutex so no two concurrent appends can race
// the same seq.
type EventLog struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	mu      sync.Mutex
	writers map[string]*sync.Mutex
}

func NewEventLog(db *gorm.DB, logger *logrus.Logger) *EventLog {
	return &EventLog{
		DB:      db,
		Logger:  logger,
		writers: make(map[string]*sync.Mutex),
	}
}

func (l *EventLog) writerLock(storeId, deviceId string) *sync.Mutex {
	key := storeId + "/" + deviceId
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.writers[key]
	if !ok {
		m = &sync.Mutex{}
		l.writers[key] = m
	}
	return m
}

// AppendInput describes a local action to be logged.
type AppendInput struct {
	EventId  string // generated when empty
	StoreId  string
	DeviceId string
	Type     models.EventType
	Payload  any
}

// AppendLocal validates the payload, stamps the next seq and a bumped vector
// clock, and persists the event together with its outbox obligations
// (projection + federation relay) in one transaction. The foreground path
// waits on this before acknowledging the user action.
func (l *EventLog) AppendLocal(ctx context.Context, input AppendInput) (*models.Event, error) {
	raw, err := json.Marshal(input.Payload)
	if err != nil {
		return nil, err
	}
	decoded, err := models.DecodeEventPayload(input.Type, raw)
	if err != nil {
		return nil, err
	}

	eventId := input.EventId
	if eventId == "" {
		eventId = uuid.NewString()
	}

	lock := l.writerLock(input.StoreId, input.DeviceId)
	lock.Lock()
	defer lock.Unlock()

	var stored *models.Event
	err = l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing, ferr := models.GetEventByEventId(ctx, tx, eventId); ferr == nil {
			// Idempotent replay: same event id is a no-op.
			stored = existing
			return nil
		} else if ferr != utils.ErrorRecordNotFound {
			return ferr
		}

		head, herr := models.GetOrCreateLogHead(ctx, tx, input.StoreId, input.DeviceId)
		if herr != nil {
			return herr
		}

		clock := head.Clock.Bump(input.DeviceId)
		entityType, entityId := eventEntityRef(decoded)

		userId, _ := utils.GetUserIdFromContext(ctx)
		role, _ := utils.GetUserRoleFromContext(ctx)

		ev := models.Event{
			EventId:     eventId,
			StoreId:     input.StoreId,
			DeviceId:    input.DeviceId,
			Seq:         head.LastSeq + 1,
			Clock:       clock,
			Type:        input.Type,
			Version:     1,
			ActorUserId: userId,
			ActorRole:   role,
			EntityType:  entityType,
			EntityId:    entityId,
			Payload:     raw,
		}
		if cerr := tx.WithContext(ctx).Create(&ev).Error; cerr != nil {
			return cerr
		}

		head.LastSeq = ev.Seq
		head.Clock = clock
		if uerr := tx.WithContext(ctx).Model(&models.DeviceLogHead{}).
			Where("id = ?", head.ID).
			Updates(map[string]interface{}{
				"last_seq":     head.LastSeq,
				"vector_clock": head.Clock,
			}).Error; uerr != nil {
			return uerr
		}

		targets := []models.OutboxTarget{models.OutboxTargetProjection, models.OutboxTargetFederation}
		if oerr := models.EnqueueOutbox(ctx, tx, &ev, targets); oerr != nil {
			return oerr
		}

		stored = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// IngestRemote stores an event relayed from another device. The event keeps
// its original seq and clock; contiguity is checked against the remote
// device's head here, so a dropped relay shows up as a gap instead of a
// silent hole. localDeviceId, when set, is the ingesting replica whose clock
// absorbs the remote knowledge.
func (l *EventLog) IngestRemote(ctx context.Context, remote *models.Event, localDeviceId string) (*models.Event, bool, error) {
	decoded, err := models.DecodeEventPayload(remote.Type, remote.Payload)
	if err != nil {
		return nil, false, err
	}

	lock := l.writerLock(remote.StoreId, remote.DeviceId)
	lock.Lock()
	defer lock.Unlock()

	var (
		stored    *models.Event
		duplicate bool
	)
	err = l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing, ferr := models.GetEventByEventId(ctx, tx, remote.EventId); ferr == nil {
			stored = existing
			duplicate = true
			return nil
		} else if ferr != utils.ErrorRecordNotFound {
			return ferr
		}

		head, herr := models.GetOrCreateLogHead(ctx, tx, remote.StoreId, remote.DeviceId)
		if herr != nil {
			return herr
		}
		if remote.Seq != head.LastSeq+1 {
			return fmt.Errorf("%w: device %s expected seq %d got %d",
				utils.ErrSequenceGap, remote.DeviceId, head.LastSeq+1, remote.Seq)
		}

		entityType, entityId := eventEntityRef(decoded)
		ev := models.Event{
			EventId:     remote.EventId,
			StoreId:     remote.StoreId,
			DeviceId:    remote.DeviceId,
			Seq:         remote.Seq,
			Clock:       remote.Clock.Clone(),
			Type:        remote.Type,
			Version:     remote.Version,
			CreatedAt:   remote.CreatedAt,
			ActorUserId: remote.ActorUserId,
			ActorRole:   remote.ActorRole,
			EntityType:  entityType,
			EntityId:    entityId,
			Payload:     remote.Payload,
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		if cerr := tx.WithContext(ctx).Create(&ev).Error; cerr != nil {
			return cerr
		}

		head.LastSeq = ev.Seq
		head.Clock = head.Clock.Merge(ev.Clock)
		if uerr := tx.WithContext(ctx).Model(&models.DeviceLogHead{}).
			Where("id = ?", head.ID).
			Updates(map[string]interface{}{
				"last_seq":     head.LastSeq,
				"vector_clock": head.Clock,
			}).Error; uerr != nil {
			return uerr
		}

		if localDeviceId != "" && localDeviceId != remote.DeviceId {
			localHead, lerr := models.GetOrCreateLogHead(ctx, tx, remote.StoreId, localDeviceId)
			if lerr != nil {
				return lerr
			}
			localHead.Clock = localHead.Clock.Merge(ev.Clock)
			if uerr := tx.WithContext(ctx).Model(&models.DeviceLogHead{}).
				Where("id = ?", localHead.ID).
				Updates(map[string]interface{}{"vector_clock": localHead.Clock}).Error; uerr != nil {
				return uerr
			}
		}

		// Relayed events fan out to projection only; re-relaying what came
		// from the federation would loop.
		if oerr := models.EnqueueOutbox(ctx, tx, &ev, []models.OutboxTarget{models.OutboxTargetProjection}); oerr != nil {
			return oerr
		}

		stored = &ev
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if duplicate && l.Logger != nil {
		l.Logger.WithFields(logrus.Fields{
			"field":     "EventLog",
			"store_id":  remote.StoreId,
			"device_id": remote.DeviceId,
			"event_id":  remote.EventId,
		}).Debug("duplicate relayed event ignored")
	}
	return stored, duplicate, nil
}

func eventEntityRef(decoded any) (models.EntityType, string) {
	switch p := decoded.(type) {
	case *models.SaleRecordedPayload:
		return models.EntityTypeCashSession, p.CashSessionId
	case *models.CashMovementPayload:
		return models.EntityTypeCashSession, p.CashSessionId
	case *models.StockAdjustedPayload:
		return models.EntityTypeStock, p.ProductId
	case *models.PriceChangedPayload:
		return models.EntityTypeProduct, p.ProductId
	case *models.ProductTagsEditedPayload:
		return models.EntityTypeProduct, p.ProductId
	case *models.EscrowGrantedPayload:
		return models.EntityTypeStock, p.ProductId
	case *models.EscrowReclaimedPayload:
		return models.EntityTypeStock, p.ProductId
	case *models.FiscalRangeLeasedPayload:
		return models.EntityTypeFiscalSerie, p.SeriesId
	case *models.FiscalConsumedPayload:
		return models.EntityTypeFiscalSerie, p.SeriesId
	case *models.SessionClosedPayload:
		return models.EntityTypeCashSession, p.CashSessionId
	default:
		return "", ""
	}
}
