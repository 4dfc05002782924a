package workflow

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// RelaySender delivers one event to the federation endpoint. Implemented by
// federation.Client; faked in tests.
type RelaySender interface {
	RelayEvent(ctx context.Context, event *models.Event) error
}

// OutboxRelay is the background worker that drains outbox entries: it claims
// a batch, delivers each entry to its target, and converts failures into
// backoff state instead of surfacing them. Processing is protected by the
// ledger's idempotency keys, so at-least-once delivery is safe.
type OutboxRelay struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Projector *Projector
	Relay     RelaySender

	WorkerID     string
	BatchSize    int
	PollInterval time.Duration
	LockTTL      time.Duration
	Debounce     time.Duration

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewOutboxRelay(db *gorm.DB, logger *logrus.Logger, projector *Projector, relay RelaySender) *OutboxRelay {
	return &OutboxRelay{
		DB:           db,
		Logger:       logger,
		Projector:    projector,
		Relay:        relay,
		WorkerID:     "relay-" + uuid.NewString(),
		BatchSize:    50,
		PollInterval: 500 * time.Millisecond,
		LockTTL:      30 * time.Second,
		Debounce:     time.Duration(config.IntFromEnv("OUTBOX_DEBOUNCE_MS", 200)) * time.Millisecond,
		MaxAttempts:  config.IntFromEnv("OUTBOX_MAX_ATTEMPTS", 10),
		BaseBackoff:  time.Duration(config.IntFromEnv("OUTBOX_BASE_BACKOFF_MS", 1000)) * time.Millisecond,
		MaxBackoff:   time.Duration(config.IntFromEnv("OUTBOX_MAX_BACKOFF_SECONDS", 600)) * time.Second,
	}
}

func (w *OutboxRelay) Run(ctx context.Context) {
	if w == nil || w.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.PollInterval):
		}
	}
}

// ProcessOnce claims and works one batch. Exported so tests and the
// foreground flush in cmd tools can drive the worker synchronously.
func (w *OutboxRelay) ProcessOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-w.LockTTL)
	debounceBefore := now.Add(-w.Debounce)

	var claimed []models.OutboxEntry
	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING and past the debounce window, ready to (re)try
		// - PROCESSING but the lock is stale (worker crashed mid-batch)
		q := tx.
			Where("created_at <= ?", debounceBefore).
			Where(`
				(
					status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, models.OutboxStatusPending, now, models.OutboxStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(w.BatchSize)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].Status = models.OutboxStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &w.WorkerID
			if err := tx.Model(&models.OutboxEntry{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"status":    models.OutboxStatusProcessing,
					"locked_at": claimed[i].LockedAt,
					"locked_by": claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for i := range claimed {
		entry := &claimed[i]
		if entry.Target == models.OutboxTargetFederation && (!config.FederationRelayEnabled() || w.Relay == nil) {
			// No endpoint configured: park the row without burning attempts.
			w.markParked(ctx, entry)
			continue
		}
		procCtx := utils.SetCorrelationIdInContext(ctx, entry.CorrelationId)
		if derr := w.deliver(procCtx, entry); derr != nil {
			w.markFailure(ctx, entry, derr)
			continue
		}
		w.markDelivered(ctx, entry)
	}
}

func (w *OutboxRelay) deliver(ctx context.Context, entry *models.OutboxEntry) error {
	event, err := models.GetEventByEventId(ctx, w.DB, entry.EventId)
	if err != nil {
		return err
	}

	switch entry.Target {
	case models.OutboxTargetProjection:
		return w.Projector.Apply(ctx, event)
	case models.OutboxTargetFederation:
		if err := w.Relay.RelayEvent(ctx, event); err != nil {
			return fmt.Errorf("%w: %v", utils.ErrRelayDeliveryFailed, err)
		}
		if config.PubSubConfigured() {
			// Best-effort fanout; never fails the relay.
			if _, perr := config.PublishFederationEvent(ctx, event); perr != nil && w.Logger != nil {
				w.Logger.WithFields(logrus.Fields{
					"field":    "OutboxRelay",
					"event_id": event.EventId,
				}).Warn("pubsub fanout failed: " + perr.Error())
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown outbox target %q", entry.Target)
	}
}

// backoff is base * 2^(attempt-1), capped, with +/-50% jitter.
func (w *OutboxRelay) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return w.BaseBackoff
	}
	delay := time.Duration(float64(w.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > w.MaxBackoff {
		delay = w.MaxBackoff
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// markParked returns a claimed row to PENDING untouched; it becomes eligible
// again once a relay endpoint exists.
func (w *OutboxRelay) markParked(ctx context.Context, entry *models.OutboxEntry) {
	next := time.Now().UTC().Add(time.Minute)
	_ = w.DB.WithContext(ctx).Model(&models.OutboxEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusPending,
			"next_attempt_at": &next,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

func (w *OutboxRelay) markFailure(ctx context.Context, entry *models.OutboxEntry, derr error) {
	errMsg := derr.Error()
	attempts := entry.RetryCount + 1

	status := models.OutboxStatusPending
	var nextAttemptAt *time.Time
	if attempts >= w.MaxAttempts {
		status = models.OutboxStatusDead
	} else {
		t := time.Now().UTC().Add(w.backoff(attempts))
		nextAttemptAt = &t
	}

	_ = w.DB.WithContext(ctx).Model(&models.OutboxEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status":          status,
			"retry_count":     attempts,
			"last_error":      &errMsg,
			"next_attempt_at": nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":       "OutboxRelay",
			"store_id":    entry.StoreId,
			"event_id":    entry.EventId,
			"target":      entry.Target,
			"status":      status,
			"retry_count": attempts,
		}).Error("outbox delivery failed: " + errMsg)
	}
}

func (w *OutboxRelay) markDelivered(ctx context.Context, entry *models.OutboxEntry) {
	now := time.Now().UTC()
	// Do not resurrect rows a conflict resolution already killed.
	_ = w.DB.WithContext(ctx).Model(&models.OutboxEntry{}).
		Where("id = ? AND status <> ?", entry.ID, models.OutboxStatusDead).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusDelivered,
			"processed_at":    &now,
			"next_attempt_at": nil,
			"last_error":      nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error

	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":    "OutboxRelay",
			"store_id": entry.StoreId,
			"event_id": entry.EventId,
			"target":   entry.Target,
		}).Info("outbox entry delivered")
	}
}
