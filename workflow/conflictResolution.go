package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// ConflictResolver merges concurrent, causally-unordered writes when
// replicas reconnect. It runs at the ingestion side: after a remote event is
// stored, DetectAndResolve compares it against local events on the same
// entity and applies the per-type merge strategy. It is the only component
// allowed to rewrite outcomes after the fact.
type ConflictResolver struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Redis  config.RedisHandles

	strategies map[models.EventType]models.ConflictStrategy
}

func NewConflictResolver(db *gorm.DB, logger *logrus.Logger, redis config.RedisHandles) *ConflictResolver {
	return &ConflictResolver{
		DB:     db,
		Logger: logger,
		Redis:  redis,
		// Money and inventory movements never auto-merge in the device's
		// favor; additive metadata merges; shift closes need a human.
		strategies: map[models.EventType]models.ConflictStrategy{
			models.EventTypeSaleRecorded:      models.ConflictStrategyServerWins,
			models.EventTypeCashMovement:      models.ConflictStrategyServerWins,
			models.EventTypeStockAdjusted:     models.ConflictStrategyServerWins,
			models.EventTypePriceChanged:      models.ConflictStrategyServerWins,
			models.EventTypeProductTagsEdited: models.ConflictStrategyAWSet,
			models.EventTypeSessionClosed:     models.ConflictStrategyMVR,
		},
	}
}

// SetStrategy overrides the merge strategy for an event type (stores with a
// trusted-device policy may prefer lww for prices).
func (r *ConflictResolver) SetStrategy(eventType models.EventType, strategy models.ConflictStrategy) {
	r.strategies[eventType] = strategy
}

// DetectAndResolve finds concurrent peers of the incoming event and resolves
// each pair. Ordered peers (Before/After) need no merge; the later write
// already applied in causal order. Conflicts never bubble to the caller: the
// ingestion path always succeeds and the audit log carries the outcome.
func (r *ConflictResolver) DetectAndResolve(ctx context.Context, incoming *models.Event) error {
	peers, err := models.EventsByEntity(ctx, r.DB, incoming.StoreId, incoming.EntityType, incoming.EntityId)
	if err != nil {
		return err
	}

	for i := range peers {
		peer := &peers[i]
		if peer.EventId == incoming.EventId || peer.DeviceId == incoming.DeviceId {
			continue
		}
		if peer.Type != incoming.Type {
			continue
		}
		if incoming.Clock.Compare(peer.Clock) != models.OrderConcurrent {
			continue
		}
		resolved, aerr := r.alreadyResolved(ctx, incoming.EventId, peer.EventId)
		if aerr != nil {
			return aerr
		}
		if resolved {
			continue
		}
		if rerr := r.resolvePair(ctx, peer, incoming); rerr != nil {
			return rerr
		}
	}
	return nil
}

// alreadyResolved checks whether a prior audit row covers this pair, so
// replays and bidirectional ingestion do not double-resolve.
func (r *ConflictResolver) alreadyResolved(ctx context.Context, a, b string) (bool, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&models.ConflictAuditLog{}).
		Where("(winner_event_id = ? AND loser_event_ids LIKE ?) OR (winner_event_id = ? AND loser_event_ids LIKE ?)",
			a, "%"+b+"%", b, "%"+a+"%").
		Count(&n).Error
	return n > 0, err
}

// resolvePair merges one concurrent pair. `local` is the version this
// replica already holds; `incoming` just arrived over the federation.
func (r *ConflictResolver) resolvePair(ctx context.Context, local, incoming *models.Event) error {
	strategy, ok := r.strategies[incoming.Type]
	if !ok {
		strategy = models.ConflictStrategyServerWins
	}

	switch strategy {
	case models.ConflictStrategyServerWins:
		// This replica is the authority for its own ingested state: the
		// version it already applied wins, the late arrival loses.
		return r.commitResolution(ctx, strategy, local, []*models.Event{incoming})
	case models.ConflictStrategyLWW:
		winner, loser := lwwOrder(local, incoming)
		return r.commitResolution(ctx, strategy, winner, []*models.Event{loser})
	case models.ConflictStrategyAWSet:
		// Observed-remove union: both deltas survive, the projection's
		// merge is commutative. Record the merge with the incoming event
		// as the write that completed it.
		return r.commitResolution(ctx, strategy, incoming, []*models.Event{local})
	case models.ConflictStrategyMVR:
		return r.parkForManualReview(ctx, local, incoming)
	default:
		return r.commitResolution(ctx, models.ConflictStrategyServerWins, local, []*models.Event{incoming})
	}
}

// lwwOrder picks the later wall-clock write, device id breaking exact ties.
func lwwOrder(a, b *models.Event) (winner, loser *models.Event) {
	at, bt := a.CreatedAt.UnixMilli(), b.CreatedAt.UnixMilli()
	if at > bt {
		return a, b
	}
	if bt > at {
		return b, a
	}
	if a.DeviceId > b.DeviceId {
		return a, b
	}
	return b, a
}

func (r *ConflictResolver) commitResolution(ctx context.Context, strategy models.ConflictStrategy, winner *models.Event, losers []*models.Event) error {
	loserIds := make([]string, 0, len(losers))
	loserPayloads := make([]json.RawMessage, 0, len(losers))
	for _, l := range losers {
		loserIds = append(loserIds, l.EventId)
		loserPayloads = append(loserPayloads, json.RawMessage(l.Payload))
	}
	loserPayloadBytes, err := json.Marshal(loserPayloads)
	if err != nil {
		return err
	}

	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		audit := models.ConflictAuditLog{
			StoreId:       winner.StoreId,
			EntityType:    winner.EntityType,
			EntityId:      winner.EntityId,
			Status:        models.ConflictStatusResolved,
			Strategy:      strategy,
			WinnerEventId: winner.EventId,
			LoserEventIds: strings.Join(loserIds, ","),
			WinnerPayload: winner.Payload,
			LoserPayloads: loserPayloadBytes,
			ResolvedAt:    time.Now().UTC(),
			ResolvedBy:    "auto",
		}
		if cerr := tx.Create(&audit).Error; cerr != nil {
			return cerr
		}

		if strategy == models.ConflictStrategyAWSet {
			// Union merge: losers stay applied, nothing to undo.
			return nil
		}

		reason := "conflict:" + string(strategy)
		for _, loser := range losers {
			// Loser effects are dropped and never retried.
			if uerr := tx.Model(&models.OutboxEntry{}).
				Where("event_id = ? AND status <> ?", loser.EventId, models.OutboxStatusDelivered).
				Updates(map[string]interface{}{
					"status":     models.OutboxStatusDead,
					"last_error": &reason,
				}).Error; uerr != nil {
				return uerr
			}
			if uerr := r.undoProjectedLoser(ctx, tx, winner, loser); uerr != nil {
				return uerr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":       "ConflictResolver",
			"store_id":    winner.StoreId,
			"entity_type": winner.EntityType,
			"entity_id":   winner.EntityId,
			"strategy":    strategy,
			"winner":      winner.EventId,
			"losers":      strings.Join(loserIds, ","),
		}).Info("conflict resolved")
	}

	key := utils.ReadModelCacheKey(winner.StoreId, string(winner.EntityType), winner.EntityId)
	if cerr := r.Redis.RemoveKeys(ctx, key); cerr != nil && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field": "ConflictResolver",
			"key":   key,
		}).Warn("cache invalidation failed: " + cerr.Error())
	}
	return nil
}

// undoProjectedLoser rewrites read models where a losing write already
// landed. Ledger entries are immutable; a projected losing money movement is
// compensated, not deleted.
func (r *ConflictResolver) undoProjectedLoser(ctx context.Context, tx *gorm.DB, winner, loser *models.Event) error {
	switch loser.Type {
	case models.EventTypePriceChanged:
		var price models.ProductPrice
		err := tx.Where("store_id = ? AND product_id = ? AND source_event_id = ?",
			loser.StoreId, loser.EntityId, loser.EventId).
			First(&price).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		winnerPayload, perr := models.DecodeEventPayload(winner.Type, winner.Payload)
		if perr != nil {
			return perr
		}
		wp, ok := winnerPayload.(*models.PriceChangedPayload)
		if !ok {
			return nil
		}
		return tx.Model(&models.ProductPrice{}).
			Where("id = ?", price.ID).
			Updates(map[string]interface{}{
				"price_bs":        wp.PriceBs,
				"price_usd":       wp.PriceUsd,
				"source_event_id": winner.EventId,
				"changed_at_ms":   wp.ChangedAtMs,
			}).Error
	case models.EventTypeSaleRecorded, models.EventTypeCashMovement:
		// A projected losing ledger entry is reversed with a compensating
		// entry keyed off the loser id, keeping the ledger append-only.
		var entry models.CashLedgerEntry
		err := tx.Where("event_id = ?", loser.EventId).First(&entry).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		reversal := models.CashLedgerEntry{
			StoreId:       entry.StoreId,
			DeviceId:      entry.DeviceId,
			Seq:           entry.Seq,
			Clock:         entry.Clock.Clone(),
			EntryType:     models.CashEntryTypeAdjustment,
			AmountBs:      entry.AmountBs.Neg(),
			AmountUsd:     entry.AmountUsd.Neg(),
			Currency:      entry.Currency,
			PaymentMethod: entry.PaymentMethod,
			CashSessionId: entry.CashSessionId,
			SoldAt:        entry.SoldAt,
			EventId:       loser.EventId + ":reversal",
			RequestId:     entry.RequestId + ":reversal",
		}
		_, _, aerr := models.AppendCashLedgerEntry(ctx, tx, &reversal)
		return aerr
	default:
		return nil
	}
}

// parkForManualReview writes a MANUAL_REVIEW_REQUIRED audit row and leaves
// both values in place for an operator to choose.
func (r *ConflictResolver) parkForManualReview(ctx context.Context, local, incoming *models.Event) error {
	loserPayloads, err := json.Marshal([]json.RawMessage{json.RawMessage(incoming.Payload)})
	if err != nil {
		return err
	}
	audit := models.ConflictAuditLog{
		StoreId:       incoming.StoreId,
		EntityType:    incoming.EntityType,
		EntityId:      incoming.EntityId,
		Status:        models.ConflictStatusManualReview,
		Strategy:      models.ConflictStrategyMVR,
		WinnerEventId: local.EventId,
		LoserEventIds: incoming.EventId,
		WinnerPayload: local.Payload,
		LoserPayloads: loserPayloads,
		ResolvedAt:    time.Now().UTC(),
		ResolvedBy:    "pending",
	}
	if cerr := r.DB.WithContext(ctx).Create(&audit).Error; cerr != nil {
		return cerr
	}
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":       "ConflictResolver",
			"store_id":    incoming.StoreId,
			"entity_type": incoming.EntityType,
			"entity_id":   incoming.EntityId,
		}).Warn("conflict parked for manual review")
	}
	return nil
}

// ResolveManually lets an operator settle a parked conflict. Automatic
// server_wins outcomes are final; only MANUAL_REVIEW_REQUIRED rows are
// eligible, and only when the override flag is on.
func (r *ConflictResolver) ResolveManually(ctx context.Context, auditId int, winnerEventId, resolvedBy string) error {
	if !config.ManualConflictOverrideEnabled() {
		return utils.ErrManualReviewRequired
	}

	var parked models.ConflictAuditLog
	if err := r.DB.WithContext(ctx).Where("id = ? AND status = ?", auditId, models.ConflictStatusManualReview).
		First(&parked).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorRecordNotFound
		}
		return err
	}

	winner, err := models.GetEventByEventId(ctx, r.DB, winnerEventId)
	if err != nil {
		return err
	}

	candidates := append(strings.Split(parked.LoserEventIds, ","), parked.WinnerEventId)
	var losers []*models.Event
	valid := false
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if id == winnerEventId {
			valid = true
			continue
		}
		ev, lerr := models.GetEventByEventId(ctx, r.DB, id)
		if lerr != nil {
			return lerr
		}
		losers = append(losers, ev)
	}
	if !valid {
		return utils.ErrorRecordNotFound
	}

	if err := r.commitResolution(ctx, models.ConflictStrategyMVR, winner, losers); err != nil {
		return err
	}
	return r.DB.WithContext(ctx).Model(&models.ConflictAuditLog{}).
		Where("id = ?", parked.ID).
		Updates(map[string]interface{}{
			"status":      models.ConflictStatusResolved,
			"resolved_by": resolvedBy,
			"resolved_at": time.Now().UTC(),
		}).Error
}
