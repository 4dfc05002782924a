package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// Projector applies events to the local read models. It is the handler
// behind the PROJECTION outbox target; delivery is at-least-once, so every
// apply below must be idempotent.
type Projector struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Redis  config.RedisHandles
}

func NewProjector(db *gorm.DB, logger *logrus.Logger, redis config.RedisHandles) *Projector {
	return &Projector{DB: db, Logger: logger, Redis: redis}
}

func (p *Projector) Apply(ctx context.Context, event *models.Event) error {
	decoded, err := models.DecodeEventPayload(event.Type, event.Payload)
	if err != nil {
		return err
	}

	switch payload := decoded.(type) {
	case *models.SaleRecordedPayload:
		return p.applySale(ctx, event, payload)
	case *models.CashMovementPayload:
		return p.applyCashMovement(ctx, event, payload)
	case *models.StockAdjustedPayload:
		return p.applyStockDelta(ctx, event.StoreId, payload.ProductId, payload.VariantId, payload.Delta)
	case *models.PriceChangedPayload:
		return p.applyPriceChange(ctx, event, payload)
	case *models.ProductTagsEditedPayload:
		return p.applyTagsEdit(ctx, event, payload)
	default:
		// Lease lifecycle and session events have no read model of their
		// own; their state lives in the lease tables.
		return nil
	}
}

func (p *Projector) applySale(ctx context.Context, event *models.Event, payload *models.SaleRecordedPayload) error {
	entry := &models.CashLedgerEntry{
		StoreId:       event.StoreId,
		DeviceId:      event.DeviceId,
		Seq:           event.Seq,
		Clock:         event.Clock.Clone(),
		EntryType:     models.CashEntryTypeSale,
		AmountBs:      payload.AmountBs,
		AmountUsd:     payload.AmountUsd,
		Currency:      payload.Currency,
		PaymentMethod: payload.PaymentMethod,
		CashSessionId: payload.CashSessionId,
		SoldAt:        event.CreatedAt,
		EventId:       event.EventId,
		RequestId:     payload.RequestId,
	}
	// Ledger entry and stock decrement commit together; a redelivery after
	// a failed first attempt finds no ledger row and applies both again.
	return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, created, err := models.AppendCashLedgerEntry(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !created {
			// Replayed delivery: the stock move landed with the entry.
			return nil
		}
		return applyStockDeltaTx(ctx, tx, event.StoreId, payload.ProductId, payload.VariantId, -payload.Qty)
	})
}

func (p *Projector) applyCashMovement(ctx context.Context, event *models.Event, payload *models.CashMovementPayload) error {
	entry := &models.CashLedgerEntry{
		StoreId:       event.StoreId,
		DeviceId:      event.DeviceId,
		Seq:           event.Seq,
		Clock:         event.Clock.Clone(),
		EntryType:     payload.EntryType,
		AmountBs:      payload.AmountBs,
		AmountUsd:     payload.AmountUsd,
		Currency:      payload.Currency,
		PaymentMethod: payload.PaymentMethod,
		CashSessionId: payload.CashSessionId,
		SoldAt:        event.CreatedAt,
		EventId:       event.EventId,
		RequestId:     payload.RequestId,
	}
	_, _, err := models.AppendCashLedgerEntry(ctx, p.DB, entry)
	return err
}

func (p *Projector) applyStockDelta(ctx context.Context, storeId, productId, variantId string, delta int64) error {
	return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyStockDeltaTx(ctx, tx, storeId, productId, variantId, delta)
	})
}

func applyStockDeltaTx(ctx context.Context, tx *gorm.DB, storeId, productId, variantId string, delta int64) error {
	var row models.StockOnHand
	err := tx.WithContext(ctx).
		Where("store_id = ? AND product_id = ? AND variant_id = ?", storeId, productId, variantId).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		row = models.StockOnHand{StoreId: storeId, ProductId: productId, VariantId: variantId, Qty: delta}
		return tx.WithContext(ctx).Create(&row).Error
	}
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&models.StockOnHand{}).
		Where("id = ?", row.ID).
		Update("qty", gorm.Expr("qty + ?", delta)).Error
}

// applyPriceChange is last-write-wins for causally ordered updates: an older
// wall-clock change never overwrites a newer one, so replays and delayed
// relays are safe to apply in any order. Concurrent changes are the conflict
// engine's job; by the time a projection runs, its event either is the live
// winner or will be superseded by the engine rewriting the row.
func (p *Projector) applyPriceChange(ctx context.Context, event *models.Event, payload *models.PriceChangedPayload) error {
	return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := models.GetProductPrice(ctx, tx, event.StoreId, payload.ProductId, payload.VariantId)
		if err != nil {
			return err
		}
		if existing == nil {
			row := models.ProductPrice{
				StoreId:       event.StoreId,
				ProductId:     payload.ProductId,
				VariantId:     payload.VariantId,
				PriceBs:       payload.PriceBs,
				PriceUsd:      payload.PriceUsd,
				SourceEventId: event.EventId,
				ChangedAtMs:   payload.ChangedAtMs,
			}
			return tx.Create(&row).Error
		}
		if payload.ChangedAtMs < existing.ChangedAtMs {
			return nil
		}
		if payload.ChangedAtMs == existing.ChangedAtMs && event.EventId == existing.SourceEventId {
			return nil
		}
		err = tx.Model(&models.ProductPrice{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"price_bs":        payload.PriceBs,
				"price_usd":       payload.PriceUsd,
				"source_event_id": event.EventId,
				"changed_at_ms":   payload.ChangedAtMs,
			}).Error
		if err != nil {
			return err
		}
		return p.invalidateEntity(ctx, event.StoreId, models.EntityTypeProduct, payload.ProductId)
	})
}

func (p *Projector) applyTagsEdit(ctx context.Context, event *models.Event, payload *models.ProductTagsEditedPayload) error {
	return p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.ProductTags
		err := tx.Where("store_id = ? AND product_id = ?", event.StoreId, payload.ProductId).
			First(&row).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		creating := err == gorm.ErrRecordNotFound
		if creating {
			row = models.ProductTags{StoreId: event.StoreId, ProductId: payload.ProductId}
		}
		row.MergeTagSets(payload.Added, payload.Removed)
		if creating {
			if cerr := tx.Create(&row).Error; cerr != nil {
				return cerr
			}
		} else if uerr := tx.Model(&models.ProductTags{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{"added": row.Added, "removed": row.Removed}).Error; uerr != nil {
			return uerr
		}
		return p.invalidateEntity(ctx, event.StoreId, models.EntityTypeProduct, payload.ProductId)
	})
}

func (p *Projector) invalidateEntity(ctx context.Context, storeId string, entityType models.EntityType, entityId string) error {
	key := utils.ReadModelCacheKey(storeId, string(entityType), entityId)
	if err := p.Redis.RemoveKeys(ctx, key); err != nil && p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":    "Projector",
			"store_id": storeId,
			"key":      key,
		}).Warn(fmt.Sprintf("cache invalidation failed: %v", err))
	}
	return nil
}
