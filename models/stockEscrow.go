package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// StockEscrow is a bounded grant of sellable quantity to one device, so it
// can keep selling offline without exceeding true availability. The sum of
// active grants for a product never exceeds the authoritative on-hand
// quantity; the grant path enforces that under a per-product lock.
type StockEscrow struct {
	ID        int    `gorm:"primary_key" json:"id"`
	EscrowId  string `gorm:"size:64;not null;uniqueIndex" json:"escrow_id"`
	StoreId   string `gorm:"size:64;not null;index:uniq_escrow,unique,priority:1" json:"store_id"`
	ProductId string `gorm:"size:64;not null;index:uniq_escrow,unique,priority:2" json:"product_id"`
	VariantId string `gorm:"size:64;not null;default:'';index:uniq_escrow,unique,priority:4" json:"variant_id"`
	DeviceId  string `gorm:"size:64;not null;index:uniq_escrow,unique,priority:3" json:"device_id"`

	// QtyInitial is the size of the original grant; QtyGranted counts down
	// as the device sells against it.
	QtyInitial int64       `gorm:"not null" json:"qty_initial"`
	QtyGranted int64       `gorm:"not null" json:"qty_granted"`
	Status     LeaseStatus `gorm:"size:12;not null;default:ACTIVE;index" json:"status"`
	ExpiresAt  *time.Time  `json:"expires_at"`

	GrantedAt     time.Time `gorm:"autoCreateTime" json:"granted_at"`
	LastUpdatedAt time.Time `gorm:"autoUpdateTime" json:"last_updated_at"`
}

// StockOnHand is the authoritative on-hand read model per product, updated
// by the projection target and seeded by stock adjustments.
type StockOnHand struct {
	ID        int       `gorm:"primary_key" json:"id"`
	StoreId   string    `gorm:"size:64;not null;index:uniq_on_hand,unique,priority:1" json:"store_id"`
	ProductId string    `gorm:"size:64;not null;index:uniq_on_hand,unique,priority:2" json:"product_id"`
	VariantId string    `gorm:"size:64;not null;default:'';index:uniq_on_hand,unique,priority:3" json:"variant_id"`
	Qty       int64     `gorm:"not null;default:0" json:"qty"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ActiveEscrowTotal sums granted quantity across live escrows for one
// product, excluding expired and released leases.
func ActiveEscrowTotal(ctx context.Context, tx *gorm.DB, storeId, productId, variantId string) (int64, error) {
	var total *int64
	err := tx.WithContext(ctx).Model(&StockEscrow{}).
		Select("SUM(qty_granted)").
		Where("store_id = ? AND product_id = ? AND variant_id = ? AND status = ?",
			storeId, productId, variantId, LeaseStatusActive).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// OnHandQty returns the authoritative quantity, zero when the product has no
// row yet.
func OnHandQty(ctx context.Context, tx *gorm.DB, storeId, productId, variantId string) (int64, error) {
	var row StockOnHand
	err := tx.WithContext(ctx).
		Where("store_id = ? AND product_id = ? AND variant_id = ?", storeId, productId, variantId).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Qty, nil
}

// StockDivergenceCount counts products whose active escrow total exceeds the
// authoritative on-hand quantity. Any non-zero value means a grant decision
// was made on stale data and needs reconciliation.
func StockDivergenceCount(ctx context.Context, db *gorm.DB, storeId string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM stock_on_hands s
		WHERE s.store_id = ?
		  AND (
			SELECT COALESCE(SUM(e.qty_granted), 0) FROM stock_escrows e
			WHERE e.store_id = s.store_id
			  AND e.product_id = s.product_id
			  AND e.variant_id = s.variant_id
			  AND e.status = ?
		  ) > s.qty
	`, storeId, LeaseStatusActive).Scan(&n).Error
	return n, err
}

// NegativeStockCount feeds the health monitor: any negative on-hand row is a
// critical divergence.
func NegativeStockCount(ctx context.Context, db *gorm.DB, storeId string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&StockOnHand{}).
		Where("store_id = ? AND qty < 0", storeId).
		Count(&n).Error
	return n, err
}
