package models

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Read models maintained by the projection target. They are derived state:
// any of them can be rebuilt by replaying the event log, and conflict
// resolution invalidates them per entity when a losing write had already
// been projected.

// ProductPrice is the live price per product, last-write-wins per the
// conflict engine's lww/server_wins outcome.
type ProductPrice struct {
	ID        int             `gorm:"primary_key" json:"id"`
	StoreId   string          `gorm:"size:64;not null;index:uniq_price,unique,priority:1" json:"store_id"`
	ProductId string          `gorm:"size:64;not null;index:uniq_price,unique,priority:2" json:"product_id"`
	VariantId string          `gorm:"size:64;not null;default:'';index:uniq_price,unique,priority:3" json:"variant_id"`
	PriceBs   decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"price_bs"`
	PriceUsd  decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"price_usd"`

	// SourceEventId names the event whose write is currently live, so the
	// conflict engine can tell whether a losing write was applied here.
	SourceEventId string    `gorm:"size:64;not null" json:"source_event_id"`
	ChangedAtMs   int64     `gorm:"not null" json:"changed_at_ms"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductTags holds additive product metadata with add-wins semantics. Adds
// and observed removes are kept as sorted comma-joined sets; the live set is
// adds minus removes.
type ProductTags struct {
	ID        int       `gorm:"primary_key" json:"id"`
	StoreId   string    `gorm:"size:64;not null;index:uniq_tags,unique,priority:1" json:"store_id"`
	ProductId string    `gorm:"size:64;not null;index:uniq_tags,unique,priority:2" json:"product_id"`
	Added     string    `gorm:"type:text" json:"added"`
	Removed   string    `gorm:"type:text" json:"removed"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LiveTags materializes the observed-remove set: union of adds minus
// removes that observed them.
func (t *ProductTags) LiveTags() []string {
	removed := map[string]bool{}
	for _, r := range splitSet(t.Removed) {
		removed[r] = true
	}
	var live []string
	for _, a := range splitSet(t.Added) {
		if !removed[a] {
			live = append(live, a)
		}
	}
	sort.Strings(live)
	return live
}

func splitSet(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinSet(members map[string]bool) string {
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// MergeTagSets folds payload deltas into the stored sets with add-wins
// semantics: re-adding a removed tag revives it by clearing the remove.
func (t *ProductTags) MergeTagSets(added, removed []string) {
	addSet := map[string]bool{}
	for _, a := range splitSet(t.Added) {
		addSet[a] = true
	}
	removeSet := map[string]bool{}
	for _, r := range splitSet(t.Removed) {
		removeSet[r] = true
	}
	for _, a := range added {
		addSet[a] = true
		delete(removeSet, a)
	}
	for _, r := range removed {
		if addSet[r] {
			removeSet[r] = true
		}
	}
	t.Added = joinSet(addSet)
	t.Removed = joinSet(removeSet)
}

// GetProductPrice loads the live price row, nil when none projected yet.
func GetProductPrice(ctx context.Context, db *gorm.DB, storeId, productId, variantId string) (*ProductPrice, error) {
	var row ProductPrice
	err := db.WithContext(ctx).
		Where("store_id = ? AND product_id = ? AND variant_id = ?", storeId, productId, variantId).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
