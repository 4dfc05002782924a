package models

import (
	"context"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// FederationHealthSnapshot is one immutable time-series row describing a
// store's replication health at a point in time.
type FederationHealthSnapshot struct {
	ID      int    `gorm:"primary_key" json:"id"`
	StoreId string `gorm:"size:64;not null;index:idx_health_store_at,priority:1" json:"store_id"`

	OverallHealth HealthLevel `gorm:"size:10;not null;index" json:"overall_health"`

	EventLagCount        int64 `gorm:"not null;default:0" json:"event_lag_count"`
	ProjectionGapCount   int64 `gorm:"not null;default:0" json:"projection_gap_count"`
	StockDivergenceCount int64 `gorm:"not null;default:0" json:"stock_divergence_count"`
	NegativeStockCount   int64 `gorm:"not null;default:0" json:"negative_stock_count"`
	FiscalDuplicateCount int64 `gorm:"not null;default:0" json:"fiscal_duplicate_count"`
	QueueDepth           int64 `gorm:"not null;default:0" json:"queue_depth"`
	FailedJobs           int64 `gorm:"not null;default:0" json:"failed_jobs"`

	RemoteReachable bool  `gorm:"not null;default:false" json:"remote_reachable"`
	RemoteLatencyMs int64 `gorm:"not null;default:0" json:"remote_latency_ms"`

	SnapshotAt time.Time `gorm:"not null;index:idx_health_store_at,priority:2" json:"snapshot_at"`
}

// LatestHealthSnapshot returns the most recent snapshot for a store.
func LatestHealthSnapshot(ctx context.Context, db *gorm.DB, storeId string) (*FederationHealthSnapshot, error) {
	var snap FederationHealthSnapshot
	err := db.WithContext(ctx).
		Where("store_id = ?", storeId).
		Order("snapshot_at DESC, id DESC").
		First(&snap).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
