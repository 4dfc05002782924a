package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// RemoteProber is the slice of the federation client the monitor needs.
type RemoteProber interface {
	Ping(ctx context.Context) (time.Duration, error)
	PushHealthSnapshot(ctx context.Context, snap *models.FederationHealthSnapshot) error
}

// HealthMonitor snapshots replication health on a fixed interval: backlog
// and divergence counters from the outbox and conflict tables, plus remote
// reachability through the circuit breaker. Snapshots are persisted and
// published to a bounded channel; when no consumer keeps up the oldest
// snapshot is dropped rather than blocking the monitor.
type HealthMonitor struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Redis  config.RedisHandles
	Remote RemoteProber

	StoreId  string
	Interval time.Duration

	// Degraded thresholds.
	MaxQueueDepth int64
	MaxLatencyMs  int64

	snapshots chan *models.FederationHealthSnapshot
}

func NewHealthMonitor(db *gorm.DB, logger *logrus.Logger, redis config.RedisHandles, remote RemoteProber, storeId string) *HealthMonitor {
	return &HealthMonitor{
		DB:            db,
		Logger:        logger,
		Redis:         redis,
		Remote:        remote,
		StoreId:       storeId,
		Interval:      config.HealthMonitorInterval(),
		MaxQueueDepth: int64(config.IntFromEnv("HEALTH_MAX_QUEUE_DEPTH", 500)),
		MaxLatencyMs:  int64(config.IntFromEnv("HEALTH_MAX_LATENCY_MS", 2000)),
		snapshots:     make(chan *models.FederationHealthSnapshot, 16),
	}
}

// Snapshots is the subscription channel for downstream consumers
// (dashboards, alerting).
func (m *HealthMonitor) Snapshots() <-chan *models.FederationHealthSnapshot {
	return m.snapshots
}

func (m *HealthMonitor) Run(ctx context.Context) {
	if m == nil || m.DB == nil {
		return
	}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SnapshotOnce(ctx); err != nil && m.Logger != nil {
				m.Logger.WithFields(logrus.Fields{
					"field":    "HealthMonitor",
					"store_id": m.StoreId,
				}).Error("health snapshot failed: " + err.Error())
			}
		}
	}
}

// SnapshotOnce computes, persists, and publishes one snapshot.
func (m *HealthMonitor) SnapshotOnce(ctx context.Context) (*models.FederationHealthSnapshot, error) {
	eventLag, err := models.CountOutboxBacklog(ctx, m.DB, m.StoreId, models.OutboxTargetFederation)
	if err != nil {
		return nil, err
	}
	projectionGap, err := models.CountOutboxBacklog(ctx, m.DB, m.StoreId, models.OutboxTargetProjection)
	if err != nil {
		return nil, err
	}
	failedJobs, err := models.CountDeadOutbox(ctx, m.DB, m.StoreId)
	if err != nil {
		return nil, err
	}
	negativeStock, err := models.NegativeStockCount(ctx, m.DB, m.StoreId)
	if err != nil {
		return nil, err
	}
	stockDivergence, err := models.StockDivergenceCount(ctx, m.DB, m.StoreId)
	if err != nil {
		return nil, err
	}
	fiscalDuplicates, err := models.FiscalDuplicateCount(ctx, m.DB, m.StoreId)
	if err != nil {
		return nil, err
	}

	snap := &models.FederationHealthSnapshot{
		StoreId:              m.StoreId,
		EventLagCount:        eventLag,
		ProjectionGapCount:   projectionGap,
		StockDivergenceCount: stockDivergence,
		NegativeStockCount:   negativeStock,
		FiscalDuplicateCount: fiscalDuplicates,
		QueueDepth:           eventLag + projectionGap,
		FailedJobs:           failedJobs,
		SnapshotAt:           time.Now().UTC(),
	}

	if m.Remote != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		latency, perr := m.Remote.Ping(probeCtx)
		cancel()
		snap.RemoteReachable = perr == nil
		if perr == nil {
			snap.RemoteLatencyMs = latency.Milliseconds()
		}
	}

	snap.OverallHealth = m.classify(snap)

	if err := m.DB.WithContext(ctx).Create(snap).Error; err != nil {
		return nil, err
	}

	if cerr := m.Redis.SetObject(ctx, utils.HealthSnapshotCacheKey(m.StoreId), snap, utils.GetCacheLifespan()); cerr != nil && m.Logger != nil {
		m.Logger.WithFields(logrus.Fields{
			"field":    "HealthMonitor",
			"store_id": m.StoreId,
		}).Warn("snapshot cache write failed: " + cerr.Error())
	}

	m.publish(snap)

	if m.Remote != nil && snap.RemoteReachable {
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if perr := m.Remote.PushHealthSnapshot(pushCtx, snap); perr != nil && m.Logger != nil {
			m.Logger.WithFields(logrus.Fields{
				"field":    "HealthMonitor",
				"store_id": m.StoreId,
			}).Warn("snapshot push failed: " + perr.Error())
		}
		cancel()
	}

	if m.Logger != nil {
		m.Logger.WithFields(logrus.Fields{
			"field":          "HealthMonitor",
			"store_id":       m.StoreId,
			"overall_health": snap.OverallHealth,
			"queue_depth":    snap.QueueDepth,
			"failed_jobs":    snap.FailedJobs,
		}).Info("federation health snapshot")
	}
	return snap, nil
}

func (m *HealthMonitor) classify(snap *models.FederationHealthSnapshot) models.HealthLevel {
	if snap.NegativeStockCount > 0 || snap.FiscalDuplicateCount > 0 {
		return models.HealthLevelCritical
	}
	if snap.QueueDepth > m.MaxQueueDepth ||
		snap.FailedJobs > 0 ||
		(m.Remote != nil && !snap.RemoteReachable) ||
		snap.RemoteLatencyMs > m.MaxLatencyMs {
		return models.HealthLevelDegraded
	}
	return models.HealthLevelHealthy
}

// publish never blocks: a full channel drops the oldest snapshot first.
func (m *HealthMonitor) publish(snap *models.FederationHealthSnapshot) {
	for {
		select {
		case m.snapshots <- snap:
			return
		default:
			select {
			case <-m.snapshots:
			default:
			}
		}
	}
}
