package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// EscrowReserveRequest is the wire shape of a stock escrow grant request.
type EscrowReserveRequest struct {
	StoreId   string `json:"store_id" binding:"required"`
	ProductId string `json:"product_id" binding:"required"`
	VariantId string `json:"variant_id"`
	DeviceId  string `json:"device_id" binding:"required"`
	Qty       int64  `json:"qty" binding:"required,gt=0"`
}

// EscrowReserver asks the authoritative store for a grant. On devices this
// is the federation client; on the authority itself it is nil and grants run
// locally.
type EscrowReserver interface {
	ReserveStockEscrow(ctx context.Context, req EscrowReserveRequest) (*models.StockEscrow, error)
}

// StockEscrowManager owns the stock side of the leased-resource pattern.
// GrantLocal enforces the over-grant invariant at the authority; Debit spends
// a device's local grant and re-reserves in the background before it runs
// dry.
type StockEscrowManager struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Redis  config.RedisHandles
	Log    *EventLog
	Remote EscrowReserver

	StoreId  string
	DeviceId string
	TTL      time.Duration

	prefetchCh chan EscrowReserveRequest
}

func NewStockEscrowManager(db *gorm.DB, logger *logrus.Logger, redis config.RedisHandles, log *EventLog, remote EscrowReserver, storeId, deviceId string) *StockEscrowManager {
	return &StockEscrowManager{
		DB:         db,
		Logger:     logger,
		Redis:      redis,
		Log:        log,
		Remote:     remote,
		StoreId:    storeId,
		DeviceId:   deviceId,
		TTL:        config.StockEscrowTTL(),
		prefetchCh: make(chan EscrowReserveRequest, 32),
	}
}

// GrantLocal grants a bounded slice of on-hand stock to a device. The sum of
// active grants never exceeds on-hand: the check and the insert run inside
// one transaction, serialized per product by a redis lock when available and
// by a row lock on the on-hand row otherwise. A request larger than the safe
// remainder is trimmed, not rejected; only a zero remainder fails.
func (m *StockEscrowManager) GrantLocal(ctx context.Context, req EscrowReserveRequest) (*models.StockEscrow, error) {
	lockKey := fmt.Sprintf("escrow:%s:%s:%s", req.StoreId, req.ProductId, req.VariantId)
	redisLock, err := m.Redis.ObtainLock(ctx, lockKey, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if redisLock != nil {
		defer redisLock.Release(context.WithoutCancel(ctx))
	}

	var granted *models.StockEscrow
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		onHandQ := tx.WithContext(ctx)
		if tx.Dialector.Name() == "mysql" {
			onHandQ = onHandQ.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var onHandRow models.StockOnHand
		ferr := onHandQ.
			Where("store_id = ? AND product_id = ? AND variant_id = ?", req.StoreId, req.ProductId, req.VariantId).
			First(&onHandRow).Error
		if ferr != nil && ferr != gorm.ErrRecordNotFound {
			return ferr
		}

		active, aerr := models.ActiveEscrowTotal(ctx, tx, req.StoreId, req.ProductId, req.VariantId)
		if aerr != nil {
			return aerr
		}

		safe := onHandRow.Qty - active
		if safe <= 0 {
			return utils.ErrInsufficientEscrow
		}
		qty := req.Qty
		if qty > safe {
			qty = safe
		}

		expires := time.Now().UTC().Add(m.TTL)
		var existing models.StockEscrow
		ferr = tx.WithContext(ctx).
			Where("store_id = ? AND product_id = ? AND variant_id = ? AND device_id = ? AND status = ?",
				req.StoreId, req.ProductId, req.VariantId, req.DeviceId, models.LeaseStatusActive).
			First(&existing).Error
		switch ferr {
		case nil:
			// Top up the device's live grant instead of stacking rows.
			if uerr := tx.WithContext(ctx).Model(&models.StockEscrow{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{
					"qty_initial": gorm.Expr("qty_initial + ?", qty),
					"qty_granted": gorm.Expr("qty_granted + ?", qty),
					"expires_at":  &expires,
				}).Error; uerr != nil {
				return uerr
			}
			existing.QtyInitial += qty
			existing.QtyGranted += qty
			existing.ExpiresAt = &expires
			granted = &existing
		case gorm.ErrRecordNotFound:
			escrow := models.StockEscrow{
				EscrowId:   uuid.NewString(),
				StoreId:    req.StoreId,
				ProductId:  req.ProductId,
				VariantId:  req.VariantId,
				DeviceId:   req.DeviceId,
				QtyInitial: qty,
				QtyGranted: qty,
				Status:     models.LeaseStatusActive,
				ExpiresAt:  &expires,
			}
			if cerr := tx.WithContext(ctx).Create(&escrow).Error; cerr != nil {
				return cerr
			}
			granted = &escrow
		default:
			return ferr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Grant audit trail on the authority's own log.
	if m.Log != nil {
		var expiresAt int64
		if granted.ExpiresAt != nil {
			expiresAt = granted.ExpiresAt.Unix()
		}
		if _, aerr := m.Log.AppendLocal(ctx, AppendInput{
			StoreId:  m.StoreId,
			DeviceId: m.DeviceId,
			Type:     models.EventTypeEscrowGranted,
			Payload: &models.EscrowGrantedPayload{
				EscrowId:  granted.EscrowId,
				ProductId: granted.ProductId,
				VariantId: granted.VariantId,
				Qty:       granted.QtyGranted,
				ExpiresAt: expiresAt,
			},
		}); aerr != nil && m.Logger != nil {
			m.Logger.WithFields(logrus.Fields{
				"field":     "StockEscrow",
				"escrow_id": granted.EscrowId,
			}).Warn("escrow grant audit append failed: " + aerr.Error())
		}
	}
	return granted, nil
}

// Debit spends qty from this device's escrow for the product. When the grant
// cannot cover the sale it re-reserves synchronously while online; offline it
// fails hard with ErrInsufficientEscrow ("out of offline capacity"). A debit
// that leaves less than 20% of the grant schedules a non-blocking
// pre-reservation so the next sale does not have to wait.
func (m *StockEscrowManager) Debit(ctx context.Context, productId, variantId string, qty int64) error {
	err := m.debitOnce(ctx, productId, variantId, qty)
	if err != utils.ErrInsufficientEscrow {
		return err
	}
	if m.Remote == nil {
		return utils.ErrInsufficientEscrow
	}
	if _, rerr := m.Remote.ReserveStockEscrow(ctx, EscrowReserveRequest{
		StoreId:   m.StoreId,
		ProductId: productId,
		VariantId: variantId,
		DeviceId:  m.DeviceId,
		Qty:       qty * 4,
	}); rerr != nil {
		return utils.ErrInsufficientEscrow
	}
	return m.debitOnce(ctx, productId, variantId, qty)
}

func (m *StockEscrowManager) debitOnce(ctx context.Context, productId, variantId string, qty int64) error {
	var escrow models.StockEscrow
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ferr := tx.WithContext(ctx).
			Where("store_id = ? AND product_id = ? AND variant_id = ? AND device_id = ? AND status = ?",
				m.StoreId, productId, variantId, m.DeviceId, models.LeaseStatusActive).
			First(&escrow).Error
		if ferr == gorm.ErrRecordNotFound {
			return utils.ErrInsufficientEscrow
		}
		if ferr != nil {
			return ferr
		}
		if escrow.ExpiresAt != nil && escrow.ExpiresAt.Before(time.Now().UTC()) {
			// Expired capacity is unusable even if unused.
			if uerr := tx.WithContext(ctx).Model(&models.StockEscrow{}).
				Where("id = ?", escrow.ID).
				Update("status", models.LeaseStatusExpired).Error; uerr != nil {
				return uerr
			}
			return utils.ErrInsufficientEscrow
		}
		if escrow.QtyGranted < qty {
			return utils.ErrInsufficientEscrow
		}

		remaining := escrow.QtyGranted - qty
		updates := map[string]interface{}{"qty_granted": remaining}
		if remaining == 0 {
			updates["status"] = models.LeaseStatusExhausted
		}
		// Optimistic guard: concurrent debits of the same row lose and retry
		// through the caller.
		res := tx.WithContext(ctx).Model(&models.StockEscrow{}).
			Where("id = ? AND qty_granted = ?", escrow.ID, escrow.QtyGranted).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrInsufficientEscrow
		}
		escrow.QtyGranted = remaining
		return nil
	})
	if err != nil {
		return err
	}

	if escrow.QtyInitial > 0 && escrow.QtyGranted*5 < escrow.QtyInitial {
		m.schedulePrefetch(productId, variantId)
	}
	return nil
}

func (m *StockEscrowManager) schedulePrefetch(productId, variantId string) {
	if m.Remote == nil {
		return
	}
	req := EscrowReserveRequest{
		StoreId:   m.StoreId,
		ProductId: productId,
		VariantId: variantId,
		DeviceId:  m.DeviceId,
		Qty:       1,
	}
	select {
	case m.prefetchCh <- req:
	default:
		// Prefetch queue full; the next debit will schedule again.
	}
}

// RunPrefetcher drains near-exhaustion pre-reservations in the background so
// the foreground sale path never waits on the network.
func (m *StockEscrowManager) RunPrefetcher(ctx context.Context) {
	if m.Remote == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.prefetchCh:
			var escrow models.StockEscrow
			err := m.DB.WithContext(ctx).
				Where("store_id = ? AND product_id = ? AND variant_id = ? AND device_id = ? AND status = ?",
					req.StoreId, req.ProductId, req.VariantId, req.DeviceId, models.LeaseStatusActive).
				First(&escrow).Error
			if err == nil && escrow.QtyInitial > 0 {
				req.Qty = escrow.QtyInitial
			}
			if _, rerr := m.Remote.ReserveStockEscrow(ctx, req); rerr != nil && m.Logger != nil {
				m.Logger.WithFields(logrus.Fields{
					"field":      "StockEscrow",
					"product_id": req.ProductId,
				}).Warn("escrow prefetch failed: " + rerr.Error())
			}
		}
	}
}

// ReclaimExpired expires overdue grants and returns their unused quantity to
// the pool. Runs on a timer at the authority and from cmd/lease-reclaim.
func (m *StockEscrowManager) ReclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var expired []models.StockEscrow
	if err := m.DB.WithContext(ctx).
		Where("store_id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			m.StoreId, models.LeaseStatusActive, now).
		Find(&expired).Error; err != nil {
		return 0, err
	}

	for _, escrow := range expired {
		if err := m.DB.WithContext(ctx).Model(&models.StockEscrow{}).
			Where("id = ? AND status = ?", escrow.ID, models.LeaseStatusActive).
			Update("status", models.LeaseStatusExpired).Error; err != nil {
			return 0, err
		}
		if m.Log != nil {
			if _, aerr := m.Log.AppendLocal(ctx, AppendInput{
				StoreId:  m.StoreId,
				DeviceId: m.DeviceId,
				Type:     models.EventTypeEscrowReclaimed,
				Payload: &models.EscrowReclaimedPayload{
					EscrowId:  escrow.EscrowId,
					ProductId: escrow.ProductId,
					QtyUnused: escrow.QtyGranted,
					Reason:    "expired",
				},
			}); aerr != nil && m.Logger != nil {
				m.Logger.WithFields(logrus.Fields{
					"field":     "StockEscrow",
					"escrow_id": escrow.EscrowId,
				}).Warn("escrow reclaim audit append failed: " + aerr.Error())
			}
		}
	}
	return len(expired), nil
}

// Release returns an escrow voluntarily (device going out of service).
func (m *StockEscrowManager) Release(ctx context.Context, escrowId string) error {
	var escrow models.StockEscrow
	if err := m.DB.WithContext(ctx).Where("escrow_id = ?", escrowId).First(&escrow).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorRecordNotFound
		}
		return err
	}
	if err := m.DB.WithContext(ctx).Model(&models.StockEscrow{}).
		Where("id = ? AND status = ?", escrow.ID, models.LeaseStatusActive).
		Update("status", models.LeaseStatusReleased).Error; err != nil {
		return err
	}
	if m.Log != nil {
		if _, aerr := m.Log.AppendLocal(ctx, AppendInput{
			StoreId:  m.StoreId,
			DeviceId: m.DeviceId,
			Type:     models.EventTypeEscrowReclaimed,
			Payload: &models.EscrowReclaimedPayload{
				EscrowId:  escrow.EscrowId,
				ProductId: escrow.ProductId,
				QtyUnused: escrow.QtyGranted,
				Reason:    "released",
			},
		}); aerr != nil && m.Logger != nil {
			m.Logger.WithFields(logrus.Fields{
				"field":     "StockEscrow",
				"escrow_id": escrow.EscrowId,
			}).Warn("escrow release audit append failed: " + aerr.Error())
		}
	}
	return nil
}
