package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
)

// RangeReserveRequest is the wire shape of POST /fiscal/reserve-range.
type RangeReserveRequest struct {
	StoreId  string `json:"store_id" binding:"required"`
	SeriesId string `json:"series_id" binding:"required"`
	DeviceId string `json:"device_id" binding:"required"`
}

// RangeReserver asks the authority for the next invoice number block.
type RangeReserver interface {
	ReserveFiscalRange(ctx context.Context, req RangeReserveRequest) (*models.FiscalSequenceRange, error)
}

// FiscalRangeManager leases contiguous invoice number blocks to devices and
// consumes numbers from the local lease. Numbering stays gap-free and
// duplicate-free without a live coordinator because blocks never overlap and
// used_up_to only moves forward.
type FiscalRangeManager struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Redis  config.RedisHandles
	Log    *EventLog
	Remote RangeReserver

	StoreId  string
	DeviceId string
	Width    int64
	TTL      time.Duration

	prefetchCh chan RangeReserveRequest
}

func NewFiscalRangeManager(db *gorm.DB, logger *logrus.Logger, redis config.RedisHandles, log *EventLog, remote RangeReserver, storeId, deviceId string) *FiscalRangeManager {
	return &FiscalRangeManager{
		DB:         db,
		Logger:     logger,
		Redis:      redis,
		Log:        log,
		Remote:     remote,
		StoreId:    storeId,
		DeviceId:   deviceId,
		Width:      config.FiscalRangeWidth(),
		TTL:        config.FiscalRangeTTL(),
		prefetchCh: make(chan RangeReserveRequest, 16),
	}
}

// GrantLocal leases the next block for (series, device) at the authority.
// Grants for one series serialize on a redis lock when available and on a
// row lock over the series' top range inside the transaction; the unique
// (store, series, range_start) index is the last line. A collision there
// means another grant claimed the same slot first, so the transaction is
// retried above the new top.
func (m *FiscalRangeManager) GrantLocal(ctx context.Context, req RangeReserveRequest) (*models.FiscalSequenceRange, error) {
	lockKey := fmt.Sprintf("fiscal:%s:%s", req.StoreId, req.SeriesId)
	redisLock, err := m.Redis.ObtainLock(ctx, lockKey, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if redisLock != nil {
		defer redisLock.Release(context.WithoutCancel(ctx))
	}

	var granted *models.FiscalSequenceRange
	for attempt := 0; attempt < 3; attempt++ {
		granted = nil
		err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			highest, herr := models.HighestGrantedNumber(ctx, tx, req.StoreId, req.SeriesId)
			if herr != nil {
				return herr
			}
			start := highest + 1
			end := start + m.Width - 1
			expires := time.Now().UTC().Add(m.TTL)

			rangeRow := models.FiscalSequenceRange{
				StoreId:    req.StoreId,
				SeriesId:   req.SeriesId,
				DeviceId:   req.DeviceId,
				RangeStart: start,
				RangeEnd:   end,
				UsedUpTo:   start - 1,
				Status:     models.LeaseStatusActive,
				ExpiresAt:  &expires,
			}
			if cerr := tx.WithContext(ctx).Create(&rangeRow).Error; cerr != nil {
				return cerr
			}
			granted = &rangeRow
			return nil
		})
		if err == nil || !models.IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if m.Log != nil {
		var expiresAt int64
		if granted.ExpiresAt != nil {
			expiresAt = granted.ExpiresAt.Unix()
		}
		if _, aerr := m.Log.AppendLocal(ctx, AppendInput{
			StoreId:  m.StoreId,
			DeviceId: m.DeviceId,
			Type:     models.EventTypeFiscalRangeLeased,
			Payload: &models.FiscalRangeLeasedPayload{
				SeriesId:   granted.SeriesId,
				RangeStart: granted.RangeStart,
				RangeEnd:   granted.RangeEnd,
				ExpiresAt:  expiresAt,
			},
		}); aerr != nil && m.Logger != nil {
			m.Logger.WithFields(logrus.Fields{
				"field":     "FiscalRange",
				"series_id": granted.SeriesId,
			}).Warn("range grant audit append failed: " + aerr.Error())
		}
	}
	return granted, nil
}

// ConsumeNext issues the next invoice number from this device's active lease
// for the series. The advance is guarded by the previous used_up_to value,
// so replaying a consume can never hand the same number out twice. An
// exhausted lease re-reserves synchronously while online and fails with
// ErrRangeExhausted offline. Dropping under 20% remaining schedules a
// background pre-reservation.
func (m *FiscalRangeManager) ConsumeNext(ctx context.Context, seriesId string) (int64, error) {
	number, remaining, width, err := m.consumeOnce(ctx, seriesId)
	if err == nil {
		if width > 0 && remaining*5 < width {
			m.schedulePrefetch(seriesId)
		}
		return number, nil
	}
	if err != utils.ErrRangeExhausted || m.Remote == nil {
		return 0, err
	}
	if _, rerr := m.Remote.ReserveFiscalRange(ctx, RangeReserveRequest{
		StoreId:  m.StoreId,
		SeriesId: seriesId,
		DeviceId: m.DeviceId,
	}); rerr != nil {
		return 0, utils.ErrRangeExhausted
	}
	number, _, _, err = m.consumeOnce(ctx, seriesId)
	return number, err
}

func (m *FiscalRangeManager) consumeOnce(ctx context.Context, seriesId string) (number, remaining, width int64, err error) {
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease models.FiscalSequenceRange
		ferr := tx.WithContext(ctx).
			Where("store_id = ? AND series_id = ? AND device_id = ? AND status = ?",
				m.StoreId, seriesId, m.DeviceId, models.LeaseStatusActive).
			Order("range_start ASC").
			First(&lease).Error
		if ferr == gorm.ErrRecordNotFound {
			return utils.ErrRangeExhausted
		}
		if ferr != nil {
			return ferr
		}
		if lease.ExpiresAt != nil && lease.ExpiresAt.Before(time.Now().UTC()) {
			if uerr := tx.WithContext(ctx).Model(&models.FiscalSequenceRange{}).
				Where("id = ?", lease.ID).
				Update("status", models.LeaseStatusExpired).Error; uerr != nil {
				return uerr
			}
			return utils.ErrRangeExhausted
		}
		if lease.UsedUpTo >= lease.RangeEnd {
			if uerr := tx.WithContext(ctx).Model(&models.FiscalSequenceRange{}).
				Where("id = ?", lease.ID).
				Update("status", models.LeaseStatusExhausted).Error; uerr != nil {
				return uerr
			}
			return utils.ErrRangeExhausted
		}

		next := lease.UsedUpTo + 1
		updates := map[string]interface{}{"used_up_to": next}
		if next == lease.RangeEnd {
			updates["status"] = models.LeaseStatusExhausted
		}
		res := tx.WithContext(ctx).Model(&models.FiscalSequenceRange{}).
			Where("id = ? AND used_up_to = ?", lease.ID, lease.UsedUpTo).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost a race on the same lease row; the caller retries.
			return utils.ErrRangeExhausted
		}
		number = next
		remaining = lease.RangeEnd - next
		width = lease.Width()
		return nil
	})
	return number, remaining, width, err
}

func (m *FiscalRangeManager) schedulePrefetch(seriesId string) {
	if m.Remote == nil {
		return
	}
	req := RangeReserveRequest{StoreId: m.StoreId, SeriesId: seriesId, DeviceId: m.DeviceId}
	select {
	case m.prefetchCh <- req:
	default:
	}
}

// RunPrefetcher reserves the next block in the background once the active
// one nears exhaustion, so the foreground sale path keeps issuing numbers
// without a network round-trip.
func (m *FiscalRangeManager) RunPrefetcher(ctx context.Context) {
	if m.Remote == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.prefetchCh:
			if _, rerr := m.Remote.ReserveFiscalRange(ctx, req); rerr != nil && m.Logger != nil {
				m.Logger.WithFields(logrus.Fields{
					"field":     "FiscalRange",
					"series_id": req.SeriesId,
				}).Warn("range prefetch failed: " + rerr.Error())
			}
		}
	}
}

// ReclaimExpired marks overdue leases EXPIRED so their unused numbers are
// never issued by a device that has been gone past the TTL.
func (m *FiscalRangeManager) ReclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res := m.DB.WithContext(ctx).Model(&models.FiscalSequenceRange{}).
		Where("store_id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			m.StoreId, models.LeaseStatusActive, now).
		Update("status", models.LeaseStatusExpired)
	return int(res.RowsAffected), res.Error
}
