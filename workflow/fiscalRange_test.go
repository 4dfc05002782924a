package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
)

func newRangeManager(db *gorm.DB, deviceId string, width int64, remote workflow.RangeReserver) *workflow.FiscalRangeManager {
	logger := newTestLogger()
	m := workflow.NewFiscalRangeManager(db, logger, noRedis, workflow.NewEventLog(db, logger), remote, "store-1", deviceId)
	m.Width = width
	m.TTL = time.Hour
	return m
}

func rangeReq(deviceId string) workflow.RangeReserveRequest {
	return workflow.RangeReserveRequest{StoreId: "store-1", SeriesId: "A", DeviceId: deviceId}
}

func TestGrantLocalRangesNeverOverlap(t *testing.T) {
	db := openTestDB(t)
	authority := newRangeManager(db, "authority", 10, nil)
	ctx := context.Background()

	wantStarts := []int64{1, 11, 21}
	for i, device := range []string{"reg-1", "reg-2", "reg-1"} {
		lease, err := authority.GrantLocal(ctx, rangeReq(device))
		if err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
		if lease.RangeStart != wantStarts[i] || lease.RangeEnd != wantStarts[i]+9 {
			t.Fatalf("grant %d = [%d, %d], want [%d, %d]",
				i, lease.RangeStart, lease.RangeEnd, wantStarts[i], wantStarts[i]+9)
		}
		if lease.UsedUpTo != lease.RangeStart-1 {
			t.Fatalf("fresh lease used_up_to = %d, want %d", lease.UsedUpTo, lease.RangeStart-1)
		}
	}

	dups, err := models.FiscalDuplicateCount(ctx, db, "store-1")
	if err != nil {
		t.Fatalf("FiscalDuplicateCount: %v", err)
	}
	if dups != 0 {
		t.Fatalf("overlapping ranges detected: %d", dups)
	}

	var audits int64
	db.Model(&models.Event{}).Where("type = ?", models.EventTypeFiscalRangeLeased).Count(&audits)
	if audits != 3 {
		t.Fatalf("range lease audit events = %d, want 3", audits)
	}
}

func TestRangeStartsCollideAcrossDevices(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Hour)

	first := models.FiscalSequenceRange{
		StoreId: "store-1", SeriesId: "A", DeviceId: "reg-1",
		RangeStart: 1, RangeEnd: 100, UsedUpTo: 0,
		Status: models.LeaseStatusActive, ExpiresAt: &expires,
	}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create first range: %v", err)
	}

	// Two transactions that both computed start=1 must not both commit;
	// the slot is unique per (store, series) no matter which device asks.
	second := models.FiscalSequenceRange{
		StoreId: "store-1", SeriesId: "A", DeviceId: "reg-2",
		RangeStart: 1, RangeEnd: 100, UsedUpTo: 0,
		Status: models.LeaseStatusActive, ExpiresAt: &expires,
	}
	err := db.Create(&second).Error
	if err == nil {
		t.Fatal("two devices claimed the same range slot")
	}
	if !models.IsUniqueViolation(err) {
		t.Fatalf("want unique violation, got %v", err)
	}

	// The loser's retried grant lands above the claimed slot.
	lease, err := newRangeManager(db, "authority", 10, nil).GrantLocal(ctx, rangeReq("reg-2"))
	if err != nil {
		t.Fatalf("regrant after collision: %v", err)
	}
	if lease.RangeStart != 101 || lease.RangeEnd != 110 {
		t.Fatalf("regrant = [%d, %d], want [101, 110]", lease.RangeStart, lease.RangeEnd)
	}

	dups, err := models.FiscalDuplicateCount(ctx, db, "store-1")
	if err != nil {
		t.Fatalf("FiscalDuplicateCount: %v", err)
	}
	if dups != 0 {
		t.Fatalf("overlapping ranges detected: %d", dups)
	}
}

func TestConsumeNextIssuesEachNumberExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	authority := newRangeManager(db, "authority", 5, nil)
	ctx := context.Background()

	if _, err := authority.GrantLocal(ctx, rangeReq("reg-1")); err != nil {
		t.Fatalf("grant: %v", err)
	}

	device := newRangeManager(db, "reg-1", 5, nil) // offline
	seen := map[int64]bool{}
	for i := 1; i <= 5; i++ {
		n, err := device.ConsumeNext(ctx, "A")
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if n != int64(i) {
			t.Fatalf("consume %d issued %d, want %d", i, n, i)
		}
		if seen[n] {
			t.Fatalf("number %d issued twice", n)
		}
		seen[n] = true
	}

	if _, err := device.ConsumeNext(ctx, "A"); !errors.Is(err, utils.ErrRangeExhausted) {
		t.Fatalf("consume past range err = %v, want ErrRangeExhausted", err)
	}

	var lease models.FiscalSequenceRange
	if err := db.Where("device_id = ?", "reg-1").First(&lease).Error; err != nil {
		t.Fatalf("load lease: %v", err)
	}
	if lease.Status != models.LeaseStatusExhausted {
		t.Fatalf("spent lease status = %s, want EXHAUSTED", lease.Status)
	}
}

type authorityRangeReserver struct {
	authority *workflow.FiscalRangeManager
	calls     int
}

func (r *authorityRangeReserver) ReserveFiscalRange(ctx context.Context, req workflow.RangeReserveRequest) (*models.FiscalSequenceRange, error) {
	r.calls++
	return r.authority.GrantLocal(ctx, req)
}

func TestConsumeNextExtendsThroughRemote(t *testing.T) {
	db := openTestDB(t)
	authority := newRangeManager(db, "authority", 3, nil)
	ctx := context.Background()

	remote := &authorityRangeReserver{authority: authority}
	device := newRangeManager(db, "reg-1", 3, remote)

	// No lease yet: the very first consume reserves on the fly, and the
	// sequence keeps running across block boundaries without gaps.
	for want := int64(1); want <= 7; want++ {
		n, err := device.ConsumeNext(ctx, "A")
		if err != nil {
			t.Fatalf("consume %d: %v", want, err)
		}
		if n != want {
			t.Fatalf("issued %d, want %d", n, want)
		}
	}
	if remote.calls < 3 {
		t.Fatalf("remote reservations = %d, want at least 3 for 7 numbers at width 3", remote.calls)
	}

	dups, err := models.FiscalDuplicateCount(ctx, db, "store-1")
	if err != nil {
		t.Fatalf("FiscalDuplicateCount: %v", err)
	}
	if dups != 0 {
		t.Fatalf("overlapping ranges after extension: %d", dups)
	}
}

func TestConsumeNextRefusesExpiredLease(t *testing.T) {
	db := openTestDB(t)
	authority := newRangeManager(db, "authority", 5, nil)
	ctx := context.Background()

	if _, err := authority.GrantLocal(ctx, rangeReq("reg-1")); err != nil {
		t.Fatalf("grant: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if err := db.Model(&models.FiscalSequenceRange{}).
		Where("device_id = ?", "reg-1").
		Update("expires_at", &past).Error; err != nil {
		t.Fatalf("age lease: %v", err)
	}

	device := newRangeManager(db, "reg-1", 5, nil)
	if _, err := device.ConsumeNext(ctx, "A"); !errors.Is(err, utils.ErrRangeExhausted) {
		t.Fatalf("consume on expired lease err = %v, want ErrRangeExhausted", err)
	}

	var lease models.FiscalSequenceRange
	if err := db.Where("device_id = ?", "reg-1").First(&lease).Error; err != nil {
		t.Fatalf("load lease: %v", err)
	}
	if lease.Status != models.LeaseStatusExpired {
		t.Fatalf("status = %s, want EXPIRED", lease.Status)
	}
}
