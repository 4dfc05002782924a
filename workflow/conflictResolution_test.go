package workflow_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
)

func priceEvent(t *testing.T, eventId, deviceId string, seq int64, clock models.VectorClock, priceBs int64, changedAtMs int64) *models.Event {
	t.Helper()
	payload, err := json.Marshal(models.PriceChangedPayload{
		ProductId:   "prod-1",
		PriceBs:     decimal.NewFromInt(priceBs),
		ChangedAtMs: changedAtMs,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.Event{
		EventId:  eventId,
		StoreId:  "store-1",
		DeviceId: deviceId,
		Seq:      seq,
		Clock:    clock,
		Type:     models.EventTypePriceChanged,
		Version:  1,
		Payload:  payload,
	}
}

func TestServerWinsKeepsLocalPriceAndKillsLoser(t *testing.T) {
	db := openTestDB(t)
	logger := newTestLogger()
	log := workflow.NewEventLog(db, logger)
	resolver := workflow.NewConflictResolver(db, logger, noRedis)
	relay := newTestRelay(t, db, nil)
	ctx := context.Background()

	// Local price change on this replica, projected before the remote
	// arrives: the read model points at the local event.
	local, err := log.AppendLocal(ctx, workflow.AppendInput{
		StoreId:  "store-1",
		DeviceId: "reg-1",
		Type:     models.EventTypePriceChanged,
		Payload: models.PriceChangedPayload{
			ProductId:   "prod-1",
			PriceBs:     decimal.NewFromInt(100),
			ChangedAtMs: 1000,
		},
	})
	if err != nil {
		t.Fatalf("append local: %v", err)
	}
	relay.ProcessOnce(ctx)

	// A concurrent change from a device that was offline at the time.
	incoming, _, err := log.IngestRemote(ctx,
		priceEvent(t, "ev-remote", "reg-2", 1, models.VectorClock{"reg-2": 1}, 250, 2000), "reg-1")
	if err != nil {
		t.Fatalf("ingest remote: %v", err)
	}

	if err := resolver.DetectAndResolve(ctx, incoming); err != nil {
		t.Fatalf("DetectAndResolve: %v", err)
	}

	var audits []models.ConflictAuditLog
	if err := db.Find(&audits).Error; err != nil {
		t.Fatalf("load audits: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audits))
	}
	audit := audits[0]
	if audit.Status != models.ConflictStatusResolved {
		t.Fatalf("audit status = %s, want RESOLVED", audit.Status)
	}
	if audit.Strategy != models.ConflictStrategyServerWins {
		t.Fatalf("audit strategy = %s, want server_wins", audit.Strategy)
	}
	if audit.WinnerEventId != local.EventId || audit.LoserEventIds != incoming.EventId {
		t.Fatalf("audit verdict = (%s beats %s), want (%s beats %s)",
			audit.WinnerEventId, audit.LoserEventIds, local.EventId, incoming.EventId)
	}

	// The loser's projection obligation is killed, not retried.
	var loserOutbox models.OutboxEntry
	if err := db.Where("event_id = ?", incoming.EventId).First(&loserOutbox).Error; err != nil {
		t.Fatalf("load loser outbox: %v", err)
	}
	if loserOutbox.Status != models.OutboxStatusDead {
		t.Fatalf("loser outbox status = %s, want DEAD", loserOutbox.Status)
	}
	if loserOutbox.LastError == nil || *loserOutbox.LastError != "conflict:server_wins" {
		t.Fatalf("loser outbox reason = %v, want conflict:server_wins", loserOutbox.LastError)
	}

	// Further relay passes must not resurrect it or apply the losing price.
	relay.ProcessOnce(ctx)
	price, err := models.GetProductPrice(ctx, db, "store-1", "prod-1", "")
	if err != nil {
		t.Fatalf("GetProductPrice: %v", err)
	}
	if price == nil || !price.PriceBs.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("live price = %v, want local 100", price)
	}
	if price.SourceEventId != local.EventId {
		t.Fatalf("price source = %s, want winner %s", price.SourceEventId, local.EventId)
	}

	// Re-running resolution on a replayed delivery adds nothing.
	if err := resolver.DetectAndResolve(ctx, incoming); err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	var auditCount int64
	db.Model(&models.ConflictAuditLog{}).Count(&auditCount)
	if auditCount != 1 {
		t.Fatalf("audit rows after replay = %d, want 1", auditCount)
	}
}

func TestServerWinsRewritesAlreadyProjectedLoser(t *testing.T) {
	db := openTestDB(t)
	logger := newTestLogger()
	log := workflow.NewEventLog(db, logger)
	resolver := workflow.NewConflictResolver(db, logger, noRedis)
	relay := newTestRelay(t, db, nil)
	ctx := context.Background()

	local, err := log.AppendLocal(ctx, workflow.AppendInput{
		StoreId:  "store-1",
		DeviceId: "reg-1",
		Type:     models.EventTypePriceChanged,
		Payload: models.PriceChangedPayload{
			ProductId:   "prod-1",
			PriceBs:     decimal.NewFromInt(100),
			ChangedAtMs: 3000,
		},
	})
	if err != nil {
		t.Fatalf("append local: %v", err)
	}
	relay.ProcessOnce(ctx)

	// The remote arrives with a later wall clock and gets projected before
	// the resolver runs, overwriting the read model.
	incoming, _, err := log.IngestRemote(ctx,
		priceEvent(t, "ev-remote", "reg-2", 1, models.VectorClock{"reg-2": 1}, 250, 4000), "reg-1")
	if err != nil {
		t.Fatalf("ingest remote: %v", err)
	}
	relay.ProcessOnce(ctx)

	price, err := models.GetProductPrice(ctx, db, "store-1", "prod-1", "")
	if err != nil {
		t.Fatalf("GetProductPrice before resolve: %v", err)
	}
	if price == nil || price.SourceEventId != incoming.EventId {
		t.Fatalf("precondition failed: projected price source = %v, want remote event", price)
	}

	if err := resolver.DetectAndResolve(ctx, incoming); err != nil {
		t.Fatalf("DetectAndResolve: %v", err)
	}

	// The already-projected losing write is rolled back to the winner.
	price, err = models.GetProductPrice(ctx, db, "store-1", "prod-1", "")
	if err != nil {
		t.Fatalf("GetProductPrice after resolve: %v", err)
	}
	if !price.PriceBs.Equal(decimal.NewFromInt(100)) || price.SourceEventId != local.EventId {
		t.Fatalf("price after resolve = (%s from %s), want (100 from %s)",
			price.PriceBs, price.SourceEventId, local.EventId)
	}
}

func TestAdditiveTagEditsMergeWithoutLosers(t *testing.T) {
	db := openTestDB(t)
	logger := newTestLogger()
	log := workflow.NewEventLog(db, logger)
	resolver := workflow.NewConflictResolver(db, logger, noRedis)
	relay := newTestRelay(t, db, nil)
	ctx := context.Background()

	if _, err := log.AppendLocal(ctx, workflow.AppendInput{
		StoreId:  "store-1",
		DeviceId: "reg-1",
		Type:     models.EventTypeProductTagsEdited,
		Payload: models.ProductTagsEditedPayload{
			ProductId: "prod-1",
			Added:     []string{"promo"},
		},
	}); err != nil {
		t.Fatalf("append local: %v", err)
	}

	payload, _ := json.Marshal(models.ProductTagsEditedPayload{
		ProductId: "prod-1",
		Added:     []string{"clearance"},
	})
	incoming, _, err := log.IngestRemote(ctx, &models.Event{
		EventId:  "ev-remote-tags",
		StoreId:  "store-1",
		DeviceId: "reg-2",
		Seq:      1,
		Clock:    models.VectorClock{"reg-2": 1},
		Type:     models.EventTypeProductTagsEdited,
		Version:  1,
		Payload:  payload,
	}, "reg-1")
	if err != nil {
		t.Fatalf("ingest remote: %v", err)
	}

	if err := resolver.DetectAndResolve(ctx, incoming); err != nil {
		t.Fatalf("DetectAndResolve: %v", err)
	}
	relay.ProcessOnce(ctx)

	// Union merge: neither side's outbox is killed and both tags project.
	var dead int64
	db.Model(&models.OutboxEntry{}).Where("status = ?", models.OutboxStatusDead).Count(&dead)
	if dead != 0 {
		t.Fatalf("dead outbox rows after awset merge = %d, want 0", dead)
	}

	var tags models.ProductTags
	if err := db.Where("store_id = ? AND product_id = ?", "store-1", "prod-1").First(&tags).Error; err != nil {
		t.Fatalf("load tags: %v", err)
	}
	live := tags.LiveTags()
	got := map[string]bool{}
	for _, tag := range live {
		got[tag] = true
	}
	if !got["promo"] || !got["clearance"] {
		t.Fatalf("live tags = %v, want both promo and clearance", live)
	}
}

func TestSessionCloseParksForManualReviewAndResolves(t *testing.T) {
	t.Setenv("CONFLICT_MANUAL_OVERRIDE", "true")

	db := openTestDB(t)
	logger := newTestLogger()
	log := workflow.NewEventLog(db, logger)
	resolver := workflow.NewConflictResolver(db, logger, noRedis)
	ctx := context.Background()

	local, err := log.AppendLocal(ctx, workflow.AppendInput{
		StoreId:  "store-1",
		DeviceId: "reg-1",
		Type:     models.EventTypeSessionClosed,
		Payload: models.SessionClosedPayload{
			CashSessionId: "session-1",
			CountedBs:     decimal.NewFromInt(900),
		},
	})
	if err != nil {
		t.Fatalf("append local: %v", err)
	}

	payload, _ := json.Marshal(models.SessionClosedPayload{
		CashSessionId: "session-1",
		CountedBs:     decimal.NewFromInt(950),
	})
	incoming, _, err := log.IngestRemote(ctx, &models.Event{
		EventId:  "ev-remote-close",
		StoreId:  "store-1",
		DeviceId: "reg-2",
		Seq:      1,
		Clock:    models.VectorClock{"reg-2": 1},
		Type:     models.EventTypeSessionClosed,
		Version:  1,
		Payload:  payload,
	}, "reg-1")
	if err != nil {
		t.Fatalf("ingest remote: %v", err)
	}

	if err := resolver.DetectAndResolve(ctx, incoming); err != nil {
		t.Fatalf("DetectAndResolve: %v", err)
	}

	parked, err := models.PendingManualReviews(ctx, db, "store-1")
	if err != nil {
		t.Fatalf("PendingManualReviews: %v", err)
	}
	if len(parked) != 1 {
		t.Fatalf("parked conflicts = %d, want 1", len(parked))
	}

	// Operator picks the remote count.
	if err := resolver.ResolveManually(ctx, parked[0].ID, incoming.EventId, "manager@store-1"); err != nil {
		t.Fatalf("ResolveManually: %v", err)
	}

	var settled models.ConflictAuditLog
	if err := db.Where("id = ?", parked[0].ID).First(&settled).Error; err != nil {
		t.Fatalf("load settled audit: %v", err)
	}
	if settled.Status != models.ConflictStatusResolved || settled.ResolvedBy != "manager@store-1" {
		t.Fatalf("settled audit = (%s by %s), want (RESOLVED by manager@store-1)",
			settled.Status, settled.ResolvedBy)
	}

	// The unchosen local close is dead-lettered.
	var localOutbox []models.OutboxEntry
	if err := db.Where("event_id = ? AND status = ?", local.EventId, models.OutboxStatusDead).
		Find(&localOutbox).Error; err != nil {
		t.Fatalf("load local outbox: %v", err)
	}
	if len(localOutbox) == 0 {
		t.Fatal("losing local event kept live outbox rows after manual resolution")
	}
}
