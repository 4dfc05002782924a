package models_test

import (
	"context"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/pos_backend/models"
)

func TestEventsSinceFiltersByClock(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, dev := range []string{"caja-1", "caja-2"} {
		for seq := int64(1); seq <= 5; seq++ {
			ev := models.Event{
				EventId:    fmt.Sprintf("%s-%d", dev, seq),
				StoreId:    "store-1",
				DeviceId:   dev,
				Seq:        seq,
				Clock:      models.VectorClock{dev: seq},
				Type:       models.EventTypeStockAdjusted,
				Version:    1,
				EntityType: models.EntityTypeStock,
				EntityId:   "prod-1",
				Payload:    []byte(`{}`),
			}
			if err := db.Create(&ev).Error; err != nil {
				t.Fatalf("seed event %s: %v", ev.EventId, err)
			}
		}
	}

	// A reader that has seen caja-1 up to 3 and nothing of caja-2 gets
	// caja-1 4..5 plus caja-2 1..5.
	clock := models.VectorClock{"caja-1": 3}
	events, err := models.EventsSince(ctx, db, "store-1", clock, "", 0, 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("expected 7 events, got %d", len(events))
	}
	if events[0].DeviceId != "caja-1" || events[0].Seq != 4 {
		t.Fatalf("expected caja-1 seq 4 first, got %s seq %d", events[0].DeviceId, events[0].Seq)
	}
	if last := events[len(events)-1]; last.DeviceId != "caja-2" || last.Seq != 5 {
		t.Fatalf("expected caja-2 seq 5 last, got %s seq %d", last.DeviceId, last.Seq)
	}
}

func TestEventsSinceSeesPastLongCoveredPrefix(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 50; seq++ {
		ev := models.Event{
			EventId:    fmt.Sprintf("a-%d", seq),
			StoreId:    "store-1",
			DeviceId:   "caja-1",
			Seq:        seq,
			Clock:      models.VectorClock{"caja-1": seq},
			Type:       models.EventTypeStockAdjusted,
			Version:    1,
			EntityType: models.EntityTypeStock,
			EntityId:   "prod-1",
			Payload:    []byte(`{}`),
		}
		if err := db.Create(&ev).Error; err != nil {
			t.Fatalf("seed event %s: %v", ev.EventId, err)
		}
	}
	fresh := models.Event{
		EventId:    "b-1",
		StoreId:    "store-1",
		DeviceId:   "caja-2",
		Seq:        1,
		Clock:      models.VectorClock{"caja-2": 1},
		Type:       models.EventTypeStockAdjusted,
		Version:    1,
		EntityType: models.EntityTypeStock,
		EntityId:   "prod-1",
		Payload:    []byte(`{}`),
	}
	if err := db.Create(&fresh).Error; err != nil {
		t.Fatalf("seed fresh event: %v", err)
	}

	// Everything from caja-1 is covered. The single caja-2 event must
	// surface on the first page even though the limit is far smaller than
	// the covered prefix; a reader that gets an empty page here would
	// conclude it is caught up and stall forever.
	events, err := models.EventsSince(ctx, db, "store-1",
		models.VectorClock{"caja-1": 50}, "", 0, 10)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 1 || events[0].EventId != "b-1" {
		t.Fatalf("catch-up page = %d events, want exactly the caja-2 event", len(events))
	}
}

func TestEventsSinceKeysetPagination(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, dev := range []string{"caja-1", "caja-2"} {
		for seq := int64(1); seq <= 4; seq++ {
			ev := models.Event{
				EventId:    fmt.Sprintf("%s-%d", dev, seq),
				StoreId:    "store-1",
				DeviceId:   dev,
				Seq:        seq,
				Clock:      models.VectorClock{dev: seq},
				Type:       models.EventTypeStockAdjusted,
				Version:    1,
				EntityType: models.EntityTypeStock,
				EntityId:   "prod-1",
				Payload:    []byte(`{}`),
			}
			if err := db.Create(&ev).Error; err != nil {
				t.Fatalf("seed event %s: %v", ev.EventId, err)
			}
		}
	}

	// Walk the full stream in pages of 3 using the last row as the cursor.
	var (
		got         []models.Event
		afterDevice string
		afterSeq    int64
	)
	for {
		page, err := models.EventsSince(ctx, db, "store-1", nil, afterDevice, afterSeq, 3)
		if err != nil {
			t.Fatalf("EventsSince page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		got = append(got, page...)
		afterDevice = page[len(page)-1].DeviceId
		afterSeq = page[len(page)-1].Seq
	}
	if len(got) != 8 {
		t.Fatalf("expected 8 events across pages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.DeviceId < prev.DeviceId || (cur.DeviceId == prev.DeviceId && cur.Seq <= prev.Seq) {
			t.Fatalf("stream out of order at %d: %s/%d after %s/%d",
				i, cur.DeviceId, cur.Seq, prev.DeviceId, prev.Seq)
		}
	}

	// Other stores never leak into the stream.
	foreign := models.Event{
		EventId: "other-1", StoreId: "store-2", DeviceId: "caja-9", Seq: 1,
		Clock: models.VectorClock{"caja-9": 1}, Type: models.EventTypeStockAdjusted,
		Version: 1, EntityType: models.EntityTypeStock, EntityId: "prod-1", Payload: []byte(`{}`),
	}
	if err := db.Create(&foreign).Error; err != nil {
		t.Fatalf("seed foreign event: %v", err)
	}
	page, err := models.EventsSince(ctx, db, "store-1", nil, "", 0, 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(page) != 8 {
		t.Fatalf("expected 8 store-1 events, got %d", len(page))
	}
}
