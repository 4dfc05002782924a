package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
)

// Requeues DEAD outbox entries after the operator fixed the downstream
// failure (authority back up, bad payload patched). Entries killed by
// conflict resolution are skipped unless named with -event-ids; their loser
// events must stay out of the projection.
func main() {
	storeID := flag.String("store-id", "", "Required: store whose outbox to redrive")
	target := flag.String("target", "", "Optional: only PROJECTION or FEDERATION_RELAY entries")
	eventIDs := flag.String("event-ids", "", "Optional: comma separated event ids to redrive (includes conflict-killed entries)")
	dryRun := flag.Bool("dry-run", false, "Report matching entries without requeueing them")
	flag.Parse()

	if strings.TrimSpace(*storeID) == "" {
		fmt.Fprintln(os.Stderr, "-store-id is required")
		os.Exit(1)
	}

	db, err := config.ConnectDatabaseWithRetry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "database connect failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	q := db.WithContext(ctx).Model(&models.OutboxEntry{}).
		Where("store_id = ? AND status = ?", *storeID, models.OutboxStatusDead)
	if ids := splitIDs(*eventIDs); len(ids) > 0 {
		q = q.Where("event_id IN ?", ids)
	} else {
		q = q.Where("last_error IS NULL OR last_error NOT LIKE ?", "conflict:%")
	}
	if strings.TrimSpace(*target) != "" {
		q = q.Where("target = ?", strings.ToUpper(strings.TrimSpace(*target)))
	}

	if *dryRun {
		var n int64
		if err := q.Count(&n).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("dry run: %d dead entries would be requeued\n", n)
		return
	}

	res := q.Updates(map[string]interface{}{
		"status":          models.OutboxStatusPending,
		"retry_count":     0,
		"last_error":      nil,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": time.Now().UTC(),
	})
	if res.Error != nil {
		fmt.Fprintf(os.Stderr, "redrive failed: %v\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("requeued %d dead outbox entries\n", res.RowsAffected)
}

func splitIDs(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
