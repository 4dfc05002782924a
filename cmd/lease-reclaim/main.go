package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
)

// One-shot reclaim of expired stock escrows and fiscal ranges. The server
// runs the same sweep on a timer; this tool exists for stores where the
// authority was down past the lease TTLs and operators want the freed
// stock/numbers back immediately.
func main() {
	storeID := flag.String("store-id", "", "Required: store to sweep")
	kind := flag.String("kind", "all", "What to reclaim: stock, fiscal, or all")
	dryRun := flag.Bool("dry-run", false, "Report expired leases without reclaiming them")
	flag.Parse()

	if strings.TrimSpace(*storeID) == "" {
		fmt.Fprintln(os.Stderr, "-store-id is required")
		os.Exit(1)
	}

	logger := config.NewLogger()
	db, err := config.ConnectDatabaseWithRetry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "database connect failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if *dryRun {
		now := time.Now().UTC()
		var escrows, ranges int64
		if err := db.WithContext(ctx).Model(&models.StockEscrow{}).
			Where("store_id = ? AND status = ? AND expires_at < ?", *storeID, models.LeaseStatusActive, now).
			Count(&escrows).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count escrows failed: %v\n", err)
			os.Exit(1)
		}
		if err := db.WithContext(ctx).Model(&models.FiscalSequenceRange{}).
			Where("store_id = ? AND status = ? AND expires_at < ?", *storeID, models.LeaseStatusActive, now).
			Count(&ranges).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count ranges failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("dry run: %d expired stock escrows, %d expired fiscal ranges\n", escrows, ranges)
		return
	}

	log := workflow.NewEventLog(db, logger)
	redis := config.RedisHandles{} // sweeps serialize on the database alone

	if *kind == "stock" || *kind == "all" {
		m := workflow.NewStockEscrowManager(db, logger, redis, log, nil, *storeID, "lease-reclaim")
		n, err := m.ReclaimExpired(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stock escrow reclaim failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reclaimed %d expired stock escrows\n", n)
	}
	if *kind == "fiscal" || *kind == "all" {
		m := workflow.NewFiscalRangeManager(db, logger, redis, log, nil, *storeID, "lease-reclaim")
		n, err := m.ReclaimExpired(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fiscal range reclaim failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reclaimed %d expired fiscal ranges\n", n)
	}

	closeDB(db)
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}
