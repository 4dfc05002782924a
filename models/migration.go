package models

import (
	"log"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) {
	err := db.AutoMigrate(
		&Event{}, &DeviceLogHead{},
		&OutboxEntry{},
		&CashLedgerEntry{},
		&StockEscrow{}, &StockOnHand{},
		&FiscalSequenceRange{},
		&ConflictAuditLog{},
		&FederationHealthSnapshot{},
		&ProductPrice{}, &ProductTags{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
