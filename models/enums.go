package models

// Event types recognized by the log. The payload schema for each lives in
// eventPayload.go; anything else is rejected at the append boundary.
type EventType string

const (
	EventTypeSaleRecorded      EventType = "SALE_RECORDED"
	EventTypeCashMovement      EventType = "CASH_MOVEMENT"
	EventTypeStockAdjusted     EventType = "STOCK_ADJUSTED"
	EventTypePriceChanged      EventType = "PRICE_CHANGED"
	EventTypeProductTagsEdited EventType = "PRODUCT_TAGS_EDITED"
	EventTypeEscrowGranted     EventType = "ESCROW_GRANTED"
	EventTypeEscrowReclaimed   EventType = "ESCROW_RECLAIMED"
	EventTypeFiscalRangeLeased EventType = "FISCAL_RANGE_LEASED"
	EventTypeFiscalConsumed    EventType = "FISCAL_CONSUMED"
	EventTypeSessionClosed     EventType = "SESSION_CLOSED"
)

// Cash ledger entry types.
type CashEntryType string

const (
	CashEntryTypeSale           CashEntryType = "SALE"
	CashEntryTypeExpense        CashEntryType = "EXPENSE"
	CashEntryTypeAdjustment     CashEntryType = "ADJUSTMENT"
	CashEntryTypeTransfer       CashEntryType = "TRANSFER"
	CashEntryTypeInitialBalance CashEntryType = "INITIAL_BALANCE"
	CashEntryTypeIncome         CashEntryType = "INCOME"
)

// Outbox delivery targets. Every appended event fans out to both.
type OutboxTarget string

const (
	OutboxTargetProjection OutboxTarget = "PROJECTION"
	OutboxTargetFederation OutboxTarget = "FEDERATION_RELAY"
)

// Outbox statuses. Keep these as strings (DB values).
// Transitions only move forward: PENDING -> PROCESSING -> {DELIVERED | PENDING (retry) | DEAD}.
const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusDelivered  = "DELIVERED"
	OutboxStatusDead       = "DEAD"
)

// Conflict resolution strategies.
type ConflictStrategy string

const (
	ConflictStrategyServerWins ConflictStrategy = "server_wins"
	ConflictStrategyLWW        ConflictStrategy = "lww"
	ConflictStrategyAWSet      ConflictStrategy = "awset"
	ConflictStrategyMVR        ConflictStrategy = "mvr"
)

// Conflict lifecycle.
type ConflictStatus string

const (
	ConflictStatusPending      ConflictStatus = "PENDING"
	ConflictStatusResolved     ConflictStatus = "RESOLVED"
	ConflictStatusManualReview ConflictStatus = "MANUAL_REVIEW_REQUIRED"
)

// Lease statuses shared by stock escrows and fiscal ranges.
type LeaseStatus string

const (
	LeaseStatusActive    LeaseStatus = "ACTIVE"
	LeaseStatusExhausted LeaseStatus = "EXHAUSTED"
	LeaseStatusExpired   LeaseStatus = "EXPIRED"
	LeaseStatusReleased  LeaseStatus = "RELEASED"
)

// Federation health classification.
type HealthLevel string

const (
	HealthLevelHealthy  HealthLevel = "HEALTHY"
	HealthLevelDegraded HealthLevel = "DEGRADED"
	HealthLevelCritical HealthLevel = "CRITICAL"
)

// Entity types referenced by events and conflict resolution.
type EntityType string

const (
	EntityTypeProduct     EntityType = "PRODUCT"
	EntityTypeStock       EntityType = "STOCK"
	EntityTypeCashSession EntityType = "CASH_SESSION"
	EntityTypeFiscalSerie EntityType = "FISCAL_SERIES"
)
