package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Payload schemas form a tagged union over Event.Type. Payloads are validated
// here, at the log boundary, so downstream projections never see a malformed
// document.

type SaleRecordedPayload struct {
	SaleId        string          `json:"sale_id" validate:"required"`
	CashSessionId string          `json:"cash_session_id" validate:"required"`
	RequestId     string          `json:"request_id" validate:"required"`
	ProductId     string          `json:"product_id" validate:"required"`
	VariantId     string          `json:"variant_id"`
	Qty           int64           `json:"qty" validate:"required,gt=0"`
	AmountBs      decimal.Decimal `json:"amount_bs"`
	AmountUsd     decimal.Decimal `json:"amount_usd"`
	Currency      string          `json:"currency" validate:"required,oneof=BS USD"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	FiscalNumber  *int64          `json:"fiscal_number"`
	FiscalSeries  string          `json:"fiscal_series"`
}

type CashMovementPayload struct {
	CashSessionId string          `json:"cash_session_id" validate:"required"`
	RequestId     string          `json:"request_id" validate:"required"`
	EntryType     CashEntryType   `json:"entry_type" validate:"required,oneof=SALE EXPENSE ADJUSTMENT TRANSFER INITIAL_BALANCE INCOME"`
	AmountBs      decimal.Decimal `json:"amount_bs"`
	AmountUsd     decimal.Decimal `json:"amount_usd"`
	Currency      string          `json:"currency" validate:"required,oneof=BS USD"`
	PaymentMethod string          `json:"payment_method"`
	Reason        string          `json:"reason"`
}

type StockAdjustedPayload struct {
	ProductId string `json:"product_id" validate:"required"`
	VariantId string `json:"variant_id"`
	Delta     int64  `json:"delta" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
	EscrowId  string `json:"escrow_id"`
}

type PriceChangedPayload struct {
	ProductId   string          `json:"product_id" validate:"required"`
	VariantId   string          `json:"variant_id"`
	PriceBs     decimal.Decimal `json:"price_bs"`
	PriceUsd    decimal.Decimal `json:"price_usd"`
	ChangedAtMs int64           `json:"changed_at_ms" validate:"required"`
}

// ProductTagsEditedPayload carries observed-remove set deltas for additive
// product metadata (tags, categories). Removes name the adds they observed.
type ProductTagsEditedPayload struct {
	ProductId string   `json:"product_id" validate:"required"`
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
}

type EscrowGrantedPayload struct {
	EscrowId  string `json:"escrow_id" validate:"required"`
	ProductId string `json:"product_id" validate:"required"`
	VariantId string `json:"variant_id"`
	Qty       int64  `json:"qty" validate:"required,gt=0"`
	ExpiresAt int64  `json:"expires_at"`
}

type EscrowReclaimedPayload struct {
	EscrowId  string `json:"escrow_id" validate:"required"`
	ProductId string `json:"product_id" validate:"required"`
	QtyUnused int64  `json:"qty_unused"`
	Reason    string `json:"reason" validate:"required,oneof=expired released exhausted"`
}

type FiscalRangeLeasedPayload struct {
	SeriesId   string `json:"series_id" validate:"required"`
	RangeStart int64  `json:"range_start" validate:"required"`
	RangeEnd   int64  `json:"range_end" validate:"required,gtefield=RangeStart"`
	ExpiresAt  int64  `json:"expires_at"`
}

type FiscalConsumedPayload struct {
	SeriesId string `json:"series_id" validate:"required"`
	Number   int64  `json:"number" validate:"required"`
	SaleId   string `json:"sale_id"`
}

type SessionClosedPayload struct {
	CashSessionId string          `json:"cash_session_id" validate:"required"`
	CountedBs     decimal.Decimal `json:"counted_bs"`
	CountedUsd    decimal.Decimal `json:"counted_usd"`
}

var payloadValidator = validator.New()

func payloadPrototype(eventType EventType) (any, bool) {
	switch eventType {
	case EventTypeSaleRecorded:
		return &SaleRecordedPayload{}, true
	case EventTypeCashMovement:
		return &CashMovementPayload{}, true
	case EventTypeStockAdjusted:
		return &StockAdjustedPayload{}, true
	case EventTypePriceChanged:
		return &PriceChangedPayload{}, true
	case EventTypeProductTagsEdited:
		return &ProductTagsEditedPayload{}, true
	case EventTypeEscrowGranted:
		return &EscrowGrantedPayload{}, true
	case EventTypeEscrowReclaimed:
		return &EscrowReclaimedPayload{}, true
	case EventTypeFiscalRangeLeased:
		return &FiscalRangeLeasedPayload{}, true
	case EventTypeFiscalConsumed:
		return &FiscalConsumedPayload{}, true
	case EventTypeSessionClosed:
		return &SessionClosedPayload{}, true
	default:
		return nil, false
	}
}

// DecodeEventPayload parses and validates raw payload bytes against the
// schema selected by eventType. Unknown types and schema violations are
// rejected so they never reach projections.
func DecodeEventPayload(eventType EventType, raw []byte) (any, error) {
	proto, ok := payloadPrototype(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if err := json.Unmarshal(raw, proto); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if err := payloadValidator.Struct(proto); err != nil {
		return nil, fmt.Errorf("validate %s payload: %w", eventType, err)
	}
	return proto, nil
}
