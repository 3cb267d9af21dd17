package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseRecord is the durable result of one executed conversion. The
// unique index on SourceTransactionID is the system's exactly-once
// mechanism.
type PurchaseRecord struct {
	ID                  string
	SourceTransactionID string
	TenantID            string
	RequestedFiatAmount decimal.Decimal
	FilledAssetAmount   decimal.Decimal
	PricePerUnit        decimal.Decimal
	ExchangeOrderID     string
	ExchangeProvider    string
	Status              string
	Fees                decimal.Decimal
	FeeCurrency         string
	RawExchangeResponse json.RawMessage
	WithdrawalID        *string
	CreatedAt           time.Time
}

// ProcessingFailure is one row per failed transaction; repeat failures
// increment RetryCount rather than appending rows.
type ProcessingFailure struct {
	SourceTransactionID string
	TenantID            string
	ErrorMessage        string
	RetryCount          int
	NextRetryAt         time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TransactionRecord is a received payment, retained for threshold-rule
// balance accumulation and replay.
type TransactionRecord struct {
	ID                   string
	TenantID             string
	Amount               decimal.Decimal
	Currency             string
	Description          string
	FlaggedForConversion bool
	OccurredAt           time.Time
	CreatedAt            time.Time
}
