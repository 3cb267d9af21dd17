// Package exchange talks to the external trading venue. Failures surface
// the upstream HTTP status through faults so the retry orchestrator can
// classify them.
package exchange

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
)

// Fee is a single fee line from the exchange.
type Fee struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// OrderRequest describes a market order priced in fiat.
type OrderRequest struct {
	Side       string
	Instrument string
	FiatValue  decimal.Decimal
	Currency   string
}

// OrderResult is the exchange's response to an order placement.
type OrderResult struct {
	OrderID      string
	Status       string
	FilledAmount decimal.Decimal
	AveragePrice decimal.Decimal
	Fees         []Fee
	Raw          json.RawMessage
}

// Filled reports whether the order executed.
func (r OrderResult) Filled() bool {
	return r.Status == "filled" || r.Status == "closed"
}

// WithdrawalRequest moves purchased asset to a customer address.
type WithdrawalRequest struct {
	Currency string
	Amount   decimal.Decimal
	Address  string
}

// WithdrawalResult is the exchange's response to a withdrawal.
type WithdrawalResult struct {
	WithdrawalID string
	Status       string
	Fees         []Fee
}

// Adapter is the exchange surface consumed by the pipeline.
type Adapter interface {
	GetCurrentPrice(ctx context.Context, instrument string) (pricing.Observation, error)
	CreateMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Withdraw(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error)
}
