// Package treasury turns conversion decisions into executed, durably
// recorded purchases. The executor is the only component that talks to the
// exchange for order placement; everything upstream of it is pure
// decisioning.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/exchange"
	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
	"github.com/jacklefroy/liquid-abt-sub002/internal/retry"
	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
)

// PurchaseRequest asks the executor to buy a fiat-denominated amount of the
// treasury asset for a tenant. SourceTransactionID is the idempotency key:
// at most one purchase ever exists per id.
type PurchaseRequest struct {
	SourceTransactionID string
	TenantID            string
	FiatAmount          decimal.Decimal
	Currency            string
	AutoWithdrawal      bool
	WithdrawalAddress   string
}

// ExecutorOptions wires the executor's collaborators.
type ExecutorOptions struct {
	Purchases storage.PurchaseStore
	Failures  storage.FailureStore
	Exchange  exchange.Adapter
	Breaker   *pricing.Breaker
	// Instrument is the traded pair, e.g. BTC-AUD.
	Instrument string
	// Provider names the exchange in purchase records.
	Provider string
	// QuoteMaxAge bounds how stale corroborating feed observations may be.
	QuoteMaxAge time.Duration
	Policy      retry.Policy
	Logger      zerolog.Logger
}

// Executor performs idempotent, breaker-gated purchases.
type Executor struct {
	purchases   storage.PurchaseStore
	failures    storage.FailureStore
	exchange    exchange.Adapter
	breaker     *pricing.Breaker
	instrument  string
	provider    string
	quoteMaxAge time.Duration
	policy      retry.Policy
	logger      zerolog.Logger
	now         func() time.Time
}

// NewExecutor constructs an Executor. Zero QuoteMaxAge defaults to one
// minute; a zero Policy falls back to the exchange preset.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.QuoteMaxAge <= 0 {
		opts.QuoteMaxAge = time.Minute
	}
	if opts.Policy.MaxRetries == 0 && opts.Policy.InitialDelay == 0 {
		opts.Policy = retry.ExchangePolicy()
	}
	return &Executor{
		purchases:   opts.Purchases,
		failures:    opts.Failures,
		exchange:    opts.Exchange,
		breaker:     opts.Breaker,
		instrument:  opts.Instrument,
		provider:    opts.Provider,
		quoteMaxAge: opts.QuoteMaxAge,
		policy:      opts.Policy,
		logger:      opts.Logger.With().Str("component", "purchase_executor").Logger(),
		now:         time.Now,
	}
}

// Execute runs one conversion end to end: idempotency pre-check, circuit
// breaker gate against a fresh quote, retried order placement, durable
// purchase insert, then best-effort auto-withdrawal. Failures after the
// pre-check are recorded in the failure ledger before being returned.
func (e *Executor) Execute(ctx context.Context, req PurchaseRequest) (storage.PurchaseRecord, error) {
	logger := e.logger.With().
		Str("tenant_id", req.TenantID).
		Str("transaction_id", req.SourceTransactionID).
		Logger()

	if existing, err := e.purchases.GetPurchaseByTransaction(ctx, req.TenantID, req.SourceTransactionID); err == nil {
		logger.Info().Str("purchase_id", existing.ID).Msg("transaction already converted, returning existing purchase")
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.PurchaseRecord{}, e.recordFailure(ctx, req, fmt.Errorf("idempotency pre-check: %w", err))
	}

	record, err := e.execute(ctx, req, logger)
	if err != nil {
		return storage.PurchaseRecord{}, e.recordFailure(ctx, req, err)
	}
	return record, nil
}

func (e *Executor) execute(ctx context.Context, req PurchaseRequest, logger zerolog.Logger) (storage.PurchaseRecord, error) {
	quote, err := e.exchange.GetCurrentPrice(ctx, e.instrument)
	if err != nil {
		return storage.PurchaseRecord{}, fmt.Errorf("fetch quote: %w", err)
	}
	e.breaker.Record(quote)

	observations := e.breaker.LatestBySource(e.instrument, e.quoteMaxAge)
	gate := e.breaker.ValidateForTrading(e.instrument, quote.Price, req.FiatAmount, observations)
	amount := req.FiatAmount
	switch gate.Status {
	case pricing.StatusReject:
		return storage.PurchaseRecord{}, pricing.GateError(e.instrument, gate)
	case pricing.StatusAllowReduced:
		logger.Warn().
			Str("requested", req.FiatAmount.StringFixed(2)).
			Str("reduced", gate.MaxAmount.StringFixed(2)).
			Str("reason", gate.Reason).
			Msg("order size reduced by circuit breaker")
		amount = gate.MaxAmount
	}

	order, err := retry.Do(ctx, logger, e.policy, "create_market_order", func(ctx context.Context) (exchange.OrderResult, error) {
		return e.exchange.CreateMarketOrder(ctx, exchange.OrderRequest{
			Side:       "buy",
			Instrument: e.instrument,
			FiatValue:  amount,
			Currency:   req.Currency,
		})
	})
	if err != nil {
		return storage.PurchaseRecord{}, fmt.Errorf("place order: %w", err)
	}
	if !order.Filled() {
		return storage.PurchaseRecord{}, faults.Newf(faults.KindExternalService, "order %s not filled: status %s", order.OrderID, order.Status)
	}

	record := storage.PurchaseRecord{
		ID:                  uuid.NewString(),
		SourceTransactionID: req.SourceTransactionID,
		TenantID:            req.TenantID,
		RequestedFiatAmount: amount,
		FilledAssetAmount:   order.FilledAmount,
		PricePerUnit:        order.AveragePrice,
		ExchangeOrderID:     order.OrderID,
		ExchangeProvider:    e.provider,
		Status:              "completed",
		FeeCurrency:         req.Currency,
		Fees:                sumFees(order.Fees, req.Currency),
		RawExchangeResponse: order.Raw,
		CreatedAt:           e.now(),
	}

	id, err := e.purchases.InsertPurchase(ctx, req.TenantID, record)
	if err != nil {
		return storage.PurchaseRecord{}, fmt.Errorf("persist purchase: %w", err)
	}
	if id != record.ID {
		// Lost the insert race to a concurrent delivery; its purchase is
		// canonical.
		logger.Warn().Str("purchase_id", id).Msg("concurrent conversion won the insert, using its record")
		existing, readErr := e.purchases.GetPurchaseByTransaction(ctx, req.TenantID, req.SourceTransactionID)
		if readErr != nil {
			return storage.PurchaseRecord{}, fmt.Errorf("read winning purchase: %w", readErr)
		}
		return existing, nil
	}

	logger.Info().
		Str("purchase_id", record.ID).
		Str("order_id", order.OrderID).
		Str("fiat_amount", amount.StringFixed(2)).
		Str("filled", order.FilledAmount.String()).
		Msg("purchase completed")

	if req.AutoWithdrawal && req.WithdrawalAddress != "" {
		e.withdraw(ctx, req, &record, logger)
	}
	return record, nil
}

// withdraw moves the purchased asset to the tenant's address. Withdrawal
// failures never fail the purchase: the asset stays on the exchange and the
// operator follows up.
func (e *Executor) withdraw(ctx context.Context, req PurchaseRequest, record *storage.PurchaseRecord, logger zerolog.Logger) {
	result, err := e.exchange.Withdraw(ctx, exchange.WithdrawalRequest{
		Currency: assetOf(e.instrument),
		Amount:   record.FilledAssetAmount,
		Address:  req.WithdrawalAddress,
	})
	if err != nil {
		logger.Error().Err(err).Msg("auto-withdrawal failed, asset remains on exchange")
		return
	}
	if err := e.purchases.SetPurchaseWithdrawal(ctx, req.TenantID, record.ID, result.WithdrawalID); err != nil {
		logger.Error().Err(err).Str("withdrawal_id", result.WithdrawalID).Msg("failed to record withdrawal id")
		return
	}
	record.WithdrawalID = &result.WithdrawalID
	logger.Info().Str("withdrawal_id", result.WithdrawalID).Msg("auto-withdrawal submitted")
}

// The ledger-level retry schedule is distinct from the in-call retry
// policy: one minute doubling per recorded failure, capped at an hour.
const (
	failureBackoffInitial = time.Minute
	failureBackoffMax     = time.Hour
)

// recordFailure upserts the ledger entry for a failed conversion and
// returns the original error. Breaker rejections carry their retry hint
// into the base delay so replays do not land inside the suspension.
func (e *Executor) recordFailure(ctx context.Context, req PurchaseRequest, cause error) error {
	base := failureBackoffInitial
	if hint, ok := faults.RetryAfterOf(cause); ok && hint > base {
		base = hint
	}
	count, err := e.failures.UpsertFailure(ctx, req.TenantID, req.SourceTransactionID, cause.Error(), base, failureBackoffMax)
	if err != nil {
		e.logger.Error().Err(err).
			Str("tenant_id", req.TenantID).
			Str("transaction_id", req.SourceTransactionID).
			Msg("failed to record processing failure")
		return cause
	}
	e.logger.Warn().
		Str("tenant_id", req.TenantID).
		Str("transaction_id", req.SourceTransactionID).
		Int("retry_count", count).
		Err(cause).
		Msg("conversion failed, recorded in failure ledger")
	return cause
}

func sumFees(fees []exchange.Fee, currency string) decimal.Decimal {
	total := decimal.Zero
	for _, fee := range fees {
		if fee.Currency == "" || fee.Currency == currency {
			total = total.Add(fee.Amount)
		}
	}
	return total
}

// assetOf extracts the base asset from an instrument like BTC-AUD.
func assetOf(instrument string) string {
	for i := 0; i < len(instrument); i++ {
		if instrument[i] == '-' || instrument[i] == '/' {
			return instrument[:i]
		}
	}
	return instrument
}
