package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/rules"
	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
)

// Payment is one verified inbound payment handed over by the webhook
// layer.
type Payment struct {
	TransactionID string
	TenantID      string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	OccurredAt    time.Time
}

// Outcome reports what the pipeline did with a payment.
type Outcome struct {
	Converted bool
	Reason    string
	Purchase  *storage.PurchaseRecord
}

// ProcessorOptions wires the transaction processor.
type ProcessorOptions struct {
	Rules        storage.RuleStore
	Transactions storage.TransactionStore
	Executor     *Executor
	// Tiers maps plan tier names to their conversion ceilings. Unknown
	// tiers get zero limits, meaning unlimited.
	Tiers  map[string]rules.TierLimits
	Logger zerolog.Logger
}

// Processor applies the tenant's active conversion rule to each payment
// and drives the executor for convert decisions.
type Processor struct {
	rules        storage.RuleStore
	transactions storage.TransactionStore
	executor     *Executor
	tiers        map[string]rules.TierLimits
	logger       zerolog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(opts ProcessorOptions) *Processor {
	return &Processor{
		rules:        opts.Rules,
		transactions: opts.Transactions,
		executor:     opts.Executor,
		tiers:        opts.Tiers,
		logger:       opts.Logger.With().Str("component", "transaction_processor").Logger(),
	}
}

// ProcessTransaction records the payment, evaluates the tenant's active
// rule against it and executes the resulting conversion. Payments for
// tenants without an active rule are recorded and skipped. The accumulated
// balance for threshold rules is recomputed from storage on every call.
func (p *Processor) ProcessTransaction(ctx context.Context, payment Payment) (Outcome, error) {
	logger := p.logger.With().
		Str("tenant_id", payment.TenantID).
		Str("transaction_id", payment.TransactionID).
		Logger()

	rule, err := p.rules.ActiveRule(ctx, payment.TenantID)
	if errors.Is(err, storage.ErrNoActiveRule) {
		logger.Info().Msg("no active conversion rule, payment recorded only")
		if err := p.recordPayment(ctx, payment, false); err != nil {
			return Outcome{}, err
		}
		return Outcome{Reason: "no active conversion rule"}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load active rule: %w", err)
	}

	tier := p.tierLimits(ctx, payment.TenantID)

	// Accumulation excludes this payment by id: on a re-delivery or ledger
	// replay it is already recorded and flagged, and Evaluate adds the
	// incoming amount itself.
	accumulated := decimal.Zero
	var contributing []string
	if rule.Type == rules.RuleTypeThreshold {
		accumulated, contributing, err = p.transactions.UnconvertedBalance(ctx, payment.TenantID, payment.TransactionID)
		if err != nil {
			return Outcome{}, fmt.Errorf("accumulated balance: %w", err)
		}
	}

	if err := p.recordPayment(ctx, payment, rule.Type == rules.RuleTypeThreshold); err != nil {
		return Outcome{}, err
	}

	decision := rules.Evaluate(payment.Amount, rule, tier, accumulated)
	if !decision.ShouldConvert {
		logger.Info().Str("reason", decision.Reason).Msg("payment skipped")
		return Outcome{Reason: decision.Reason}, nil
	}

	record, err := p.executor.Execute(ctx, PurchaseRequest{
		SourceTransactionID: payment.TransactionID,
		TenantID:            payment.TenantID,
		FiatAmount:          decision.Amount,
		Currency:            payment.Currency,
		AutoWithdrawal:      rule.AutoWithdrawal,
		WithdrawalAddress:   rule.WithdrawalAddress,
	})
	if err != nil {
		return Outcome{}, err
	}

	if rule.Type == rules.RuleTypeThreshold {
		// Unflag exactly the rows that were summed, plus the trigger.
		if err := p.transactions.ClearFlagged(ctx, payment.TenantID, append(contributing, payment.TransactionID)); err != nil {
			logger.Error().Err(err).Msg("failed to clear accumulated payments after conversion")
		}
	}

	return Outcome{Converted: true, Reason: decision.Reason, Purchase: &record}, nil
}

func (p *Processor) recordPayment(ctx context.Context, payment Payment, flagged bool) error {
	occurred := payment.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	err := p.transactions.InsertTransaction(ctx, payment.TenantID, storage.TransactionRecord{
		ID:                   payment.TransactionID,
		TenantID:             payment.TenantID,
		Amount:               payment.Amount,
		Currency:             payment.Currency,
		Description:          payment.Description,
		FlaggedForConversion: flagged,
		OccurredAt:           occurred,
	})
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

func (p *Processor) tierLimits(ctx context.Context, tenantID string) rules.TierLimits {
	if len(p.tiers) == 0 {
		return rules.TierLimits{}
	}
	name, err := p.rules.TenantTier(ctx, tenantID)
	if err != nil {
		p.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("tier lookup failed, applying no limits")
		return rules.TierLimits{}
	}
	return p.tiers[name]
}
