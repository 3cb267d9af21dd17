package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacklefroy/liquid-abt-sub002/internal/rules"
	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
)

// DCAJob executes fixed dollar-cost-averaging rules on schedule. Each
// (tenant, interval bucket) pair maps to a synthetic transaction id, so a
// restarted or doubled-up tick cannot buy twice: the purchase uniqueness
// constraint absorbs the repeat.
type DCAJob struct {
	rules    storage.RuleStore
	executor *Executor
	currency string
	logger   zerolog.Logger
}

// NewDCAJob constructs the scheduled DCA runner. currency denominates the
// fixed purchase amounts.
func NewDCAJob(ruleStore storage.RuleStore, executor *Executor, currency string, logger zerolog.Logger) *DCAJob {
	return &DCAJob{
		rules:    ruleStore,
		executor: executor,
		currency: currency,
		logger:   logger.With().Str("component", "dca").Logger(),
	}
}

// Tick runs one scheduler pass: every tenant with an active fixed_dca rule
// whose interval bucket has started gets one purchase attempt. Per-tenant
// failures are logged and do not stop the sweep.
func (j *DCAJob) Tick(ctx context.Context, now time.Time) error {
	tenants, err := j.rules.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		j.runTenant(ctx, tenantID, now)
	}
	return nil
}

func (j *DCAJob) runTenant(ctx context.Context, tenantID string, now time.Time) {
	logger := j.logger.With().Str("tenant_id", tenantID).Logger()

	rule, err := j.rules.ActiveRule(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, storage.ErrNoActiveRule) {
			logger.Error().Err(err).Msg("rule lookup failed")
		}
		return
	}
	if rule.Type != rules.RuleTypeFixedDCA || rule.DCAAmount.Sign() <= 0 || rule.DCAInterval <= 0 {
		return
	}

	bucket := now.UTC().Truncate(rule.DCAInterval)
	txID := fmt.Sprintf("dca:%s:%d", tenantID, bucket.Unix())

	record, err := j.executor.Execute(ctx, PurchaseRequest{
		SourceTransactionID: txID,
		TenantID:            tenantID,
		FiatAmount:          rule.DCAAmount,
		Currency:            j.currency,
		AutoWithdrawal:      rule.AutoWithdrawal,
		WithdrawalAddress:   rule.WithdrawalAddress,
	})
	if err != nil {
		logger.Error().Err(err).Str("transaction_id", txID).Msg("scheduled purchase failed")
		return
	}
	logger.Info().
		Str("transaction_id", txID).
		Str("purchase_id", record.ID).
		Str("amount", rule.DCAAmount.StringFixed(2)).
		Msg("scheduled purchase executed")
}
