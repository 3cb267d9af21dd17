package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacklefroy/liquid-abt-sub002/internal/alerting"
	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
	"github.com/jacklefroy/liquid-abt-sub002/internal/rules"
	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
	"github.com/jacklefroy/liquid-abt-sub002/internal/treasury"
)

// replaySweep re-runs transactions from the failure ledger once their
// backoff window has elapsed. Entries that exhaust the retry budget are
// alerted and removed.
type replaySweep struct {
	store      *storage.Store
	pipe       *pipeline
	currency   string
	batchSize  int
	maxRetries int
	logger     zerolog.Logger
}

func (a *App) newReplaySweep(pipe *pipeline) *replaySweep {
	return &replaySweep{
		store:      pipe.store,
		pipe:       pipe,
		currency:   a.Config.Exchange.Currency,
		batchSize:  a.Config.Replay.BatchSize,
		maxRetries: a.Config.Replay.MaxRetries,
		logger:     a.Logger.With().Str("component", "replay").Logger(),
	}
}

// Tick runs one sweep over every tenant's due failures. Matches the
// scheduler's TickFunc signature.
func (s *replaySweep) Tick(ctx context.Context, now time.Time) error {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.sweepTenant(ctx, tenantID, now)
	}
	return nil
}

func (s *replaySweep) sweepTenant(ctx context.Context, tenantID string, now time.Time) {
	failures, err := s.store.ListDueFailures(ctx, tenantID, now, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failure ledger read failed")
		return
	}

	for _, failure := range failures {
		s.replayOne(ctx, tenantID, failure)
	}
}

func (s *replaySweep) replayOne(ctx context.Context, tenantID string, failure storage.ProcessingFailure) {
	logger := s.logger.With().
		Str("tenant_id", tenantID).
		Str("transaction_id", failure.SourceTransactionID).
		Int("retry_count", failure.RetryCount).
		Logger()

	if s.maxRetries > 0 && failure.RetryCount >= s.maxRetries {
		s.abandon(ctx, tenantID, failure, logger)
		return
	}

	var err error
	if strings.HasPrefix(failure.SourceTransactionID, "dca:") {
		err = s.replayDCA(ctx, tenantID, failure.SourceTransactionID)
	} else {
		err = s.replayPayment(ctx, tenantID, failure.SourceTransactionID)
	}
	if err != nil {
		// Execute already bumped the ledger entry.
		logger.Warn().Err(err).Msg("replay attempt failed")
		return
	}

	if err := s.store.DeleteFailure(ctx, tenantID, failure.SourceTransactionID); err != nil {
		logger.Error().Err(err).Msg("failed to clear replayed ledger entry")
		return
	}
	logger.Info().Msg("failed transaction replayed successfully")
}

func (s *replaySweep) replayPayment(ctx context.Context, tenantID, txID string) error {
	record, err := s.store.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		return err
	}
	_, err = s.pipe.processor.ProcessTransaction(ctx, treasury.Payment{
		TransactionID: record.ID,
		TenantID:      tenantID,
		Amount:        record.Amount,
		Currency:      record.Currency,
		Description:   record.Description,
		OccurredAt:    record.OccurredAt,
	})
	return err
}

// replayDCA re-executes a scheduled purchase under its original bucket id
// using the rule's current amount.
func (s *replaySweep) replayDCA(ctx context.Context, tenantID, txID string) error {
	rule, err := s.store.ActiveRule(ctx, tenantID)
	if err != nil {
		return err
	}
	if rule.Type != rules.RuleTypeFixedDCA || rule.DCAAmount.Sign() <= 0 {
		return errors.New("dca rule no longer active")
	}
	_, err = s.pipe.executor.Execute(ctx, treasury.PurchaseRequest{
		SourceTransactionID: txID,
		TenantID:            tenantID,
		FiatAmount:          rule.DCAAmount,
		Currency:            s.currency,
		AutoWithdrawal:      rule.AutoWithdrawal,
		WithdrawalAddress:   rule.WithdrawalAddress,
	})
	return err
}

func (s *replaySweep) abandon(ctx context.Context, tenantID string, failure storage.ProcessingFailure, logger zerolog.Logger) {
	logger.Error().Str("error", failure.ErrorMessage).Msg("retry budget exhausted, abandoning transaction")

	if err := s.pipe.notifier.Notify(ctx, alerting.Notification{
		Event:         alerting.EventRetriesExhausted,
		Timestamp:     time.Now().UTC(),
		TenantID:      tenantID,
		TransactionID: failure.SourceTransactionID,
		RetryCount:    failure.RetryCount,
		Reason:        failure.ErrorMessage,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to deliver exhaustion alert")
	}

	if err := s.store.DeleteFailure(ctx, tenantID, failure.SourceTransactionID); err != nil {
		logger.Error().Err(err).Msg("failed to remove abandoned ledger entry")
	}
}

// feedWarmup gives the websocket feed time to corroborate prices before a
// one-shot replay sweeps the ledger.
const feedWarmup = 5 * time.Second

// Replay runs one sweep of the failure ledger from the CLI.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe := a.buildPipeline(store)

	if a.Config.PriceFeed.URL != "" {
		feedCtx, cancelFeed := context.WithCancel(ctx)
		feed := pricing.NewFeed(pricing.FeedOptions{
			URL:         a.Config.PriceFeed.URL,
			Source:      a.Config.PriceFeed.Source,
			Instruments: []string{a.Config.Exchange.Instrument},
		}, pipe.breaker, a.Logger)
		feed.Start(feedCtx)
		defer feed.Wait()
		defer cancelFeed()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(feedWarmup):
		}
	}

	sweep := a.newReplaySweep(pipe)
	if opts.Limit > 0 {
		sweep.batchSize = opts.Limit
	}

	now := time.Now().UTC()
	if opts.TenantID != "" {
		sweep.sweepTenant(ctx, opts.TenantID, now)
		return nil
	}
	if err := sweep.Tick(ctx, now); err != nil {
		fmt.Fprintln(os.Stderr, "replay sweep incomplete:", err)
		return err
	}
	return nil
}
