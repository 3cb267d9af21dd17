package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
)

type purchaseLister interface {
	ListRecentPurchases(ctx context.Context, tenantID string, limit int) ([]storage.PurchaseRecord, error)
}

type failureLister interface {
	ListRecentFailures(ctx context.Context, tenantID string, limit int) ([]storage.ProcessingFailure, error)
}

// Show prints a tenant's recent purchases, or its failure ledger when
// opts.Failures is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.TenantID == "" {
		return errors.New("--tenant is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Failures {
		return a.showFailures(ctx, store, opts)
	}
	return a.showPurchases(ctx, store, opts)
}

func (a *App) showPurchases(ctx context.Context, store purchaseLister, opts ShowOptions) error {
	purchases, err := store.ListRecentPurchases(ctx, opts.TenantID, opts.Limit)
	if err != nil {
		return err
	}
	if len(purchases) == 0 {
		fmt.Fprintln(os.Stdout, "no purchases found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTransaction\tFiat (AUD)\tFilled\tPrice\tOrder\tStatus\tWithdrawal")

	for _, purchase := range purchases {
		withdrawal := ""
		if purchase.WithdrawalID != nil {
			withdrawal = *purchase.WithdrawalID
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			purchase.CreatedAt.UTC().Format(time.RFC3339),
			purchase.SourceTransactionID,
			purchase.RequestedFiatAmount.StringFixed(2),
			purchase.FilledAssetAmount.String(),
			purchase.PricePerUnit.StringFixed(2),
			purchase.ExchangeOrderID,
			purchase.Status,
			withdrawal,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showFailures(ctx context.Context, store failureLister, opts ShowOptions) error {
	failures, err := store.ListRecentFailures(ctx, opts.TenantID, opts.Limit)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		fmt.Fprintln(os.Stdout, "failure ledger is empty")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Transaction\tRetries\tNext Retry (UTC)\tError")

	for _, failure := range failures {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\n",
			failure.SourceTransactionID,
			failure.RetryCount,
			failure.NextRetryAt.UTC().Format(time.RFC3339),
			sanitizeInline(failure.ErrorMessage),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
