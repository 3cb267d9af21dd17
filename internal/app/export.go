package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
)

// defaultExportWindow bounds the export when --from is not given.
const defaultExportWindow = 30 * 24 * time.Hour

// Export renders a tenant's purchase history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.TenantID == "" {
		return errors.New("--tenant is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	purchases, err := store.ListPurchasesBetween(ctx, opts.TenantID, from, to)
	if err != nil {
		return err
	}
	if len(purchases) == 0 {
		a.Logger.Info().Msg("no purchases found for export window")
		return nil
	}

	downsampled := downsamplePurchases(purchases, opts.MaxPoints)
	a.Logger.Info().Int("total", len(purchases)).Int("exported", len(downsampled)).Msg("exporting purchases")

	if opts.CSVPath != "" {
		if err := writePurchasesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writePurchasesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsamplePurchases(purchases []storage.PurchaseRecord, max int) []storage.PurchaseRecord {
	if max <= 0 || len(purchases) <= max {
		return purchases
	}

	result := make([]storage.PurchaseRecord, 0, max)
	step := float64(len(purchases)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(purchases) {
			idx = len(purchases) - 1
		}
		result = append(result, purchases[idx])
	}
	return result
}

func writePurchasesCSV(path string, purchases []storage.PurchaseRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "source_transaction_id", "requested_fiat", "filled_asset", "price_per_unit", "fees", "exchange_order_id", "status", "withdrawal_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, purchase := range purchases {
		withdrawal := ""
		if purchase.WithdrawalID != nil {
			withdrawal = *purchase.WithdrawalID
		}
		record := []string{
			purchase.CreatedAt.UTC().Format(time.RFC3339),
			purchase.SourceTransactionID,
			purchase.RequestedFiatAmount.String(),
			purchase.FilledAssetAmount.String(),
			purchase.PricePerUnit.String(),
			purchase.Fees.String(),
			purchase.ExchangeOrderID,
			purchase.Status,
			withdrawal,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePurchasesPNG(path string, purchases []storage.PurchaseRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(purchases))
	fiat := make([]float64, len(purchases))
	price := make([]float64, len(purchases))

	for i, purchase := range purchases {
		x[i] = purchase.CreatedAt
		fiat[i] = purchase.RequestedFiatAmount.InexactFloat64()
		price[i] = purchase.PricePerUnit.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Purchase (AUD)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Price (AUD/BTC)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Fiat amount",
				XValues: x,
				YValues: fiat,
			},
			chart.TimeSeries{
				Name:    "Fill price",
				XValues: x,
				YValues: price,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
