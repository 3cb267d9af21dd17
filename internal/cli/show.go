package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacklefroy/liquid-abt-sub002/internal/app"
)

var (
	showTenant   string
	showLimit    int
	showFailures bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display a tenant's recent purchases or failure ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			TenantID: showTenant,
			Limit:    showLimit,
			Failures: showFailures,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showTenant, "tenant", "", "Tenant identifier")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showFailures, "failures", false, "Show the failure ledger instead of purchases")
}
