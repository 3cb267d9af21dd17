package cli

import (
	"github.com/spf13/cobra"

	"github.com/jacklefroy/liquid-abt-sub002/internal/app"
)

var (
	replayTenant string
	replayLimit  int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run failed conversions whose retry window has elapsed",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			TenantID: replayTenant,
			Limit:    replayLimit,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayTenant, "tenant", "", "Limit the sweep to one tenant")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "Maximum failures to replay per tenant (defaults to config)")
}
