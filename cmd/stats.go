package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/advisor/internal/monitoring"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent decisions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		hours, _ := cmd.Flags().GetInt("hours")
		alert, _ := cmd.Flags().GetBool("alert")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st, nil).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		if alert {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			alerter.SendAlerts(ctx, alerter.Evaluate(snap))
		}

		if outputJSON {
			return writeJSON(os.Stdout, snap)
		}
		formatStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")
	statsCmd.Flags().Bool("alert", false, "evaluate alert thresholds and send webhooks")
	rootCmd.AddCommand(statsCmd)
}
