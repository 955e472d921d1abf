package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/advisor/internal/model"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute <subject-type>",
	Short: "Force-refresh decisions for the newest subjects of a type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := model.ParseSubjectType(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		env, err := initEnv(ctx, "decide")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Service.Recompute(ctx, st, limit, concurrency)
		if err != nil {
			return eris.Wrap(err, "recompute")
		}
		if outputJSON {
			return writeJSON(os.Stdout, sum)
		}
		formatBatchSummary(os.Stdout, sum)
		if sum.Failed > 0 {
			return eris.Errorf("recompute: %d of %d subjects failed", sum.Failed, sum.Total)
		}
		return nil
	},
}

func init() {
	recomputeCmd.Flags().Int("limit", 100, "max subjects to recompute")
	recomputeCmd.Flags().Int("concurrency", 0, "parallel decisions (default from config)")
	rootCmd.AddCommand(recomputeCmd)
}
