package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/advisor/internal/decision"
	"github.com/sells-group/advisor/internal/model"
)

var confirmCmd = &cobra.Command{
	Use:   "confirm <subject-type> <subject-id>",
	Short: "Confirm or correct a stored decision",
	Long:  "Marks the current result as reviewed. Confirmed results never expire. --override replaces the primary value (category, urgency, strategy or competition level).",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := model.ParseSubjectType(args[0])
		if err != nil {
			return err
		}
		reviewer, _ := cmd.Flags().GetString("reviewer")
		note, _ := cmd.Flags().GetString("note")
		req := decision.ConfirmRequest{
			SubjectType: st,
			SubjectID:   args[1],
			Reviewer:    reviewer,
			Note:        note,
		}
		if cmd.Flags().Changed("override") {
			v, _ := cmd.Flags().GetString("override")
			req.Override = &v
		}

		env, err := initEnv(ctx, "decide")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.Confirm(ctx, req)
		if err != nil {
			return eris.Wrap(err, "confirm")
		}
		if outputJSON {
			return writeJSON(os.Stdout, res)
		}
		formatResult(os.Stdout, res)
		return nil
	},
}

func init() {
	confirmCmd.Flags().String("reviewer", "", "reviewer id (required)")
	confirmCmd.Flags().String("override", "", "replacement primary value")
	confirmCmd.Flags().String("note", "", "review note")
	_ = confirmCmd.MarkFlagRequired("reviewer")
	rootCmd.AddCommand(confirmCmd)
}
