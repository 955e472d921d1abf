package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/store"
)

var showCmd = &cobra.Command{
	Use:   "show [subject-type] [subject-id]",
	Short: "Show stored decisions",
	Long:  "With a subject id, prints that subject's current result. Otherwise lists stored results matching the filters.",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var st model.SubjectType
		if len(args) > 0 {
			var err error
			if st, err = model.ParseSubjectType(args[0]); err != nil {
				return err
			}
		}

		env, err := initEnv(ctx, "decide")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 2 {
			res, err := env.Service.Current(ctx, st, args[1])
			if err != nil {
				return eris.Wrap(err, "show")
			}
			if outputJSON {
				return writeJSON(os.Stdout, res)
			}
			formatResult(os.Stdout, res)
			return nil
		}

		filter, err := showFilter(cmd, st)
		if err != nil {
			return err
		}
		results, err := env.Service.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "show list")
		}
		if outputJSON {
			return writeJSON(os.Stdout, results)
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No results found.")
			return nil
		}
		formatResultList(os.Stdout, results)
		return nil
	},
}

func showFilter(cmd *cobra.Command, st model.SubjectType) (store.ResultFilter, error) {
	source, _ := cmd.Flags().GetString("source")
	anomalies, _ := cmd.Flags().GetBool("anomalies")
	unconfirmed, _ := cmd.Flags().GetBool("unconfirmed")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	f := store.ResultFilter{
		SubjectType:     st,
		AnomaliesOnly:   anomalies,
		UnconfirmedOnly: unconfirmed,
		Limit:           limit,
		Offset:          offset,
	}
	switch source {
	case "":
	case "ai", string(model.SourceAI):
		f.SourceKind = model.SourceAI
	case "fallback", string(model.SourceFallback):
		f.SourceKind = model.SourceFallback
	default:
		return f, eris.Errorf("unknown source %q (want ai or fallback)", source)
	}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	return f, nil
}

func init() {
	showCmd.Flags().String("source", "", "filter by source: ai or fallback")
	showCmd.Flags().Bool("anomalies", false, "only anomalous results")
	showCmd.Flags().Bool("unconfirmed", false, "only unconfirmed results")
	showCmd.Flags().Duration("since", 0, "only results computed within this duration, e.g. 24h")
	showCmd.Flags().Int("limit", 50, "max results to list")
	showCmd.Flags().Int("offset", 0, "results to skip")
	rootCmd.AddCommand(showCmd)
}
