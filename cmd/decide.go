package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/advisor/internal/model"
)

var (
	decideParams   []string
	decideRefresh  bool
	decideProvider string
)

var decideCmd = &cobra.Command{
	Use:   "decide <subject-type> <subject-id>",
	Short: "Compute or fetch the decision for one subject",
	Long: "Returns the cached decision when it is still valid, otherwise computes a new one.\n" +
		"Subject types: expense-categorization, inventory-optimization, tender-pricing, tender-market-analysis.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := model.ParseSubjectType(args[0])
		if err != nil {
			return err
		}
		params, err := parseParams(decideParams)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "decide")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.Decide(ctx, model.DecisionQuery{
			SubjectType:  st,
			SubjectID:    args[1],
			Parameters:   params,
			ForceRefresh: decideRefresh,
			Provider:     decideProvider,
		})
		if err != nil {
			return eris.Wrap(err, "decide")
		}

		if outputJSON {
			return writeJSON(os.Stdout, res)
		}
		formatResult(os.Stdout, res)
		return nil
	},
}

// parseParams turns key=value pairs into query parameters. Numbers and
// booleans are typed; a double-quoted value is always a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, eris.Errorf("parameter %q is not key=value", p)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
			out[k] = v[1 : len(v)-1]
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
			continue
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	decideCmd.Flags().StringArrayVarP(&decideParams, "param", "p", nil, "parameter override key=value (repeatable)")
	decideCmd.Flags().BoolVar(&decideRefresh, "refresh", false, "recompute even when a valid result is cached")
	decideCmd.Flags().StringVar(&decideProvider, "provider", "", "pin a configured provider by name")
	rootCmd.AddCommand(decideCmd)
}
