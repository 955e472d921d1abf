package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/advisor/internal/gateway"
	"github.com/sells-group/advisor/internal/prompt"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured text-generation providers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		probe, _ := cmd.Flags().GetBool("probe")

		env, err := initEnv(ctx, "decide")
		if err != nil {
			return err
		}
		defer env.Close()

		var probes map[string]string
		if probe {
			probes = probeProviders(ctx, env.Gateway)
		}

		list := env.Gateway.Providers()
		if outputJSON {
			type row struct {
				gateway.ProviderStatus
				Probe string `json:"probe,omitempty"`
			}
			out := make([]row, len(list))
			for i, p := range list {
				out[i] = row{ProviderStatus: p, Probe: probes[p.Name]}
			}
			return writeJSON(os.Stdout, out)
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No providers available; decisions use the statistical baseline.")
			return nil
		}
		formatProviders(os.Stdout, list, probes)
		return nil
	},
}

// probeText is the smallest prompt that proves a provider answers.
var probeText = prompt.Text{
	System: "You are a health check.",
	User:   `Reply with {"ok": true}`,
}

// probeProviders sends probeText to each provider in turn.
func probeProviders(ctx context.Context, g *gateway.Gateway) map[string]string {
	out := make(map[string]string)
	for _, p := range g.Providers() {
		start := time.Now()
		_, err := g.Invoke(ctx, probeText, gateway.Constraints{
			Provider:  p.Name,
			MaxTokens: 16,
			Timeout:   15 * time.Second,
		})
		if err != nil {
			out[p.Name] = "error: " + err.Error()
			continue
		}
		out[p.Name] = "ok " + time.Since(start).Round(time.Millisecond).String()
	}
	return out
}

func init() {
	providersCmd.Flags().Bool("probe", false, "send a tiny prompt to each provider")
	rootCmd.AddCommand(providersCmd)
}
