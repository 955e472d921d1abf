package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import <kind> <file>...",
	Short: "Load historical records from CSV, XLSX or JSON files",
	Long:  "Kinds: expenses, products, movements, tenders. Rows with an existing id replace the stored record.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind, err := importer.ParseKind(args[0])
		if err != nil {
			return err
		}
		strict, _ := cmd.Flags().GetBool("strict")
		sheet, _ := cmd.Flags().GetString("sheet")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		if err := cfg.Validate("import"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		im := importer.New(st, importer.Options{BatchSize: batchSize, Strict: strict, Sheet: sheet})
		var saved int64
		for _, path := range args[1:] {
			stats, err := im.ImportFile(ctx, kind, path)
			if err != nil {
				return eris.Wrapf(err, "import %s", path)
			}
			formatImport(os.Stdout, path, stats)
			saved += stats.Saved
		}

		zap.L().Info("import complete",
			zap.String("kind", string(kind)),
			zap.Int("files", len(args)-1),
			zap.Int64("saved", saved),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("strict", false, "fail on the first invalid row")
	importCmd.Flags().String("sheet", "", "XLSX sheet name (default first sheet)")
	importCmd.Flags().Int("batch-size", 500, "records per store write")
	rootCmd.AddCommand(importCmd)
}
