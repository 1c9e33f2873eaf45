package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/pubstats/internal/oplog"
	"github.com/sells-group/pubstats/internal/report"
)

var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Inspect the operation log",
}

var oplogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent operation log entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		batchID, _ := cmd.Flags().GetString("batch-id")
		operation, _ := cmd.Flags().GetString("operation")
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := oplog.New(st.Pool(), st.Retry()).List(ctx, oplog.Filter{
			BatchID:   batchID,
			Operation: operation,
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		return writeOutput(os.Stdout, output, entries, func(w io.Writer) { report.WriteOplog(w, entries) })
	},
}

func init() {
	oplogListCmd.Flags().String("batch-id", "", "only entries for this batch")
	oplogListCmd.Flags().String("operation", "", "only entries of this operation type (file_import, revenue_distribution, verification)")
	oplogListCmd.Flags().Int("limit", 50, "maximum number of entries")
	oplogListCmd.Flags().StringP("output", "o", "text", "output format: text, json, yaml")
	oplogCmd.AddCommand(oplogListCmd)
	rootCmd.AddCommand(oplogCmd)
}
