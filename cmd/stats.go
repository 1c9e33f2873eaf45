package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pubstats/internal/report"
	"github.com/sells-group/pubstats/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report distributed publisher statistics for a traffic source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ts, _ := cmd.Flags().GetInt64("ts")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")
		output, _ := cmd.Flags().GetString("output")

		scope, err := parseScope(from, to)
		if err != nil {
			return err
		}
		q := store.StatsQuery{TrafficSourceID: ts, From: scope.From, To: scope.To}
		if err := q.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.PublisherStats(ctx, q)
		if err != nil {
			return err
		}

		if xlsxPath != "" {
			if err := report.SaveStatsXLSX(xlsxPath, stats); err != nil {
				return err
			}
			zap.L().Info("stats workbook written", zap.String("path", xlsxPath), zap.Int("records", len(stats)))
			return nil
		}
		return writeOutput(os.Stdout, output, stats, func(w io.Writer) { report.WriteStats(w, stats) })
	},
}

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Show per-feed distribution coverage for a traffic source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		ts, _ := cmd.Flags().GetInt64("ts")
		output, _ := cmd.Flags().GetString("output")
		if ts <= 0 {
			return eris.New("--ts must be a positive traffic source id")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		coverage, err := st.FeedCoverage(ctx, ts)
		if err != nil {
			return err
		}
		return writeOutput(os.Stdout, output, coverage, func(w io.Writer) { report.WriteCoverage(w, coverage) })
	},
}

func init() {
	statsCmd.Flags().Int64("ts", 0, "traffic source id")
	statsCmd.Flags().String("from", "", "first date (YYYY-MM-DD)")
	statsCmd.Flags().String("to", "", "last date (YYYY-MM-DD)")
	statsCmd.Flags().String("xlsx", "", "write an .xlsx workbook to this path instead of printing")
	statsCmd.Flags().StringP("output", "o", "text", "output format: text, json, yaml")
	_ = statsCmd.MarkFlagRequired("ts")
	_ = statsCmd.MarkFlagRequired("from")
	_ = statsCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(statsCmd)

	feedsCmd.Flags().Int64("ts", 0, "traffic source id")
	feedsCmd.Flags().StringP("output", "o", "text", "output format: text, json, yaml")
	_ = feedsCmd.MarkFlagRequired("ts")
	rootCmd.AddCommand(feedsCmd)
}
