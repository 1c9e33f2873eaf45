package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pubstats/internal/distribute"
	"github.com/sells-group/pubstats/internal/ingest"
	"github.com/sells-group/pubstats/internal/report"
)

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Import input files and distribute feed revenue to campaigns",
	Long: "Runs a full batch: checks whether the input files were already imported, imports them, " +
		"allocates every feed's metrics and revenue across its campaigns by click share, " +
		"replaces the distribution records for the covered dates, and verifies the totals.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		opts, err := batchOptions(cmd)
		if err != nil {
			return err
		}
		if !opts.SkipImport && (opts.Sources.Clicks == "" || opts.Sources.Feeds == "") {
			return eris.New("--clicks and --feeds are required unless --skip-import is set")
		}
		output, _ := cmd.Flags().GetString("output")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runner, err := initRunner(st)
		if err != nil {
			return err
		}

		res, runErr := runner.Run(ctx, opts)
		if err := writeOutput(os.Stdout, output, res, func(w io.Writer) { report.WriteRun(w, res) }); err != nil {
			return err
		}
		if runErr != nil {
			return eris.Wrapf(runErr, "batch %s", res.BatchID)
		}
		if res.Verification != nil && !res.Verification.Passed() {
			zap.L().Warn("batch completed with verification mismatches", zap.String("batch_id", res.BatchID))
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import feed metrics and campaign clicks without distributing",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		opts, err := batchOptions(cmd)
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		runner, err := initRunner(st)
		if err != nil {
			return err
		}

		res, runErr := runner.Import(ctx, opts)
		if err := writeOutput(os.Stdout, output, res, func(w io.Writer) { report.WriteRun(w, res) }); err != nil {
			return err
		}
		if runErr != nil {
			return eris.Wrapf(runErr, "import %s", res.BatchID)
		}
		return nil
	},
}

func batchOptions(cmd *cobra.Command) (distribute.Options, error) {
	clicks, _ := cmd.Flags().GetString("clicks")
	feeds, _ := cmd.Flags().GetString("feeds")
	batchID, _ := cmd.Flags().GetString("batch-id")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	skipImport, _ := cmd.Flags().GetBool("skip-import")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	scope, err := parseScope(from, to)
	if err != nil {
		return distribute.Options{}, err
	}
	return distribute.Options{
		BatchID:    batchID,
		Sources:    ingest.Sources{Clicks: clicks, Feeds: feeds},
		Scope:      scope,
		DryRun:     dryRun,
		Force:      force,
		SkipImport: skipImport,
	}, nil
}

func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().String("clicks", "", "campaign clicks CSV (path, http(s):// or ftp:// URL)")
	cmd.Flags().String("feeds", "", "feed metrics CSV (path, http(s):// or ftp:// URL)")
	cmd.Flags().String("batch-id", "", "batch identifier (default: generated UUID)")
	cmd.Flags().Bool("dry-run", false, "compute and report without writing anything")
	cmd.Flags().Bool("force", false, "import even if the same files were already imported")
	cmd.Flags().StringP("output", "o", "text", "output format: text, json, yaml")
}

func init() {
	addInputFlags(distributeCmd)
	distributeCmd.Flags().Bool("skip-import", false, "distribute the rows already stored")
	distributeCmd.Flags().String("from", "", "first date to distribute (YYYY-MM-DD, default: dates in the input files)")
	distributeCmd.Flags().String("to", "", "last date to distribute (YYYY-MM-DD)")
	rootCmd.AddCommand(distributeCmd)

	addInputFlags(importCmd)
	_ = importCmd.MarkFlagRequired("clicks")
	_ = importCmd.MarkFlagRequired("feeds")
	rootCmd.AddCommand(importCmd)
}
