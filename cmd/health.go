package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pubstats/internal/report"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check database connectivity and required tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		output, _ := cmd.Flags().GetString("output")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		h, err := st.Health(ctx)
		if h != nil {
			if werr := writeOutput(os.Stdout, output, h, func(w io.Writer) { report.WriteHealth(w, h) }); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if !h.Healthy() {
			return eris.New("store is unhealthy")
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().StringP("output", "o", "text", "output format: text, json, yaml")
	rootCmd.AddCommand(healthCmd)
}
