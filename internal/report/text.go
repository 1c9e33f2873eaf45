package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/pubstats/internal/distribute"
	"github.com/sells-group/pubstats/internal/model"
	"github.com/sells-group/pubstats/internal/store"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(model.DateLayout)
}

// WriteRun writes a human-readable summary of a batch run.
func WriteRun(out io.Writer, res *distribute.Result) {
	w := newTable(out)
	_, _ = fmt.Fprintf(w, "Batch:\t%s\n", res.BatchID)
	status := string(res.Status)
	if res.DryRun {
		status += " (dry run)"
	}
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", status)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", res.State)
	_, _ = fmt.Fprintf(w, "Scope:\t%s .. %s\n", formatDate(res.Scope.From), formatDate(res.Scope.To))

	switch {
	case res.Guard.Duplicate:
		_, _ = fmt.Fprintf(w, "Import:\tskipped, already imported by %s at %s\n",
			res.Guard.PriorBatchID, res.Guard.PriorAt.UTC().Format(time.RFC3339))
	case res.ImportSkipped:
		_, _ = fmt.Fprintln(w, "Import:\tskipped")
	case res.Import != nil:
		_, _ = fmt.Fprintf(w, "Import:\t%s feed rows, %s click rows (%d skipped, %d rejected)\n",
			Count(res.Import.FeedsImported), Count(res.Import.ClicksImported),
			res.Import.ClicksSkipped, len(res.Import.Rejected))
	}

	_, _ = fmt.Fprintf(w, "Groups:\t%s (%d failed)\n", Count(int64(res.Groups)), res.FailedGroups)
	_, _ = fmt.Fprintf(w, "Orphaned feeds:\t%d (%s revenue)\n", res.Orphans, Money(res.OrphanedRevenue))
	_, _ = fmt.Fprintf(w, "Records:\t%s\n", Count(res.Records))
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", res.Elapsed.Round(time.Millisecond))
	_ = w.Flush()

	if res.Verification != nil {
		_, _ = fmt.Fprintln(out)
		WriteVerification(out, res.Verification)
	}

	if len(res.GroupErrors) > 0 {
		_, _ = fmt.Fprintln(out)
		_, _ = fmt.Fprintln(out, "Failed groups:")
		for _, e := range res.GroupErrors {
			_, _ = fmt.Fprintf(out, "  %s\n", e)
		}
	}
	if res.Import != nil && len(res.Import.Rejected) > 0 {
		_, _ = fmt.Fprintln(out)
		_, _ = fmt.Fprintln(out, "Rejected rows:")
		for _, v := range res.Import.Rejected {
			_, _ = fmt.Fprintf(out, "  %s\n", v.Error())
		}
	}
}

// WriteVerification writes source and distributed totals side by side.
func WriteVerification(out io.Writer, v *distribute.Verification) {
	_, _ = fmt.Fprintf(out, "Verification: %s\n", v.Status())
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "METRIC\tSOURCE\tDISTRIBUTED")
	_, _ = fmt.Fprintf(w, "Total searches\t%s\t%s\n", Count(v.Source.Searches), Count(v.Distributed.Searches))
	_, _ = fmt.Fprintf(w, "Monetized searches\t%s\t%s\n", Count(v.Source.Monetized), Count(v.Distributed.Monetized))
	_, _ = fmt.Fprintf(w, "Paid clicks\t%s\t%s\n", Count(v.Source.PaidClicks), Count(v.Distributed.PaidClicks))
	_, _ = fmt.Fprintf(w, "Feed revenue\t%s\t%s\n", Money(v.Source.Revenue), Money(v.Distributed.Revenue))
	_ = w.Flush()
	for _, m := range v.Mismatches {
		_, _ = fmt.Fprintf(out, "  mismatch: %s\n", m)
	}
}

// WriteStats writes publisher stats followed by their summary.
func WriteStats(out io.Writer, stats []model.PublisherStat) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "DATE\tCAMPAIGN\tNAME\tFEED\tSEARCHES\tMONETIZED\tPAID CLICKS\tREVENUE")
	for _, s := range stats {
		name := s.CampaignName
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatDate(s.Date), s.CampaignID, name, s.FeedID,
			Count(s.TotalSearches), Count(s.MonetizedSearches), Count(s.PaidClicks), Money(s.Revenue))
	}
	_ = w.Flush()

	sum := Summarize(stats)
	_, _ = fmt.Fprintln(out)
	w = newTable(out)
	_, _ = fmt.Fprintf(w, "Records:\t%s\n", Count(int64(sum.Records)))
	_, _ = fmt.Fprintf(w, "Total revenue:\t%s\n", Money(sum.TotalRevenue))
	_, _ = fmt.Fprintf(w, "Total searches:\t%s\n", Count(sum.TotalSearches))
	_, _ = fmt.Fprintf(w, "Unique campaigns:\t%d\n", sum.UniqueCampaigns)
	_, _ = fmt.Fprintf(w, "Unique feeds:\t%d\n", sum.UniqueFeeds)
	_ = w.Flush()
}

// WriteCoverage writes the per-feed date coverage of a traffic source.
func WriteCoverage(out io.Writer, cov []model.FeedCoverage) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "FEED\tTRAFFIC SOURCE\tFIRST DATE\tLAST DATE\tRECORDS")
	for _, c := range cov {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			c.FeedID, c.TrafficSourceID, formatDate(c.FirstDate), formatDate(c.LastDate), Count(c.RecordCount))
	}
	_ = w.Flush()
}

// WriteOplog writes operation log entries, newest first as given.
func WriteOplog(out io.Writer, entries []model.OperationLogEntry) {
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "ID\tBATCH\tOPERATION\tSTATUS\tRECORDS\tDURATION\tCREATED\tMESSAGE")
	for _, e := range entries {
		msg := e.Message
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, truncateID(e.BatchID), e.Operation, e.Status, Count(e.RecordsProcessed),
			e.ExecutionTime.Round(time.Millisecond), e.CreatedAt.Format("2006-01-02 15:04:05"), msg)
	}
	_ = w.Flush()
}

// WriteHealth writes a health report.
func WriteHealth(out io.Writer, h *store.HealthReport) {
	w := newTable(out)
	status := "healthy"
	if !h.Healthy() {
		status = "unhealthy"
	}
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", status)
	_, _ = fmt.Fprintf(w, "Database:\t%s\n", connected(h.Connected))

	names := make([]string, 0, len(h.Tables))
	for name := range h.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	var missing []string
	for _, name := range names {
		if !h.Tables[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		_, _ = fmt.Fprintf(w, "Missing tables:\t%s\n", strings.Join(missing, ", "))
	} else {
		_, _ = fmt.Fprintf(w, "Tables:\t%d present\n", len(names))
	}
	_, _ = fmt.Fprintf(w, "Distribution records:\t%s\n", Count(h.DistributionRecords))
	_, _ = fmt.Fprintf(w, "Checked at:\t%s\n", h.CheckedAt.Format(time.RFC3339))
	_ = w.Flush()
}

func connected(ok bool) string {
	if ok {
		return "connected"
	}
	return "unreachable"
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
