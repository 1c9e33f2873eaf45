package report

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/pubstats/internal/model"
)

// StatsSheet and SummarySheet name the sheets of a stats workbook.
const (
	StatsSheet   = "Stats"
	SummarySheet = "Summary"
)

var statsHeader = []string{
	"date", "campaign_id", "campaign_name", "fp_feed_id",
	"total_searches", "monetized_searches", "paid_clicks", "revenue",
}

// StatsWorkbook builds a workbook with one row per stat and a summary sheet.
func StatsWorkbook(stats []model.PublisherStat) (*xlsx.File, error) {
	file := xlsx.NewFile()

	sheet, err := file.AddSheet(StatsSheet)
	if err != nil {
		return nil, eris.Wrap(err, "report: add stats sheet")
	}
	header := sheet.AddRow()
	for _, h := range statsHeader {
		header.AddCell().SetString(h)
	}
	for _, s := range stats {
		row := sheet.AddRow()
		row.AddCell().SetString(s.Date.Format(model.DateLayout))
		row.AddCell().SetInt64(s.CampaignID)
		row.AddCell().SetString(s.CampaignName)
		row.AddCell().SetString(s.FeedID)
		row.AddCell().SetInt64(s.TotalSearches)
		row.AddCell().SetInt64(s.MonetizedSearches)
		row.AddCell().SetInt64(s.PaidClicks)
		rev, _ := s.Revenue.Float64()
		row.AddCell().SetFloatWithFormat(rev, "#,##0.00")
	}

	sum := Summarize(stats)
	summary, err := file.AddSheet(SummarySheet)
	if err != nil {
		return nil, eris.Wrap(err, "report: add summary sheet")
	}
	addPair := func(label string, set func(*xlsx.Cell)) {
		row := summary.AddRow()
		row.AddCell().SetString(label)
		set(row.AddCell())
	}
	addPair("record_count", func(c *xlsx.Cell) { c.SetInt(sum.Records) })
	addPair("total_revenue", func(c *xlsx.Cell) {
		f, _ := sum.TotalRevenue.Float64()
		c.SetFloatWithFormat(f, "#,##0.00")
	})
	addPair("total_searches", func(c *xlsx.Cell) { c.SetInt64(sum.TotalSearches) })
	addPair("unique_campaigns", func(c *xlsx.Cell) { c.SetInt(sum.UniqueCampaigns) })
	addPair("unique_feeds", func(c *xlsx.Cell) { c.SetInt(sum.UniqueFeeds) })

	return file, nil
}

// WriteStatsXLSX writes the stats workbook to out.
func WriteStatsXLSX(out io.Writer, stats []model.PublisherStat) error {
	file, err := StatsWorkbook(stats)
	if err != nil {
		return err
	}
	if err := file.Write(out); err != nil {
		return eris.Wrap(err, "report: write xlsx")
	}
	return nil
}

// SaveStatsXLSX writes the stats workbook to path.
func SaveStatsXLSX(path string, stats []model.PublisherStat) error {
	file, err := StatsWorkbook(stats)
	if err != nil {
		return err
	}
	if err := file.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}
