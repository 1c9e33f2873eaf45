// Package report renders batch results, publisher statistics and operation
// log entries as text tables and spreadsheets.
package report

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/pubstats/internal/model"
)

var printer = message.NewPrinter(language.English)

// Count formats n with thousands separators.
func Count(n int64) string {
	return printer.Sprintf("%d", n)
}

// Money formats d as dollars with thousands separators and two decimals.
func Money(d decimal.Decimal) string {
	fixed := d.Abs().StringFixed(2)
	cents := fixed[len(fixed)-2:]
	s := "$" + printer.Sprintf("%d", d.Abs().IntPart()) + "." + cents
	if d.IsNegative() {
		return "-" + s
	}
	return s
}

// Summary aggregates a set of publisher stats.
type Summary struct {
	Records         int             `json:"record_count" yaml:"record_count"`
	TotalRevenue    decimal.Decimal `json:"total_revenue" yaml:"total_revenue"`
	TotalSearches   int64           `json:"total_searches" yaml:"total_searches"`
	UniqueCampaigns int             `json:"unique_campaigns" yaml:"unique_campaigns"`
	UniqueFeeds     int             `json:"unique_feeds" yaml:"unique_feeds"`
}

// Summarize totals stats and counts distinct campaigns and feeds.
func Summarize(stats []model.PublisherStat) Summary {
	s := Summary{Records: len(stats), TotalRevenue: decimal.Zero}
	campaigns := make(map[int64]struct{})
	feeds := make(map[string]struct{})
	for _, st := range stats {
		s.TotalRevenue = s.TotalRevenue.Add(st.Revenue)
		s.TotalSearches += st.TotalSearches
		campaigns[st.CampaignID] = struct{}{}
		feeds[st.FeedID] = struct{}{}
	}
	s.UniqueCampaigns = len(campaigns)
	s.UniqueFeeds = len(feeds)
	return s
}
