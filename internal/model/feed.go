// Package model defines the typed rows exchanged between ingestion, the
// distribution engine, and the Postgres store.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire format for every date in input files and reports.
const DateLayout = "2006-01-02"

// FeedMetric is one feed provider's daily aggregate, keyed by (Date, FeedID).
type FeedMetric struct {
	Date              time.Time       `json:"date"`
	FeedID            string          `json:"fp_feed_id"`
	TotalSearches     int64           `json:"total_searches"`
	MonetizedSearches int64           `json:"monetized_searches"`
	PaidClicks        int64           `json:"paid_clicks"`
	FeedRevenue       decimal.Decimal `json:"feed_revenue"`
}

// ClickShare is the number of clicks one campaign sent to a feed on a date,
// keyed by (Date, CampaignID, FeedID).
type ClickShare struct {
	Date            time.Time `json:"date"`
	FeedID          string    `json:"fp_feed_id"`
	CampaignID      int64     `json:"campaign_id"`
	CampaignName    string    `json:"campaign_name"`
	TrafficSourceID int64     `json:"traffic_source_id"`
	Clicks          int64     `json:"clicks"`
}

// FeedClickRow is a FeedMetric joined with one of its ClickShare rows.
type FeedClickRow struct {
	Feed  FeedMetric
	Click ClickShare
}

// Orphan is a feed metric that has no campaign with positive clicks.
// Its totals are reported but never allocated.
type Orphan struct {
	Date        time.Time       `json:"date"`
	FeedID      string          `json:"fp_feed_id"`
	FeedRevenue decimal.Decimal `json:"feed_revenue"`
}

// Totals aggregates the distributable metrics of a set of rows.
type Totals struct {
	Searches   int64           `json:"searches" yaml:"searches"`
	Monetized  int64           `json:"monetized" yaml:"monetized"`
	PaidClicks int64           `json:"paid_clicks" yaml:"paid_clicks"`
	Revenue    decimal.Decimal `json:"revenue" yaml:"revenue"`
}

// Add returns the element-wise sum of t and o.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Searches:   t.Searches + o.Searches,
		Monetized:  t.Monetized + o.Monetized,
		PaidClicks: t.PaidClicks + o.PaidClicks,
		Revenue:    t.Revenue.Add(o.Revenue),
	}
}

// DateRange bounds a query by date, inclusive on both ends. A zero bound is open.
type DateRange struct {
	From time.Time `json:"from" yaml:"from"`
	To   time.Time `json:"to" yaml:"to"`
}

// IsZero reports whether both bounds are open.
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d time.Time) bool {
	if !r.From.IsZero() && d.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && d.After(r.To) {
		return false
	}
	return true
}

// ParseDate parses a YYYY-MM-DD date as a UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
