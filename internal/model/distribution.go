package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DistributionRecord is one campaign's share of a feed's metrics for a date,
// keyed by (Date, CampaignID, FeedID). Records are recomputed on every batch
// run and overwritten by the next run for the same key.
type DistributionRecord struct {
	Date                       time.Time       `json:"date"`
	CampaignID                 int64           `json:"campaign_id"`
	CampaignName               string          `json:"campaign_name"`
	FeedID                     string          `json:"feed_id"`
	TrafficSourceID            int64           `json:"traffic_source_id"`
	AllocatedSearches          int64           `json:"total_searches"`
	AllocatedMonetizedSearches int64           `json:"monetized_searches"`
	AllocatedPaidClicks        int64           `json:"paid_clicks"`
	FeedRevenueShare           decimal.Decimal `json:"feed_revenue"`
	PublisherRevenue           decimal.Decimal `json:"pub_revenue"`
	IsFeedData                 bool            `json:"is_feed_data"`
	BatchID                    string          `json:"batch_id"`
}

// PublisherStat is a distribution record as exposed to publishers.
type PublisherStat struct {
	Date              time.Time       `json:"date"`
	CampaignID        int64           `json:"campaign_id"`
	CampaignName      string          `json:"campaign_name"`
	TotalSearches     int64           `json:"total_searches"`
	MonetizedSearches int64           `json:"monetized_searches"`
	PaidClicks        int64           `json:"paid_clicks"`
	Revenue           decimal.Decimal `json:"revenue"`
	FeedID            string          `json:"feed_id"`
}

// FeedCoverage summarizes which dates a feed has distribution records for.
type FeedCoverage struct {
	FeedID          string    `json:"fp_feed_id"`
	TrafficSourceID int64     `json:"traffic_source_id"`
	FirstDate       time.Time `json:"first_date"`
	LastDate        time.Time `json:"last_date"`
	RecordCount     int64     `json:"record_count"`
}
