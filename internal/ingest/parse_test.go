package ingest

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pubstats/internal/model"
)

const feedsCSV = `date,fp_feed_id,total_searches,monetized_searches,paid_clicks,feed_revenue
2025-01-01, feed_a ,1000,600,120,250.50
2025-01-01,FEED_B,10,5,1,0.05
`

const clicksCSV = `date,campaign_id,campaign_name,fp_feed_id,traffic_source_id,clicks
2025-01-01,101,Spring Promo,feed_a,7,60
2025-01-01,102,Winter Promo,Feed_A,7,40
2025-01-01,103,Broken,FEED_A,7,-3
`

func TestParseFeeds(t *testing.T) {
	b, err := ParseFeeds(strings.NewReader(feedsCSV), "feeds.csv")
	require.NoError(t, err)
	require.Len(t, b.Rows, 2)
	assert.Empty(t, b.Rejected)

	f := b.Rows[0]
	assert.Equal(t, "FEED_A", f.FeedID)
	assert.Equal(t, "2025-01-01", f.Date.Format(model.DateLayout))
	assert.Equal(t, int64(1000), f.TotalSearches)
	assert.Equal(t, int64(600), f.MonetizedSearches)
	assert.Equal(t, int64(120), f.PaidClicks)
	assert.True(t, f.FeedRevenue.Equal(decimal.RequireFromString("250.50")))
}

func TestParseClicks_NormalizesAndSkipsNegative(t *testing.T) {
	b, err := ParseClicks(strings.NewReader(clicksCSV), "clicks.csv")
	require.NoError(t, err)

	require.Len(t, b.Rows, 2)
	assert.Equal(t, 1, b.Skipped)
	assert.Empty(t, b.Rejected)

	for _, c := range b.Rows {
		assert.Equal(t, "FEED_A", c.FeedID)
		assert.Equal(t, int64(7), c.TrafficSourceID)
	}
	assert.Equal(t, int64(101), b.Rows[0].CampaignID)
	assert.Equal(t, "Spring Promo", b.Rows[0].CampaignName)
	assert.Equal(t, int64(60), b.Rows[0].Clicks)
}

func TestParseFeeds_RejectsMalformedRows(t *testing.T) {
	in := `date,fp_feed_id,total_searches,monetized_searches,paid_clicks,feed_revenue
2025-01-01,F1,10,5,1,1.00
01/02/2025,F2,10,5,1,1.00
2025-01-03,,10,5,1,1.00
2025-01-04,F4,-1,5,1,1.00
2025-01-05,F5,10,5,1,abc
2025-01-06,F6,10,5,1,-2.00
2025-01-07,F7,ten,5,1,1.00
2025-01-08,F8,10,5,1,3.00
`
	b, err := ParseFeeds(strings.NewReader(in), "feeds.csv")
	require.NoError(t, err)

	require.Len(t, b.Rows, 2)
	assert.Equal(t, "F1", b.Rows[0].FeedID)
	assert.Equal(t, "F8", b.Rows[1].FeedID)

	require.Len(t, b.Rejected, 6)
	wantFields := []string{"date", "fp_feed_id", "total_searches", "feed_revenue", "feed_revenue", ""}
	wantLines := []int{3, 4, 5, 6, 7, 8}
	for i, v := range b.Rejected {
		assert.Equal(t, "feeds.csv", v.Source)
		assert.Equal(t, wantLines[i], v.Line, "rejection %d", i)
		assert.Equal(t, wantFields[i], v.Field, "rejection %d", i)
		assert.NotEmpty(t, v.Reason)
	}
	assert.Contains(t, b.Rejected[0].Error(), "feeds.csv line 3: date")
}

func TestParseFeeds_RejectsSubCentRevenue(t *testing.T) {
	in := `date,fp_feed_id,total_searches,monetized_searches,paid_clicks,feed_revenue
2025-01-01,F1,10,5,1,12.3456
2025-01-01,F2,10,5,1,12.3400
2025-01-01,F3,10,5,1,12.3
2025-01-01,F4,10,5,1,12
`
	b, err := ParseFeeds(strings.NewReader(in), "feeds.csv")
	require.NoError(t, err)

	require.Len(t, b.Rejected, 1)
	assert.Equal(t, 2, b.Rejected[0].Line)
	assert.Equal(t, "feed_revenue", b.Rejected[0].Field)
	assert.Contains(t, b.Rejected[0].Reason, "finer than cents")

	require.Len(t, b.Rows, 3)
	assert.Equal(t, "F2", b.Rows[0].FeedID)
	assert.True(t, b.Rows[0].FeedRevenue.Equal(decimal.RequireFromString("12.34")))
	assert.True(t, b.Rows[1].FeedRevenue.Equal(decimal.RequireFromString("12.30")))
	assert.True(t, b.Rows[2].FeedRevenue.Equal(decimal.RequireFromString("12")))
}

func TestParseClicks_RejectsShortRow(t *testing.T) {
	in := `date,campaign_id,campaign_name,fp_feed_id,traffic_source_id,clicks
2025-01-01,101,Promo,F1,7
2025-01-01,102,Promo,F1,7,5
`
	b, err := ParseClicks(strings.NewReader(in), "clicks.csv")
	require.NoError(t, err)
	require.Len(t, b.Rows, 1)
	require.Len(t, b.Rejected, 1)
	assert.Equal(t, 2, b.Rejected[0].Line)
}

func TestParse_MissingColumns(t *testing.T) {
	_, err := ParseFeeds(strings.NewReader("date,fp_feed_id\n2025-01-01,F1\n"), "feeds.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing columns total_searches, monetized_searches, paid_clicks, feed_revenue")
}

func TestParse_EmptyFile(t *testing.T) {
	_, err := ParseClicks(strings.NewReader(""), "clicks.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing header row")
}

func TestParse_HeaderOnly(t *testing.T) {
	b, err := ParseClicks(strings.NewReader("date,campaign_id,campaign_name,fp_feed_id,traffic_source_id,clicks\n"), "clicks.csv")
	require.NoError(t, err)
	assert.Empty(t, b.Rows)
	assert.Empty(t, b.Rejected)
}

func TestParse_BrokenQuoteFailsFile(t *testing.T) {
	in := "date,campaign_id,campaign_name,fp_feed_id,traffic_source_id,clicks\n2025-01-01,1,\"unterminated,F1,7,5\n"
	_, err := ParseClicks(strings.NewReader(in), "clicks.csv")
	assert.Error(t, err)
}

func TestNormalizeFeedID(t *testing.T) {
	assert.Equal(t, "FEED_A", NormalizeFeedID("  feed_a\t"))
	assert.Equal(t, "", NormalizeFeedID("   "))
}
