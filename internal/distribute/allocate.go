package distribute

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pubstats/internal/allocate"
	"github.com/sells-group/pubstats/internal/model"
)

// GroupOutcome is the result of allocating one group: its records, or the
// error that made the group unusable.
type GroupOutcome struct {
	Records []model.DistributionRecord
	Err     error
}

// allocateFunc turns a group into distribution records.
type allocateFunc func(g *FeedGroup, batchID string) ([]model.DistributionRecord, error)

// AllocateGroup splits a group's searches, monetized searches, paid clicks
// and revenue across its campaigns by click share. Each integer metric is
// checked to sum to the feed total. A group without clicks allocates zero
// everywhere and its totals are dropped.
func AllocateGroup(g *FeedGroup, batchID string) ([]model.DistributionRecord, error) {
	weights := g.Weights()
	f := g.Feed
	dropped := g.TotalClicks() == 0

	if dropped && (f.TotalSearches > 0 || f.FeedRevenue.IsPositive()) {
		zap.L().Warn("feed has metrics but no clicks; totals dropped",
			zap.String("component", "distribute"),
			zap.Time("date", f.Date),
			zap.String("feed_id", f.FeedID),
			zap.Int64("total_searches", f.TotalSearches),
			zap.String("feed_revenue", f.FeedRevenue.StringFixed(2)),
		)
	}

	searches, err := quota("total_searches", f.TotalSearches, weights, dropped)
	if err != nil {
		return nil, err
	}
	monetized, err := quota("monetized_searches", f.MonetizedSearches, weights, dropped)
	if err != nil {
		return nil, err
	}
	paid, err := quota("paid_clicks", f.PaidClicks, weights, dropped)
	if err != nil {
		return nil, err
	}
	shares, err := allocate.SplitRevenue(f.FeedRevenue, weights)
	if err != nil {
		return nil, eris.Wrap(err, "feed_revenue")
	}

	records := make([]model.DistributionRecord, len(g.Campaigns))
	for i, c := range g.Campaigns {
		records[i] = model.DistributionRecord{
			Date:                       f.Date,
			CampaignID:                 c.CampaignID,
			CampaignName:               c.CampaignName,
			FeedID:                     f.FeedID,
			TrafficSourceID:            c.TrafficSourceID,
			AllocatedSearches:          searches[i],
			AllocatedMonetizedSearches: monetized[i],
			AllocatedPaidClicks:        paid[i],
			FeedRevenueShare:           shares[i].FeedRevenue,
			PublisherRevenue:           shares[i].PublisherRevenue,
			IsFeedData:                 true,
			BatchID:                    batchID,
		}
	}
	return records, nil
}

// quota allocates one metric and re-checks the sum. When dropped is set
// the metric is expected to allocate nothing.
func quota(metric string, total int64, weights []float64, dropped bool) ([]int64, error) {
	parts, err := allocate.Quota(total, weights)
	if err != nil {
		return nil, eris.Wrap(err, metric)
	}
	want := total
	if dropped {
		want = 0
	}
	if got := allocate.Sum(parts); got != want {
		return nil, eris.Wrapf(ErrAllocationInvariant, "%s: allocated %d of %d", metric, got, want)
	}
	return parts, nil
}
