package distribute

import (
	"sort"

	"github.com/sells-group/pubstats/internal/model"
)

// FeedGroup is one feed's metrics for a date together with the campaigns
// that sent it clicks. It is the unit of allocation.
type FeedGroup struct {
	Feed      model.FeedMetric
	Campaigns []model.ClickShare
}

// TotalClicks sums the clicks of every campaign in the group.
func (g *FeedGroup) TotalClicks() int64 {
	var n int64
	for _, c := range g.Campaigns {
		n += c.Clicks
	}
	return n
}

// Weights returns the click counts as allocation weights, in campaign order.
func (g *FeedGroup) Weights() []float64 {
	w := make([]float64, len(g.Campaigns))
	for i, c := range g.Campaigns {
		w[i] = float64(c.Clicks)
	}
	return w
}

// Group clusters joined rows by (date, feed). Campaigns within a group are
// ordered by campaign id and groups by date then feed, so repeated runs over
// the same rows allocate identically. Rows without positive clicks are
// dropped; a feed left with no campaigns is returned as an orphan.
func Group(rows []model.FeedClickRow) ([]FeedGroup, []model.Orphan) {
	type key struct {
		date int64
		feed string
	}
	index := make(map[key]int)
	var all []FeedGroup

	for _, r := range rows {
		k := key{date: r.Feed.Date.Unix(), feed: r.Feed.FeedID}
		i, ok := index[k]
		if !ok {
			i = len(all)
			index[k] = i
			all = append(all, FeedGroup{Feed: r.Feed})
		}
		if r.Click.Clicks > 0 {
			all[i].Campaigns = append(all[i].Campaigns, r.Click)
		}
	}

	sort.Slice(all, func(a, b int) bool {
		if !all[a].Feed.Date.Equal(all[b].Feed.Date) {
			return all[a].Feed.Date.Before(all[b].Feed.Date)
		}
		return all[a].Feed.FeedID < all[b].Feed.FeedID
	})

	groups := all[:0:0]
	var orphans []model.Orphan
	for _, g := range all {
		if len(g.Campaigns) == 0 {
			orphans = append(orphans, model.Orphan{Date: g.Feed.Date, FeedID: g.Feed.FeedID, FeedRevenue: g.Feed.FeedRevenue})
			continue
		}
		sort.Slice(g.Campaigns, func(a, b int) bool {
			return g.Campaigns[a].CampaignID < g.Campaigns[b].CampaignID
		})
		groups = append(groups, g)
	}
	return groups, orphans
}
