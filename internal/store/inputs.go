package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pubstats/internal/db"
	"github.com/sells-group/pubstats/internal/model"
	"github.com/sells-group/pubstats/internal/resilience"
)

var feedUpsert = db.UpsertConfig{
	Table:        "feed_provider_data",
	Columns:      []string{"date", "fp_feed_id", "total_searches", "monetized_searches", "paid_clicks", "feed_revenue"},
	ConflictKeys: []string{"date", "fp_feed_id"},
}

var clickUpsert = db.UpsertConfig{
	Table:        "campaign_clicks",
	Columns:      []string{"date", "campaign_id", "campaign_name", "fp_feed_id", "traffic_source_id", "clicks"},
	ConflictKeys: []string{"date", "campaign_id", "fp_feed_id"},
}

// scopeArgs turns a date range into two nullable query parameters.
func scopeArgs(r model.DateRange) (from, to *time.Time) {
	if !r.From.IsZero() {
		f := r.From
		from = &f
	}
	if !r.To.IsZero() {
		t := r.To
		to = &t
	}
	return from, to
}

// SaveInputs upserts feed metrics and campaign clicks in one transaction.
func (s *PostgresStore) SaveInputs(ctx context.Context, feeds []model.FeedMetric, clicks []model.ClickShare) (int64, int64, error) {
	feedRows := make([][]any, len(feeds))
	for i, f := range feeds {
		feedRows[i] = []any{f.Date, f.FeedID, f.TotalSearches, f.MonetizedSearches, f.PaidClicks, db.Numeric(f.FeedRevenue)}
	}
	clickRows := make([][]any, len(clicks))
	for i, c := range clicks {
		clickRows[i] = []any{c.Date, c.CampaignID, c.CampaignName, c.FeedID, c.TrafficSourceID, c.Clicks}
	}

	var feedsN, clicksN int64
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			var err error
			if feedsN, err = db.BulkUpsertTx(ctx, tx, feedUpsert, feedRows); err != nil {
				return err
			}
			clicksN, err = db.BulkUpsertTx(ctx, tx, clickUpsert, clickRows)
			return err
		})
	})
	if err != nil {
		return 0, 0, eris.Wrap(err, "store: save inputs")
	}
	return feedsN, clicksN, nil
}

// FeedClickRows returns every feed metric joined with its campaigns that
// have positive clicks, ordered by date, feed and campaign.
func (s *PostgresStore) FeedClickRows(ctx context.Context, scope model.DateRange) ([]model.FeedClickRow, error) {
	from, to := scopeArgs(scope)
	out, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.FeedClickRow, error) {
		rows, err := s.pool.Query(ctx,
			`SELECT f.date, f.fp_feed_id, f.total_searches, f.monetized_searches, f.paid_clicks, f.feed_revenue,
			        c.campaign_id, c.campaign_name, c.traffic_source_id, c.clicks
			 FROM feed_provider_data f
			 JOIN campaign_clicks c ON c.fp_feed_id = f.fp_feed_id AND c.date = f.date
			 WHERE c.clicks > 0
			   AND ($1::date IS NULL OR f.date >= $1) AND ($2::date IS NULL OR f.date <= $2)
			 ORDER BY f.date, f.fp_feed_id, c.campaign_id`,
			from, to,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.FeedClickRow
		for rows.Next() {
			var (
				r   model.FeedClickRow
				rev pgtype.Numeric
			)
			if err := rows.Scan(&r.Feed.Date, &r.Feed.FeedID, &r.Feed.TotalSearches, &r.Feed.MonetizedSearches,
				&r.Feed.PaidClicks, &rev, &r.Click.CampaignID, &r.Click.CampaignName,
				&r.Click.TrafficSourceID, &r.Click.Clicks); err != nil {
				return nil, err
			}
			if r.Feed.FeedRevenue, err = db.Decimal(rev); err != nil {
				return nil, err
			}
			r.Click.Date = r.Feed.Date
			r.Click.FeedID = r.Feed.FeedID
			out = append(out, r)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "store: feed click rows")
	}
	return out, nil
}

// Orphans returns feed metrics that have no campaign with positive clicks.
func (s *PostgresStore) Orphans(ctx context.Context, scope model.DateRange) ([]model.Orphan, error) {
	from, to := scopeArgs(scope)
	out, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.Orphan, error) {
		rows, err := s.pool.Query(ctx,
			`SELECT f.date, f.fp_feed_id, f.feed_revenue
			 FROM feed_provider_data f
			 WHERE NOT EXISTS (
			     SELECT 1 FROM campaign_clicks c
			     WHERE c.fp_feed_id = f.fp_feed_id AND c.date = f.date AND c.clicks > 0)
			   AND ($1::date IS NULL OR f.date >= $1) AND ($2::date IS NULL OR f.date <= $2)
			 ORDER BY f.date, f.fp_feed_id`,
			from, to,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.Orphan
		for rows.Next() {
			var (
				o   model.Orphan
				rev pgtype.Numeric
			)
			if err := rows.Scan(&o.Date, &o.FeedID, &rev); err != nil {
				return nil, err
			}
			if o.FeedRevenue, err = db.Decimal(rev); err != nil {
				return nil, err
			}
			out = append(out, o)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "store: orphans")
	}
	return out, nil
}

// SourceTotals sums the feed metrics that have at least one campaign with
// positive clicks, which is everything a run can distribute.
func (s *PostgresStore) SourceTotals(ctx context.Context, scope model.DateRange) (model.Totals, error) {
	from, to := scopeArgs(scope)
	t, err := s.totals(ctx,
		`SELECT COALESCE(SUM(f.total_searches), 0)::bigint, COALESCE(SUM(f.monetized_searches), 0)::bigint,
		        COALESCE(SUM(f.paid_clicks), 0)::bigint, COALESCE(SUM(f.feed_revenue), 0)
		 FROM feed_provider_data f
		 WHERE EXISTS (
		     SELECT 1 FROM campaign_clicks c
		     WHERE c.fp_feed_id = f.fp_feed_id AND c.date = f.date AND c.clicks > 0)
		   AND ($1::date IS NULL OR f.date >= $1) AND ($2::date IS NULL OR f.date <= $2)`,
		from, to,
	)
	if err != nil {
		return model.Totals{}, eris.Wrap(err, "store: source totals")
	}
	return t, nil
}

func (s *PostgresStore) totals(ctx context.Context, sql string, args ...any) (model.Totals, error) {
	return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (model.Totals, error) {
		var (
			t   model.Totals
			rev pgtype.Numeric
		)
		if err := s.pool.QueryRow(ctx, sql, args...).Scan(&t.Searches, &t.Monetized, &t.PaidClicks, &rev); err != nil {
			return model.Totals{}, err
		}
		var err error
		t.Revenue, err = db.Decimal(rev)
		return t, err
	})
}
