package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pubstats/internal/db"
	"github.com/sells-group/pubstats/internal/model"
	"github.com/sells-group/pubstats/internal/resilience"
)

var distributionUpsert = db.UpsertConfig{
	Table: "distributed_stats",
	Columns: []string{
		"date", "campaign_id", "campaign_name", "fp_feed_id", "traffic_source_id",
		"total_searches", "monetized_searches", "paid_clicks",
		"feed_revenue", "pub_revenue", "is_feed_data", "batch_id",
	},
	ConflictKeys: []string{"date", "campaign_id", "fp_feed_id"},
}

// ReplaceDistribution deletes the distribution records in scope and writes
// records in their place, all in one transaction. Either every record of
// the batch is visible afterwards or none is.
func (s *PostgresStore) ReplaceDistribution(ctx context.Context, scope model.DateRange, records []model.DistributionRecord) (int64, error) {
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{
			r.Date, r.CampaignID, r.CampaignName, r.FeedID, r.TrafficSourceID,
			r.AllocatedSearches, r.AllocatedMonetizedSearches, r.AllocatedPaidClicks,
			db.Numeric(r.FeedRevenueShare), db.Numeric(r.PublisherRevenue), r.IsFeedData, r.BatchID,
		}
	}
	from, to := scopeArgs(scope)

	var written int64
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`DELETE FROM distributed_stats
				 WHERE ($1::date IS NULL OR date >= $1) AND ($2::date IS NULL OR date <= $2)`,
				from, to,
			); err != nil {
				return eris.Wrap(err, "delete existing records")
			}
			var err error
			written, err = db.BulkUpsertTx(ctx, tx, distributionUpsert, rows)
			return err
		})
	})
	if err != nil {
		return 0, eris.Wrap(err, "store: replace distribution")
	}
	return written, nil
}

// DistributedTotals sums the distribution records in scope.
func (s *PostgresStore) DistributedTotals(ctx context.Context, scope model.DateRange) (model.Totals, error) {
	from, to := scopeArgs(scope)
	t, err := s.totals(ctx,
		`SELECT COALESCE(SUM(total_searches), 0)::bigint, COALESCE(SUM(monetized_searches), 0)::bigint,
		        COALESCE(SUM(paid_clicks), 0)::bigint, COALESCE(SUM(feed_revenue), 0)
		 FROM distributed_stats
		 WHERE ($1::date IS NULL OR date >= $1) AND ($2::date IS NULL OR date <= $2)`,
		from, to,
	)
	if err != nil {
		return model.Totals{}, eris.Wrap(err, "store: distributed totals")
	}
	return t, nil
}

// PublisherStats returns revenue-bearing feed records for a traffic source,
// newest date first and by campaign within a date.
func (s *PostgresStore) PublisherStats(ctx context.Context, q StatsQuery) ([]model.PublisherStat, error) {
	out, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.PublisherStat, error) {
		rows, err := s.pool.Query(ctx,
			`SELECT date, campaign_id, campaign_name, total_searches, monetized_searches, paid_clicks,
			        ROUND(pub_revenue, 2), fp_feed_id
			 FROM distributed_stats
			 WHERE traffic_source_id = $1 AND date >= $2 AND date <= $3
			   AND is_feed_data = true AND pub_revenue > 0
			 ORDER BY date DESC, campaign_id ASC`,
			q.TrafficSourceID, q.From, q.To,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.PublisherStat
		for rows.Next() {
			var (
				p   model.PublisherStat
				rev pgtype.Numeric
			)
			if err := rows.Scan(&p.Date, &p.CampaignID, &p.CampaignName, &p.TotalSearches,
				&p.MonetizedSearches, &p.PaidClicks, &rev, &p.FeedID); err != nil {
				return nil, err
			}
			if p.Revenue, err = db.Decimal(rev); err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrapf(err, "store: publisher stats for traffic source %d", q.TrafficSourceID)
	}
	return out, nil
}

// FeedCoverage lists, per feed, the first and last distributed date and the
// record count for a traffic source.
func (s *PostgresStore) FeedCoverage(ctx context.Context, trafficSourceID int64) ([]model.FeedCoverage, error) {
	out, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.FeedCoverage, error) {
		rows, err := s.pool.Query(ctx,
			`SELECT fp_feed_id, traffic_source_id, MIN(date), MAX(date), COUNT(*)
			 FROM distributed_stats
			 WHERE traffic_source_id = $1
			 GROUP BY fp_feed_id, traffic_source_id
			 ORDER BY fp_feed_id`,
			trafficSourceID,
		)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []model.FeedCoverage
		for rows.Next() {
			var c model.FeedCoverage
			if err := rows.Scan(&c.FeedID, &c.TrafficSourceID, &c.FirstDate, &c.LastDate, &c.RecordCount); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, eris.Wrapf(err, "store: feed coverage for traffic source %d", trafficSourceID)
	}
	return out, nil
}
