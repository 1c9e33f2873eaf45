package store

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/pubstats/internal/db"
	"github.com/sells-group/pubstats/internal/model"
	"github.com/sells-group/pubstats/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := newPostgresStore(mock, resilience.RetryConfig{MaxAttempts: 1}, 0, nil)
	return s, mock
}

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func migrationFileNames(t *testing.T) []string {
	t.Helper()
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func expectMigrationPreamble(mock pgxmock.PgxPoolIface, applied ...string) {
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(int64(migrationLockKey)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	rows := pgxmock.NewRows([]string{"filename"})
	for _, name := range applied {
		rows.AddRow(name)
	}
	mock.ExpectQuery("SELECT filename FROM schema_migrations").WillReturnRows(rows)
}

func TestMigrate_FreshDB(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	names := migrationFileNames(t)
	require.Len(t, names, 3)

	expectMigrationPreamble(mock)
	for _, name := range names {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsApplied(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	names := migrationFileNames(t)

	expectMigrationPreamble(mock, names[:2]...)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS operation_log").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(names[2]).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	expectMigrationPreamble(mock)
	mock.ExpectExec(".*").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: apply migration 001_inputs.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectUpsert(mock pgxmock.PgxPoolIface, cfg db.UpsertConfig, n int64) {
	tmp := db.TempTableName(cfg.Table)
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{tmp}, cfg.Columns).WillReturnResult(n)
	mock.ExpectExec(`DELETE FROM "` + tmp + `" a USING`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO "` + cfg.Table + `"`).WillReturnResult(pgxmock.NewResult("INSERT", n))
}

func TestSaveInputs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	feeds := []model.FeedMetric{{Date: day("2025-01-01"), FeedID: "F1", TotalSearches: 10, FeedRevenue: dec("1.50")}}
	clicks := []model.ClickShare{
		{Date: day("2025-01-01"), FeedID: "F1", CampaignID: 1, Clicks: 3},
		{Date: day("2025-01-01"), FeedID: "F1", CampaignID: 2, Clicks: 1},
	}

	mock.ExpectBegin()
	expectUpsert(mock, feedUpsert, 1)
	expectUpsert(mock, clickUpsert, 2)
	mock.ExpectCommit()

	feedsN, clicksN, err := s.SaveInputs(context.Background(), feeds, clicks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), feedsN)
	assert.Equal(t, int64(2), clicksN)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveInputs_RetriesTransientFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := newPostgresStore(mock, resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}, 0, nil)

	feeds := []model.FeedMetric{{Date: day("2025-01-01"), FeedID: "F1", FeedRevenue: dec("1")}}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnError(&pgconn.PgError{Code: "40P01"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	expectUpsert(mock, feedUpsert, 1)
	mock.ExpectCommit()

	feedsN, clicksN, err := s.SaveInputs(context.Background(), feeds, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), feedsN)
	assert.Equal(t, int64(0), clicksN)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedClickRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	scope := model.DateRange{From: day("2025-01-01"), To: day("2025-01-02")}
	from, to := scopeArgs(scope)

	mock.ExpectQuery(`FROM feed_provider_data f\s+JOIN campaign_clicks c`).
		WithArgs(from, to).
		WillReturnRows(pgxmock.NewRows([]string{
			"date", "fp_feed_id", "total_searches", "monetized_searches", "paid_clicks", "feed_revenue",
			"campaign_id", "campaign_name", "traffic_source_id", "clicks",
		}).
			AddRow(day("2025-01-01"), "F1", int64(100), int64(60), int64(10), db.Numeric(dec("50.25")),
				int64(1), "Alpha", int64(7), int64(3)).
			AddRow(day("2025-01-01"), "F1", int64(100), int64(60), int64(10), db.Numeric(dec("50.25")),
				int64(2), "Beta", int64(7), int64(1)))

	rows, err := s.FeedClickRows(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "F1", rows[0].Feed.FeedID)
	assert.True(t, rows[0].Feed.FeedRevenue.Equal(dec("50.25")))
	assert.Equal(t, "F1", rows[0].Click.FeedID)
	assert.Equal(t, day("2025-01-01"), rows[0].Click.Date)
	assert.Equal(t, int64(2), rows[1].Click.CampaignID)
	assert.Equal(t, "Beta", rows[1].Click.CampaignName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedClickRows_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM feed_provider_data`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("relation does not exist"))

	_, err := s.FeedClickRows(context.Background(), model.DateRange{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: feed click rows")
	assert.Contains(t, err.Error(), "relation does not exist")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrphans(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE NOT EXISTS`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"date", "fp_feed_id", "feed_revenue"}).
			AddRow(day("2025-01-01"), "F9", db.Numeric(dec("12.00"))))

	orphans, err := s.Orphans(context.Background(), model.DateRange{})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "F9", orphans[0].FeedID)
	assert.True(t, orphans[0].FeedRevenue.Equal(dec("12")))
}

func TestSourceTotals(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM feed_provider_data f\s+WHERE EXISTS`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"searches", "monetized", "paid_clicks", "revenue"}).
			AddRow(int64(1000), int64(600), int64(120), db.Numeric(dec("250.50"))))

	tot, err := s.SourceTotals(context.Background(), model.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tot.Searches)
	assert.Equal(t, int64(600), tot.Monetized)
	assert.Equal(t, int64(120), tot.PaidClicks)
	assert.True(t, tot.Revenue.Equal(dec("250.5")))
}

func TestReplaceDistribution(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	scope := model.DateRange{From: day("2025-01-01"), To: day("2025-01-01")}
	from, to := scopeArgs(scope)

	records := []model.DistributionRecord{
		{Date: day("2025-01-01"), CampaignID: 1, FeedID: "F1", AllocatedSearches: 6, FeedRevenueShare: dec("60"), PublisherRevenue: dec("45"), IsFeedData: true, BatchID: "b1"},
		{Date: day("2025-01-01"), CampaignID: 2, FeedID: "F1", AllocatedSearches: 4, FeedRevenueShare: dec("40"), PublisherRevenue: dec("30"), IsFeedData: true, BatchID: "b1"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM distributed_stats`).
		WithArgs(from, to).
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	expectUpsert(mock, distributionUpsert, 2)
	mock.ExpectCommit()

	n, err := s.ReplaceDistribution(context.Background(), scope, records)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceDistribution_FailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	scope := model.DateRange{From: day("2025-01-01"), To: day("2025-01-01")}
	from, to := scopeArgs(scope)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM distributed_stats`).
		WithArgs(from, to).
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{db.TempTableName("distributed_stats")}, distributionUpsert.Columns).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := s.ReplaceDistribution(context.Background(), scope, []model.DistributionRecord{
		{Date: day("2025-01-01"), CampaignID: 1, FeedID: "F1", BatchID: "b1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store: replace distribution")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDistributedTotals_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM distributed_stats`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"searches", "monetized", "paid_clicks", "revenue"}).
			AddRow(int64(0), int64(0), int64(0), db.Numeric(decimal.Zero)))

	tot, err := s.DistributedTotals(context.Background(), model.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, model.Totals{Revenue: tot.Revenue}, tot)
	assert.True(t, tot.Revenue.IsZero())
}

func TestPublisherStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	q := StatsQuery{TrafficSourceID: 66, From: day("2025-01-15"), To: day("2025-01-20")}

	mock.ExpectQuery(`ORDER BY date DESC, campaign_id ASC`).
		WithArgs(int64(66), q.From, q.To).
		WillReturnRows(pgxmock.NewRows([]string{
			"date", "campaign_id", "campaign_name", "total_searches", "monetized_searches", "paid_clicks", "revenue", "fp_feed_id",
		}).
			AddRow(day("2025-01-20"), int64(1), "Alpha", int64(10), int64(5), int64(2), db.Numeric(dec("7.50")), "F1").
			AddRow(day("2025-01-19"), int64(2), "Beta", int64(4), int64(2), int64(1), db.Numeric(dec("0.75")), "F2"))

	stats, err := s.PublisherStats(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "Alpha", stats[0].CampaignName)
	assert.True(t, stats[0].Revenue.Equal(dec("7.5")))
	assert.Equal(t, "F2", stats[1].FeedID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedCoverage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`GROUP BY fp_feed_id, traffic_source_id`).
		WithArgs(int64(66)).
		WillReturnRows(pgxmock.NewRows([]string{"fp_feed_id", "traffic_source_id", "min", "max", "count"}).
			AddRow("F1", int64(66), day("2025-01-01"), day("2025-01-31"), int64(90)))

	cov, err := s.FeedCoverage(context.Background(), 66)
	require.NoError(t, err)
	require.Len(t, cov, 1)
	assert.Equal(t, day("2025-01-31"), cov[0].LastDate)
	assert.Equal(t, int64(90), cov[0].RecordCount)
}

func TestHealth(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT 1`).WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`FROM information_schema.tables`).
		WithArgs(RequiredTables).
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}).
			AddRow("feed_provider_data").AddRow("campaign_clicks").AddRow("distributed_stats").AddRow("operation_log"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM distributed_stats`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	h, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Connected)
	assert.True(t, h.Healthy())
	assert.Equal(t, int64(42), h.DistributionRecords)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth_MissingTable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT 1`).WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`FROM information_schema.tables`).
		WithArgs(RequiredTables).
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}).AddRow("feed_provider_data"))

	h, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Connected)
	assert.False(t, h.Healthy())
	assert.True(t, h.Tables["feed_provider_data"])
	assert.False(t, h.Tables["distributed_stats"])
	assert.Equal(t, int64(0), h.DistributionRecords)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth_Unreachable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT 1`).WillReturnError(errors.New("connection refused"))

	h, err := s.Health(context.Background())
	require.Error(t, err)
	assert.False(t, h.Connected)
	assert.False(t, h.Healthy())
}

func TestScopeArgs(t *testing.T) {
	from, to := scopeArgs(model.DateRange{})
	assert.Nil(t, from)
	assert.Nil(t, to)

	from, to = scopeArgs(model.DateRange{From: day("2025-01-01")})
	require.NotNil(t, from)
	assert.Equal(t, day("2025-01-01"), *from)
	assert.Nil(t, to)
}
