// Package store persists input rows, distribution records and run metadata
// in Postgres.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pubstats/internal/model"
)

// MaxStatsDays is the widest date range a stats query may span.
const MaxStatsDays = 365

// StatsQuery selects publisher statistics for one traffic source.
type StatsQuery struct {
	TrafficSourceID int64
	From            time.Time
	To              time.Time
}

// Validate checks that the range is ordered and no wider than MaxStatsDays.
func (q StatsQuery) Validate() error {
	if q.From.IsZero() || q.To.IsZero() {
		return eris.New("store: stats query needs both from and to dates")
	}
	if q.From.After(q.To) {
		return eris.Errorf("store: from %s is after to %s", q.From.Format(model.DateLayout), q.To.Format(model.DateLayout))
	}
	if days := int(q.To.Sub(q.From).Hours() / 24); days > MaxStatsDays {
		return eris.Errorf("store: date range of %d days exceeds %d", days, MaxStatsDays)
	}
	return nil
}

// HealthReport is the outcome of a health check.
type HealthReport struct {
	Connected           bool            `json:"connected" yaml:"connected"`
	Tables              map[string]bool `json:"tables" yaml:"tables"`
	DistributionRecords int64           `json:"distributed_stats_records" yaml:"distributed_stats_records"`
	CheckedAt           time.Time       `json:"checked_at" yaml:"checked_at"`
}

// Healthy reports whether the database is reachable and every table exists.
func (h *HealthReport) Healthy() bool {
	if !h.Connected {
		return false
	}
	for _, ok := range h.Tables {
		if !ok {
			return false
		}
	}
	return true
}

// RequiredTables are the tables a migrated database must have.
var RequiredTables = []string{"feed_provider_data", "campaign_clicks", "distributed_stats", "operation_log"}

// Store defines the persistence interface for the distribution engine.
type Store interface {
	// Inputs
	SaveInputs(ctx context.Context, feeds []model.FeedMetric, clicks []model.ClickShare) (int64, int64, error)
	FeedClickRows(ctx context.Context, scope model.DateRange) ([]model.FeedClickRow, error)
	Orphans(ctx context.Context, scope model.DateRange) ([]model.Orphan, error)
	SourceTotals(ctx context.Context, scope model.DateRange) (model.Totals, error)

	// Distribution
	ReplaceDistribution(ctx context.Context, scope model.DateRange, records []model.DistributionRecord) (int64, error)
	DistributedTotals(ctx context.Context, scope model.DateRange) (model.Totals, error)
	PublisherStats(ctx context.Context, q StatsQuery) ([]model.PublisherStat, error)
	FeedCoverage(ctx context.Context, trafficSourceID int64) ([]model.FeedCoverage, error)

	// Lifecycle
	Health(ctx context.Context) (*HealthReport, error)
	Migrate(ctx context.Context) error
	Close() error
}
