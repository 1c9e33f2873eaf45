// Package ingest decodes and validates the feed metrics and campaign clicks
// CSV files and writes them to the store.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pubstats/internal/model"
)

// Required CSV columns per input file.
var (
	FeedColumns  = []string{"date", "fp_feed_id", "total_searches", "monetized_searches", "paid_clicks", "feed_revenue"}
	ClickColumns = []string{"date", "campaign_id", "campaign_name", "fp_feed_id", "traffic_source_id", "clicks"}
)

// ValidationError describes one input row rejected before distribution.
type ValidationError struct {
	Source string `json:"source" yaml:"source"`
	Line   int    `json:"line" yaml:"line"`
	Field  string `json:"field,omitempty" yaml:"field,omitempty"`
	Reason string `json:"reason" yaml:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ingest: %s line %d: %s", e.Source, e.Line, e.Reason)
	}
	return fmt.Sprintf("ingest: %s line %d: %s: %s", e.Source, e.Line, e.Field, e.Reason)
}

type feedRow struct {
	Date              string `csv:"date"`
	FeedID            string `csv:"fp_feed_id"`
	TotalSearches     int64  `csv:"total_searches"`
	MonetizedSearches int64  `csv:"monetized_searches"`
	PaidClicks        int64  `csv:"paid_clicks"`
	FeedRevenue       string `csv:"feed_revenue"`
}

type clickRow struct {
	Date            string `csv:"date"`
	CampaignID      int64  `csv:"campaign_id"`
	CampaignName    string `csv:"campaign_name"`
	FeedID          string `csv:"fp_feed_id"`
	TrafficSourceID int64  `csv:"traffic_source_id"`
	Clicks          int64  `csv:"clicks"`
}

// FeedBatch is the decoded feed metrics file.
type FeedBatch struct {
	Rows     []model.FeedMetric
	Rejected []*ValidationError
}

// ClickBatch is the decoded campaign clicks file. Rows with negative clicks
// are dropped and counted in Skipped.
type ClickBatch struct {
	Rows     []model.ClickShare
	Skipped  int
	Rejected []*ValidationError
}

// NormalizeFeedID canonicalizes a feed identifier so that joins between the
// two files are case and whitespace insensitive.
func NormalizeFeedID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ParseFeeds decodes a feed metrics CSV. Malformed rows are rejected and
// collected; only unreadable input or a bad header fails the whole file.
func ParseFeeds(r io.Reader, source string) (*FeedBatch, error) {
	out := &FeedBatch{}
	err := decodeRows(r, source, FeedColumns, func(line int, row *feedRow) *ValidationError {
		m, verr := row.toMetric()
		if verr != nil {
			verr.Source, verr.Line = source, line
			return verr
		}
		out.Rows = append(out.Rows, m)
		return nil
	}, func(v *ValidationError) { out.Rejected = append(out.Rejected, v) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ParseClicks decodes a campaign clicks CSV.
func ParseClicks(r io.Reader, source string) (*ClickBatch, error) {
	out := &ClickBatch{}
	err := decodeRows(r, source, ClickColumns, func(line int, row *clickRow) *ValidationError {
		c, verr := row.toShare()
		if verr != nil {
			verr.Source, verr.Line = source, line
			return verr
		}
		if c.Clicks < 0 {
			out.Skipped++
			return nil
		}
		out.Rows = append(out.Rows, c)
		return nil
	}, func(v *ValidationError) { out.Rejected = append(out.Rejected, v) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRows[T any](r io.Reader, source string, required []string, accept func(line int, row *T) *ValidationError, reject func(*ValidationError)) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(cr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return eris.Errorf("ingest: %s: missing header row", source)
		}
		return eris.Wrapf(err, "ingest: %s: read header", source)
	}
	if missing := missingColumns(dec.Header(), required); len(missing) > 0 {
		return eris.Errorf("ingest: %s: missing columns %s", source, strings.Join(missing, ", "))
	}

	for {
		var row T
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			return nil
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return eris.Wrapf(err, "ingest: %s", source)
		}
		line, _ := cr.FieldPos(0)
		if err != nil {
			reject(&ValidationError{Source: source, Line: line, Reason: err.Error()})
			continue
		}
		if verr := accept(line, &row); verr != nil {
			reject(verr)
		}
	}
}

func missingColumns(header, required []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = true
	}
	var missing []string
	for _, c := range required {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func parseDate(s string) (time.Time, *ValidationError) {
	d, err := model.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, &ValidationError{Field: "date", Reason: fmt.Sprintf("invalid date %q", s)}
	}
	return d, nil
}

func (r *feedRow) toMetric() (model.FeedMetric, *ValidationError) {
	date, verr := parseDate(r.Date)
	if verr != nil {
		return model.FeedMetric{}, verr
	}
	feedID := NormalizeFeedID(r.FeedID)
	if feedID == "" {
		return model.FeedMetric{}, &ValidationError{Field: "fp_feed_id", Reason: "empty feed id"}
	}

	for _, f := range []struct {
		name string
		v    int64
	}{
		{"total_searches", r.TotalSearches},
		{"monetized_searches", r.MonetizedSearches},
		{"paid_clicks", r.PaidClicks},
	} {
		if f.v < 0 {
			return model.FeedMetric{}, &ValidationError{Field: f.name, Reason: fmt.Sprintf("negative value %d", f.v)}
		}
	}

	revenue, err := decimal.NewFromString(strings.TrimSpace(r.FeedRevenue))
	if err != nil {
		return model.FeedMetric{}, &ValidationError{Field: "feed_revenue", Reason: fmt.Sprintf("invalid amount %q", r.FeedRevenue)}
	}
	if revenue.IsNegative() {
		return model.FeedMetric{}, &ValidationError{Field: "feed_revenue", Reason: fmt.Sprintf("negative amount %s", revenue)}
	}
	if !revenue.Truncate(2).Equal(revenue) {
		return model.FeedMetric{}, &ValidationError{Field: "feed_revenue", Reason: fmt.Sprintf("amount %s is finer than cents", revenue)}
	}

	return model.FeedMetric{
		Date:              date,
		FeedID:            feedID,
		TotalSearches:     r.TotalSearches,
		MonetizedSearches: r.MonetizedSearches,
		PaidClicks:        r.PaidClicks,
		FeedRevenue:       revenue,
	}, nil
}

func (r *clickRow) toShare() (model.ClickShare, *ValidationError) {
	date, verr := parseDate(r.Date)
	if verr != nil {
		return model.ClickShare{}, verr
	}
	feedID := NormalizeFeedID(r.FeedID)
	if feedID == "" {
		return model.ClickShare{}, &ValidationError{Field: "fp_feed_id", Reason: "empty feed id"}
	}
	return model.ClickShare{
		Date:            date,
		FeedID:          feedID,
		CampaignID:      r.CampaignID,
		CampaignName:    strings.TrimSpace(r.CampaignName),
		TrafficSourceID: r.TrafficSourceID,
		Clicks:          r.Clicks,
	}, nil
}
