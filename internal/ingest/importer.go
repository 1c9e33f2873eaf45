package ingest

import (
	"bytes"
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pubstats/internal/guard"
	"github.com/sells-group/pubstats/internal/model"
)

// Fetcher reads an input reference fully into memory.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Writer persists decoded input rows with upsert semantics.
type Writer interface {
	SaveInputs(ctx context.Context, feeds []model.FeedMetric, clicks []model.ClickShare) (feedsN, clicksN int64, err error)
}

// Sources names the two input files of a batch.
type Sources struct {
	Clicks string `json:"clicks" yaml:"clicks"`
	Feeds  string `json:"feeds" yaml:"feeds"`
}

// Snapshot holds the raw bytes of both input files as fetched.
type Snapshot struct {
	Sources Sources
	Clicks  []byte
	Feeds   []byte
}

// Fingerprint hashes the raw file contents.
func (s *Snapshot) Fingerprint() guard.Fingerprint {
	return guard.NewFingerprint(s.Clicks, s.Feeds)
}

// Load fetches both input files.
func Load(ctx context.Context, f Fetcher, src Sources) (*Snapshot, error) {
	if src.Clicks == "" || src.Feeds == "" {
		return nil, eris.New("ingest: both clicks and feeds sources are required")
	}
	clicks, err := f.Fetch(ctx, src.Clicks)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: fetch clicks")
	}
	feeds, err := f.Fetch(ctx, src.Feeds)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: fetch feeds")
	}
	return &Snapshot{Sources: src, Clicks: clicks, Feeds: feeds}, nil
}

// Parsed is a decoded snapshot.
type Parsed struct {
	Feeds  *FeedBatch
	Clicks *ClickBatch
}

// Parse decodes both files of a snapshot.
func Parse(s *Snapshot) (*Parsed, error) {
	feeds, err := ParseFeeds(bytes.NewReader(s.Feeds), s.Sources.Feeds)
	if err != nil {
		return nil, err
	}
	clicks, err := ParseClicks(bytes.NewReader(s.Clicks), s.Sources.Clicks)
	if err != nil {
		return nil, err
	}
	return &Parsed{Feeds: feeds, Clicks: clicks}, nil
}

// Dates is the inclusive range of dates present in either file. It is the
// zero range when both files are empty.
func (p *Parsed) Dates() model.DateRange {
	var r model.DateRange
	widen := func(d time.Time) {
		if r.From.IsZero() || d.Before(r.From) {
			r.From = d
		}
		if r.To.IsZero() || d.After(r.To) {
			r.To = d
		}
	}
	for _, f := range p.Feeds.Rows {
		widen(f.Date)
	}
	for _, c := range p.Clicks.Rows {
		widen(c.Date)
	}
	return r
}

// Rejected returns every rejected row across both files.
func (p *Parsed) Rejected() []*ValidationError {
	out := make([]*ValidationError, 0, len(p.Feeds.Rejected)+len(p.Clicks.Rejected))
	out = append(out, p.Feeds.Rejected...)
	return append(out, p.Clicks.Rejected...)
}

// Result summarizes an import.
type Result struct {
	FeedsImported  int64              `json:"feeds_imported" yaml:"feeds_imported"`
	ClicksImported int64              `json:"clicks_imported" yaml:"clicks_imported"`
	ClicksSkipped  int                `json:"clicks_skipped" yaml:"clicks_skipped"`
	Rejected       []*ValidationError `json:"rejected,omitempty" yaml:"rejected,omitempty"`
	Elapsed        time.Duration      `json:"elapsed" yaml:"elapsed"`
}

// Clean reports whether every input row was imported.
func (r *Result) Clean() bool {
	return r.ClicksSkipped == 0 && len(r.Rejected) == 0
}

// Import writes the decoded rows. With dryRun the counts are reported but
// nothing is written.
func Import(ctx context.Context, w Writer, p *Parsed, dryRun bool) (*Result, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "ingest"))

	res := &Result{
		ClicksSkipped: p.Clicks.Skipped,
		Rejected:      p.Rejected(),
	}
	for _, v := range res.Rejected {
		log.Warn("row rejected", zap.String("source", v.Source), zap.Int("line", v.Line),
			zap.String("field", v.Field), zap.String("reason", v.Reason))
	}
	if p.Clicks.Skipped > 0 {
		log.Warn("skipped rows with negative clicks", zap.Int("count", p.Clicks.Skipped))
	}

	if dryRun {
		res.FeedsImported = int64(len(p.Feeds.Rows))
		res.ClicksImported = int64(len(p.Clicks.Rows))
		res.Elapsed = time.Since(start)
		return res, nil
	}

	feedsN, clicksN, err := w.SaveInputs(ctx, p.Feeds.Rows, p.Clicks.Rows)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: save inputs")
	}
	res.FeedsImported = feedsN
	res.ClicksImported = clicksN
	res.Elapsed = time.Since(start)

	log.Info("imported input files",
		zap.Int64("feeds", feedsN),
		zap.Int64("clicks", clicksN),
		zap.Int("clicks_skipped", res.ClicksSkipped),
		zap.Int("rejected", len(res.Rejected)),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}
