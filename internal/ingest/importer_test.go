package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pubstats/internal/model"
)

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	b, ok := m[ref]
	if !ok {
		return nil, errors.New("not found: " + ref)
	}
	return b, nil
}

type recordingWriter struct {
	feeds  []model.FeedMetric
	clicks []model.ClickShare
	calls  int
	err    error
}

func (w *recordingWriter) SaveInputs(_ context.Context, feeds []model.FeedMetric, clicks []model.ClickShare) (int64, int64, error) {
	w.calls++
	if w.err != nil {
		return 0, 0, w.err
	}
	w.feeds, w.clicks = feeds, clicks
	return int64(len(feeds)), int64(len(clicks)), nil
}

func loadTestSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	f := mapFetcher{"clicks.csv": []byte(clicksCSV), "feeds.csv": []byte(feedsCSV)}
	snap, err := Load(context.Background(), f, Sources{Clicks: "clicks.csv", Feeds: "feeds.csv"})
	require.NoError(t, err)
	return snap
}

func TestLoad(t *testing.T) {
	snap := loadTestSnapshot(t)
	assert.Equal(t, clicksCSV, string(snap.Clicks))
	assert.Equal(t, feedsCSV, string(snap.Feeds))

	fp := snap.Fingerprint()
	assert.NotEqual(t, fp.ClicksHash, fp.FeedsHash)
	assert.Equal(t, fp, loadTestSnapshot(t).Fingerprint())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(context.Background(), mapFetcher{}, Sources{Clicks: "clicks.csv"})
	require.Error(t, err)

	_, err = Load(context.Background(), mapFetcher{}, Sources{Clicks: "clicks.csv", Feeds: "feeds.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: fetch clicks")
}

func TestParsedDates(t *testing.T) {
	snap := &Snapshot{
		Sources: Sources{Clicks: "c", Feeds: "f"},
		Feeds: []byte(`date,fp_feed_id,total_searches,monetized_searches,paid_clicks,feed_revenue
2025-01-03,F1,1,1,1,1
2025-01-02,F1,1,1,1,1
`),
		Clicks: []byte(`date,campaign_id,campaign_name,fp_feed_id,traffic_source_id,clicks
2025-01-05,1,A,F1,7,1
`),
	}
	p, err := Parse(snap)
	require.NoError(t, err)

	r := p.Dates()
	assert.Equal(t, "2025-01-02", r.From.Format(model.DateLayout))
	assert.Equal(t, "2025-01-05", r.To.Format(model.DateLayout))
}

func TestImport(t *testing.T) {
	p, err := Parse(loadTestSnapshot(t))
	require.NoError(t, err)

	w := &recordingWriter{}
	res, err := Import(context.Background(), w, p, false)
	require.NoError(t, err)

	assert.Equal(t, 1, w.calls)
	assert.Equal(t, int64(2), res.FeedsImported)
	assert.Equal(t, int64(2), res.ClicksImported)
	assert.Equal(t, 1, res.ClicksSkipped)
	assert.False(t, res.Clean())
	assert.Len(t, w.feeds, 2)
}

func TestImport_DryRunWritesNothing(t *testing.T) {
	p, err := Parse(loadTestSnapshot(t))
	require.NoError(t, err)

	w := &recordingWriter{}
	res, err := Import(context.Background(), w, p, true)
	require.NoError(t, err)

	assert.Equal(t, 0, w.calls)
	assert.Equal(t, int64(2), res.FeedsImported)
	assert.Equal(t, int64(2), res.ClicksImported)
}

func TestImport_WriterError(t *testing.T) {
	p, err := Parse(loadTestSnapshot(t))
	require.NoError(t, err)

	_, err = Import(context.Background(), &recordingWriter{err: errors.New("tx aborted")}, p, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: save inputs")
}
