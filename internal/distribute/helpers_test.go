package distribute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pubstats/internal/guard"
	"github.com/sells-group/pubstats/internal/ingest"
	"github.com/sells-group/pubstats/internal/model"
)

type feedKey struct {
	date time.Time
	feed string
}

type recordKey struct {
	date     time.Time
	campaign int64
	feed     string
}

// memStore is an in-memory Store with upsert and replace semantics.
type memStore struct {
	mu      sync.Mutex
	feeds   map[feedKey]model.FeedMetric
	clicks  map[recordKey]model.ClickShare
	records map[recordKey]model.DistributionRecord

	saveCalls  int
	replaceErr error
	// corrupt mutates records before they are stored.
	corrupt func([]model.DistributionRecord)
}

func newMemStore() *memStore {
	return &memStore{
		feeds:   make(map[feedKey]model.FeedMetric),
		clicks:  make(map[recordKey]model.ClickShare),
		records: make(map[recordKey]model.DistributionRecord),
	}
}

func (s *memStore) SaveInputs(_ context.Context, feeds []model.FeedMetric, clicks []model.ClickShare) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	for _, f := range feeds {
		s.feeds[feedKey{f.Date, f.FeedID}] = f
	}
	for _, c := range clicks {
		s.clicks[recordKey{c.Date, c.CampaignID, c.FeedID}] = c
	}
	return int64(len(feeds)), int64(len(clicks)), nil
}

func (s *memStore) hasClicks(f model.FeedMetric) bool {
	for _, c := range s.clicks {
		if c.Date.Equal(f.Date) && c.FeedID == f.FeedID && c.Clicks > 0 {
			return true
		}
	}
	return false
}

func (s *memStore) FeedClickRows(_ context.Context, scope model.DateRange) ([]model.FeedClickRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FeedClickRow
	for _, c := range s.clicks {
		f, ok := s.feeds[feedKey{c.Date, c.FeedID}]
		if !ok || c.Clicks <= 0 || !scope.Contains(c.Date) {
			continue
		}
		out = append(out, model.FeedClickRow{Feed: f, Click: c})
	}
	return out, nil
}

func (s *memStore) Orphans(_ context.Context, scope model.DateRange) ([]model.Orphan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Orphan
	for _, f := range s.feeds {
		if scope.Contains(f.Date) && !s.hasClicks(f) {
			out = append(out, model.Orphan{Date: f.Date, FeedID: f.FeedID, FeedRevenue: f.FeedRevenue})
		}
	}
	return out, nil
}

func (s *memStore) SourceTotals(_ context.Context, scope model.DateRange) (model.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t model.Totals
	for _, f := range s.feeds {
		if scope.Contains(f.Date) && s.hasClicks(f) {
			t = t.Add(model.Totals{Searches: f.TotalSearches, Monetized: f.MonetizedSearches, PaidClicks: f.PaidClicks, Revenue: f.FeedRevenue})
		}
	}
	return t, nil
}

func (s *memStore) ReplaceDistribution(_ context.Context, scope model.DateRange, records []model.DistributionRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return 0, s.replaceErr
	}
	if s.corrupt != nil {
		s.corrupt(records)
	}
	for k, r := range s.records {
		if scope.Contains(r.Date) {
			delete(s.records, k)
		}
	}
	for _, r := range records {
		s.records[recordKey{r.Date, r.CampaignID, r.FeedID}] = r
	}
	return int64(len(records)), nil
}

func (s *memStore) DistributedTotals(_ context.Context, scope model.DateRange) (model.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t model.Totals
	for _, r := range s.records {
		if scope.Contains(r.Date) {
			t = t.Add(model.Totals{Searches: r.AllocatedSearches, Monetized: r.AllocatedMonetizedSearches, PaidClicks: r.AllocatedPaidClicks, Revenue: r.FeedRevenueShare})
		}
	}
	return t, nil
}

// sortedRecords returns stored records ordered by key.
func (s *memStore) sortedRecords() []model.DistributionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DistributionRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].FeedID != out[j].FeedID {
			return out[i].FeedID < out[j].FeedID
		}
		return out[i].CampaignID < out[j].CampaignID
	})
	return out
}

// memLog records operation log entries and answers guard lookups from them.
type memLog struct {
	mu      sync.Mutex
	entries []model.OperationLogEntry
	err     error
}

func (l *memLog) Record(_ context.Context, e model.OperationLogEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	e.ID = int64(len(l.entries) + 1)
	e.CreatedAt = time.Now()
	l.entries = append(l.entries, e)
	return e.ID, nil
}

func (l *memLog) FindImport(_ context.Context, clicksHash, feedsHash, excludeBatch string, since time.Time) (*model.OperationLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Operation != model.OpFileImport || e.Status == model.OpStatusError || e.BatchID == excludeBatch || e.CreatedAt.Before(since) {
			continue
		}
		if e.RecordsProcessed <= 0 || e.Metadata["imported"] != true {
			continue
		}
		if e.Metadata["clicks_hash"] == clicksHash && e.Metadata["feeds_hash"] == feedsHash {
			return &e, nil
		}
	}
	return nil, nil
}

func (l *memLog) byBatch(batchID string) map[string]model.OperationLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]model.OperationLogEntry)
	for _, e := range l.entries {
		if e.BatchID == batchID {
			out[e.Operation] = e
		}
	}
	return out
}

// memFetcher serves input files from memory.
type memFetcher map[string][]byte

func (f memFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	b, ok := f[ref]
	if !ok {
		return nil, eris.Errorf("no such file %s", ref)
	}
	return b, nil
}

const (
	clicksRef = "clicks.csv"
	feedsRef  = "feeds.csv"
)

const sampleFeeds = `date,fp_feed_id,total_searches,monetized_searches,paid_clicks,feed_revenue
2025-01-01,f1,100,60,10,100.00
2025-01-01,F2,50,20,5,30.00
2025-01-02,F1,10,9,3,12.34
2025-01-02,F3,7,7,7,7.77
`

// F2 only has a zero-click campaign and F3 has no campaign at all.
const sampleClicks = `date,campaign_id,campaign_name,fp_feed_id,traffic_source_id,clicks
2025-01-01,2,Beta,F1,66,40
2025-01-01,1,Alpha,F1,66,60
2025-01-01,3,Gamma,F2,66,0
2025-01-02,1,Alpha,F1,66,1
2025-01-02,2,Beta,F1,66,1
2025-01-02,3,Gamma,F1,77,1
`

type harness struct {
	store   *memStore
	log     *memLog
	fetcher memFetcher
	runner  *Runner
}

func newHarness() *harness {
	h := &harness{
		store:   newMemStore(),
		log:     &memLog{},
		fetcher: memFetcher{clicksRef: []byte(sampleClicks), feedsRef: []byte(sampleFeeds)},
	}
	h.runner = NewRunner(h.store, h.log, h.fetcher, guard.New(h.log, time.Hour), DefaultConfig())
	return h
}

func sampleOptions(batchID string) Options {
	return Options{BatchID: batchID, Sources: ingest.Sources{Clicks: clicksRef, Feeds: feedsRef}}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}
