// Package distribute runs a distribution batch: it groups feed metrics with
// the campaigns that clicked them, allocates each feed's totals across those
// campaigns, persists the records in one transaction, and verifies the
// result against the source totals.
package distribute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pubstats/internal/guard"
	"github.com/sells-group/pubstats/internal/ingest"
	"github.com/sells-group/pubstats/internal/model"
	"github.com/sells-group/pubstats/internal/oplog"
)

const (
	// DefaultConcurrency bounds parallel group allocation.
	DefaultConcurrency = 8
	// DefaultMaxFailedFraction is the share of groups allowed to fail before
	// the whole batch is abandoned.
	DefaultMaxFailedFraction = 0.10
)

// Store is the persistence a batch run reads from and writes to.
type Store interface {
	ingest.Writer
	FeedClickRows(ctx context.Context, scope model.DateRange) ([]model.FeedClickRow, error)
	Orphans(ctx context.Context, scope model.DateRange) ([]model.Orphan, error)
	SourceTotals(ctx context.Context, scope model.DateRange) (model.Totals, error)
	ReplaceDistribution(ctx context.Context, scope model.DateRange, records []model.DistributionRecord) (int64, error)
	DistributedTotals(ctx context.Context, scope model.DateRange) (model.Totals, error)
}

// Recorder appends operation log entries.
type Recorder interface {
	Record(ctx context.Context, e model.OperationLogEntry) (int64, error)
}

// Checker decides whether input files were already imported.
type Checker interface {
	Check(ctx context.Context, batchID string, fp guard.Fingerprint) (guard.Decision, error)
}

// Config tunes a Runner.
type Config struct {
	Concurrency       int
	MaxFailedFraction float64
	RevenueTolerance  decimal.Decimal
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Concurrency:       DefaultConcurrency,
		MaxFailedFraction: DefaultMaxFailedFraction,
		RevenueTolerance:  DefaultTolerance,
	}
}

// Options selects what one batch run does.
type Options struct {
	// BatchID tags every record and log entry. A UUID is generated when empty.
	BatchID string
	// Sources are the input files to import.
	Sources ingest.Sources
	// Scope limits distribution to a date range. When zero, the dates present
	// in the imported files are used; with SkipImport a zero scope covers
	// every stored date.
	Scope model.DateRange
	// DryRun computes everything but writes nothing.
	DryRun bool
	// Force imports even when the files were already imported.
	Force bool
	// SkipImport distributes the rows already stored.
	SkipImport bool
}

// Result summarizes a batch run.
type Result struct {
	BatchID         string             `json:"batch_id" yaml:"batch_id"`
	State           State              `json:"state" yaml:"state"`
	Status          model.OpStatus     `json:"status" yaml:"status"`
	DryRun          bool               `json:"dry_run" yaml:"dry_run"`
	Scope           model.DateRange    `json:"scope" yaml:"scope"`
	Fingerprint     *guard.Fingerprint `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Guard           guard.Decision     `json:"guard" yaml:"guard"`
	ImportSkipped   bool               `json:"import_skipped" yaml:"import_skipped"`
	Import          *ingest.Result     `json:"import,omitempty" yaml:"import,omitempty"`
	Groups          int                `json:"groups" yaml:"groups"`
	FailedGroups    int                `json:"failed_groups" yaml:"failed_groups"`
	GroupErrors     []string           `json:"group_errors,omitempty" yaml:"group_errors,omitempty"`
	Orphans         int                `json:"orphaned_feeds" yaml:"orphaned_feeds"`
	OrphanedRevenue decimal.Decimal    `json:"orphaned_revenue" yaml:"orphaned_revenue"`
	Records         int64              `json:"records" yaml:"records"`
	Verification    *Verification      `json:"verification,omitempty" yaml:"verification,omitempty"`
	Elapsed         time.Duration      `json:"elapsed" yaml:"elapsed"`
}

// Runner executes batch runs. It does not own the store; whoever opened
// the store closes it.
type Runner struct {
	store    Store
	oplog    Recorder
	fetcher  ingest.Fetcher
	guard    Checker
	cfg      Config
	allocate allocateFunc
}

// NewRunner creates a Runner. A nil checker disables duplicate detection.
// Zero concurrency and a non-positive revenue tolerance take their defaults.
func NewRunner(st Store, rec Recorder, f ingest.Fetcher, chk Checker, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxFailedFraction < 0 {
		cfg.MaxFailedFraction = DefaultMaxFailedFraction
	}
	if !cfg.RevenueTolerance.IsPositive() {
		cfg.RevenueTolerance = DefaultTolerance
	}
	return &Runner{
		store:    st,
		oplog:    rec,
		fetcher:  f,
		guard:    chk,
		cfg:      cfg,
		allocate: AllocateGroup,
	}
}

// batch carries the state of one run through its phases.
type batch struct {
	opts   Options
	res    *Result
	log    *zap.Logger
	parsed *ingest.Parsed
}

func (b *batch) enter(s State) {
	b.log.Info("batch state", zap.Stringer("from", b.res.State), zap.Stringer("to", s))
	b.res.State = s
}

func (b *batch) downgrade(s model.OpStatus) {
	if s == model.OpStatusWarning && b.res.Status == model.OpStatusSuccess {
		b.res.Status = s
	}
}

func newBatch(opts Options) *batch {
	if opts.BatchID == "" {
		opts.BatchID = uuid.NewString()
	}
	return &batch{
		opts: opts,
		res: &Result{
			BatchID: opts.BatchID,
			State:   StateIdle,
			Status:  model.OpStatusSuccess,
			DryRun:  opts.DryRun,
			Scope:   opts.Scope,
		},
		log: zap.L().With(zap.String("component", "distribute"), zap.String("batch_id", opts.BatchID)),
	}
}

// Import runs only the import phase of a batch, with the same duplicate
// check and operation log entry as a full run.
func (r *Runner) Import(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	opts.SkipImport = false
	b := newBatch(opts)
	defer func() { b.res.Elapsed = time.Since(start) }()

	if err := r.importInputs(ctx, b); err != nil {
		return b.res, err
	}
	b.enter(StateCompleted)
	return b.res, nil
}

// Run executes one batch. On error the returned Result still describes how
// far the run got.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	b := newBatch(opts)
	opts = b.opts
	defer func() { b.res.Elapsed = time.Since(start) }()

	if err := r.importInputs(ctx, b); err != nil {
		return b.res, err
	}
	groups, err := r.group(ctx, b)
	if err != nil {
		return b.res, err
	}
	records, err := r.allocateGroups(ctx, b, groups)
	if err != nil {
		return b.res, err
	}

	if opts.DryRun {
		v := Verify(groupTotals(groups), recordTotals(records), r.cfg.RevenueTolerance)
		b.res.Verification = &v
		b.res.Records = int64(len(records))
		if !v.Passed() {
			b.downgrade(model.OpStatusWarning)
		}
		b.enter(StateCompleted)
		b.log.Info("dry run complete", zap.Int64("records", b.res.Records), zap.String("verification", v.Status()))
		return b.res, nil
	}

	if err := r.persist(ctx, b, records); err != nil {
		return b.res, err
	}
	if err := r.verify(ctx, b); err != nil {
		return b.res, err
	}

	b.enter(StateCompleted)
	b.log.Info("batch complete",
		zap.String("status", string(b.res.Status)),
		zap.Int64("records", b.res.Records),
		zap.Int("groups", b.res.Groups),
		zap.Int("failed_groups", b.res.FailedGroups),
		zap.Duration("elapsed", time.Since(start)),
	)
	return b.res, nil
}

func (r *Runner) importInputs(ctx context.Context, b *batch) error {
	b.enter(StateImporting)
	phaseStart := time.Now()

	if b.opts.SkipImport {
		b.res.ImportSkipped = true
		b.log.Info("import skipped by request")
		return r.record(ctx, b, model.OperationLogEntry{
			Operation:     model.OpFileImport,
			Status:        model.OpStatusSuccess,
			Message:       "import skipped by request; distributing stored rows",
			ExecutionTime: time.Since(phaseStart),
		})
	}

	snap, err := ingest.Load(ctx, r.fetcher, b.opts.Sources)
	if err != nil {
		return r.fail(ctx, b, model.OpFileImport, phaseStart, err)
	}
	fp := snap.Fingerprint()
	b.res.Fingerprint = &fp

	parsed, err := ingest.Parse(snap)
	if err != nil {
		return r.fail(ctx, b, model.OpFileImport, phaseStart, err)
	}
	b.parsed = parsed
	if b.res.Scope.IsZero() {
		b.res.Scope = parsed.Dates()
	}

	meta := map[string]any{
		oplog.MetaClicksHash: fp.ClicksHash,
		oplog.MetaFeedsHash:  fp.FeedsHash,
		"clicks_source":      b.opts.Sources.Clicks,
		"feeds_source":       b.opts.Sources.Feeds,
	}

	if !b.opts.Force && r.guard != nil {
		decision, err := r.guard.Check(ctx, b.res.BatchID, fp)
		if err != nil {
			return r.fail(ctx, b, model.OpFileImport, phaseStart, err)
		}
		b.res.Guard = decision
		if decision.Duplicate {
			b.res.ImportSkipped = true
			b.downgrade(model.OpStatusWarning)
			b.log.Warn("input files already imported; distributing stored rows",
				zap.String("prior_batch_id", decision.PriorBatchID),
				zap.Time("prior_at", decision.PriorAt),
			)
			meta["prior_batch_id"] = decision.PriorBatchID
			return r.record(ctx, b, model.OperationLogEntry{
				Operation: model.OpFileImport,
				Status:    model.OpStatusWarning,
				Message: fmt.Sprintf("skipped: already imported by batch %s at %s",
					decision.PriorBatchID, decision.PriorAt.UTC().Format(time.RFC3339)),
				ExecutionTime: time.Since(phaseStart),
				Metadata:      meta,
			})
		}
	}

	imp, err := ingest.Import(ctx, r.store, parsed, b.opts.DryRun)
	if err != nil {
		return r.fail(ctx, b, model.OpFileImport, phaseStart, &PersistenceError{Op: "import inputs", Err: err})
	}
	b.res.Import = imp

	status := model.OpStatusSuccess
	if !imp.Clean() {
		status = model.OpStatusWarning
		b.downgrade(status)
	}
	meta[oplog.MetaImported] = true
	meta["clicks_skipped"] = imp.ClicksSkipped
	meta["rows_rejected"] = len(imp.Rejected)
	return r.record(ctx, b, model.OperationLogEntry{
		Operation: model.OpFileImport,
		Status:    status,
		Message: fmt.Sprintf("imported %d feed rows and %d click rows (%d skipped, %d rejected)",
			imp.FeedsImported, imp.ClicksImported, imp.ClicksSkipped, len(imp.Rejected)),
		RecordsProcessed: imp.FeedsImported + imp.ClicksImported,
		ExecutionTime:    time.Since(phaseStart),
		Metadata:         meta,
	})
}

func (r *Runner) group(ctx context.Context, b *batch) ([]FeedGroup, error) {
	b.enter(StateGrouping)
	phaseStart := time.Now()

	var (
		rows    []model.FeedClickRow
		orphans []model.Orphan
		err     error
	)
	if b.opts.DryRun && b.parsed != nil {
		// Nothing was written, so preview from the files themselves.
		rows, orphans = joinParsed(b.parsed, b.res.Scope)
	} else {
		if rows, err = r.store.FeedClickRows(ctx, b.res.Scope); err != nil {
			return nil, r.fail(ctx, b, model.OpRevenueDistribution, phaseStart, err)
		}
		if orphans, err = r.store.Orphans(ctx, b.res.Scope); err != nil {
			return nil, r.fail(ctx, b, model.OpRevenueDistribution, phaseStart, err)
		}
	}
	groups, empty := Group(rows)
	orphans = append(orphans, empty...)

	revenue := decimal.Zero
	for _, o := range orphans {
		revenue = revenue.Add(o.FeedRevenue)
	}
	b.res.Groups = len(groups)
	b.res.Orphans = len(orphans)
	b.res.OrphanedRevenue = revenue

	if len(orphans) > 0 {
		b.log.Warn("feeds with no campaign clicks are not distributed",
			zap.Int("orphaned_feeds", len(orphans)),
			zap.String("orphaned_revenue", revenue.StringFixed(2)),
		)
	}
	b.log.Info("grouped feed rows", zap.Int("rows", len(rows)), zap.Int("groups", len(groups)))
	return groups, nil
}

func (r *Runner) allocateGroups(ctx context.Context, b *batch, groups []FeedGroup) ([]model.DistributionRecord, error) {
	b.enter(StateAllocating)
	phaseStart := time.Now()

	outcomes := make([]GroupOutcome, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			recs, err := r.allocate(&groups[i], b.res.BatchID)
			outcomes[i] = GroupOutcome{Records: recs, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, r.fail(ctx, b, model.OpRevenueDistribution, phaseStart, eris.Wrap(err, "distribute: allocate"))
	}

	var records []model.DistributionRecord
	for i, o := range outcomes {
		if o.Err == nil {
			records = append(records, o.Records...)
			continue
		}
		ge := &GroupError{Date: groups[i].Feed.Date, FeedID: groups[i].Feed.FeedID, Err: o.Err}
		b.res.FailedGroups++
		b.res.GroupErrors = append(b.res.GroupErrors, ge.Error())
		b.log.Warn("group skipped", zap.Error(ge))
	}

	if b.res.FailedGroups > 0 {
		b.downgrade(model.OpStatusWarning)
	}
	if exceedsThreshold(b.res.FailedGroups, len(groups), r.cfg.MaxFailedFraction) {
		err := eris.Wrapf(ErrFailureThreshold, "%d of %d groups failed, limit is %.0f%%",
			b.res.FailedGroups, len(groups), r.cfg.MaxFailedFraction*100)
		return nil, r.fail(ctx, b, model.OpRevenueDistribution, phaseStart, err)
	}

	b.log.Info("allocated groups",
		zap.Int("groups", len(groups)),
		zap.Int("failed", b.res.FailedGroups),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func (r *Runner) persist(ctx context.Context, b *batch, records []model.DistributionRecord) error {
	b.enter(StatePersisting)
	phaseStart := time.Now()

	n, err := r.store.ReplaceDistribution(ctx, b.res.Scope, records)
	if err != nil {
		return r.fail(ctx, b, model.OpRevenueDistribution, phaseStart, &PersistenceError{Op: "replace distribution", Err: err})
	}
	b.res.Records = n

	status := model.OpStatusSuccess
	if b.res.FailedGroups > 0 {
		status = model.OpStatusWarning
	}
	return r.record(ctx, b, model.OperationLogEntry{
		Operation: model.OpRevenueDistribution,
		Status:    status,
		Message: fmt.Sprintf("distributed %d records from %d groups (%d failed, %d orphaned feeds)",
			n, b.res.Groups, b.res.FailedGroups, b.res.Orphans),
		RecordsProcessed: n,
		ExecutionTime:    time.Since(phaseStart),
		Metadata: map[string]any{
			"groups":           b.res.Groups,
			"failed_groups":    b.res.FailedGroups,
			"orphaned_feeds":   b.res.Orphans,
			"orphaned_revenue": b.res.OrphanedRevenue.StringFixed(2),
		},
	})
}

func (r *Runner) verify(ctx context.Context, b *batch) error {
	b.enter(StateVerifying)
	phaseStart := time.Now()

	source, err := r.store.SourceTotals(ctx, b.res.Scope)
	if err != nil {
		return r.fail(ctx, b, model.OpVerification, phaseStart, err)
	}
	distributed, err := r.store.DistributedTotals(ctx, b.res.Scope)
	if err != nil {
		return r.fail(ctx, b, model.OpVerification, phaseStart, err)
	}

	v := Verify(source, distributed, r.cfg.RevenueTolerance)
	b.res.Verification = &v

	status := model.OpStatusSuccess
	message := "totals match"
	if !v.Passed() {
		status = model.OpStatusWarning
		message = v.Err().Error()
		b.downgrade(status)
		b.log.Warn("verification failed", zap.Strings("mismatches", v.Mismatches))
	}
	return r.record(ctx, b, model.OperationLogEntry{
		Operation:        model.OpVerification,
		Status:           status,
		Message:          message,
		RecordsProcessed: b.res.Records,
		ExecutionTime:    time.Since(phaseStart),
		Metadata:         v.metadata(),
	})
}

// record appends a log entry for the batch. Dry runs write nothing.
func (r *Runner) record(ctx context.Context, b *batch, e model.OperationLogEntry) error {
	if b.opts.DryRun {
		return nil
	}
	e.BatchID = b.res.BatchID
	if _, err := r.oplog.Record(context.WithoutCancel(ctx), e); err != nil {
		b.res.State = StateError
		b.res.Status = model.OpStatusError
		return eris.Wrapf(err, "distribute: record %s", e.Operation)
	}
	return nil
}

// fail moves the batch to the error state and logs the failure before
// handing it back.
func (r *Runner) fail(ctx context.Context, b *batch, operation string, since time.Time, cause error) error {
	b.log.Error("batch failed",
		zap.Stringer("state", b.res.State),
		zap.String("operation", operation),
		zap.Error(cause),
	)
	b.res.State = StateError
	b.res.Status = model.OpStatusError

	if err := r.record(ctx, b, model.OperationLogEntry{
		Operation:     operation,
		Status:        model.OpStatusError,
		Message:       cause.Error(),
		ExecutionTime: time.Since(since),
	}); err != nil {
		b.log.Error("could not record failure", zap.Error(err))
	}
	return cause
}

// joinParsed joins decoded input rows the way the store joins stored rows:
// later rows replace earlier ones with the same key, only positive clicks
// join, and feeds left without any are orphans.
func joinParsed(p *ingest.Parsed, scope model.DateRange) ([]model.FeedClickRow, []model.Orphan) {
	type feedKey struct {
		date int64
		feed string
	}
	type clickKey struct {
		feedKey
		campaign int64
	}

	feeds := make(map[feedKey]model.FeedMetric)
	var feedOrder []feedKey
	for _, f := range p.Feeds.Rows {
		if !scope.Contains(f.Date) {
			continue
		}
		k := feedKey{f.Date.Unix(), f.FeedID}
		if _, ok := feeds[k]; !ok {
			feedOrder = append(feedOrder, k)
		}
		feeds[k] = f
	}

	clicks := make(map[clickKey]model.ClickShare)
	var clickOrder []clickKey
	for _, c := range p.Clicks.Rows {
		k := clickKey{feedKey{c.Date.Unix(), c.FeedID}, c.CampaignID}
		if _, ok := clicks[k]; !ok {
			clickOrder = append(clickOrder, k)
		}
		clicks[k] = c
	}

	joined := make(map[feedKey]bool)
	var rows []model.FeedClickRow
	for _, k := range clickOrder {
		c := clicks[k]
		f, ok := feeds[k.feedKey]
		if !ok || c.Clicks <= 0 {
			continue
		}
		joined[k.feedKey] = true
		rows = append(rows, model.FeedClickRow{Feed: f, Click: c})
	}

	var orphans []model.Orphan
	for _, k := range feedOrder {
		if !joined[k] {
			f := feeds[k]
			orphans = append(orphans, model.Orphan{Date: f.Date, FeedID: f.FeedID, FeedRevenue: f.FeedRevenue})
		}
	}
	return rows, orphans
}

func exceedsThreshold(failed, total int, fraction float64) bool {
	if total == 0 || failed == 0 {
		return false
	}
	return float64(failed) > fraction*float64(total)
}

func groupTotals(groups []FeedGroup) model.Totals {
	var t model.Totals
	for _, g := range groups {
		t = t.Add(model.Totals{
			Searches:   g.Feed.TotalSearches,
			Monetized:  g.Feed.MonetizedSearches,
			PaidClicks: g.Feed.PaidClicks,
			Revenue:    g.Feed.FeedRevenue,
		})
	}
	return t
}

func recordTotals(records []model.DistributionRecord) model.Totals {
	var t model.Totals
	for _, r := range records {
		t = t.Add(model.Totals{
			Searches:   r.AllocatedSearches,
			Monetized:  r.AllocatedMonetizedSearches,
			PaidClicks: r.AllocatedPaidClicks,
			Revenue:    r.FeedRevenueShare,
		})
	}
	return t
}
