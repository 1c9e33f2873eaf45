// Package guard detects re-submission of input files that were already
// imported by an earlier batch.
package guard

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/sells-group/pubstats/internal/model"
)

// DefaultWindow is how far back a prior import still counts as a duplicate.
const DefaultWindow = 24 * time.Hour

// HashBytes returns the hex-encoded xxh3-128 digest of b.
func HashBytes(b []byte) string {
	sum := xxh3.Hash128(b).Bytes()
	return hex.EncodeToString(sum[:])
}

// Fingerprint identifies a pair of input files by content.
type Fingerprint struct {
	ClicksHash string `json:"clicks_hash" yaml:"clicks_hash"`
	FeedsHash  string `json:"feeds_hash" yaml:"feeds_hash"`
}

// NewFingerprint hashes the raw contents of both input files.
func NewFingerprint(clicks, feeds []byte) Fingerprint {
	return Fingerprint{ClicksHash: HashBytes(clicks), FeedsHash: HashBytes(feeds)}
}

// Lookup finds a prior import that wrote rows for the same fingerprint.
// It returns nil when no such import exists.
type Lookup interface {
	FindImport(ctx context.Context, clicksHash, feedsHash, excludeBatch string, since time.Time) (*model.OperationLogEntry, error)
}

// Decision is the outcome of a guard check.
type Decision struct {
	Duplicate    bool      `json:"duplicate" yaml:"duplicate"`
	PriorBatchID string    `json:"prior_batch_id,omitempty" yaml:"prior_batch_id,omitempty"`
	PriorAt      time.Time `json:"prior_at,omitempty" yaml:"prior_at,omitempty"`
}

// Guard checks fingerprints against the operation log.
type Guard struct {
	lookup Lookup
	window time.Duration
	now    func() time.Time
}

// New creates a Guard. A non-positive window falls back to DefaultWindow.
func New(lookup Lookup, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{lookup: lookup, window: window, now: time.Now}
}

// Check reports whether fp was already imported by another batch within the window.
func (g *Guard) Check(ctx context.Context, batchID string, fp Fingerprint) (Decision, error) {
	since := g.now().Add(-g.window)
	prior, err := g.lookup.FindImport(ctx, fp.ClicksHash, fp.FeedsHash, batchID, since)
	if err != nil {
		return Decision{}, eris.Wrap(err, "guard: check")
	}
	if prior == nil {
		return Decision{}, nil
	}

	zap.L().Info("input files already imported",
		zap.String("component", "guard"),
		zap.String("batch_id", batchID),
		zap.String("prior_batch_id", prior.BatchID),
		zap.Time("prior_at", prior.CreatedAt),
	)
	return Decision{Duplicate: true, PriorBatchID: prior.BatchID, PriorAt: prior.CreatedAt}, nil
}
