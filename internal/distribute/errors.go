package distribute

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pubstats/internal/allocate"
	"github.com/sells-group/pubstats/internal/model"
)

var (
	// ErrAllocationInvariant marks a group whose allocation did not sum to
	// the feed total. It matches allocate.ErrAllocationInvariant.
	ErrAllocationInvariant = allocate.ErrAllocationInvariant

	// ErrPersistence marks a failed write of the batch. Nothing of the batch
	// is committed when it is returned.
	ErrPersistence = eris.New("distribute: persistence failed")

	// ErrVerificationMismatch marks distributed totals that diverge from the
	// source totals.
	ErrVerificationMismatch = eris.New("distribute: verification mismatch")

	// ErrFailureThreshold is returned when too many groups fail to allocate.
	ErrFailureThreshold = eris.New("distribute: failed group threshold exceeded")
)

// GroupError is the failure of one feed group.
type GroupError struct {
	Date   time.Time
	FeedID string
	Err    error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %s/%s: %v", e.Date.Format(model.DateLayout), e.FeedID, e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

// PersistenceError is a failed database write. It matches ErrPersistence.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("distribute: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
