// Package queue persists queued emails and implements the atomic claim and
// finalize transitions the dispatch engine relies on.
package queue

import (
	"context"
	"errors"
	"time"

	"mail-dispatch-go/internal/model"
)

// ErrNotFound is returned when a batch or record does not exist
var ErrNotFound = errors.New("not found")

// AbandonedError is recorded on records released from a stale processing claim
const AbandonedError = "abandoned while processing"

// Store is the durable queue consumed by the dispatch engine.
//
// ClaimBatch must be safe against concurrent callers in this and other
// processes: every record is moved from pending to processing by a single
// conditional write, and a record lost to another claimer is skipped.
type Store interface {
	// Insert stores all records in one atomic write.
	Insert(ctx context.Context, emails []model.QueuedEmail) error
	// ClaimBatch claims up to limit pending records with attempts below
	// maxAttempts, oldest first, and returns them in their post-claim state.
	ClaimBatch(ctx context.Context, limit, maxAttempts int) ([]model.QueuedEmail, error)
	// FinalizeSuccess marks a processing record sent.
	FinalizeSuccess(ctx context.Context, id, providerMessageID string) error
	// FinalizeOutcome marks a processing record failed when attemptsSoFar has
	// reached maxAttempts and returns it to pending otherwise.
	FinalizeOutcome(ctx context.Context, id, errMsg string, attemptsSoFar, maxAttempts int) error
	// CountByStatus returns a zero-filled count per status.
	CountByStatus(ctx context.Context, filter model.CountFilter) (model.StatusCounts, error)
	// ListByBatch returns the members of a batch in creation order.
	ListByBatch(ctx context.Context, batchID string) ([]model.QueuedEmail, error)
	// ReleaseStale returns records stuck in processing since before olderThan
	// to pending, or fails them when their attempts are spent.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
}

// ValidateInsert checks that records are fresh pending records
func ValidateInsert(emails []model.QueuedEmail) error {
	for _, e := range emails {
		if e.ID == "" || e.BatchID == "" {
			return errors.New("queued email requires id and batch id")
		}
		if e.Status != model.StatusPending || e.Attempts != 0 {
			return errors.New("queued email must be inserted pending with zero attempts")
		}
		if e.MaxAttempts <= 0 {
			return errors.New("queued email requires a positive max attempts")
		}
	}
	return nil
}

// outcomeStatus picks the status a failed attempt moves a record to
func outcomeStatus(attemptsSoFar, maxAttempts int) model.Status {
	if attemptsSoFar >= maxAttempts {
		return model.StatusFailed
	}
	return model.StatusPending
}

func now() time.Time {
	return time.Now().UTC()
}
