package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/model"
)

// MemoryStore is a process-local Store for development and tests.
// Every operation runs under one mutex, which makes each claim atomic.
type MemoryStore struct {
	mu     sync.Mutex
	emails map[string]*model.QueuedEmail
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory queue
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		emails: make(map[string]*model.QueuedEmail),
		now:    now,
	}
}

// Insert stores all records or none
func (s *MemoryStore) Insert(ctx context.Context, emails []model.QueuedEmail) error {
	if err := ValidateInsert(emails); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range emails {
		if _, exists := s.emails[e.ID]; exists {
			return fmt.Errorf("duplicate queued email id %s", e.ID)
		}
	}
	for _, e := range emails {
		rec := e
		s.emails[e.ID] = &rec
	}
	return nil
}

// ClaimBatch claims the oldest eligible records
func (s *MemoryStore) ClaimBatch(ctx context.Context, limit, maxAttempts int) ([]model.QueuedEmail, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*model.QueuedEmail, 0)
	for _, e := range s.emails {
		if e.Status.CanTransition(model.StatusProcessing) && e.Attempts < maxAttempts && !e.Exhausted() {
			candidates = append(candidates, e)
		}
	}
	sortFIFO(candidates)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]model.QueuedEmail, 0, len(candidates))
	ts := s.now()
	for _, e := range candidates {
		e.Status = model.StatusProcessing
		e.Attempts++
		processedAt := ts
		e.ProcessedAt = &processedAt
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

// FinalizeSuccess marks a processing record sent
func (s *MemoryStore) FinalizeSuccess(ctx context.Context, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok || !e.Status.CanTransition(model.StatusSent) {
		logrus.Warnf("Queued email %s not found in processing state, skipping success finalize", id)
		return nil
	}

	ts := s.now()
	e.Status = model.StatusSent
	e.ProviderMessageID = providerMessageID
	e.ProcessedAt = &ts
	return nil
}

// FinalizeOutcome records a failed attempt
func (s *MemoryStore) FinalizeOutcome(ctx context.Context, id, errMsg string, attemptsSoFar, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := outcomeStatus(attemptsSoFar, maxAttempts)
	e, ok := s.emails[id]
	if !ok || !e.Status.CanTransition(next) {
		logrus.Warnf("Queued email %s not found in processing state, skipping outcome finalize", id)
		return nil
	}

	ts := s.now()
	e.Status = next
	e.LastError = errMsg
	e.ProcessedAt = &ts
	return nil
}

// CountByStatus counts records per status
func (s *MemoryStore) CountByStatus(ctx context.Context, filter model.CountFilter) (model.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := model.NewStatusCounts()
	for _, e := range s.emails {
		if filter.OwnerID != "" && e.OwnerID != filter.OwnerID {
			continue
		}
		if filter.BatchID != "" && e.BatchID != filter.BatchID {
			continue
		}
		counts[e.Status]++
	}
	return counts, nil
}

// ListByBatch returns batch members oldest first
func (s *MemoryStore) ListByBatch(ctx context.Context, batchID string) ([]model.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]*model.QueuedEmail, 0)
	for _, e := range s.emails {
		if e.BatchID == batchID {
			members = append(members, e)
		}
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	sortFIFO(members)

	out := make([]model.QueuedEmail, len(members))
	for i, e := range members {
		out[i] = *e
	}
	return out, nil
}

// ReleaseStale recovers records orphaned in processing
func (s *MemoryStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	ts := s.now()
	for _, e := range s.emails {
		if e.Status != model.StatusProcessing || e.ProcessedAt == nil || !e.ProcessedAt.Before(olderThan) {
			continue
		}
		if e.Exhausted() {
			e.Status = model.StatusFailed
			e.LastError = AbandonedError
		} else {
			e.Status = model.StatusPending
		}
		processedAt := ts
		e.ProcessedAt = &processedAt
		released++
	}
	return released, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Get returns a copy of one record
func (s *MemoryStore) Get(id string) (model.QueuedEmail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emails[id]
	if !ok {
		return model.QueuedEmail{}, false
	}
	return *e, true
}

func sortFIFO(emails []*model.QueuedEmail) {
	sort.Slice(emails, func(i, j int) bool {
		if !emails[i].CreatedAt.Equal(emails[j].CreatedAt) {
			return emails[i].CreatedAt.Before(emails[j].CreatedAt)
		}
		return emails[i].ID < emails[j].ID
	})
}
