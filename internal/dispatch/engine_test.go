package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-dispatch-go/internal/events"
	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/transport"
)

// fakeTransport fails recipients listed in failures, fails recipients in
// flaky until their countdown reaches zero, and records every send
type fakeTransport struct {
	mu       sync.Mutex
	sent     []string
	failures map[string]error
	flaky    map[string]int
	inFlight int32
	peak     int32
	delay    time.Duration
}

func (f *fakeTransport) Send(ctx context.Context, msg transport.Message) (string, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.To)
	if err, ok := f.failures[msg.To]; ok {
		return "", err
	}
	if f.flaky[msg.To] > 0 {
		f.flaky[msg.To]--
		return "", errors.New("connection reset by peer")
	}
	return "msg-" + msg.To, nil
}

func (f *fakeTransport) Name() string { return "fake" }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// stallingPublisher blocks until the publish context ends
type stallingPublisher struct {
	calls atomic.Int32
}

func (p *stallingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (p *stallingPublisher) Close() error { return nil }

// brokenStore wraps a store and fails selected operations
type brokenStore struct {
	queue.Store
	claimErr    error
	finalizeErr error
	countErr    error
}

func (s *brokenStore) ClaimBatch(ctx context.Context, limit, maxAttempts int) ([]model.QueuedEmail, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	return s.Store.ClaimBatch(ctx, limit, maxAttempts)
}

func (s *brokenStore) FinalizeSuccess(ctx context.Context, id, providerMessageID string) error {
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	return s.Store.FinalizeSuccess(ctx, id, providerMessageID)
}

func (s *brokenStore) CountByStatus(ctx context.Context, filter model.CountFilter) (model.StatusCounts, error) {
	if s.countErr != nil {
		return nil, s.countErr
	}
	return s.Store.CountByStatus(ctx, filter)
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store queue.Store, recipients ...string) []string {
	t.Helper()
	batchID := uuid.NewString()
	emails := make([]model.QueuedEmail, len(recipients))
	ids := make([]string, len(recipients))
	for i, to := range recipients {
		ids[i] = uuid.NewString()
		emails[i] = model.QueuedEmail{
			ID:          ids[i],
			BatchID:     batchID,
			OwnerID:     "owner-1",
			To:          to,
			Subject:     "Hello",
			HTMLBody:    "<p>Hi</p>",
			Status:      model.StatusPending,
			MaxAttempts: model.DefaultMaxAttempts,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
	}
	require.NoError(t, store.Insert(context.Background(), emails))
	return ids
}

func get(t *testing.T, store *queue.MemoryStore, id string) model.QueuedEmail {
	t.Helper()
	e, ok := store.Get(id)
	require.True(t, ok, "record %s missing", id)
	return e
}

func TestRunCycleSendsBatch(t *testing.T) {
	store := queue.NewMemoryStore()
	ids := seed(t, store, "a@example.com", "b@example.com", "c@example.com")
	tr := &fakeTransport{}
	pub := &recordingPublisher{}

	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, pub, nil)
	result, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Claimed)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 0, result.Retried)
	assert.Equal(t, int64(0), result.Remaining)
	assert.False(t, result.HasMore)

	for _, id := range ids {
		e := get(t, store, id)
		assert.Equal(t, model.StatusSent, e.Status)
		assert.Equal(t, 1, e.Attempts)
		assert.Equal(t, "msg-"+e.To, e.ProviderMessageID)
		assert.NotNil(t, e.ProcessedAt)
	}
	assert.Len(t, pub.events, 3)
}

func TestRunCycleRespectsBatchSize(t *testing.T) {
	store := queue.NewMemoryStore()
	seed(t, store, "a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com")
	tr := &fakeTransport{delay: 20 * time.Millisecond}

	engine := NewEngine(Config{BatchSize: 2, MaxAttempts: 3}, store, tr, nil, nil)

	result, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, int64(3), result.Remaining)
	assert.True(t, result.HasMore)
	assert.LessOrEqual(t, atomic.LoadInt32(&tr.peak), int32(2))

	// FIFO: the two oldest go first
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, tr.sent)

	_, err = engine.RunCycle(context.Background())
	require.NoError(t, err)
	result, err = engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.False(t, result.HasMore)
	assert.Equal(t, 5, tr.sendCount())
}

func TestRunCycleRetriesThenFails(t *testing.T) {
	store := queue.NewMemoryStore()
	ids := seed(t, store, "bad@example.com")
	tr := &fakeTransport{failures: map[string]error{"bad@example.com": errors.New("mailbox unavailable")}}
	pub := &recordingPublisher{}

	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, pub, nil)

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := engine.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Retried)
		assert.True(t, result.HasMore)

		e := get(t, store, ids[0])
		assert.Equal(t, model.StatusPending, e.Status)
		assert.Equal(t, attempt, e.Attempts)
		assert.Equal(t, "mailbox unavailable", e.LastError)
	}

	result, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.HasMore)

	e := get(t, store, ids[0])
	assert.Equal(t, model.StatusFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)

	// terminal records are never claimed again
	result, err = engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
	assert.Equal(t, 3, tr.sendCount())

	require.Len(t, pub.events, 1)
	assert.Equal(t, model.StatusFailed, pub.events[0].Status)
}

func TestRunCycleRetryThenSucceed(t *testing.T) {
	store := queue.NewMemoryStore()
	ids := seed(t, store, "flaky@example.com")
	tr := &fakeTransport{flaky: map[string]int{"flaky@example.com": 1}}
	pub := &recordingPublisher{}

	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, pub, nil)

	result, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.True(t, result.HasMore)

	e := get(t, store, ids[0])
	assert.Equal(t, model.StatusPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "connection reset by peer", e.LastError)
	assert.Empty(t, e.ProviderMessageID)
	assert.Empty(t, pub.events)

	result, err = engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.False(t, result.HasMore)

	e = get(t, store, ids[0])
	assert.Equal(t, model.StatusSent, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "msg-flaky@example.com", e.ProviderMessageID)
	require.Len(t, pub.events, 1)
	assert.Equal(t, model.StatusSent, pub.events[0].Status)
	assert.Equal(t, 2, tr.sendCount())
}

func TestRunCycleStalledPublisherIsBounded(t *testing.T) {
	store := queue.NewMemoryStore()
	ids := seed(t, store, "a@example.com", "b@example.com", "c@example.com")
	pub := &stallingPublisher{}

	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3, PublishTimeout: 50 * time.Millisecond}, store, &fakeTransport{}, pub, nil)

	start := time.Now()
	result, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, int32(3), pub.calls.Load())

	for _, id := range ids {
		assert.Equal(t, model.StatusSent, get(t, store, id).Status)
	}
}

func TestRunCyclePartialFailure(t *testing.T) {
	store := queue.NewMemoryStore()
	ids := seed(t, store, "ok1@example.com", "bad@example.com", "ok2@example.com")
	tr := &fakeTransport{failures: map[string]error{"bad@example.com": errors.New("timeout")}}

	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, nil, nil)
	result, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, int64(1), result.Remaining)

	assert.Equal(t, model.StatusSent, get(t, store, ids[0]).Status)
	assert.Equal(t, model.StatusPending, get(t, store, ids[1]).Status)
	assert.Equal(t, model.StatusSent, get(t, store, ids[2]).Status)
}

func TestRunCycleEmptyQueueIsIdempotent(t *testing.T) {
	store := queue.NewMemoryStore()
	tr := &fakeTransport{}
	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, nil, nil)

	for i := 0; i < 3; i++ {
		result, err := engine.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, result.Processed())
		assert.False(t, result.HasMore)
	}
	assert.Equal(t, 0, tr.sendCount())
}

func TestRunCyclePermanentFailure(t *testing.T) {
	tests := []struct {
		name        string
		failFast    bool
		wantStatus  model.Status
		wantResults func(t *testing.T, r CycleResult)
	}{
		{
			name:       "fails immediately when enabled",
			failFast:   true,
			wantStatus: model.StatusFailed,
			wantResults: func(t *testing.T, r CycleResult) {
				assert.Equal(t, 1, r.Failed)
			},
		},
		{
			name:       "retries when disabled",
			failFast:   false,
			wantStatus: model.StatusPending,
			wantResults: func(t *testing.T, r CycleResult) {
				assert.Equal(t, 1, r.Retried)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := queue.NewMemoryStore()
			ids := seed(t, store, "nobody@example.com")
			tr := &fakeTransport{failures: map[string]error{
				"nobody@example.com": transport.Permanent(errors.New("address rejected")),
			}}

			engine := NewEngine(Config{BatchSize: 1, MaxAttempts: 3, FailPermanentImmediately: tt.failFast}, store, tr, nil, nil)
			result, err := engine.RunCycle(context.Background())
			require.NoError(t, err)
			tt.wantResults(t, result)

			e := get(t, store, ids[0])
			assert.Equal(t, tt.wantStatus, e.Status)
			assert.Equal(t, 1, e.Attempts)
		})
	}
}

func TestRunCycleClaimError(t *testing.T) {
	store := &brokenStore{Store: queue.NewMemoryStore(), claimErr: errors.New("connection refused")}
	tr := &fakeTransport{}
	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, nil, nil)

	_, err := engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, tr.sendCount())
}

func TestRunCycleFinalizeErrorWaitsForSiblings(t *testing.T) {
	mem := queue.NewMemoryStore()
	seed(t, mem, "a@example.com", "b@example.com", "c@example.com")
	store := &brokenStore{Store: mem, finalizeErr: errors.New("deadlock")}
	tr := &fakeTransport{}

	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, nil, nil)
	result, err := engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock")
	assert.Equal(t, 3, result.Claimed)
	assert.Equal(t, 3, tr.sendCount())
}

func TestRunCycleCountError(t *testing.T) {
	mem := queue.NewMemoryStore()
	seed(t, mem, "a@example.com")
	store := &brokenStore{Store: mem, countErr: errors.New("timeout")}

	engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, &fakeTransport{}, nil, nil)
	_, err := engine.RunCycle(context.Background())
	require.Error(t, err)
}

func TestRunCycleReleasesStaleClaims(t *testing.T) {
	store := queue.NewMemoryStore()
	ids := seed(t, store, "a@example.com")

	// orphan the record in processing
	claimed, err := store.ClaimBatch(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	tr := &fakeTransport{}
	engine := NewEngine(Config{BatchSize: 1, MaxAttempts: 3, StaleAfter: time.Minute}, store, tr, nil, nil)
	engine.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	result, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Released)
	assert.Equal(t, 1, result.Sent)

	e := get(t, store, ids[0])
	assert.Equal(t, model.StatusSent, e.Status)
	assert.Equal(t, 2, e.Attempts)
}

func TestRunCycleCanceledContextStillFinalizes(t *testing.T) {
	store := queue.NewMemoryStore()
	ids := seed(t, store, "a@example.com", "b@example.com")
	tr := &fakeTransport{}
	engine := NewEngine(Config{BatchSize: 2, MaxAttempts: 3}, store, tr, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the memory store ignores ctx, so the claim succeeds and the sends must
	// still finalize despite the canceled parent
	_, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, model.StatusSent, get(t, store, id).Status)
	}
}

func TestConcurrentEnginesNeverDoubleSend(t *testing.T) {
	store := queue.NewMemoryStore()
	recipients := make([]string, 30)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("user%d@example.com", i)
	}
	seed(t, store, recipients...)
	tr := &fakeTransport{}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, nil, nil)
			for {
				result, err := engine.RunCycle(context.Background())
				if err != nil || result.Claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, tr.sendCount())
	seen := make(map[string]bool)
	for _, to := range tr.sent {
		assert.False(t, seen[to], "duplicate send to %s", to)
		seen[to] = true
	}
}

func TestConcurrentCyclesSingleRecord(t *testing.T) {
	store := queue.NewMemoryStore()
	ids := seed(t, store, "only@example.com")
	tr := &fakeTransport{delay: 20 * time.Millisecond}

	results := make([]CycleResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine := NewEngine(Config{BatchSize: 3, MaxAttempts: 3}, store, tr, nil, nil)
			result, err := engine.RunCycle(context.Background())
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, results[0].Claimed+results[1].Claimed)
	assert.Equal(t, 1, tr.sendCount())
	assert.Equal(t, model.StatusSent, get(t, store, ids[0]).Status)
}
