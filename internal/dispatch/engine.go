// Package dispatch implements the claim-and-dispatch cycle: claim due queued
// emails, send each through the mail transport and record the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"mail-dispatch-go/internal/events"
	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/transport"
)

// Config controls the size and retry policy of a cycle
type Config struct {
	// BatchSize bounds the records claimed, and sent concurrently, per cycle.
	BatchSize int
	// MaxAttempts is the retry ceiling passed to the claim.
	MaxAttempts int
	// StaleAfter releases processing claims older than this at cycle start.
	// Zero disables the release.
	StaleAfter time.Duration
	// FailPermanentImmediately fails a record on its first permanent
	// transport error instead of spending the remaining attempts.
	FailPermanentImmediately bool
	// PublishTimeout bounds each outcome event publish.
	PublishTimeout time.Duration
}

// CycleResult summarizes one dispatch cycle
type CycleResult struct {
	Claimed   int           `json:"claimed"`
	Sent      int           `json:"sent"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Released  int64         `json:"released"`
	Remaining int64         `json:"remaining"`
	HasMore   bool          `json:"has_more"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Processed is the number of records the cycle attempted
func (r CycleResult) Processed() int {
	return r.Claimed
}

// Engine runs dispatch cycles against a store and a transport
type Engine struct {
	cfg       Config
	store     queue.Store
	transport transport.Transport
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewEngine creates an engine; a nil publisher or metrics disables them
func NewEngine(cfg Config, store queue.Store, tr transport.Transport, pub events.Publisher, m *metrics.Metrics) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = model.DefaultMaxAttempts
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = events.DefaultPublishTimeout
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		transport: tr,
		publisher: pub,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type outcome struct {
	status model.Status
	err    error
}

// RunCycle claims up to BatchSize records and dispatches them concurrently.
//
// Transport failures are recorded per record and never fail the cycle. Store
// failures do: the cycle still waits for every claimed sibling to finish and
// then returns the joined error. Sends and finalizes run on a context detached
// from ctx's cancellation so a shutdown never abandons a claimed record
// half-way through.
func (e *Engine) RunCycle(ctx context.Context) (result CycleResult, err error) {
	result.StartedAt = e.now()
	e.metrics.Cycles.Inc()
	defer func() {
		result.Duration = e.now().Sub(result.StartedAt)
		e.metrics.CycleDuration.Observe(result.Duration.Seconds())
		if err != nil {
			e.metrics.CycleFailures.Inc()
		}
	}()

	if e.cfg.StaleAfter > 0 {
		released, err := e.store.ReleaseStale(ctx, result.StartedAt.Add(-e.cfg.StaleAfter))
		if err != nil {
			return result, fmt.Errorf("failed to release stale claims: %w", err)
		}
		if released > 0 {
			logrus.Warnf("Released %d queued emails stuck in processing for over %v", released, e.cfg.StaleAfter)
			e.metrics.StaleReleased.Add(float64(released))
		}
		result.Released = released
	}

	claimed, claimErr := e.store.ClaimBatch(ctx, e.cfg.BatchSize, e.cfg.MaxAttempts)
	if claimErr != nil && len(claimed) == 0 {
		return result, fmt.Errorf("failed to claim queued emails: %w", claimErr)
	}
	result.Claimed = len(claimed)
	e.metrics.Claimed.Add(float64(len(claimed)))

	if len(claimed) == 0 {
		logrus.Debug("No queued emails due, dispatch cycle idle")
	} else {
		outcomes := e.dispatchAll(context.WithoutCancel(ctx), claimed)

		var errs []error
		if claimErr != nil {
			errs = append(errs, fmt.Errorf("failed to claim queued emails: %w", claimErr))
		}
		for _, o := range outcomes {
			if o.err != nil {
				errs = append(errs, o.err)
				continue
			}
			switch o.status {
			case model.StatusSent:
				result.Sent++
			case model.StatusPending:
				result.Retried++
			case model.StatusFailed:
				result.Failed++
			case model.StatusProcessing:
			}
		}

		logrus.Infof("Dispatch cycle completed: claimed=%d sent=%d retried=%d failed=%d",
			result.Claimed, result.Sent, result.Retried, result.Failed)

		if len(errs) > 0 {
			return result, errors.Join(errs...)
		}
	}

	counts, err := e.store.CountByStatus(ctx, model.CountFilter{})
	if err != nil {
		return result, fmt.Errorf("failed to count remaining queued emails: %w", err)
	}
	result.Remaining = counts[model.StatusPending]
	result.HasMore = result.Remaining > 0

	return result, nil
}

func (e *Engine) dispatchAll(ctx context.Context, claimed []model.QueuedEmail) []outcome {
	outcomes := make([]outcome, len(claimed))

	p := pool.New().WithMaxGoroutines(e.cfg.BatchSize)
	for i := range claimed {
		i := i
		p.Go(func() {
			outcomes[i] = e.dispatchOne(ctx, claimed[i])
		})
	}
	p.Wait()

	return outcomes
}

// dispatchOne sends one claimed record and finalizes it
func (e *Engine) dispatchOne(ctx context.Context, rec model.QueuedEmail) outcome {
	log := logrus.WithFields(logrus.Fields{
		"email_id": rec.ID,
		"batch_id": rec.BatchID,
		"attempt":  rec.Attempts,
	})

	providerID, sendErr := e.transport.Send(ctx, transport.Message{
		To:      rec.To,
		Subject: rec.Subject,
		HTML:    rec.HTMLBody,
		Text:    rec.TextBody,
		From:    rec.FromDisplay,
	})

	if sendErr == nil {
		if err := e.store.FinalizeSuccess(ctx, rec.ID, providerID); err != nil {
			log.Errorf("Failed to finalize sent email: %v", err)
			return outcome{err: err}
		}
		e.metrics.Sent.Inc()
		log.Infof("Email sent to %s via %s (%s)", rec.To, e.transport.Name(), providerID)
		e.publish(ctx, rec, model.StatusSent, providerID, "")
		return outcome{status: model.StatusSent}
	}

	attempts := rec.Attempts
	if e.cfg.FailPermanentImmediately && transport.IsPermanent(sendErr) {
		attempts = rec.MaxAttempts
	}
	next := model.StatusPending
	if attempts >= rec.MaxAttempts {
		next = model.StatusFailed
	}

	if err := e.store.FinalizeOutcome(ctx, rec.ID, sendErr.Error(), attempts, rec.MaxAttempts); err != nil {
		log.Errorf("Failed to record failed attempt: %v", err)
		return outcome{err: err}
	}

	switch next {
	case model.StatusFailed:
		e.metrics.Failed.Inc()
		log.Errorf("Email to %s failed permanently after %d attempts: %v", rec.To, rec.Attempts, sendErr)
		e.publish(ctx, rec, model.StatusFailed, "", sendErr.Error())
	case model.StatusPending:
		e.metrics.Retried.Inc()
		log.Warnf("Email to %s failed (attempt %d/%d), will retry: %v", rec.To, rec.Attempts, rec.MaxAttempts, sendErr)
	case model.StatusProcessing, model.StatusSent:
	}
	return outcome{status: next}
}

// publish reports a terminal outcome; failures are logged and never affect the record
func (e *Engine) publish(ctx context.Context, rec model.QueuedEmail, status model.Status, providerID, lastErr string) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()

	err := e.publisher.Publish(ctx, events.Event{
		EmailID:           rec.ID,
		BatchID:           rec.BatchID,
		OwnerID:           rec.OwnerID,
		To:                rec.To,
		Status:            status,
		Attempts:          rec.Attempts,
		ProviderMessageID: providerID,
		LastError:         lastErr,
		At:                e.now(),
	})
	if err != nil {
		logrus.Warnf("Failed to publish outcome for email %s: %v", rec.ID, err)
	}
}
