// Package submission validates batch requests and fans them out into queued
// emails sharing one batch id.
package submission

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/model"
	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/ratelimit"
)

// ErrValidation wraps every rejected request
var ErrValidation = errors.New("invalid batch request")

// DefaultMaxRecipients caps one batch when no limit is configured
const DefaultMaxRecipients = 100

// maxSubjectLength is the RFC 5322 line limit
const maxSubjectLength = 998

// Request is one batch submission
type Request struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	HTML       string   `json:"html,omitempty"`
	Text       string   `json:"text,omitempty"`
	From       string   `json:"from,omitempty"`
}

// Result identifies an accepted batch
type Result struct {
	BatchID   string `json:"batch_id"`
	Submitted int    `json:"submitted"`
}

// BatchStatus is the read-only projection of one batch
type BatchStatus struct {
	BatchID string              `json:"batch_id"`
	Counts  model.StatusCounts  `json:"counts"`
	Total   int64               `json:"total"`
	Emails  []model.QueuedEmail `json:"emails"`
}

// Config holds submission limits
type Config struct {
	MaxRecipients int
	MaxAttempts   int
}

// Service accepts batches
type Service struct {
	cfg      Config
	store    queue.Store
	limiter  ratelimit.Limiter
	trigger  func()
	metrics  *metrics.Metrics
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a submission service; trigger may be nil
func NewService(cfg Config, store queue.Store, limiter ratelimit.Limiter, trigger func(), m *metrics.Metrics) *Service {
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = model.DefaultMaxAttempts
	}
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		trigger:  trigger,
		metrics:  m,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// normalize trims the request and checks it without touching the store
func (s *Service) normalize(ownerID string, req Request) (Request, error) {
	if strings.TrimSpace(ownerID) == "" {
		return req, invalid("owner is required")
	}

	if len(req.Recipients) == 0 {
		return req, invalid("at least one recipient is required")
	}
	if len(req.Recipients) > s.cfg.MaxRecipients {
		return req, invalid("too many recipients: %d exceeds the limit of %d", len(req.Recipients), s.cfg.MaxRecipients)
	}

	recipients := make([]string, len(req.Recipients))
	for i, r := range req.Recipients {
		addr := strings.TrimSpace(r)
		if err := s.validate.Var(addr, "required,email"); err != nil {
			return req, invalid("invalid recipient address %q", r)
		}
		recipients[i] = addr
	}
	req.Recipients = recipients

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return req, invalid("subject is required")
	}
	if len(req.Subject) > maxSubjectLength {
		return req, invalid("subject exceeds %d characters", maxSubjectLength)
	}
	if strings.ContainsAny(req.Subject, "\r\n") {
		return req, invalid("subject must be a single line")
	}

	if strings.TrimSpace(req.HTML) == "" && strings.TrimSpace(req.Text) == "" {
		return req, invalid("html or text body is required")
	}

	req.From = strings.TrimSpace(req.From)
	if req.From != "" {
		if _, err := mail.ParseAddress(req.From); err != nil {
			return req, invalid("invalid from address %q", req.From)
		}
	}

	return req, nil
}

// Submit validates the request, reserves quota and inserts one record per
// recipient in a single insert
func (s *Service) Submit(ctx context.Context, ownerID string, req Request) (Result, error) {
	req, err := s.normalize(ownerID, req)
	if err != nil {
		s.metrics.SubmissionRejected.WithLabelValues("validation").Inc()
		return Result{}, err
	}

	if err := s.limiter.Allow(ctx, ownerID, len(req.Recipients)); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			s.metrics.SubmissionRejected.WithLabelValues("quota").Inc()
		}
		return Result{}, err
	}

	batchID := uuid.NewString()
	createdAt := s.now()
	emails := make([]model.QueuedEmail, len(req.Recipients))
	for i, to := range req.Recipients {
		emails[i] = model.QueuedEmail{
			ID:          uuid.NewString(),
			BatchID:     batchID,
			OwnerID:     ownerID,
			To:          to,
			Subject:     req.Subject,
			HTMLBody:    req.HTML,
			TextBody:    req.Text,
			FromDisplay: req.From,
			Status:      model.StatusPending,
			Attempts:    0,
			MaxAttempts: s.cfg.MaxAttempts,
			CreatedAt:   createdAt,
		}
	}

	if err := s.store.Insert(ctx, emails); err != nil {
		return Result{}, fmt.Errorf("failed to queue batch: %w", err)
	}

	s.metrics.BatchesSubmitted.Inc()
	s.metrics.RecipientsQueued.Add(float64(len(emails)))
	logrus.WithFields(logrus.Fields{
		"batch_id": batchID,
		"owner_id": ownerID,
	}).Infof("Queued batch with %d recipients", len(emails))

	if s.trigger != nil {
		s.trigger()
	}

	return Result{BatchID: batchID, Submitted: len(emails)}, nil
}

// Status returns per-status counts and members of a batch
func (s *Service) Status(ctx context.Context, batchID string) (BatchStatus, error) {
	emails, err := s.store.ListByBatch(ctx, batchID)
	if err != nil {
		return BatchStatus{}, err
	}

	counts := model.NewStatusCounts()
	for _, e := range emails {
		counts[e.Status]++
	}

	return BatchStatus{
		BatchID: batchID,
		Counts:  counts,
		Total:   counts.Total(),
		Emails:  emails,
	}, nil
}

// Quota returns the owner's unused quota; ok is false when submissions are not
// rate limited
func (s *Service) Quota(ctx context.Context, ownerID string) (remaining int64, ok bool, err error) {
	reporter, ok := s.limiter.(ratelimit.Reporter)
	if !ok {
		return 0, false, nil
	}
	remaining, err = reporter.Remaining(ctx, ownerID)
	if err != nil {
		return 0, true, err
	}
	return remaining, true, nil
}

// Stats returns status counts scoped by filter
func (s *Service) Stats(ctx context.Context, filter model.CountFilter) (model.StatusCounts, error) {
	return s.store.CountByStatus(ctx, filter)
}
