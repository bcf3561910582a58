package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mail-dispatch-go/internal/model"
)

// GormStore is a Store backed by a SQL database through gorm
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over an already migrated database
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Insert stores the records in one INSERT statement
func (s *GormStore) Insert(ctx context.Context, emails []model.QueuedEmail) error {
	if len(emails) == 0 {
		return nil
	}
	if err := ValidateInsert(emails); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(&emails).Error; err != nil {
		return fmt.Errorf("failed to insert queued emails: %w", err)
	}
	return nil
}

// ClaimBatch selects the oldest eligible ids and claims each one with a
// conditional UPDATE. A zero row count means another claimer won the record.
// A record whose reload fails after its UPDATE stays in processing and is
// only returned to the queue by ReleaseStale.
func (s *GormStore) ClaimBatch(ctx context.Context, limit, maxAttempts int) ([]model.QueuedEmail, error) {
	if limit <= 0 {
		return nil, nil
	}

	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.QueuedEmail{}).
		Where("status = ? AND attempts < ? AND attempts < max_attempts", model.StatusPending, maxAttempts).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}

	claimed := make([]model.QueuedEmail, 0, len(ids))
	for _, id := range ids {
		res := s.db.WithContext(ctx).
			Model(&model.QueuedEmail{}).
			Where("id = ? AND status = ? AND attempts < ? AND attempts < max_attempts", id, model.StatusPending, maxAttempts).
			Updates(map[string]interface{}{
				"status":       model.StatusProcessing,
				"attempts":     gorm.Expr("attempts + 1"),
				"processed_at": now(),
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("failed to claim queued email %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			logrus.Debugf("Queued email %s claimed by another worker, skipping", id)
			continue
		}

		e, err := s.Get(ctx, id)
		if err != nil {
			logrus.Errorf("Queued email %s claimed but not loaded, left in processing until released as stale", id)
			return claimed, fmt.Errorf("failed to load claimed email %s: %w", id, err)
		}
		claimed = append(claimed, e)
	}

	return claimed, nil
}

// FinalizeSuccess marks a processing record sent
func (s *GormStore) FinalizeSuccess(ctx context.Context, id, providerMessageID string) error {
	res := s.db.WithContext(ctx).
		Model(&model.QueuedEmail{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":              model.StatusSent,
			"provider_message_id": providerMessageID,
			"processed_at":        now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark queued email %s sent: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		logrus.Warnf("Queued email %s not found in processing state, skipping success finalize", id)
	}
	return nil
}

// FinalizeOutcome records a failed attempt
func (s *GormStore) FinalizeOutcome(ctx context.Context, id, errMsg string, attemptsSoFar, maxAttempts int) error {
	res := s.db.WithContext(ctx).
		Model(&model.QueuedEmail{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":       outcomeStatus(attemptsSoFar, maxAttempts),
			"last_error":   errMsg,
			"processed_at": now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record outcome for queued email %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		logrus.Warnf("Queued email %s not found in processing state, skipping outcome finalize", id)
	}
	return nil
}

// CountByStatus counts records per status
func (s *GormStore) CountByStatus(ctx context.Context, filter model.CountFilter) (model.StatusCounts, error) {
	type statusCount struct {
		Status model.Status
		Count  int64
	}

	q := s.db.WithContext(ctx).Model(&model.QueuedEmail{})
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.BatchID != "" {
		q = q.Where("batch_id = ?", filter.BatchID)
	}

	var rows []statusCount
	if err := q.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count queued emails: %w", err)
	}

	counts := model.NewStatusCounts()
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// ListByBatch returns batch members oldest first
func (s *GormStore) ListByBatch(ctx context.Context, batchID string) ([]model.QueuedEmail, error) {
	var emails []model.QueuedEmail
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC, id ASC").
		Find(&emails).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list batch %s: %w", batchID, err)
	}
	if len(emails) == 0 {
		return nil, ErrNotFound
	}
	return emails, nil
}

// ReleaseStale recovers records orphaned in processing
func (s *GormStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := now()

		failed := tx.Model(&model.QueuedEmail{}).
			Where("status = ? AND processed_at < ? AND attempts >= max_attempts", model.StatusProcessing, olderThan).
			Updates(map[string]interface{}{
				"status":       model.StatusFailed,
				"last_error":   AbandonedError,
				"processed_at": ts,
			})
		if failed.Error != nil {
			return failed.Error
		}

		requeued := tx.Model(&model.QueuedEmail{}).
			Where("status = ? AND processed_at < ? AND attempts < max_attempts", model.StatusProcessing, olderThan).
			Updates(map[string]interface{}{
				"status":       model.StatusPending,
				"processed_at": ts,
			})
		if requeued.Error != nil {
			return requeued.Error
		}

		released = failed.RowsAffected + requeued.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	return released, nil
}

// Ping checks the database connection
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Get loads one record by id
func (s *GormStore) Get(ctx context.Context, id string) (model.QueuedEmail, error) {
	var e model.QueuedEmail
	err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.QueuedEmail{}, ErrNotFound
	}
	if err != nil {
		return model.QueuedEmail{}, fmt.Errorf("failed to load queued email %s: %w", id, err)
	}
	return e, nil
}
