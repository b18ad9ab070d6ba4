package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snapmap/apperrors"
	"snapmap/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStatusStore is the relational StatusStore. Rows carry expires_at and
// are hidden once it passes; DeleteExpired removes them for good.
type GormStatusStore struct {
	DB  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewGormStatusStore(db *gorm.DB, ttl time.Duration) *GormStatusStore {
	return &GormStatusStore{DB: db, ttl: ttl, now: time.Now}
}

func (s *GormStatusStore) CreateIfAbsent(ctx context.Context, st models.VerificationStatus) (models.VerificationStatus, bool, error) {
	now := s.now()
	rec := models.VerificationStatusRecord{
		TaskID:    st.TaskID,
		UserID:    st.UserID,
		ObjectKey: st.ObjectKey,
		State:     st.State,
		Message:   st.Message,
		UpdatedAt: time.UnixMilli(st.UpdatedAtEpochMillis),
		ExpiresAt: now.Add(s.ttl),
	}
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_id"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return st, false, apperrors.Wrap(ErrStoreUnavailable, "CreateIfAbsent", res.Error)
	}
	if res.RowsAffected == 1 {
		return st, true, nil
	}
	existing, err := s.Get(ctx, st.TaskID)
	if err != nil {
		return st, false, err
	}
	return existing, false, nil
}

func (s *GormStatusStore) load(ctx context.Context, taskID string) (*models.VerificationStatusRecord, error) {
	var rec models.VerificationStatusRecord
	err := s.DB.WithContext(ctx).
		Where("task_id = ? AND expires_at > ?", taskID, s.now()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(ErrStoreUnavailable, "Get", err)
	}
	return &rec, nil
}

func (s *GormStatusStore) Get(ctx context.Context, taskID string) (models.VerificationStatus, error) {
	rec, err := s.load(ctx, taskID)
	if err != nil {
		return models.VerificationStatus{}, err
	}
	return rec.Status(), nil
}

func (s *GormStatusStore) Transition(ctx context.Context, taskID string, next models.VerificationState, message string, now time.Time) (models.VerificationStatus, bool, error) {
	for i := 0; i < casAttempts; i++ {
		rec, err := s.load(ctx, taskID)
		if err != nil {
			return models.VerificationStatus{}, false, err
		}
		noop, err := checkTransition(rec.Status(), next)
		if err != nil {
			return models.VerificationStatus{}, false, err
		}
		if noop {
			return rec.Status(), false, nil
		}

		// conditional on the state we read, so a concurrent writer makes this a miss
		res := s.DB.WithContext(ctx).Model(&models.VerificationStatusRecord{}).
			Where("task_id = ? AND state = ?", taskID, rec.State).
			Updates(map[string]any{
				"state":      next,
				"message":    message,
				"updated_at": now,
			})
		if res.Error != nil {
			return models.VerificationStatus{}, false, apperrors.Wrap(ErrStoreUnavailable, "Transition", res.Error)
		}
		if res.RowsAffected == 1 {
			rec.State, rec.Message, rec.UpdatedAt = next, message, now
			return rec.Status(), true, nil
		}
	}
	return models.VerificationStatus{}, false, apperrors.Wrap(ErrStoreUnavailable, "Transition", fmt.Errorf("task %s: too much contention", taskID))
}

func (s *GormStatusStore) SaveResult(ctx context.Context, taskID string, payload []byte) error {
	rec := models.VerificationResultRecord{
		TaskID:     taskID,
		ResultJSON: string(payload),
		ExpiresAt:  s.now().Add(s.ttl),
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"result_json", "expires_at"}),
	}).Create(&rec).Error
	if err != nil {
		return apperrors.Wrap(ErrStoreUnavailable, "SaveResult", err)
	}
	return nil
}

func (s *GormStatusStore) GetResult(ctx context.Context, taskID string) ([]byte, error) {
	var rec models.VerificationResultRecord
	err := s.DB.WithContext(ctx).
		Where("task_id = ? AND expires_at > ?", taskID, s.now()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(ErrStoreUnavailable, "GetResult", err)
	}
	return []byte(rec.ResultJSON), nil
}

// DeleteExpired removes status and result rows past their expiry
func (s *GormStatusStore) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("expires_at <= ?", now).Delete(&models.VerificationStatusRecord{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		res = tx.Where("expires_at <= ?", now).Delete(&models.VerificationResultRecord{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}
