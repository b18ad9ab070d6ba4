package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"snapmap/apperrors"
	"snapmap/models"

	"github.com/redis/go-redis/v9"
)

// StatusStore keeps the per-task status record and the worker result. Records
// expire after the configured TTL, counted from creation.
type StatusStore interface {
	// CreateIfAbsent writes st unless a record for st.TaskID already exists,
	// in which case the stored record is returned and created is false.
	CreateIfAbsent(ctx context.Context, st models.VerificationStatus) (stored models.VerificationStatus, created bool, err error)
	// Get returns ErrTaskNotFound when the record is absent or expired.
	Get(ctx context.Context, taskID string) (models.VerificationStatus, error)
	// Transition moves the record to next with compare-and-set semantics.
	// Repeating the current terminal state returns changed=false.
	Transition(ctx context.Context, taskID string, next models.VerificationState, message string, now time.Time) (st models.VerificationStatus, changed bool, err error)
	SaveResult(ctx context.Context, taskID string, payload []byte) error
	// GetResult returns ErrResultNotFound when nothing was saved.
	GetResult(ctx context.Context, taskID string) ([]byte, error)
}

// checkTransition applies the state machine to a stored record
func checkTransition(cur models.VerificationStatus, next models.VerificationState) (noop bool, err error) {
	if !next.Valid() {
		return false, apperrors.Wrap(ErrInvalidArgument, "Transition", fmt.Errorf("unknown state %q", next))
	}
	if cur.State == next && next.Terminal() {
		return true, nil
	}
	if !cur.State.CanMoveTo(next) {
		return false, apperrors.Wrap(ErrInvalidTransition, "Transition", fmt.Errorf("%s -> %s", cur.State, next))
	}
	return false, nil
}

const casAttempts = 5

// RedisStatusStore keeps JSON records under "<prefix>:<taskId>" with EX ttl
type RedisStatusStore struct {
	rdb          redis.UniversalClient
	statusPrefix string
	resultPrefix string
	ttl          time.Duration
}

func NewRedisStatusStore(rdb redis.UniversalClient, statusPrefix, resultPrefix string, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{rdb: rdb, statusPrefix: statusPrefix, resultPrefix: resultPrefix, ttl: ttl}
}

func (s *RedisStatusStore) statusKey(taskID string) string { return s.statusPrefix + ":" + taskID }
func (s *RedisStatusStore) resultKey(taskID string) string { return s.resultPrefix + ":" + taskID }

func (s *RedisStatusStore) CreateIfAbsent(ctx context.Context, st models.VerificationStatus) (models.VerificationStatus, bool, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return st, false, err
	}
	ok, err := s.rdb.SetNX(ctx, s.statusKey(st.TaskID), data, s.ttl).Result()
	if err != nil {
		return st, false, apperrors.Wrap(ErrStoreUnavailable, "CreateIfAbsent", err)
	}
	if ok {
		return st, true, nil
	}
	existing, err := s.Get(ctx, st.TaskID)
	if err != nil {
		return st, false, err
	}
	return existing, false, nil
}

func (s *RedisStatusStore) Get(ctx context.Context, taskID string) (models.VerificationStatus, error) {
	raw, err := s.rdb.Get(ctx, s.statusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.VerificationStatus{}, ErrTaskNotFound
	}
	if err != nil {
		return models.VerificationStatus{}, apperrors.Wrap(ErrStoreUnavailable, "Get", err)
	}
	var st models.VerificationStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return models.VerificationStatus{}, fmt.Errorf("decode status %s: %w", taskID, err)
	}
	return st, nil
}

func (s *RedisStatusStore) Transition(ctx context.Context, taskID string, next models.VerificationState, message string, now time.Time) (models.VerificationStatus, bool, error) {
	key := s.statusKey(taskID)

	var (
		result  models.VerificationStatus
		changed bool
	)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		var cur models.VerificationStatus
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode status %s: %w", taskID, err)
		}

		noop, err := checkTransition(cur, next)
		if err != nil {
			return err
		}
		if noop {
			result, changed = cur, false
			return nil
		}

		cur.State = next
		cur.Message = message
		cur.UpdatedAtEpochMillis = now.UnixMilli()
		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		result, changed = cur, true
		return nil
	}

	for i := 0; i < casAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var appErr *apperrors.Error
			if errors.As(err, &appErr) {
				return models.VerificationStatus{}, false, err
			}
			return models.VerificationStatus{}, false, apperrors.Wrap(ErrStoreUnavailable, "Transition", err)
		}
		return result, changed, nil
	}
	return models.VerificationStatus{}, false, apperrors.Wrap(ErrStoreUnavailable, "Transition", fmt.Errorf("task %s: too much contention", taskID))
}

func (s *RedisStatusStore) SaveResult(ctx context.Context, taskID string, payload []byte) error {
	if err := s.rdb.Set(ctx, s.resultKey(taskID), payload, s.ttl).Err(); err != nil {
		return apperrors.Wrap(ErrStoreUnavailable, "SaveResult", err)
	}
	return nil
}

func (s *RedisStatusStore) GetResult(ctx context.Context, taskID string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, s.resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(ErrStoreUnavailable, "GetResult", err)
	}
	return raw, nil
}
