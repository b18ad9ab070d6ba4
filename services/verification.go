package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"snapmap/apperrors"
	"snapmap/logger"
	"snapmap/models"
	"snapmap/utils"

	"github.com/google/uuid"
)

const queuedMessage = "Task queued"

type VerificationConfig struct {
	// StoreTimeout bounds each queue and status store call
	StoreTimeout time.Duration
	// StatusWriteAttempts is how often the QUEUED write is tried before the push is rolled back
	StatusWriteAttempts int
	RetryBackoff        time.Duration
	// ClaimGrace is how long after the request a worker may create the
	// status record itself when it popped the task before the QUEUED write
	ClaimGrace time.Duration
}

// VerificationService is the producer side of the photo verification
// pipeline plus the monotonic status writer used by workers.
type VerificationService struct {
	blobs  utils.BlobStore
	queue  TaskQueue
	store  StatusStore
	events EventPublisher
	quests *QuestService
	cfg    VerificationConfig
	log    *logger.Logger

	now       func() time.Time
	newTaskID func() string
}

func NewVerificationService(blobs utils.BlobStore, queue TaskQueue, store StatusStore, events EventPublisher, quests *QuestService, cfg VerificationConfig) *VerificationService {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.StatusWriteAttempts <= 0 {
		cfg.StatusWriteAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.ClaimGrace <= 0 {
		cfg.ClaimGrace = 30 * time.Second
	}
	return &VerificationService{
		blobs:     blobs,
		queue:     queue,
		store:     store,
		events:    events,
		quests:    quests,
		cfg:       cfg,
		log:       logger.Named("verification"),
		now:       time.Now,
		newTaskID: uuid.NewString,
	}
}

// Enqueue validates the uploaded object, pushes a task for the worker and
// records it as QUEUED. The push happens before the status write; if the
// status cannot be written the push is withdrawn. A worker that pops the task
// first claims it through StartProcessing, and the QUEUED write then returns
// the worker's record unchanged.
func (s *VerificationService) Enqueue(ctx context.Context, user *models.User, objectKey, expectedLabel string, questID *int64, allowFeedPhotos bool) (models.EnqueueResult, error) {
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return models.EnqueueResult{}, apperrors.New(apperrors.CodeInvalidArgument, "objectKey must not be blank")
	}
	expectedLabel = strings.TrimSpace(expectedLabel)
	if expectedLabel == "" {
		return models.EnqueueResult{}, apperrors.New(apperrors.CodeInvalidArgument, "expectedLabel must not be blank")
	}
	if user == nil || user.ID == 0 {
		return models.EnqueueResult{}, apperrors.Wrap(ErrPreconditionFailed, "Enqueue", errors.New("user is not persisted yet"))
	}

	obj, err := s.blobs.HeadObject(ctx, objectKey)
	if err != nil {
		return models.EnqueueResult{}, err
	}
	if !obj.Exists || obj.ETag == nil || strings.TrimSpace(*obj.ETag) == "" {
		return models.EnqueueResult{}, apperrors.Wrap(ErrObjectNotFound, "Enqueue", fmt.Errorf("object %s", objectKey))
	}

	now := s.now()
	task := models.VerificationTask{
		TaskID:                 s.newTaskID(),
		Bucket:                 s.blobs.Bucket(),
		ObjectKey:              objectKey,
		ExpectedLabel:          expectedLabel,
		ETag:                   *obj.ETag,
		UserID:                 user.ID,
		UserTgID:               user.TgID,
		QuestID:                questID,
		AllowFeedPhotos:        allowFeedPhotos,
		RequestedAtEpochMillis: now.UnixMilli(),
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.queue.Push(ctx, task) }); err != nil {
		s.log.Error().Err(err).Str("task_id", task.TaskID).Msg("[Verification] ❌ queue push failed")
		return models.EnqueueResult{}, asQueueError(err)
	}

	queued := models.VerificationStatus{
		TaskID:               task.TaskID,
		State:                models.StateQueued,
		UserID:               user.ID,
		ObjectKey:            objectKey,
		Message:              queuedMessage,
		UpdatedAtEpochMillis: now.UnixMilli(),
	}

	stored, err := s.writeQueued(ctx, queued)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", task.TaskID).Msg("[Verification] ❌ status write failed, withdrawing task")
		if rbErr := s.withTimeout(context.WithoutCancel(ctx), func(ctx context.Context) error { return s.queue.Remove(ctx, task) }); rbErr != nil {
			// past ClaimGrace the worker drops tasks that have no status record
			s.log.Error().Err(rbErr).Str("task_id", task.TaskID).Msg("[Verification] ❌ rollback failed, task left in queue")
		}
		return models.EnqueueResult{}, apperrors.Wrap(ErrStoreUnavailable, "Enqueue", err)
	}

	s.log.Info().Str("task_id", task.TaskID).Int64("user_id", user.ID).Str("state", string(stored.State)).Msg("[Verification] ✅ queued verification task")
	return models.EnqueueResult{TaskID: task.TaskID, Status: stored}, nil
}

func (s *VerificationService) writeQueued(ctx context.Context, st models.VerificationStatus) (models.VerificationStatus, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.StatusWriteAttempts; attempt++ {
		var stored models.VerificationStatus
		err := s.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			stored, _, err = s.store.CreateIfAbsent(ctx, st)
			return err
		})
		if err == nil {
			return stored, nil
		}
		lastErr = err
		if attempt == s.cfg.StatusWriteAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return models.VerificationStatus{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * s.cfg.RetryBackoff):
		}
	}
	return models.VerificationStatus{}, lastErr
}

// GetStatus is a point read of the status record
func (s *VerificationService) GetStatus(ctx context.Context, taskID string) (models.VerificationStatus, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return models.VerificationStatus{}, ErrTaskNotFound
	}
	var st models.VerificationStatus
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.store.Get(ctx, taskID)
		return err
	})
	return st, err
}

// GetStatusForUser hides tasks owned by someone else behind NotFound
func (s *VerificationService) GetStatusForUser(ctx context.Context, taskID string, userID int64) (models.VerificationStatus, error) {
	st, err := s.GetStatus(ctx, taskID)
	if err != nil {
		return st, err
	}
	if st.UserID != userID {
		return models.VerificationStatus{}, ErrTaskNotFound
	}
	return st, nil
}

// UpdateStatus is the worker-side writer. Terminal transitions publish an event.
func (s *VerificationService) UpdateStatus(ctx context.Context, taskID string, next models.VerificationState, message string) (models.VerificationStatus, error) {
	var (
		st      models.VerificationStatus
		changed bool
	)
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		st, changed, err = s.store.Transition(ctx, taskID, next, message, s.now())
		return err
	})
	if err != nil {
		return st, err
	}
	if changed && st.State.Terminal() {
		s.publish(ctx, st)
	}
	return st, nil
}

// StartProcessing moves a popped task to PROCESSING. When the record does not
// exist yet and the task is younger than ClaimGrace, the producer has pushed
// but not yet written QUEUED, so the record is created directly in
// PROCESSING from the task fields. Older tasks without a record return
// ErrTaskNotFound.
func (s *VerificationService) StartProcessing(ctx context.Context, task models.VerificationTask, message string) (models.VerificationStatus, error) {
	st, err := s.UpdateStatus(ctx, task.TaskID, models.StateProcessing, message)
	if !errors.Is(err, ErrTaskNotFound) {
		return st, err
	}
	now := s.now()
	if now.Sub(time.UnixMilli(task.RequestedAtEpochMillis)) > s.cfg.ClaimGrace {
		return st, err
	}

	claim := models.VerificationStatus{
		TaskID:               task.TaskID,
		State:                models.StateProcessing,
		UserID:               task.UserID,
		ObjectKey:            task.ObjectKey,
		Message:              message,
		UpdatedAtEpochMillis: now.UnixMilli(),
	}
	var created bool
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		st, created, err = s.store.CreateIfAbsent(ctx, claim)
		return err
	})
	if err != nil {
		return models.VerificationStatus{}, err
	}
	if created {
		s.log.Info().Str("task_id", task.TaskID).Msg("[Verification] worker claimed task before the queued write")
		return st, nil
	}
	// QUEUED landed between the two calls
	return s.UpdateStatus(ctx, task.TaskID, models.StateProcessing, message)
}

func (s *VerificationService) publish(ctx context.Context, st models.VerificationStatus) {
	if s.events == nil {
		return
	}
	ev := models.VerificationEvent{
		Type:   models.EventVerificationCompleted,
		TaskID: st.TaskID,
		Status: st.State,
		UserID: st.UserID,
	}
	if st.State == models.StateFailed {
		ev.Type = models.EventVerificationFailed
	}
	if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.events.Publish(ctx, ev) }); err != nil {
		s.log.Warn().Err(err).Str("task_id", st.TaskID).Msg("[Verification] event publish failed")
	}
}

// SaveResult stores the worker's result payload. The task must already be
// PROCESSING or later.
func (s *VerificationService) SaveResult(ctx context.Context, taskID string, payload []byte) error {
	if !json.Valid(payload) {
		return apperrors.New(apperrors.CodeInvalidArgument, "result must be valid JSON")
	}
	st, err := s.GetStatus(ctx, taskID)
	if err != nil {
		return err
	}
	if st.State == models.StateQueued {
		return apperrors.Wrap(ErrPreconditionFailed, "SaveResult", fmt.Errorf("task %s is still queued", taskID))
	}
	return s.withTimeout(ctx, func(ctx context.Context) error { return s.store.SaveResult(ctx, taskID, payload) })
}

// GetResult returns the stored result. It stays NotFound while the task is
// unknown or still QUEUED.
func (s *VerificationService) GetResult(ctx context.Context, taskID string) (json.RawMessage, error) {
	st, err := s.GetStatus(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return s.resultFor(ctx, st)
}

// GetResultForUser applies the ownership rule of GetStatusForUser
func (s *VerificationService) GetResultForUser(ctx context.Context, taskID string, userID int64) (json.RawMessage, error) {
	st, err := s.GetStatusForUser(ctx, taskID, userID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return s.resultFor(ctx, st)
}

func (s *VerificationService) resultFor(ctx context.Context, st models.VerificationStatus) (json.RawMessage, error) {
	if st.State == models.StateQueued {
		return nil, ErrResultNotFound
	}
	var raw []byte
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		raw, err = s.store.GetResult(ctx, st.TaskID)
		return err
	})
	return raw, err
}

func (s *VerificationService) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

// asQueueError keeps coded errors and maps anything else to QueueUnavailable
func asQueueError(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(ErrQueueUnavailable, "Enqueue", err)
}
