// workers/verification_worker.go
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"snapmap/logger"
	"snapmap/models"
	"snapmap/services"
	"snapmap/utils"
)

const (
	popTimeout        = 5 * time.Second
	redisErrorPause   = 2 * time.Second
	downloadURLTTL    = 10 * time.Minute
	processingMessage = "Worker started"
)

// VerificationResult is the payload saved for every decided task
type VerificationResult struct {
	TaskID               string                   `json:"taskId"`
	UserID               int64                    `json:"userId"`
	UserTgID             int64                    `json:"userTgId"`
	QuestID              *int64                   `json:"questId"`
	ObjectKey            string                   `json:"objectKey"`
	ExpectedLabel        string                   `json:"expectedLabel"`
	AllowFeedPhotos      bool                     `json:"allowFeedPhotos"`
	Decision             models.VerificationState `json:"decision"`
	Score                float64                  `json:"score"`
	Threshold            float64                  `json:"threshold"`
	CheckedAtEpochMillis int64                    `json:"checkedAtEpochMillis"`
}

// VerificationWorker consumes verification tasks, scores the photo with the
// classifier and writes the decision.
type VerificationWorker struct {
	verifications *services.VerificationService
	quests        *services.QuestService
	blobs         utils.BlobStore
	classifier    services.Classifier
	threshold     float64
	log           *logger.Logger
	now           func() time.Time
	// retryPause delays a failed task's way back into the Redis list
	retryPause time.Duration
}

func NewVerificationWorker(v *services.VerificationService, quests *services.QuestService, blobs utils.BlobStore, classifier services.Classifier, threshold float64) *VerificationWorker {
	return &VerificationWorker{
		verifications: v,
		quests:        quests,
		blobs:         blobs,
		classifier:    classifier,
		threshold:     threshold,
		log:           logger.Named("worker"),
		now:           time.Now,
		retryPause:    redisErrorPause,
	}
}

// Process handles one task. It returns an error when the task should be
// delivered again: the status store could not be written, or an approved
// task's quest completion is not recorded yet. Classification failures are
// recorded as FAILED and return nil.
func (w *VerificationWorker) Process(ctx context.Context, task models.VerificationTask) error {
	log := w.log.With().Str("task_id", task.TaskID).Int64("user_id", task.UserID).Logger()

	if _, err := w.verifications.StartProcessing(ctx, task, processingMessage); err != nil {
		switch {
		case errors.Is(err, services.ErrTaskNotFound):
			// enqueue rolled back or the record expired
			log.Warn().Msg("[Worker] ⚠️ no status record, dropping task")
			return nil
		case errors.Is(err, services.ErrInvalidTransition):
			return w.redelivered(ctx, task)
		default:
			return fmt.Errorf("mark processing: %w", err)
		}
	}
	log.Info().Str("label", task.ExpectedLabel).Msg("[Worker] processing task")
	return w.run(ctx, task)
}

// redelivered handles a task whose status already moved past QUEUED. A task
// left in PROCESSING by an interrupted delivery is run again, and an approved
// one gets its quest completion recorded if that step was missed.
func (w *VerificationWorker) redelivered(ctx context.Context, task models.VerificationTask) error {
	st, err := w.verifications.GetStatus(ctx, task.TaskID)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			return nil
		}
		return fmt.Errorf("read status: %w", err)
	}
	switch st.State {
	case models.StateProcessing:
		w.log.Info().Str("task_id", task.TaskID).Msg("[Worker] resuming interrupted task")
		return w.run(ctx, task)
	case models.StateApproved:
		return w.recordCompletion(ctx, task)
	default:
		w.log.Info().Str("task_id", task.TaskID).Str("state", string(st.State)).Msg("[Worker] task already handled, skipping redelivery")
		return nil
	}
}

func (w *VerificationWorker) run(ctx context.Context, task models.VerificationTask) error {
	decision, message, err := w.decide(ctx, task)
	if err != nil {
		return w.fail(ctx, task, err)
	}

	if _, err := w.verifications.UpdateStatus(ctx, task.TaskID, decision, message); err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			// a concurrent delivery decided first and owns the follow-up
			w.log.Info().Str("task_id", task.TaskID).Msg("[Worker] task decided by another delivery")
			return nil
		}
		return fmt.Errorf("save decision: %w", err)
	}
	w.log.Info().Str("task_id", task.TaskID).Str("decision", string(decision)).Msg("[Worker] ✅ " + message)

	if decision == models.StateApproved {
		return w.recordCompletion(ctx, task)
	}
	return nil
}

// decide scores the photo and stores the result payload. The status is left
// in PROCESSING.
func (w *VerificationWorker) decide(ctx context.Context, task models.VerificationTask) (models.VerificationState, string, error) {
	url, err := w.blobs.PresignDownload(ctx, task.ObjectKey, downloadURLTTL)
	if err != nil {
		return "", "", err
	}
	score, err := w.classifier.ProbabilityOf(ctx, url, task.ExpectedLabel)
	if err != nil {
		return "", "", err
	}

	decision := models.StateRejected
	if score >= w.threshold {
		decision = models.StateApproved
	}
	message := fmt.Sprintf("Score %.3f vs threshold %.2f", score, w.threshold)

	result, err := json.Marshal(VerificationResult{
		TaskID:               task.TaskID,
		UserID:               task.UserID,
		UserTgID:             task.UserTgID,
		QuestID:              task.QuestID,
		ObjectKey:            task.ObjectKey,
		ExpectedLabel:        task.ExpectedLabel,
		AllowFeedPhotos:      task.AllowFeedPhotos,
		Decision:             decision,
		Score:                score,
		Threshold:            w.threshold,
		CheckedAtEpochMillis: w.now().UnixMilli(),
	})
	if err != nil {
		return "", "", err
	}
	// result first, so a client that sees the terminal state can read it
	if err := w.verifications.SaveResult(ctx, task.TaskID, result); err != nil {
		return "", "", fmt.Errorf("save result: %w", err)
	}
	return decision, message, nil
}

// recordCompletion credits the quest reward of an approved task. It is keyed
// by task id, so running it again on redelivery is safe.
func (w *VerificationWorker) recordCompletion(ctx context.Context, task models.VerificationTask) error {
	if task.QuestID == nil || w.quests == nil {
		return nil
	}
	if _, err := w.quests.RecordCompletion(ctx, task); err != nil {
		if errors.Is(err, services.ErrQuestNotFound) {
			w.log.Warn().Str("task_id", task.TaskID).Int64("quest_id", *task.QuestID).Msg("[Worker] ⚠️ quest is gone, no reward recorded")
			return nil
		}
		return fmt.Errorf("record completed quest: %w", err)
	}
	return nil
}

// fail records FAILED with the cause as message. It returns an error only
// when the FAILED write itself did not go through.
func (w *VerificationWorker) fail(ctx context.Context, task models.VerificationTask, cause error) error {
	w.log.Error().Err(cause).Str("task_id", task.TaskID).Msg("[Worker] ❌ task failed")
	if _, err := w.verifications.UpdateStatus(ctx, task.TaskID, models.StateFailed, cause.Error()); err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// RunRedis pops tasks from the Redis list with `concurrency` consumers until
// ctx is cancelled.
func (w *VerificationWorker) RunRedis(ctx context.Context, queue *services.RedisTaskQueue, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	w.log.Info().Int("concurrency", concurrency).Msg("🔁 [Worker] waiting for verification tasks")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx, queue)
		}()
	}
	wg.Wait()
	w.log.Info().Msg("[Worker] stopped")
}

func (w *VerificationWorker) consume(ctx context.Context, queue *services.RedisTaskQueue) {
	for ctx.Err() == nil {
		task, err := queue.Pop(ctx, popTimeout)
		switch {
		case err == nil:
		case errors.Is(err, services.ErrQueueEmpty):
			continue
		case ctx.Err() != nil:
			return
		default:
			w.log.Error().Err(err).Msg("[Worker] queue error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryPause):
			}
			continue
		}

		// a popped task is finished even if shutdown starts meanwhile
		if err := w.Process(context.WithoutCancel(ctx), task); err != nil {
			w.log.Error().Err(err).Str("task_id", task.TaskID).Msg("[Worker] ❌ task could not be processed, requeueing")
			w.requeue(ctx, queue, task)
		}
	}
}

// requeue puts a task back at the tail of the list after retryPause. The push
// runs even during shutdown so the task is not lost.
func (w *VerificationWorker) requeue(ctx context.Context, queue *services.RedisTaskQueue, task models.VerificationTask) {
	select {
	case <-ctx.Done():
	case <-time.After(w.retryPause):
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), popTimeout)
	defer cancel()
	if err := queue.Push(pushCtx, task); err != nil {
		w.log.Error().Err(err).Str("task_id", task.TaskID).Msg("[Worker] ❌ requeue failed, task lost")
	}
}
