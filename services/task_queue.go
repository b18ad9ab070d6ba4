package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"snapmap/apperrors"
	"snapmap/models"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// TaskQueue is the durable hand-off to the verification worker
type TaskQueue interface {
	Push(ctx context.Context, task models.VerificationTask) error
	// Remove withdraws a task that was pushed but must not be processed.
	Remove(ctx context.Context, task models.VerificationTask) error
}

// RedisTaskQueue is a Redis list: producers LPUSH, the worker BRPOPs
type RedisTaskQueue struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisTaskQueue(rdb redis.UniversalClient, key string) *RedisTaskQueue {
	return &RedisTaskQueue{rdb: rdb, key: key}
}

func (q *RedisTaskQueue) Push(ctx context.Context, task models.VerificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return apperrors.Wrap(ErrQueueUnavailable, "Push", err)
	}
	return nil
}

func (q *RedisTaskQueue) Remove(ctx context.Context, task models.VerificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	n, err := q.rdb.LRem(ctx, q.key, 1, data).Result()
	if err != nil {
		return apperrors.Wrap(ErrQueueUnavailable, "Remove", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s already taken off the queue", task.TaskID)
	}
	return nil
}

// ErrQueueEmpty is returned by Pop when nothing arrived within the timeout
var ErrQueueEmpty = errors.New("queue empty")

// Pop blocks up to timeout for the next task
func (q *RedisTaskQueue) Pop(ctx context.Context, timeout time.Duration) (models.VerificationTask, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return models.VerificationTask{}, ErrQueueEmpty
	}
	if err != nil {
		return models.VerificationTask{}, apperrors.Wrap(ErrQueueUnavailable, "Pop", err)
	}
	// res is [key, value]
	var task models.VerificationTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return models.VerificationTask{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

// Len reports how many tasks are waiting
func (q *RedisTaskQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// TypeVerifyPhoto is the asynq task type for a verification task
const TypeVerifyPhoto = "verification:photo"

// AsynqTaskQueue enqueues tasks through asynq, using the verification task id
// as the asynq task id so a rollback can find it again.
type AsynqTaskQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

func NewAsynqTaskQueue(redisOpt asynq.RedisConnOpt, queue string) *AsynqTaskQueue {
	if queue == "" {
		queue = "default"
	}
	return &AsynqTaskQueue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queue,
	}
}

func (q *AsynqTaskQueue) Push(ctx context.Context, task models.VerificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TypeVerifyPhoto, data),
		asynq.Queue(q.queue),
		asynq.TaskID(task.TaskID),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return apperrors.Wrap(ErrQueueUnavailable, "Push", err)
	}
	return nil
}

func (q *AsynqTaskQueue) Remove(ctx context.Context, task models.VerificationTask) error {
	if err := q.inspector.DeleteTask(q.queue, task.TaskID); err != nil {
		return apperrors.Wrap(ErrQueueUnavailable, "Remove", err)
	}
	return nil
}

func (q *AsynqTaskQueue) Close() error {
	if err := q.inspector.Close(); err != nil {
		return err
	}
	return q.client.Close()
}
