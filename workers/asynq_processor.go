package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"snapmap/logger"
	"snapmap/models"
	"snapmap/services"

	"github.com/hibiken/asynq"
)

// AsynqProcessor serves verification tasks enqueued by services.AsynqTaskQueue
type AsynqProcessor struct {
	server *asynq.Server
	worker *VerificationWorker
	log    *logger.Logger
}

func NewAsynqProcessor(redisOpt asynq.RedisConnOpt, worker *VerificationWorker, queue string, concurrency int) *AsynqProcessor {
	if concurrency <= 0 {
		concurrency = 4
	}
	if queue == "" {
		queue = "default"
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
	})
	return &AsynqProcessor{server: server, worker: worker, log: logger.Named("asynq")}
}

// lifecycleMiddleware logs start and outcome of every task
func (p *AsynqProcessor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		start := time.Now()

		err := next.ProcessTask(ctx, t)

		ev := p.log.Info()
		if err != nil {
			ev = p.log.Error().Err(err)
		}
		ev.Str("task_id", id).Str("type", t.Type()).Int("retry", retried).Dur("took", time.Since(start)).Msg("[Asynq] task done")
		return err
	})
}

func (p *AsynqProcessor) handleVerify(ctx context.Context, t *asynq.Task) error {
	var task models.VerificationTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode verification task: %v: %w", err, asynq.SkipRetry)
	}
	return p.worker.Process(ctx, task)
}

// Mux returns the handler table, wrapped with the lifecycle middleware
func (p *AsynqProcessor) Mux() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(services.TypeVerifyPhoto, p.handleVerify)
	return p.lifecycleMiddleware(mux)
}

// Start runs the server in the background
func (p *AsynqProcessor) Start() error {
	return p.server.Start(p.Mux())
}

func (p *AsynqProcessor) Shutdown() { p.server.Shutdown() }
