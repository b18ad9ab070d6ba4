// services/scheduler.go
package services

import (
	"context"
	"time"

	"snapmap/logger"

	"github.com/go-co-op/gocron/v2"
)

// StartStatusSweeper deletes expired relational status and result rows on a
// fixed interval. Redis keys expire on their own and need no sweeper.
func StartStatusSweeper(store *GormStatusStore, interval time.Duration) (gocron.Scheduler, error) {
	log := logger.Named("scheduler")

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()

			n, err := store.DeleteExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("[Scheduler] DB error while sweeping expired tasks")
				return
			}
			if n > 0 {
				log.Info().Int64("rows", n).Msg("[Scheduler] ✅ swept expired verification rows")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	sched.Start()
	return sched, nil
}
