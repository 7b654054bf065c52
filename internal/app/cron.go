package app

import (
	"context"
	"time"

	"github.com/x-notify/core/internal/modules/subscription"
	pkgcron "github.com/x-notify/core/internal/pkg/cron"
	"github.com/x-notify/core/internal/pkg/queue"
)

// registerCronJobs registers the scheduled maintenance jobs.
func registerCronJobs(sched *pkgcron.Scheduler, subSvc *subscription.Service, q *queue.Queue) {
	sched.Register(pkgcron.Job{
		Name:        "purge_recents",
		Description: "drop expired replay-memory rows",
		Interval:    24 * time.Hour,
		Fn: func(ctx context.Context) error {
			_, err := subSvc.PurgeExpiredRecents(ctx)
			return err
		},
	})

	sched.Register(pkgcron.Job{
		Name:        "requeue_stalled",
		Description: "return jobs from dead workers to their lanes",
		Interval:    time.Minute,
		Fn: func(ctx context.Context) error {
			for _, lane := range []queue.Lane{queue.LaneConfirm, queue.LaneBulk} {
				if _, err := q.RequeueStalled(ctx, lane); err != nil {
					return err
				}
			}
			return nil
		},
	})
}
