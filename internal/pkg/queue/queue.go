// Package queue is a durable Redis-backed delivery job queue. Jobs are JSON
// blobs; each lane keeps a ready sorted set scored by ready-at time, so
// delayed retries and immediate work share one structure. Claims are
// serialized with a short Redis lock, which makes running several worker
// processes against the same queue safe. Delivery is at-least-once; dedup is
// the application's job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	redisc "github.com/x-notify/core/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyJobPrefix  = "xn:job:"
	keyReady      = "xn:queue:"   // + lane; sorted set score=ready_at ms
	keyRunning    = "xn:running:" // + lane; sorted set score=visibility deadline ms
	keyDone       = "xn:done:"    // + lane; capped list of completion records
	keyFailed     = "xn:failed:"  // + lane; capped list of failure records
	keyClaimLock  = "xn:claimlock:"
	jobTTL        = 7 * 24 * time.Hour
	claimLockTTL  = 10 * time.Second
	visibilityTTL = 5 * time.Minute
)

// Options tunes retention and polling.
type Options struct {
	KeepCompleted int
	KeepFailed    int
	PollInterval  time.Duration
}

// Queue manages durable delivery jobs in Redis.
type Queue struct {
	rc     *redisc.Client
	locker *redislock.Client
	log    *zap.Logger
	opts   Options
}

// New creates a queue over the given Redis client.
func New(rc *redisc.Client, log *zap.Logger, opts Options) *Queue {
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = 300
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = 2500
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Queue{
		rc:     rc,
		locker: redislock.New(rc.Raw()),
		log:    log,
		opts:   opts,
	}
}

func jobKey(id string) string { return keyJobPrefix + id }

// Enqueue stores the job and schedules it on its lane at ReadyAt (now when
// unset).
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ReadyAt.IsZero() {
		job.ReadyAt = now
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	pipe := q.rc.Raw().TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, jobTTL)
	pipe.ZAdd(ctx, keyReady+string(job.Lane), redis.Z{
		Score:  float64(job.ReadyAt.UnixMilli()),
		Member: job.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Claim atomically takes the next due job off a lane, or returns nil when
// none is due. The job moves to the lane's running set until the worker
// settles it; RequeueStalled recovers jobs whose worker died mid-flight.
func (q *Queue) Claim(ctx context.Context, lane Lane) (*Job, error) {
	lock, err := q.locker.Obtain(ctx, keyClaimLock+string(lane), claimLockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, nil // another worker holds the lane
		}
		return nil, err
	}
	defer lock.Release(ctx)

	rdb := q.rc.Raw()
	now := time.Now()
	for {
		ids, err := rdb.ZRangeByScore(ctx, keyReady+string(lane), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: 1,
		}).Result()
		if err != nil || len(ids) == 0 {
			return nil, err
		}
		id := ids[0]

		pipe := rdb.TxPipeline()
		pipe.ZRem(ctx, keyReady+string(lane), id)
		pipe.ZAdd(ctx, keyRunning+string(lane), redis.Z{
			Score:  float64(now.Add(visibilityTTL).UnixMilli()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}

		data, err := rdb.Get(ctx, jobKey(id)).Bytes()
		if err == redis.Nil {
			// blob expired out from under the index; drop and keep looking
			rdb.ZRem(ctx, keyRunning+string(lane), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			rdb.ZRem(ctx, keyRunning+string(lane), id)
			q.log.Error("dropping undecodable job", zap.String("id", id), zap.Error(err))
			continue
		}
		return &job, nil
	}
}

type settledRecord struct {
	ID         string    `json:"id"`
	Lane       Lane      `json:"lane"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Complete settles a job as done and trims the completion list to the
// retention cap.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	rec, _ := json.Marshal(settledRecord{
		ID: job.ID, Lane: job.Lane, Attempts: job.Attempts + 1, FinishedAt: time.Now(),
	})

	pipe := q.rc.Raw().TxPipeline()
	pipe.ZRem(ctx, keyRunning+string(job.Lane), job.ID)
	pipe.Del(ctx, jobKey(job.ID))
	pipe.LPush(ctx, keyDone+string(job.Lane), rec)
	pipe.LTrim(ctx, keyDone+string(job.Lane), 0, int64(q.opts.KeepCompleted)-1)
	_, err := pipe.Exec(ctx)
	return err
}

// RetryOrFail settles a failed attempt: reschedules with backoff while
// attempts remain, otherwise moves the job to the failed retention list.
// Reports whether a retry was scheduled.
func (q *Queue) RetryOrFail(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts >= job.Policy.MaxAttempts {
		rec, _ := json.Marshal(settledRecord{
			ID: job.ID, Lane: job.Lane, Attempts: job.Attempts,
			Error: job.LastError, FinishedAt: time.Now(),
		})
		pipe := q.rc.Raw().TxPipeline()
		pipe.ZRem(ctx, keyRunning+string(job.Lane), job.ID)
		pipe.Del(ctx, jobKey(job.ID))
		pipe.LPush(ctx, keyFailed+string(job.Lane), rec)
		pipe.LTrim(ctx, keyFailed+string(job.Lane), 0, int64(q.opts.KeepFailed)-1)
		_, err := pipe.Exec(ctx)
		return false, err
	}

	job.ReadyAt = time.Now().Add(job.Policy.NextDelay(job.Attempts))
	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	pipe := q.rc.Raw().TxPipeline()
	pipe.ZRem(ctx, keyRunning+string(job.Lane), job.ID)
	pipe.Set(ctx, jobKey(job.ID), data, jobTTL)
	pipe.ZAdd(ctx, keyReady+string(job.Lane), redis.Z{
		Score:  float64(job.ReadyAt.UnixMilli()),
		Member: job.ID,
	})
	_, err = pipe.Exec(ctx)
	return true, err
}

// RequeueStalled moves jobs whose visibility deadline passed back onto the
// ready set. Run periodically; recovers work lost to a crashed worker.
func (q *Queue) RequeueStalled(ctx context.Context, lane Lane) (int, error) {
	rdb := q.rc.Raw()
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	ids, err := rdb.ZRangeByScore(ctx, keyRunning+string(lane), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	pipe := rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, keyRunning+string(lane), id)
		pipe.ZAdd(ctx, keyReady+string(lane), redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: id,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Handler processes one claimed job. A nil return completes the job; an
// error return consumes an attempt and reschedules per the job's policy.
type Handler func(ctx context.Context, job *Job) error

// Run consumes one lane until ctx is cancelled. postDelay, when positive,
// paces the lane by sleeping after each job settles for good (completed or
// exhausted), not between retries of the same job.
func (q *Queue) Run(ctx context.Context, lane Lane, handler Handler, postDelay time.Duration) {
	log := q.log.With(zap.String("lane", string(lane)))
	log.Info("queue consumer started")

	for {
		select {
		case <-ctx.Done():
			log.Info("queue consumer stopped")
			return
		default:
		}

		job, err := q.Claim(ctx, lane)
		if err != nil {
			log.Error("claim failed", zap.Error(err))
			sleep(ctx, q.opts.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, q.opts.PollInterval)
			continue
		}

		settled := true
		if err := handler(ctx, job); err != nil {
			retrying, qerr := q.RetryOrFail(ctx, job, err)
			if qerr != nil {
				log.Error("settle failed", zap.String("id", job.ID), zap.Error(qerr))
			}
			if retrying {
				settled = false
				log.Warn("job rescheduled",
					zap.String("id", job.ID),
					zap.Int("attempts", job.Attempts),
					zap.Error(err))
			} else {
				log.Error("job failed permanently",
					zap.String("id", job.ID),
					zap.Int("attempts", job.Attempts),
					zap.Error(err))
			}
		} else if err := q.Complete(ctx, job); err != nil {
			log.Error("complete failed", zap.String("id", job.ID), zap.Error(err))
		}

		if settled && postDelay > 0 {
			sleep(ctx, postDelay)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
