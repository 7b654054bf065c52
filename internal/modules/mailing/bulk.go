package mailing

import (
	"context"
	"strconv"
	"time"

	"github.com/x-notify/core/internal/models"
	"github.com/x-notify/core/internal/pkg/queue"
	"go.uber.org/zap"
)

// batchHeader is the first row of every bulk batch; the provider maps the
// columns to template personalisation by name.
var batchHeader = []string{"email address", "unsub_link"}

// enqueueBulk splits the topic's confirmed subscribers into capped batches
// and queues one bulk job per batch. The last batch carries the final-batch
// marker; its delivery is what moves the mailing to sent.
func (s *Service) enqueueBulk(ctx context.Context, m *models.MailingModel) error {
	t, ok := s.topics.Get(ctx, m.TopicID)
	if !ok {
		return s.bulkAbort(ctx, m, ErrTopicNotFound)
	}
	if t.MailingTemplateID == "" || t.NotifyKey == "" {
		return s.bulkAbort(ctx, m, ErrTopicNotReady)
	}

	subs, err := s.subs.ListSubscribers(ctx, m.TopicID)
	if err != nil {
		return s.bulkAbort(ctx, m, err)
	}
	if len(subs) == 0 {
		return s.bulkAbort(ctx, m, ErrNoSubscribers)
	}

	lc := s.cfg.Queue.Bulk
	policy := queue.RetryPolicy{
		MaxAttempts: lc.Attempts,
		Backoff:     queue.BackoffType(lc.Backoff),
		Delay:       time.Duration(lc.DelaySeconds) * time.Second,
	}
	batchSize := s.cfg.Queue.BatchSize
	batchName := "Bulk_email-" + m.TopicID

	batches := 0
	for start := 0; start < len(subs); start += batchSize {
		end := start + batchSize
		if end > len(subs) {
			end = len(subs)
		}

		rows := make([][]string, 0, end-start+1)
		rows = append(rows, batchHeader)
		for _, sub := range subs[start:end] {
			if sub.Email == "" || sub.SubCode == "" {
				continue
			}
			rows = append(rows, []string{sub.Email, s.subs.UnsubLink(sub.SubCode)})
		}

		job := &queue.Job{
			Lane:       queue.LaneBulk,
			TemplateID: t.MailingTemplateID,
			NotifyKey:  t.NotifyKey,
			BatchName:  batchName,
			Rows:       rows,
			MailingID:  m.ID,
			FinalBatch: end == len(subs),
			Policy:     policy,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return s.bulkAbort(ctx, m, err)
		}
		batches++
	}

	s.log.Info("bulk mailing queued",
		zap.String("mailingId", m.ID),
		zap.String("topicId", m.TopicID),
		zap.Int("subscribers", len(subs)),
		zap.Int("batches", batches))
	return nil
}

// bulkAbort reports a failure to start the bulk send: the operators hear
// about it, and the mailing goes back to approved so the send can be retried
// once the cause is fixed.
func (s *Service) bulkAbort(ctx context.Context, m *models.MailingModel, cause error) error {
	s.log.Error("bulk mailing aborted",
		zap.String("mailingId", m.ID),
		zap.String("topicId", m.TopicID),
		zap.Error(cause))

	s.alerts.Throttled(ctx, "Bulk mailing error", map[string]string{
		"type":      "bulk_q_add_error",
		"mailingId": m.ID,
		"topicId":   m.TopicID,
		"error":     cause.Error(),
		"time":      strconv.FormatInt(s.now().UnixMilli(), 10),
	})

	if _, err := s.transition(ctx, m.ID, models.MailingApproved, models.MailingSending, nil, "bulk send aborted"); err != nil {
		s.log.Error("bulk abort rollback failed",
			zap.String("mailingId", m.ID), zap.Error(err))
	}
	return cause
}
