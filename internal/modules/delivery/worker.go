// Package delivery consumes the queue lanes and talks to the provider. It is
// the single place that decides what a provider failure means for a job:
// retry, drop, or drop-with-audit.
package delivery

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/x-notify/core/internal/models"
	"github.com/x-notify/core/internal/pkg/alert"
	"github.com/x-notify/core/internal/pkg/notify"
	"github.com/x-notify/core/internal/pkg/queue"
	"go.uber.org/zap"
)

// Sender is the provider-call surface of one API key.
type Sender interface {
	SendEmail(ctx context.Context, templateID, email string, personalisation map[string]string, reference string) error
	SendBulk(ctx context.Context, name, templateID string, rows [][]string) error
}

// SenderSource yields the sender for a job's API key.
type SenderSource interface {
	Get(apiKey string) Sender
}

// NewClientCacheSource adapts the notify client cache to SenderSource.
func NewClientCacheSource(cache *notify.ClientCache) SenderSource {
	return clientCacheSource{cache: cache}
}

type clientCacheSource struct {
	cache *notify.ClientCache
}

func (s clientCacheSource) Get(apiKey string) Sender { return s.cache.Get(apiKey) }

// MailingMarker advances a mailing when its final batch lands.
type MailingMarker interface {
	MarkSent(ctx context.Context, mailingID string) error
}

// Worker turns queued jobs into provider calls. A returned error asks the
// queue to retry per the job's policy; a nil return settles the job, audited
// or not.
type Worker struct {
	senders  SenderSource
	audit    AuditStore
	mailings MailingMarker
	alerts   *alert.Service
	log      *zap.Logger
}

func NewWorker(senders SenderSource, audit AuditStore, mailings MailingMarker, alerts *alert.Service, log *zap.Logger) *Worker {
	return &Worker{
		senders:  senders,
		audit:    audit,
		mailings: mailings,
		alerts:   alerts,
		log:      log,
	}
}

// HandleConfirm processes one individual email job.
func (w *Worker) HandleConfirm(ctx context.Context, job *queue.Job) error {
	sender := w.senders.Get(job.NotifyKey)
	err := sender.SendEmail(ctx, job.TemplateID, job.Email, job.Personalisation, job.Reference)
	if err == nil {
		return nil
	}

	var nerr *notify.Error
	if !errors.As(err, &nerr) {
		return err
	}

	switch nerr.Category {
	case notify.CategoryBadAddress:
		// The address itself is refused; retrying can never succeed.
		w.auditWrite(ctx, "bad email", w.audit.LogBadEmail(ctx, &models.NotifyBadEmailLogModel{
			SubCode: job.Reference,
			Email:   job.Email,
		}))
		return nil

	case notify.CategoryRateLimited:
		w.auditWrite(ctx, "too many requests", w.audit.LogTooManyReq(ctx, &models.NotifyTooManyReqLogModel{
			Email:      job.Email,
			SubCode:    job.Reference,
			TemplateID: job.TemplateID,
			Details:    nerr.Message,
		}))
		w.alerts.Throttled(ctx, "Notify rate limited", map[string]string{
			"type":       "request_429",
			"templateId": job.TemplateID,
		})
		return err

	case notify.CategoryServer:
		w.logNotify(ctx, job, nerr, 0)
		return err

	default:
		// Template mismatches, revoked keys and the like: deterministic
		// failures, audited and dropped.
		w.logNotify(ctx, job, nerr, 0)
		return nil
	}
}

// HandleBulk processes one bulk batch job.
func (w *Worker) HandleBulk(ctx context.Context, job *queue.Job) error {
	sender := w.senders.Get(job.NotifyKey)
	err := sender.SendBulk(ctx, job.BatchName, job.TemplateID, job.Rows)
	if err == nil {
		if job.FinalBatch {
			if merr := w.mailings.MarkSent(ctx, job.MailingID); merr != nil {
				// Another final batch already advanced it, or the mailing was
				// cancelled mid-send. Worth a line, not a retry.
				w.log.Warn("mark sent failed",
					zap.String("mailingId", job.MailingID), zap.Error(merr))
			}
		}
		return nil
	}

	var nerr *notify.Error
	if !errors.As(err, &nerr) {
		return err
	}

	w.logNotify(ctx, job, nerr, batchBodySize(job))
	w.alerts.Throttled(ctx, "Bulk send error", map[string]string{
		"type":      "bulk_q_process_error",
		"mailingId": job.MailingID,
		"error":     nerr.Error(),
	})
	if nerr.Retryable() {
		return err
	}
	return nil
}

func (w *Worker) logNotify(ctx context.Context, job *queue.Job, nerr *notify.Error, bodySize int) {
	w.auditWrite(ctx, "notify", w.audit.LogNotify(ctx, &models.NotifyLogModel{
		TemplateID: job.TemplateID,
		StatusCode: nerr.StatusCode,
		Message:    nerr.Message,
		Err:        nerr.ErrorType,
		SubCode:    job.Reference,
		MailingID:  job.MailingID,
		BodySize:   bodySize,
	}))
}

func (w *Worker) auditWrite(ctx context.Context, kind string, err error) {
	if err != nil {
		w.log.Error("audit log write failed", zap.String("kind", kind), zap.Error(err))
	}
}

// batchBodySize sizes the serialized batch, for payload-ceiling forensics.
func batchBodySize(job *queue.Job) int {
	data, err := json.Marshal(job.Rows)
	if err != nil {
		return 0
	}
	return len(data)
}
