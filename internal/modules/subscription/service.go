package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/x-notify/core/internal/config"
	"github.com/x-notify/core/internal/models"
	"github.com/x-notify/core/internal/pkg/queue"
	"go.uber.org/zap"
)

var (
	ErrInvalidEmail  = errors.New("subscription: invalid email address")
	ErrTopicNotFound = errors.New("subscription: unknown topic")
	ErrCodeNotFound  = errors.New("subscription: unknown subscription code")
)

// TopicSource resolves topic metadata, normally the cached directory.
type TopicSource interface {
	Get(ctx context.Context, topicID string) (*models.TopicModel, bool)
}

// Enqueuer hands delivery jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Service runs the subscription state machine: guarded subscribe, gated
// resend, confirm-once, unsubscribe, and the replay memory that keeps stale
// links landing on a sensible page.
type Service struct {
	store  Store
	topics TopicSource
	queue  Enqueuer
	cfg    *config.AppConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewService(store Store, topics TopicSource, q Enqueuer, cfg *config.AppConfig, log *zap.Logger) *Service {
	return &Service{
		store:  store,
		topics: topics,
		queue:  q,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

func (s *Service) confirmPolicy() queue.RetryPolicy {
	lc := s.cfg.Queue.Confirm
	return queue.RetryPolicy{
		MaxAttempts: lc.Attempts,
		Backoff:     queue.BackoffType(lc.Backoff),
		Delay:       time.Duration(lc.DelaySeconds) * time.Second,
	}
}

func (s *Service) confirmLink(subCode string) string {
	return s.cfg.Subscription.BaseURL + "/subs/confirm/" + subCode
}

// UnsubLink builds the per-subscriber unsubscribe URL embedded in bulk
// mailings. The suffix keeps link-prefetching crawlers from matching the
// bare remove route.
func (s *Service) UnsubLink(subCode string) string {
	return s.cfg.Subscription.BaseURL + "/subs/remove/" + subCode + "/" + s.cfg.Subscription.LinkSuffix
}

func (s *Service) enqueueConfirmation(ctx context.Context, sub *models.SubUnconfirmedModel) error {
	return s.queue.Enqueue(ctx, &queue.Job{
		Lane:       queue.LaneConfirm,
		TemplateID: sub.TemplateID,
		NotifyKey:  sub.NotifyKey,
		Email:      sub.Email,
		Personalisation: map[string]string{
			"confirm_link": s.confirmLink(sub.SubCode),
		},
		Reference: sub.SubCode,
		Policy:    s.confirmPolicy(),
	})
}

func (s *Service) logSubs(ctx context.Context, task, email, topicID, subCode string, found bool) {
	entry := &models.SubsLogModel{
		Task:    task,
		Email:   email,
		TopicID: topicID,
		SubCode: subCode,
		Found:   found,
	}
	if err := s.store.LogSubs(ctx, entry); err != nil {
		s.log.Warn("subs log write failed", zap.String("task", task), zap.Error(err))
	}
}

// Subscribe registers email on the topic and queues a confirmation email.
// Re-subscribing while a confirmation is pending re-sends it, at most once
// per resend interval. Re-subscribing while already confirmed is silently
// accepted. The caller learns none of this: every valid request gets the same
// answer, so the endpoint leaks nothing about who is subscribed.
func (s *Service) Subscribe(ctx context.Context, email, topicID string) error {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return ErrInvalidEmail
	}
	t, ok := s.topics.Get(ctx, topicID)
	if !ok {
		return ErrTopicNotFound
	}

	now := s.now()
	code, err := s.store.InsertGuard(ctx, email, topicID)
	if err == nil {
		sub := &models.SubUnconfirmedModel{
			Email:      email,
			TopicID:    topicID,
			SubCode:    code,
			NotBefore:  now.Add(s.cfg.ResendInterval()),
			TemplateID: t.TemplateID,
			NotifyKey:  t.NotifyKey,
			ConfirmURL: t.ConfirmURL,
		}
		if err := s.store.CreateUnconfirmed(ctx, sub); err != nil {
			// Roll the guard back so the next attempt is not locked out by
			// a half-created subscription.
			if derr := s.store.DeleteGuard(ctx, email, topicID); derr != nil {
				s.log.Error("guard rollback failed",
					zap.String("topicId", topicID), zap.Error(derr))
			}
			return err
		}
		if err := s.enqueueConfirmation(ctx, sub); err != nil {
			s.log.Error("confirmation enqueue failed",
				zap.String("topicId", topicID), zap.Error(err))
		}
		s.logSubs(ctx, "subscribe", email, topicID, code, true)
		return nil
	}
	if !errors.Is(err, ErrGuardExists) {
		return err
	}

	// Pair already registered: re-send the confirmation if one is pending
	// and the resend gate has passed. No pending row means the subscription
	// is already confirmed, which is not an error.
	sub, found, err := s.store.ClaimResend(ctx, email, topicID, now, now.Add(s.cfg.ResendInterval()))
	if err != nil {
		return err
	}
	if sub != nil {
		if err := s.enqueueConfirmation(ctx, sub); err != nil {
			s.log.Error("confirmation re-enqueue failed",
				zap.String("topicId", topicID), zap.Error(err))
		}
	}
	s.logSubs(ctx, "resend", email, topicID, "", found)
	return nil
}

// Confirm activates the pending subscription identified by subCode and
// returns the page to send the subscriber to. A replayed confirm link lands
// on the same page; a confirm replayed after an unsubscribe re-activates the
// subscription, matching what the subscriber sees in their inbox.
func (s *Service) Confirm(ctx context.Context, subCode, email string) (string, error) {
	subCode = s.resolveCode(ctx, subCode)
	email = NormalizeEmail(email)

	sub, err := s.store.TakeUnconfirmed(ctx, subCode, email)
	if err != nil {
		return "", err
	}
	if sub != nil {
		confirmed := &models.SubConfirmedModel{
			// CreatedAt carries over so the registration date stays the
			// subscribe time, not the confirm time.
			Base:      models.Base{CreatedAt: sub.CreatedAt},
			Email:     sub.Email,
			TopicID:   sub.TopicID,
			SubCode:   sub.SubCode,
			ConfirmAt: s.now(),
		}
		if err := s.store.CreateConfirmed(ctx, confirmed); err != nil {
			return "", err
		}
		// The redirect was captured at subscribe time, so a late confirm
		// does not depend on the topic row still being intact.
		link := sub.ConfirmURL
		if link == "" {
			link = s.confirmedURL(ctx, sub.TopicID)
		}
		s.rememberOutcome(ctx, sub.SubCode, sub.Email, sub.TopicID, link, false)
		s.logSubs(ctx, "confirm", sub.Email, sub.TopicID, sub.SubCode, true)
		return link, nil
	}

	return s.replayConfirm(ctx, subCode)
}

// replayConfirm serves a confirm link whose pending row is gone: either the
// link was already used, or the subscriber unsubscribed and clicked confirm
// again.
func (s *Service) replayConfirm(ctx context.Context, subCode string) (string, error) {
	recent, err := s.store.GetRecent(ctx, subCode)
	if err != nil {
		return "", err
	}
	if recent == nil {
		return "", ErrCodeNotFound
	}

	if recent.MustSub {
		// The last outcome for this code was an unsubscribe; the confirm
		// click re-activates it.
		confirmed := &models.SubConfirmedModel{
			Email:     recent.Email,
			TopicID:   recent.TopicID,
			SubCode:   subCode,
			ConfirmAt: s.now(),
		}
		if err := s.store.CreateConfirmed(ctx, confirmed); err != nil {
			return "", err
		}
		if _, err := s.store.InsertGuard(ctx, recent.Email, recent.TopicID); err != nil && !errors.Is(err, ErrGuardExists) {
			s.log.Warn("guard restore failed", zap.Error(err))
		}
	}

	// A plain replay lands on the same page as the original confirm. After
	// an unsubscribe the remembered link is the goodbye page, so the
	// re-activation resolves the confirmed page fresh.
	link := recent.Link
	if recent.MustSub || link == "" {
		link = s.confirmedURL(ctx, recent.TopicID)
	}
	s.rememberOutcome(ctx, subCode, recent.Email, recent.TopicID, link, false)
	s.logSubs(ctx, "confirm-replay", recent.Email, recent.TopicID, subCode, recent.MustSub)
	return link, nil
}

// Unsubscribe removes the active subscription identified by subCode and
// returns the goodbye page. Replaying the link after the row is gone lands on
// the same page.
func (s *Service) Unsubscribe(ctx context.Context, subCode, email string) (string, error) {
	subCode = s.resolveCode(ctx, subCode)
	email = NormalizeEmail(email)

	sub, err := s.store.TakeConfirmed(ctx, subCode, email)
	if err != nil {
		return "", err
	}
	if sub != nil {
		if err := s.store.DeleteGuard(ctx, sub.Email, sub.TopicID); err != nil {
			s.log.Error("guard delete failed",
				zap.String("topicId", sub.TopicID), zap.Error(err))
		}
		link := s.byeURL(ctx, sub.TopicID)
		s.rememberOutcome(ctx, sub.SubCode, sub.Email, sub.TopicID, link, true)
		s.logSubs(ctx, "unsubscribe", sub.Email, sub.TopicID, sub.SubCode, true)
		return link, nil
	}

	recent, err := s.store.GetRecent(ctx, subCode)
	if err != nil {
		return "", err
	}
	if recent == nil {
		return "", ErrCodeNotFound
	}
	link := recent.Link
	if !recent.MustSub || link == "" {
		link = s.byeURL(ctx, recent.TopicID)
	}
	s.logSubs(ctx, "unsubscribe-replay", recent.Email, recent.TopicID, subCode, false)
	return link, nil
}

func (s *Service) rememberOutcome(ctx context.Context, subCode, email, topicID, link string, mustSub bool) {
	recent := &models.SubRecentModel{
		SubCode:   subCode,
		Email:     email,
		TopicID:   topicID,
		Link:      link,
		MustSub:   mustSub,
		CreatedAt: s.now(),
	}
	if err := s.store.UpsertRecent(ctx, recent); err != nil {
		s.log.Warn("recent upsert failed", zap.String("topicId", topicID), zap.Error(err))
	}
}

// confirmedURL is the fallback confirm-success page when no URL was captured
// on the pending row.
func (s *Service) confirmedURL(ctx context.Context, topicID string) string {
	if t, ok := s.topics.Get(ctx, topicID); ok && t.ConfirmURL != "" {
		return t.ConfirmURL
	}
	return s.cfg.Subscription.BaseURL + "/confirmed"
}

func (s *Service) byeURL(ctx context.Context, topicID string) string {
	if t, ok := s.topics.Get(ctx, topicID); ok && t.UnsubURL != "" {
		return t.UnsubURL
	}
	return s.cfg.Subscription.BaseURL + "/removed"
}

// PurgeExpiredRecents drops replay-memory rows older than the configured TTL.
func (s *Service) PurgeExpiredRecents(ctx context.Context) (int64, error) {
	return s.store.PurgeRecents(ctx, s.now().Add(-s.cfg.RecentsTTL()))
}

// ListSubscribers returns the confirmed subscriptions of a topic, oldest
// first.
func (s *Service) ListSubscribers(ctx context.Context, topicID string) ([]models.SubConfirmedModel, error) {
	return s.store.ListConfirmed(ctx, topicID)
}

// AddBulk registers a batch of already-consented addresses directly as
// confirmed, skipping the opt-in email. Invalid and already-present addresses
// are skipped. Returns how many were added.
func (s *Service) AddBulk(ctx context.Context, topicID string, emails []string) (int, error) {
	if _, ok := s.topics.Get(ctx, topicID); !ok {
		return 0, ErrTopicNotFound
	}
	added := 0
	accepted := make([]string, 0, len(emails))
	for _, raw := range emails {
		email := NormalizeEmail(raw)
		if !ValidEmail(email) {
			continue
		}
		code, err := s.store.InsertGuard(ctx, email, topicID)
		if errors.Is(err, ErrGuardExists) {
			continue
		}
		if err != nil {
			return added, err
		}
		confirmed := &models.SubConfirmedModel{
			Email:     email,
			TopicID:   topicID,
			SubCode:   code,
			ConfirmAt: s.now(),
		}
		if err := s.store.CreateConfirmed(ctx, confirmed); err != nil {
			return added, err
		}
		added++
		accepted = append(accepted, email)
	}
	if err := s.store.LogBulk(ctx, &models.BulkLogModel{Task: "add", TopicID: topicID, Emails: accepted}); err != nil {
		s.log.Warn("bulk log write failed", zap.Error(err))
	}
	return added, nil
}

// RemoveBulk unsubscribes a batch of addresses. Unknown addresses are skipped.
// Returns how many were removed.
func (s *Service) RemoveBulk(ctx context.Context, topicID string, emails []string) (int, error) {
	removed := 0
	dropped := make([]string, 0, len(emails))
	for _, raw := range emails {
		email := NormalizeEmail(raw)
		sub, err := s.store.DeleteConfirmedByEmail(ctx, email, topicID)
		if err != nil {
			return removed, err
		}
		if sub == nil {
			continue
		}
		if err := s.store.DeleteGuard(ctx, email, topicID); err != nil {
			s.log.Error("guard delete failed",
				zap.String("topicId", topicID), zap.Error(err))
		}
		removed++
		dropped = append(dropped, email)
	}
	if err := s.store.LogBulk(ctx, &models.BulkLogModel{Task: "remove", TopicID: topicID, Emails: dropped}); err != nil {
		s.log.Warn("bulk log write failed", zap.Error(err))
	}
	return removed, nil
}
