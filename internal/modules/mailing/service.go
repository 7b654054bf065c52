package mailing

import (
	"context"
	"errors"
	"time"

	"github.com/x-notify/core/internal/config"
	"github.com/x-notify/core/internal/models"
	"github.com/x-notify/core/internal/pkg/alert"
	"github.com/x-notify/core/internal/pkg/queue"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("mailing: not found")
	ErrTitleRequired = errors.New("mailing: title is required")
	ErrTopicNotFound = errors.New("mailing: unknown topic")
	// ErrNotInState means a transition's current-state precondition failed.
	ErrNotInState    = errors.New("mailing: not in required state")
	ErrNoApprovers   = errors.New("mailing: topic has no approvers")
	ErrNoSubscribers = errors.New("mailing: topic has no confirmed subscribers")
	// ErrTopicNotReady means the topic is missing its bulk template or key.
	ErrTopicNotReady = errors.New("mailing: topic has no mailing template or key")
)

// TopicSource resolves topic metadata, normally the cached directory.
type TopicSource interface {
	Get(ctx context.Context, topicID string) (*models.TopicModel, bool)
}

// SubscriberSource provides the recipients of a bulk send.
type SubscriberSource interface {
	ListSubscribers(ctx context.Context, topicID string) ([]models.SubConfirmedModel, error)
	UnsubLink(subCode string) string
}

// Enqueuer hands delivery jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Service drives the mailing workflow: draft, approval, approve, and the
// batched hand-off to the bulk delivery lane.
type Service struct {
	store  Store
	topics TopicSource
	subs   SubscriberSource
	queue  Enqueuer
	alerts *alert.Service
	cfg    *config.AppConfig
	log    *zap.Logger
	now    func() time.Time
}

func NewService(store Store, topics TopicSource, subs SubscriberSource, q Enqueuer, alerts *alert.Service, cfg *config.AppConfig, log *zap.Logger) *Service {
	return &Service{
		store:  store,
		topics: topics,
		subs:   subs,
		queue:  q,
		alerts: alerts,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// transition moves the mailing and, when the precondition fails, writes a
// compensating history entry recording the refused move.
func (s *Service) transition(ctx context.Context, mailingID string, newState, requireState models.MailingState, set map[string]interface{}, comments string) (*models.MailingModel, error) {
	m, err := s.store.Transition(ctx, mailingID, newState, requireState, set, comments)
	if err != nil {
		return nil, err
	}
	if m == nil {
		fallback := requireState
		if fallback == "" {
			fallback = models.MailingDraft
		}
		entry := &models.MailingHistoryModel{
			MailingID: mailingID,
			State:     fallback,
			Comments:  string(newState) + " fail",
		}
		if err := s.store.InsertHistory(ctx, entry); err != nil {
			s.log.Error("compensating history write failed",
				zap.String("mailingId", mailingID), zap.Error(err))
		}
		return nil, ErrNotInState
	}
	return m, nil
}

// Create opens a new draft mailing on the topic.
func (s *Service) Create(ctx context.Context, topicID, title string) (*models.MailingModel, error) {
	if title == "" {
		return nil, ErrTitleRequired
	}
	if _, ok := s.topics.Get(ctx, topicID); !ok {
		return nil, ErrTopicNotFound
	}
	m := &models.MailingModel{
		TopicID: topicID,
		Title:   title,
		State:   models.MailingDraft,
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) List(ctx context.Context, topicIDs []string) ([]models.MailingModel, error) {
	return s.store.List(ctx, topicIDs)
}

// View returns the mailing with editor-friendly defaults filled in.
func (s *Service) View(ctx context.Context, mailingID string) (*models.MailingModel, error) {
	m, err := s.store.Get(ctx, mailingID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}
	if m.Subject == "" {
		m.Subject = "Mailing"
	}
	if m.Body == "" {
		m.Body = "Type your content here"
	}
	return m, nil
}

func (s *Service) History(ctx context.Context, mailingID string) ([]models.MailingHistoryModel, error) {
	return s.store.History(ctx, mailingID)
}

// Save stores the edited content and returns the mailing to draft, whatever
// state it was in. Editing revokes any approval.
func (s *Service) Save(ctx context.Context, mailingID, title, subject, body, comments string) (*models.MailingModel, error) {
	return s.transition(ctx, mailingID, models.MailingDraft, "", map[string]interface{}{
		"title":   title,
		"subject": subject,
		"body":    body,
	}, comments)
}

// SaveTest saves the draft and sends one rendered copy to the editor.
func (s *Service) SaveTest(ctx context.Context, mailingID, email, title, subject, body, comments string) (*models.MailingModel, error) {
	m, err := s.Save(ctx, mailingID, title, subject, body, comments)
	if err != nil {
		return nil, err
	}
	if err := s.sendCopy(ctx, m, email, "mailing-test"); err != nil {
		s.log.Error("test mailing enqueue failed",
			zap.String("mailingId", mailingID), zap.Error(err))
	}
	return m, nil
}

// Approval submits the mailing for approval and sends a rendered copy to
// every approver of the topic.
func (s *Service) Approval(ctx context.Context, mailingID string) (*models.MailingModel, error) {
	m, err := s.transition(ctx, mailingID, models.MailingCompleted, "", nil, "")
	if err != nil {
		return nil, err
	}

	t, ok := s.topics.Get(ctx, m.TopicID)
	if !ok || len(t.Approvers) == 0 {
		return nil, ErrNoApprovers
	}
	for _, approver := range t.Approvers {
		if err := s.sendCopy(ctx, m, approver, "mailing-approval"); err != nil {
			s.log.Error("approval mailing enqueue failed",
				zap.String("mailingId", mailingID), zap.String("email", approver), zap.Error(err))
		}
	}
	return m, nil
}

// Approve marks a submitted mailing ready to send. Only a mailing awaiting
// approval can be approved.
func (s *Service) Approve(ctx context.Context, mailingID string) (*models.MailingModel, error) {
	return s.transition(ctx, mailingID, models.MailingApproved, models.MailingCompleted, nil, "")
}

// Cancel withdraws the mailing from the workflow.
func (s *Service) Cancel(ctx context.Context, mailingID string) (*models.MailingModel, error) {
	return s.transition(ctx, mailingID, models.MailingCancelled, "", nil, "")
}

// SendToSubs starts the bulk send. Only an approved mailing can start, and
// the approved-to-sending move is what serializes concurrent operators: one
// wins, the rest get ErrNotInState.
func (s *Service) SendToSubs(ctx context.Context, mailingID string) error {
	m, err := s.transition(ctx, mailingID, models.MailingSending, models.MailingApproved, nil, "")
	if err != nil {
		return err
	}
	return s.enqueueBulk(ctx, m)
}

// MarkSent records bulk-send completion. Called by the delivery worker when
// the final batch succeeds.
func (s *Service) MarkSent(ctx context.Context, mailingID string) error {
	_, err := s.transition(ctx, mailingID, models.MailingSent, models.MailingSending, nil, "")
	return err
}

// sendCopy queues one rendered copy of the mailing on the individual lane.
func (s *Service) sendCopy(ctx context.Context, m *models.MailingModel, email, reference string) error {
	t, ok := s.topics.Get(ctx, m.TopicID)
	if !ok {
		return ErrTopicNotFound
	}
	if t.MailingTemplateID == "" || t.NotifyKey == "" {
		return ErrTopicNotReady
	}
	lc := s.cfg.Queue.Confirm
	return s.queue.Enqueue(ctx, &queue.Job{
		Lane:       queue.LaneConfirm,
		TemplateID: t.MailingTemplateID,
		NotifyKey:  t.NotifyKey,
		Email:      email,
		Personalisation: map[string]string{
			"subject": m.Subject,
			"body":    m.Body,
		},
		Reference: reference,
		Policy: queue.RetryPolicy{
			MaxAttempts: lc.Attempts,
			Backoff:     queue.BackoffType(lc.Backoff),
			Delay:       time.Duration(lc.DelaySeconds) * time.Second,
		},
	})
}
