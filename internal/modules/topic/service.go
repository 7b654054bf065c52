package topic

import (
	"context"
	"errors"

	"github.com/x-notify/core/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns topic rows and manager access checks.
type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(db *gorm.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: log}
}

// Find loads one topic, projecting only the fields the subscription and
// mailing paths need. Returns (nil, nil) when the topic does not exist.
func (s *Service) Find(ctx context.Context, topicID string) (*models.TopicModel, error) {
	var t models.TopicModel
	err := s.db.WithContext(ctx).
		Select("id", "template_id", "mailing_template_id", "notify_key",
			"confirm_url", "unsub_url", "thank_url", "fail_url", "input_err_url",
			"approvers").
		Where("id = ?", topicID).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new topic.
func (s *Service) Create(ctx context.Context, t *models.TopicModel) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// Update replaces the mutable topic configuration.
func (s *Service) Update(ctx context.Context, t *models.TopicModel) error {
	res := s.db.WithContext(ctx).Model(&models.TopicModel{}).
		Where("id = ?", t.ID).
		Updates(map[string]interface{}{
			"template_id":         t.TemplateID,
			"mailing_template_id": t.MailingTemplateID,
			"notify_key":          t.NotifyKey,
			"confirm_url":         t.ConfirmURL,
			"unsub_url":           t.UnsubURL,
			"thank_url":           t.ThankURL,
			"fail_url":            t.FailURL,
			"input_err_url":       t.InputErrURL,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Authorize checks a manager access code for a topic and records the
// attempt, granted or denied, in the access log. The log write is
// best-effort.
func (s *Service) Authorize(ctx context.Context, topicID, accessCode, task string) bool {
	var t models.TopicModel
	err := s.db.WithContext(ctx).
		Select("id", "access_codes").
		Where("id = ?", topicID).
		First(&t).Error

	granted := err == nil && containsCode(t.AccessCodes, accessCode)

	if logErr := s.db.WithContext(ctx).Create(&models.TopicAccessLogModel{
		TopicID:    topicID,
		AccessCode: accessCode,
		Task:       task,
		Granted:    granted,
	}).Error; logErr != nil {
		s.log.Warn("access log write failed", zap.String("topicId", topicID), zap.Error(logErr))
	}
	return granted
}

// Stats is the cumulative subscription count pair for one topic.
type Stats struct {
	TopicID     string `json:"topicId"`
	Confirmed   int64  `json:"confirmed"`
	Unconfirmed int64  `json:"unconfirmed"`
}

// CountSubscriptions returns confirmed and awaiting-confirmation totals.
func (s *Service) CountSubscriptions(ctx context.Context, topicID string) (*Stats, error) {
	st := &Stats{TopicID: topicID}
	if err := s.db.WithContext(ctx).Model(&models.SubConfirmedModel{}).
		Where("topic_id = ?", topicID).Count(&st.Confirmed).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.SubUnconfirmedModel{}).
		Where("topic_id = ?", topicID).Count(&st.Unconfirmed).Error; err != nil {
		return nil, err
	}
	return st, nil
}

func containsCode(codes []string, code string) bool {
	if code == "" {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
