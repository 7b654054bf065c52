package mailing

import (
	"context"
	"errors"
	"time"

	"github.com/x-notify/core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists mailings and their transition history.
type Store interface {
	Create(ctx context.Context, m *models.MailingModel) error
	Get(ctx context.Context, mailingID string) (*models.MailingModel, error)
	List(ctx context.Context, topicIDs []string) ([]models.MailingModel, error)

	// Transition appends a history entry and moves the mailing to newState.
	// A non-empty requireState makes the move conditional on the current
	// state; on mismatch the returned mailing is nil and the caller decides
	// how to compensate. set carries extra column updates applied with the
	// transition.
	Transition(ctx context.Context, mailingID string, newState models.MailingState, requireState models.MailingState, set map[string]interface{}, comments string) (*models.MailingModel, error)

	InsertHistory(ctx context.Context, entry *models.MailingHistoryModel) error
	History(ctx context.Context, mailingID string) ([]models.MailingHistoryModel, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) Create(ctx context.Context, m *models.MailingModel) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *GormStore) Get(ctx context.Context, mailingID string) (*models.MailingModel, error) {
	var m models.MailingModel
	err := s.db.WithContext(ctx).Where("id = ?", mailingID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *GormStore) List(ctx context.Context, topicIDs []string) ([]models.MailingModel, error) {
	var ms []models.MailingModel
	err := s.db.WithContext(ctx).
		Select("id", "topic_id", "title", "state", "created_at", "updated_at").
		Where("topic_id IN ?", topicIDs).
		Order("created_at DESC").
		Find(&ms).Error
	return ms, err
}

func (s *GormStore) Transition(ctx context.Context, mailingID string, newState models.MailingState, requireState models.MailingState, set map[string]interface{}, comments string) (*models.MailingModel, error) {
	// The history row is written first and unconditionally: the trail records
	// the attempt even when the state precondition fails.
	histRow := &models.MailingHistoryModel{
		MailingID: mailingID,
		State:     newState,
		Comments:  comments,
	}
	if err := s.InsertHistory(ctx, histRow); err != nil {
		return nil, err
	}

	var m models.MailingModel
	matched := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", mailingID).
			First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if requireState != "" && m.State != requireState {
			return nil
		}
		matched = true

		m.State = newState
		m.History = appendCapped(m.History, models.MailingHistoryEntry{
			HistoryID: histRow.ID,
			State:     newState,
			Comments:  comments,
			CreatedAt: time.Now(),
		})
		updates := map[string]interface{}{
			"state":   newState,
			"history": m.History,
		}
		for k, v := range set {
			updates[k] = v
		}
		return tx.Model(&models.MailingModel{}).Where("id = ?", mailingID).Updates(updates).Error
	})
	if err != nil || !matched {
		return nil, err
	}
	if title, ok := set["title"].(string); ok {
		m.Title = title
	}
	if subject, ok := set["subject"].(string); ok {
		m.Subject = subject
	}
	if body, ok := set["body"].(string); ok {
		m.Body = body
	}
	return &m, nil
}

func (s *GormStore) InsertHistory(ctx context.Context, entry *models.MailingHistoryModel) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) History(ctx context.Context, mailingID string) ([]models.MailingHistoryModel, error) {
	var entries []models.MailingHistoryModel
	err := s.db.WithContext(ctx).
		Where("mailing_id = ?", mailingID).
		Order("created_at DESC").
		Find(&entries).Error
	return entries, err
}

// appendCapped appends entry and keeps only the newest MailingHistoryCap
// entries on the row.
func appendCapped(history []models.MailingHistoryEntry, entry models.MailingHistoryEntry) []models.MailingHistoryEntry {
	history = append(history, entry)
	if n := len(history); n > models.MailingHistoryCap {
		history = history[n-models.MailingHistoryCap:]
	}
	return history
}
