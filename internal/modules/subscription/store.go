package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/x-notify/core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrGuardExists means the (email, topic) pair is already subscribed or
	// has a confirmation pending.
	ErrGuardExists = errors.New("subscription: pair already registered")
)

// Store is the persistence surface of the subscription state machine. Every
// method that moves a row between states is atomic with respect to concurrent
// callers holding the same code.
type Store interface {
	// InsertGuard registers the (email, topic) pair and returns the new
	// confirmation code. Returns ErrGuardExists when the pair is taken.
	InsertGuard(ctx context.Context, email, topicID string) (string, error)
	DeleteGuard(ctx context.Context, email, topicID string) error

	CreateUnconfirmed(ctx context.Context, sub *models.SubUnconfirmedModel) error
	// ClaimResend finds the pending row for (email, topic) and, when its
	// resend gate has passed, pushes the gate to nextNotBefore and returns
	// the row. found reports whether a pending row existed at all.
	ClaimResend(ctx context.Context, email, topicID string, now, nextNotBefore time.Time) (sub *models.SubUnconfirmedModel, found bool, err error)
	// TakeUnconfirmed removes the pending row matching subCode (and email,
	// when non-empty) and returns it, or nil when no row matched. At most one
	// concurrent caller gets the row.
	TakeUnconfirmed(ctx context.Context, subCode, email string) (*models.SubUnconfirmedModel, error)

	// CreateConfirmed activates a subscription. Re-creating an already active
	// code is a no-op.
	CreateConfirmed(ctx context.Context, sub *models.SubConfirmedModel) error
	// TakeConfirmed removes the active row matching subCode (and email, when
	// non-empty) and returns it, or nil when no row matched.
	TakeConfirmed(ctx context.Context, subCode, email string) (*models.SubConfirmedModel, error)
	ListConfirmed(ctx context.Context, topicID string) ([]models.SubConfirmedModel, error)
	DeleteConfirmedByEmail(ctx context.Context, email, topicID string) (*models.SubConfirmedModel, error)

	UpsertRecent(ctx context.Context, recent *models.SubRecentModel) error
	GetRecent(ctx context.Context, subCode string) (*models.SubRecentModel, error)
	PurgeRecents(ctx context.Context, olderThan time.Time) (int64, error)

	// TranslateLegacyCode maps a pre-migration code to its replacement, or ""
	// when no mapping exists.
	TranslateLegacyCode(ctx context.Context, oldCode string) (string, error)

	LogSubs(ctx context.Context, entry *models.SubsLogModel) error
	LogBulk(ctx context.Context, entry *models.BulkLogModel) error
}

// GormStore implements Store on MySQL. Uniqueness guards rely on unique
// indexes plus gorm.ErrDuplicatedKey; take-style operations run inside a
// transaction with a locking read, MySQL having no single-statement
// find-and-delete.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) InsertGuard(ctx context.Context, email, topicID string) (string, error) {
	guard := models.SubExistModel{Email: email, TopicID: topicID}
	err := s.db.WithContext(ctx).Create(&guard).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", ErrGuardExists
	}
	if err != nil {
		return "", err
	}
	return guard.ID, nil
}

func (s *GormStore) DeleteGuard(ctx context.Context, email, topicID string) error {
	return s.db.WithContext(ctx).
		Where("email = ? AND topic_id = ?", email, topicID).
		Delete(&models.SubExistModel{}).Error
}

func (s *GormStore) CreateUnconfirmed(ctx context.Context, sub *models.SubUnconfirmedModel) error {
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *GormStore) ClaimResend(ctx context.Context, email, topicID string, now, nextNotBefore time.Time) (*models.SubUnconfirmedModel, bool, error) {
	var sub models.SubUnconfirmedModel
	found := false
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ? AND topic_id = ?", email, topicID).
			First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if sub.NotBefore.After(now) {
			return nil
		}
		claimed = true
		sub.NotBefore = nextNotBefore
		return tx.Model(&models.SubUnconfirmedModel{}).
			Where("id = ?", sub.ID).
			Update("not_before", nextNotBefore).Error
	})
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		return nil, found, nil
	}
	return &sub, true, nil
}

func (s *GormStore) TakeUnconfirmed(ctx context.Context, subCode, email string) (*models.SubUnconfirmedModel, error) {
	var sub models.SubUnconfirmedModel
	taken := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("sub_code = ?", subCode)
		if email != "" {
			q = q.Where("email = ?", email)
		}
		err := q.First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		taken = true
		return tx.Delete(&models.SubUnconfirmedModel{}, "id = ?", sub.ID).Error
	})
	if err != nil || !taken {
		return nil, err
	}
	return &sub, nil
}

func (s *GormStore) CreateConfirmed(ctx context.Context, sub *models.SubConfirmedModel) error {
	err := s.db.WithContext(ctx).Create(sub).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

func (s *GormStore) TakeConfirmed(ctx context.Context, subCode, email string) (*models.SubConfirmedModel, error) {
	var sub models.SubConfirmedModel
	taken := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("sub_code = ?", subCode)
		if email != "" {
			q = q.Where("email = ?", email)
		}
		err := q.First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		taken = true
		return tx.Delete(&models.SubConfirmedModel{}, "id = ?", sub.ID).Error
	})
	if err != nil || !taken {
		return nil, err
	}
	return &sub, nil
}

func (s *GormStore) ListConfirmed(ctx context.Context, topicID string) ([]models.SubConfirmedModel, error) {
	var subs []models.SubConfirmedModel
	err := s.db.WithContext(ctx).
		Where("topic_id = ?", topicID).
		Order("created_at ASC").
		Find(&subs).Error
	return subs, err
}

func (s *GormStore) DeleteConfirmedByEmail(ctx context.Context, email, topicID string) (*models.SubConfirmedModel, error) {
	var sub models.SubConfirmedModel
	taken := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ? AND topic_id = ?", email, topicID).
			First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		taken = true
		return tx.Delete(&models.SubConfirmedModel{}, "id = ?", sub.ID).Error
	})
	if err != nil || !taken {
		return nil, err
	}
	return &sub, nil
}

func (s *GormStore) UpsertRecent(ctx context.Context, recent *models.SubRecentModel) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(recent).Error
}

func (s *GormStore) GetRecent(ctx context.Context, subCode string) (*models.SubRecentModel, error) {
	var recent models.SubRecentModel
	err := s.db.WithContext(ctx).Where("sub_code = ?", subCode).First(&recent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &recent, nil
}

func (s *GormStore) PurgeRecents(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&models.SubRecentModel{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) TranslateLegacyCode(ctx context.Context, oldCode string) (string, error) {
	var conv models.SubCodeConversionModel
	err := s.db.WithContext(ctx).Where("old_code = ?", oldCode).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return conv.NewCode, nil
}

func (s *GormStore) LogSubs(ctx context.Context, entry *models.SubsLogModel) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) LogBulk(ctx context.Context, entry *models.BulkLogModel) error {
	return s.db.WithContext(ctx).Create(entry).Error
}
