package delivery

import (
	"context"

	"github.com/x-notify/core/internal/models"
	"gorm.io/gorm"
)

// AuditStore records provider outcomes. All writes are best-effort from the
// worker's point of view: a failed audit write never fails the job.
type AuditStore interface {
	LogBadEmail(ctx context.Context, entry *models.NotifyBadEmailLogModel) error
	LogTooManyReq(ctx context.Context, entry *models.NotifyTooManyReqLogModel) error
	LogNotify(ctx context.Context, entry *models.NotifyLogModel) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ AuditStore = (*GormStore)(nil)

func (s *GormStore) LogBadEmail(ctx context.Context, entry *models.NotifyBadEmailLogModel) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) LogTooManyReq(ctx context.Context, entry *models.NotifyTooManyReqLogModel) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) LogNotify(ctx context.Context, entry *models.NotifyLogModel) error {
	return s.db.WithContext(ctx).Create(entry).Error
}
