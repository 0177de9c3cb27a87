package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// GetDataCenter returns the quota row of a data center, or core.ErrNotFound.
func (s *GormStorage) GetDataCenter(ctx context.Context, id string) (*core.DataCenter, error) {
	var dc core.DataCenter
	err := s.db.WithContext(ctx).First(&dc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

// PutDataCenter inserts or updates a data center quota row.
func (s *GormStorage) PutDataCenter(ctx context.Context, dc *core.DataCenter) error {
	return s.db.WithContext(ctx).Save(dc).Error
}

// EnsureUser returns the user named username, creating it on first sight.
func (s *GormStorage) EnsureUser(ctx context.Context, username string) (*core.User, error) {
	u := core.User{Username: username}
	err := s.db.WithContext(ctx).
		Where(core.User{Username: username}).
		FirstOrCreate(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}
