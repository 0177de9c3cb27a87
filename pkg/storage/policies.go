package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

// GetPolicy returns the retry policy named name, or core.ErrNotFound.
func (s *GormStorage) GetPolicy(ctx context.Context, name string) (*core.RetryPolicy, error) {
	var p core.RetryPolicy
	err := s.db.WithContext(ctx).First(&p, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPolicy inserts or replaces the policy with p.Name.
func (s *GormStorage) PutPolicy(ctx context.Context, p *core.RetryPolicy) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"queue", "max_retries", "retry_interval", "job_timeout"}),
		}).
		Create(p).Error
}

// ListPolicies returns all configured policies ordered by name.
func (s *GormStorage) ListPolicies(ctx context.Context) ([]core.RetryPolicy, error) {
	var policies []core.RetryPolicy
	err := s.db.WithContext(ctx).Order("name ASC").Find(&policies).Error
	return policies, err
}

// DeletePolicy removes the policy named name. Deleting a missing policy is not an error.
func (s *GormStorage) DeletePolicy(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Where("name = ?", name).Delete(&core.RetryPolicy{}).Error
}
