package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// EventTime normalizes a timestamp to the precision every supported
// database keeps, so that an event can be found again by its Created value.
func EventTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// CreateEvent appends an event to the log.
func (s *GormStorage) CreateEvent(ctx context.Context, e *core.Event) error {
	now := EventTime(time.Now())
	if e.Created.IsZero() {
		e.Created = now
	} else {
		e.Created = EventTime(e.Created)
	}
	e.Modified = now
	if e.EventStage == "" {
		e.EventStage = core.StageStart
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// SaveEvent updates an existing event in place.
func (s *GormStorage) SaveEvent(ctx context.Context, e *core.Event) error {
	e.Modified = EventTime(time.Now())
	return s.db.WithContext(ctx).Save(e).Error
}

// FindStartEvent returns the Start event written for an operation request.
func (s *GormStorage) FindStartEvent(ctx context.Context, functionName, resourceID string, created time.Time) (*core.Event, error) {
	var e core.Event
	err := s.db.WithContext(ctx).
		Where("function_name = ? AND created = ?", functionName, EventTime(created)).
		Where("resource_id = ? AND event_stage = ?", resourceID, core.StageStart).
		Order("id DESC").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents returns events matching f, newest first.
func (s *GormStorage) ListEvents(ctx context.Context, f core.EventFilter) ([]*core.Event, error) {
	q := s.db.WithContext(ctx).Model(&core.Event{})
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if f.FunctionName != "" {
		q = q.Where("function_name = ?", f.FunctionName)
	}
	if f.JobID != "" {
		q = q.Where("job_id = ?", f.JobID)
	}
	if f.Stage != "" {
		q = q.Where("event_stage = ?", f.Stage)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	var events []*core.Event
	err := q.Order("created DESC, id DESC").Limit(limit).Find(&events).Error
	return events, err
}

// FailedEventsWithoutMessage returns Failed events whose message was never filled.
func (s *GormStorage) FailedEventsWithoutMessage(ctx context.Context) ([]*core.Event, error) {
	var events []*core.Event
	err := s.db.WithContext(ctx).
		Where("outcome = ?", core.OutcomeFailed).
		Where("(message = '' OR message IS NULL)").
		Order("id ASC").
		Find(&events).Error
	return events, err
}

// BackfillMessages fills the message of each listed event in one transaction.
// Events whose message was filled in the meantime are left alone.
func (s *GormStorage) BackfillMessages(ctx context.Context, messages map[uint]string) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	var updated int64
	now := EventTime(time.Now())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated = 0
		for id, msg := range messages {
			result := tx.Model(&core.Event{}).
				Where("id = ?", id).
				Where("(message = '' OR message IS NULL)").
				Updates(map[string]any{"message": msg, "modified": now})
			if result.Error != nil {
				return result.Error
			}
			updated += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}
