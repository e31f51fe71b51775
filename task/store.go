package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("task not found")

// Store is the narrow persistence contract the engine needs. Each call is
// independently atomic; ordering within a chat is the relay queue's job,
// not the store's.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Update(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	ListByChat(ctx context.Context, chatID int64, statuses ...Status) ([]Task, error)
	ListStale(ctx context.Context, olderThan time.Time) ([]Task, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, t *Task) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *GormStore) Update(ctx context.Context, t *Task) error {
	res := s.db.WithContext(ctx).Save(t)
	if res.Error != nil {
		return fmt.Errorf("update task %s: %w", t.ID, res.Error)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *GormStore) ListByChat(ctx context.Context, chatID int64, statuses ...Status) ([]Task, error) {
	q := s.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []Task
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list tasks for chat %d: %w", chatID, err)
	}
	return out, nil
}

func (s *GormStore) ListStale(ctx context.Context, olderThan time.Time) ([]Task, error) {
	var out []Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND reminder_sent = ? AND updated_at < ?", StatusNeedsInput, false, olderThan).
		Order("updated_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return out, nil
}
