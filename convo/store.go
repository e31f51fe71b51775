// Package convo persists conversation turns and long-lived facts/goals used
// to assemble prompts. It is a narrow adapter over the relay database.
package convo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	// maxTurnRunes bounds stored turn content at write time.
	maxTurnRunes = 4000

	KindFact = "fact"
	KindGoal = "goal"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one stored conversation turn.
type Turn struct {
	ID        uint   `gorm:"primaryKey"`
	ChatID    int64  `gorm:"index:idx_turns_chat_created"`
	Role      string `gorm:"size:16"`
	Content   string
	CreatedAt time.Time `gorm:"index:idx_turns_chat_created"`
}

// Fact is a key-value memory item: a durable fact or an active goal.
type Fact struct {
	ID        uint   `gorm:"primaryKey"`
	ChatID    int64  `gorm:"index:idx_facts_chat_kind"`
	Kind      string `gorm:"size:8;index:idx_facts_chat_kind"`
	Title     string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) SaveTurn(ctx context.Context, chatID int64, role, content string) error {
	turn := Turn{
		ChatID:    chatID,
		Role:      role,
		Content:   truncateRunes(content, maxTurnRunes),
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&turn).Error; err != nil {
		return fmt.Errorf("save turn for chat %d: %w", chatID, err)
	}
	return nil
}

// RecentTurns returns up to n turns for the chat in chronological order.
func (s *Store) RecentTurns(ctx context.Context, chatID int64, n int) ([]Turn, error) {
	if n <= 0 {
		n = 20
	}
	var out []Turn
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("recent turns for chat %d: %w", chatID, err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) SaveFact(ctx context.Context, chatID int64, title, value string) error {
	return s.saveKV(ctx, chatID, KindFact, title, value)
}

func (s *Store) SaveGoal(ctx context.Context, chatID int64, title, value string) error {
	return s.saveKV(ctx, chatID, KindGoal, title, value)
}

func (s *Store) saveKV(ctx context.Context, chatID int64, kind, title, value string) error {
	var existing Fact
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND kind = ? AND title = ?", chatID, kind, title).
		First(&existing).Error
	switch {
	case err == nil:
		existing.Value = value
		existing.UpdatedAt = time.Now()
		if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return fmt.Errorf("update %s %q: %w", kind, title, err)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := Fact{ChatID: chatID, Kind: kind, Title: title, Value: value}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("create %s %q: %w", kind, title, err)
		}
		return nil
	default:
		return fmt.Errorf("lookup %s %q: %w", kind, title, err)
	}
}

func (s *Store) Facts(ctx context.Context, chatID int64) ([]Fact, error) {
	return s.listKV(ctx, chatID, KindFact)
}

func (s *Store) Goals(ctx context.Context, chatID int64) ([]Fact, error) {
	return s.listKV(ctx, chatID, KindGoal)
}

func (s *Store) listKV(ctx context.Context, chatID int64, kind string) ([]Fact, error) {
	var out []Fact
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND kind = ?", chatID, kind).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list %ss for chat %d: %w", kind, chatID, err)
	}
	return out, nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
