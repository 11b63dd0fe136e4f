package persistence

import (
	"context"
	"errors"
	"fmt"

	"dev-assistant/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageRepository implements persistence.MessageRepository
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) persistence.MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, entity *persistence.MessageRecord) error {
	db := dbFromContext(ctx, r.db)
	if err := db.Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create message record: %w", err)
	}
	return nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.MessageRecord, error) {
	db := dbFromContext(ctx, r.db)
	var record persistence.MessageRecord
	if err := db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %s: %w", id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find message record: %w", err)
	}
	return &record, nil
}

// FindByConversationID returns messages in the order they were written
func (r *MessageRepository) FindByConversationID(ctx context.Context, conversationID uuid.UUID) ([]*persistence.MessageRecord, error) {
	db := dbFromContext(ctx, r.db)
	var records []*persistence.MessageRecord
	if err := db.Where("conversation_id = ?", conversationID).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find messages by conversation ID: %w", err)
	}
	return records, nil
}

func (r *MessageRepository) Delete(ctx context.Context, id uuid.UUID) error {
	db := dbFromContext(ctx, r.db)
	result := db.Delete(&persistence.MessageRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete message record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("message %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}
