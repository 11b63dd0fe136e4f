package persistence

import (
	"context"
	"errors"
	"fmt"

	"dev-assistant/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationRepository implements persistence.ConversationRepository
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *gorm.DB) persistence.ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create creates a new conversation record
func (r *ConversationRepository) Create(ctx context.Context, entity *persistence.ConversationRecord) error {
	db := dbFromContext(ctx, r.db)
	if err := db.Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create conversation record: %w", err)
	}
	return nil
}

// FindByID finds a conversation record by ID
func (r *ConversationRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ConversationRecord, error) {
	db := dbFromContext(ctx, r.db)
	var record persistence.ConversationRecord
	if err := db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find conversation record: %w", err)
	}
	return &record, nil
}

// FindByIDWithRelations loads the conversation with its messages and feedback
func (r *ConversationRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*persistence.ConversationRecord, error) {
	db := dbFromContext(ctx, r.db)
	var record persistence.ConversationRecord
	err := db.
		Preload("Messages", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at ASC") }).
		Preload("Feedback").
		First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find conversation with relations: %w", err)
	}
	return &record, nil
}

// FindRecent finds the most recent conversations
func (r *ConversationRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.ConversationRecord, error) {
	db := dbFromContext(ctx, r.db)
	var records []*persistence.ConversationRecord
	query := db.Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find recent conversations: %w", err)
	}
	return records, nil
}

// UpdateOutcome sets the terminal outcome of a conversation
func (r *ConversationRepository) UpdateOutcome(ctx context.Context, id uuid.UUID, outcome persistence.SessionOutcome) error {
	db := dbFromContext(ctx, r.db)
	result := db.Model(&persistence.ConversationRecord{}).Where("id = ?", id).Update("outcome", outcome)
	if result.Error != nil {
		return fmt.Errorf("failed to update conversation outcome: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("conversation %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}

// Delete deletes a conversation record; messages and feedback cascade
func (r *ConversationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	db := dbFromContext(ctx, r.db)
	result := db.Select("Messages", "Feedback").Delete(&persistence.ConversationRecord{ID: id})
	if result.Error != nil {
		return fmt.Errorf("failed to delete conversation record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("conversation %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}
