package persistence

import (
	"context"
	"errors"
	"fmt"

	"dev-assistant/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FeedbackRepository implements persistence.FeedbackRepository
type FeedbackRepository struct {
	db *gorm.DB
}

// NewFeedbackRepository creates a new feedback repository
func NewFeedbackRepository(db *gorm.DB) persistence.FeedbackRepository {
	return &FeedbackRepository{db: db}
}

// Create creates a new feedback record
func (r *FeedbackRepository) Create(ctx context.Context, entity *persistence.FeedbackRecord) error {
	db := dbFromContext(ctx, r.db)
	if err := db.Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create feedback record: %w", err)
	}
	return nil
}

// FindByID finds a feedback record by ID
func (r *FeedbackRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.FeedbackRecord, error) {
	db := dbFromContext(ctx, r.db)
	var record persistence.FeedbackRecord
	if err := db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("feedback %s: %w", id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find feedback record: %w", err)
	}
	return &record, nil
}

// FindByConversationID finds all feedback left on a conversation, newest first
func (r *FeedbackRepository) FindByConversationID(ctx context.Context, conversationID uuid.UUID) ([]*persistence.FeedbackRecord, error) {
	db := dbFromContext(ctx, r.db)
	var records []*persistence.FeedbackRecord
	if err := db.Where("conversation_id = ?", conversationID).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find feedback records by conversation ID: %w", err)
	}
	return records, nil
}

// CountByType tallies feedback across all conversations
func (r *FeedbackRepository) CountByType(ctx context.Context) (map[persistence.FeedbackType]int64, error) {
	db := dbFromContext(ctx, r.db)

	var rows []struct {
		Type  persistence.FeedbackType
		Count int64
	}
	if err := db.Model(&persistence.FeedbackRecord{}).
		Select("type, COUNT(*) as count").
		Group("type").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count feedback by type: %w", err)
	}

	counts := make(map[persistence.FeedbackType]int64, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}

// Delete deletes a feedback record
func (r *FeedbackRepository) Delete(ctx context.Context, id uuid.UUID) error {
	db := dbFromContext(ctx, r.db)
	result := db.Delete(&persistence.FeedbackRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete feedback record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("feedback %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}
