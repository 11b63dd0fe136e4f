package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories when no record matches
var ErrNotFound = errors.New("record not found")

// Repository defines the generic repository interface using Go generics
type Repository[T any] interface {
	Create(ctx context.Context, entity *T) error
	FindByID(ctx context.Context, id uuid.UUID) (*T, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ConversationRepository defines operations specific to conversation records
type ConversationRepository interface {
	Repository[ConversationRecord]

	FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*ConversationRecord, error)
	FindRecent(ctx context.Context, limit int) ([]*ConversationRecord, error)
	UpdateOutcome(ctx context.Context, id uuid.UUID, outcome SessionOutcome) error
}

// MessageRepository defines operations for conversation messages
type MessageRepository interface {
	Repository[MessageRecord]

	FindByConversationID(ctx context.Context, conversationID uuid.UUID) ([]*MessageRecord, error)
}

// FeedbackRepository defines operations for conversation feedback
type FeedbackRepository interface {
	Repository[FeedbackRecord]

	FindByConversationID(ctx context.Context, conversationID uuid.UUID) ([]*FeedbackRecord, error)
	CountByType(ctx context.Context) (map[FeedbackType]int64, error)
}

// EventProcessor defines the interface for processing persistence events asynchronously
type EventProcessor interface {
	// Start begins processing events from the channel
	Start(ctx context.Context) error

	// Stop gracefully shuts down the event processor
	Stop() error

	// ProcessEvent queues an event without blocking; a full queue drops it
	ProcessEvent(event interface{}) error

	// Health returns the health status of the processor
	Health() ProcessorHealth
}

// ProcessorHealth represents the health status of the event processor
type ProcessorHealth struct {
	IsRunning      bool  `json:"is_running"`
	QueueSize      int   `json:"queue_size"`
	ProcessedCount int64 `json:"processed_count"`
	ErrorCount     int64 `json:"error_count"`
}

// DatabaseManager defines the interface for database management operations
type DatabaseManager interface {
	Connect(ctx context.Context, driver, dsn string) error
	Close() error
	Migrate() error
	Health(ctx context.Context) error
	GetRepositories() (ConversationRepository, MessageRepository, FeedbackRepository)
}

// TransactionManager defines interface for database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditTracker records finished sessions and feedback. Calls must not block the caller.
type AuditTracker interface {
	RecordExchange(ctx context.Context, event RecordExchangeEvent) error
	SubmitFeedback(ctx context.Context, conversationID uuid.UUID, feedbackType FeedbackType, comment string) error
}
