package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationRecord stores one relayed session
type ConversationRecord struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	Title     string         `gorm:"type:varchar(200);not null" json:"title"`
	Template  string         `gorm:"type:varchar(50)" json:"template"`
	Model     string         `gorm:"type:varchar(100);not null;index" json:"model"`
	Outcome   SessionOutcome `gorm:"type:varchar(20);not null;default:'completed';index" json:"outcome"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Messages []MessageRecord  `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
	Feedback []FeedbackRecord `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"feedback,omitempty"`
}

// SessionOutcome mirrors the terminal state of the relayed session
type SessionOutcome string

const (
	OutcomeCompleted  SessionOutcome = "completed"
	OutcomeErrored    SessionOutcome = "errored"
	OutcomeCancelled  SessionOutcome = "cancelled"
	OutcomeGateFailed SessionOutcome = "gate_failed"
)

// MessageRole identifies the author of a message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageRecord stores a user prompt or an assistant response
type MessageRecord struct {
	ID             uuid.UUID   `gorm:"type:uuid;primary_key" json:"id"`
	ConversationID uuid.UUID   `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Role           MessageRole `gorm:"type:varchar(20);not null" json:"role"`
	Content        string      `gorm:"type:text;not null" json:"content"`
	TokenCount     *int        `json:"token_count,omitempty"`
	ResponseTimeMs *int64      `json:"response_time_ms,omitempty"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// FeedbackType is the thumbs rating left on an answer
type FeedbackType string

const (
	FeedbackThumbsUp   FeedbackType = "thumbs_up"
	FeedbackThumbsDown FeedbackType = "thumbs_down"
)

// Valid reports whether f is a known rating
func (f FeedbackType) Valid() bool {
	return f == FeedbackThumbsUp || f == FeedbackThumbsDown
}

// FeedbackRecord stores user feedback on a conversation
type FeedbackRecord struct {
	ID             uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	ConversationID uuid.UUID    `gorm:"type:uuid;not null;index" json:"conversation_id"`
	MessageID      *uuid.UUID   `gorm:"type:uuid" json:"message_id,omitempty"`
	Type           FeedbackType `gorm:"type:varchar(20);not null" json:"type"`
	Comment        string       `gorm:"type:varchar(1000)" json:"comment,omitempty"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeCreate hook for ConversationRecord
func (c *ConversationRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// BeforeCreate hook for MessageRecord
func (m *MessageRecord) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// BeforeCreate hook for FeedbackRecord
func (f *FeedbackRecord) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

func (ConversationRecord) TableName() string {
	return "conversations"
}

func (MessageRecord) TableName() string {
	return "messages"
}

func (FeedbackRecord) TableName() string {
	return "feedback"
}

// PersistenceEvent represents events that can be processed asynchronously
type PersistenceEvent[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

// EventType represents the type of persistence event
type EventType string

const (
	EventTypeRecordExchange EventType = "record_exchange"
	EventTypeCreateFeedback EventType = "create_feedback"
)

// RecordExchangeEvent captures a finished session: the prompt, the answer and how it ended
type RecordExchangeEvent struct {
	ConversationID uuid.UUID      `json:"conversation_id"`
	Template       string         `json:"template"`
	Model          string         `json:"model"`
	UserInput      string         `json:"user_input"`
	Response       string         `json:"response"`
	Outcome        SessionOutcome `json:"outcome"`
	Chunks         int            `json:"chunks"`
	LatencyMs      int64          `json:"latency_ms"`
}

// CreateFeedbackEvent data for creating conversation feedback
type CreateFeedbackEvent struct {
	ConversationID uuid.UUID    `json:"conversation_id"`
	Type           FeedbackType `json:"type"`
	Comment        string       `json:"comment"`
}
