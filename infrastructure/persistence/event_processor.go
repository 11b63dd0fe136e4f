package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"dev-assistant/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const titleMaxRunes = 50

// EventProcessor implements persistence.EventProcessor
type EventProcessor struct {
	conversationRepo persistence.ConversationRepository
	messageRepo      persistence.MessageRepository
	feedbackRepo     persistence.FeedbackRepository
	txManager        persistence.TransactionManager
	eventChan        chan any
	workerCount      int
	bufferSize       int
	retryBackoff     time.Duration

	// State management
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.RWMutex
	isRunning      atomic.Bool
	processedCount atomic.Int64
	errorCount     atomic.Int64

	// Health monitoring
	lastProcessedTime atomic.Value
}

// NewEventProcessor creates a new event processor. txManager may be nil, in which
// case an exchange is written without a surrounding transaction.
func NewEventProcessor(
	conversationRepo persistence.ConversationRepository,
	messageRepo persistence.MessageRepository,
	feedbackRepo persistence.FeedbackRepository,
	txManager persistence.TransactionManager,
	workerCount int,
	bufferSize int,
) *EventProcessor {
	if workerCount <= 0 {
		workerCount = 2
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}

	return &EventProcessor{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		feedbackRepo:     feedbackRepo,
		txManager:        txManager,
		eventChan:        make(chan any, bufferSize),
		workerCount:      workerCount,
		bufferSize:       bufferSize,
		retryBackoff:     200 * time.Millisecond,
	}
}

// Start begins processing events from the channel
func (ep *EventProcessor) Start(ctx context.Context) error {
	if ep.isRunning.Load() {
		return fmt.Errorf("event processor is already running")
	}

	ep.ctx, ep.cancel = context.WithCancel(ctx)
	ep.isRunning.Store(true)
	ep.lastProcessedTime.Store(time.Now())

	for i := 0; i < ep.workerCount; i++ {
		ep.wg.Add(1)
		go ep.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"worker_count": ep.workerCount,
		"buffer_size":  ep.bufferSize,
	}).Info("Event processor started")

	return nil
}

// Stop closes the queue, lets workers drain what is already buffered and then
// cancels any write still in flight.
func (ep *EventProcessor) Stop() error {
	ep.mu.Lock()
	if !ep.isRunning.Load() {
		ep.mu.Unlock()
		return nil
	}
	ep.isRunning.Store(false)
	close(ep.eventChan)
	ep.mu.Unlock()

	logrus.Info("Stopping event processor...")

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Event processor stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Event processor stop timed out")
	}

	ep.cancel()
	return nil
}

// ProcessEvent queues an event without blocking
func (ep *EventProcessor) ProcessEvent(event interface{}) error {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if !ep.isRunning.Load() {
		return fmt.Errorf("event processor is not running")
	}

	select {
	case ep.eventChan <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event processor is shutting down")
	default:
		ep.errorCount.Add(1)
		logrus.Warn("Event processor queue is full, dropping event")
		return fmt.Errorf("event processor queue is full")
	}
}

// Health returns the health status of the processor
func (ep *EventProcessor) Health() persistence.ProcessorHealth {
	return persistence.ProcessorHealth{
		IsRunning:      ep.isRunning.Load(),
		QueueSize:      len(ep.eventChan),
		ProcessedCount: ep.processedCount.Load(),
		ErrorCount:     ep.errorCount.Load(),
	}
}

func (ep *EventProcessor) worker(workerID int) {
	defer ep.wg.Done()

	logger := logrus.WithField("worker_id", workerID)
	logger.Debug("Event processor worker started")

	for event := range ep.eventChan {
		opCtx, cancel := context.WithTimeout(ep.ctx, 10*time.Second)
		if err := ep.processEvent(opCtx, event); err != nil {
			ep.errorCount.Add(1)
			logger.WithError(err).Error("Failed to process event")
		} else {
			ep.processedCount.Add(1)
			ep.lastProcessedTime.Store(time.Now())
		}
		cancel()
	}

	logger.Debug("Event channel closed, worker stopping")
}

func (ep *EventProcessor) processEvent(ctx context.Context, event interface{}) error {
	switch e := event.(type) {
	case persistence.PersistenceEvent[persistence.RecordExchangeEvent]:
		return ep.handleRecordExchange(ctx, e.Data)

	case persistence.PersistenceEvent[persistence.CreateFeedbackEvent]:
		return ep.handleCreateFeedback(ctx, e.Data)

	case persistence.RecordExchangeEvent:
		return ep.handleRecordExchange(ctx, e)

	case persistence.CreateFeedbackEvent:
		return ep.handleCreateFeedback(ctx, e)

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
}

// handleRecordExchange writes the conversation and its messages as one unit
func (ep *EventProcessor) handleRecordExchange(ctx context.Context, event persistence.RecordExchangeEvent) error {
	write := func(ctx context.Context) error {
		conversation := &persistence.ConversationRecord{
			ID:       event.ConversationID,
			Title:    conversationTitle(event.UserInput),
			Template: event.Template,
			Model:    event.Model,
			Outcome:  event.Outcome,
		}
		if err := ep.conversationRepo.Create(ctx, conversation); err != nil {
			return err
		}

		prompt := &persistence.MessageRecord{
			ConversationID: conversation.ID,
			Role:           persistence.RoleUser,
			Content:        event.UserInput,
		}
		if err := ep.messageRepo.Create(ctx, prompt); err != nil {
			return err
		}

		if event.Response == "" {
			return nil
		}

		chunks := event.Chunks
		latency := event.LatencyMs
		answer := &persistence.MessageRecord{
			ConversationID: conversation.ID,
			Role:           persistence.RoleAssistant,
			Content:        event.Response,
			TokenCount:     &chunks,
			ResponseTimeMs: &latency,
		}
		return ep.messageRepo.Create(ctx, answer)
	}

	var err error
	if ep.txManager != nil {
		err = ep.txManager.WithTransaction(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to record exchange %s: %w", event.ConversationID, err)
	}

	logrus.WithFields(logrus.Fields{
		"conversation_id": event.ConversationID,
		"outcome":         event.Outcome,
		"chunks":          event.Chunks,
	}).Debug("Recorded exchange")
	return nil
}

// handleCreateFeedback attaches feedback once the conversation has been written.
// Feedback can race the exchange it rates, so a missing conversation is retried.
func (ep *EventProcessor) handleCreateFeedback(ctx context.Context, event persistence.CreateFeedbackEvent) error {
	if !event.Type.Valid() {
		return fmt.Errorf("invalid feedback type %q", event.Type)
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		_, err = ep.conversationRepo.FindByID(ctx, event.ConversationID)
		if err == nil {
			break
		}

		if errors.Is(err, persistence.ErrNotFound) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"conversation_id": event.ConversationID,
				"attempt":         attempt + 1,
			}).Warn("Conversation not found for feedback, retrying...")

			select {
			case <-time.After(time.Duration(attempt+1) * ep.retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		return fmt.Errorf("failed to find conversation for feedback: %w", err)
	}

	if err != nil {
		return fmt.Errorf("cannot create feedback for unknown conversation: %w", err)
	}

	feedback := &persistence.FeedbackRecord{
		ConversationID: event.ConversationID,
		Type:           event.Type,
		Comment:        event.Comment,
	}
	return ep.feedbackRepo.Create(ctx, feedback)
}

func conversationTitle(input string) string {
	if utf8.RuneCountInString(input) <= titleMaxRunes {
		return input
	}
	runes := []rune(input)
	return string(runes[:titleMaxRunes]) + "..."
}

// AuditTracker implements persistence.AuditTracker on top of the event processor
type AuditTracker struct {
	processor persistence.EventProcessor
}

// NewAuditTracker creates a new audit tracker
func NewAuditTracker(processor persistence.EventProcessor) persistence.AuditTracker {
	return &AuditTracker{processor: processor}
}

// RecordExchange queues a finished session for persistence
func (at *AuditTracker) RecordExchange(ctx context.Context, event persistence.RecordExchangeEvent) error {
	return at.processor.ProcessEvent(persistence.PersistenceEvent[persistence.RecordExchangeEvent]{
		Type: persistence.EventTypeRecordExchange,
		Data: event,
	})
}

// SubmitFeedback queues feedback for a conversation
func (at *AuditTracker) SubmitFeedback(ctx context.Context, conversationID uuid.UUID, feedbackType persistence.FeedbackType, comment string) error {
	if !feedbackType.Valid() {
		return fmt.Errorf("invalid feedback type %q", feedbackType)
	}

	return at.processor.ProcessEvent(persistence.PersistenceEvent[persistence.CreateFeedbackEvent]{
		Type: persistence.EventTypeCreateFeedback,
		Data: persistence.CreateFeedbackEvent{
			ConversationID: conversationID,
			Type:           feedbackType,
			Comment:        comment,
		},
	})
}
