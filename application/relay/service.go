// Package relay runs one streaming session from validation to its terminal event.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dev-assistant/domain/chat"
	"dev-assistant/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config holds the request defaults applied before a session streams
type Config struct {
	DefaultModel    string
	DefaultTemplate string
	AllowedModels   []string
}

// Service orchestrates the relay use case
type Service struct {
	probe     chat.HealthProbe
	producer  chat.StreamProducer
	prompts   chat.PromptRenderer
	tracker   persistence.AuditTracker
	config    Config
	allowed   map[string]struct{}
	templates map[string]struct{}
}

// NewService wires the relay. tracker may be nil when persistence is disabled.
func NewService(probe chat.HealthProbe, producer chat.StreamProducer, prompts chat.PromptRenderer, tracker persistence.AuditTracker, config Config) *Service {
	allowed := make(map[string]struct{}, len(config.AllowedModels))
	for _, model := range config.AllowedModels {
		allowed[model] = struct{}{}
	}

	templates := make(map[string]struct{})
	for _, tmpl := range prompts.Templates() {
		templates[tmpl.Key] = struct{}{}
	}

	return &Service{
		probe:     probe,
		producer:  producer,
		prompts:   prompts,
		tracker:   tracker,
		config:    config,
		allowed:   allowed,
		templates: templates,
	}
}

// Handle starts a session with a fresh ID and runs it to completion
func (s *Service) Handle(ctx context.Context, req *chat.StreamRequest, w chat.EventWriter) *chat.Session {
	return s.Run(chat.NewSession(ctx, uuid.Nil, *req), w)
}

// Run drives session through validation, the health gate and streaming. Every
// accepted session ends with exactly one terminal event written to w; a rejected
// session writes nothing.
func (s *Service) Run(session *chat.Session, w chat.EventWriter) *chat.Session {
	defer session.Cancel()

	startedAt := time.Now()
	logger := logrus.WithField("session_id", session.ID)

	mustTransition(session, chat.StateValidating)
	if session.Request.IsBlank() {
		_ = session.Finish(chat.StateRejected, chat.ErrInvalidRequest)
		logger.Debug("Rejected blank request")
		return session
	}
	s.normalize(&session.Request, logger)

	logger = logger.WithFields(logrus.Fields{
		"model":    session.Request.Model,
		"template": session.Request.Template,
	})
	defer func() {
		s.finished(session, startedAt, logger)
	}()

	ctx := session.Context()

	mustTransition(session, chat.StateHealthChecking)
	if !s.probe.Probe(ctx) {
		if ctx.Err() != nil {
			s.interrupt(session, w, logger)
			return session
		}
		if err := w.Write(chat.NewErrorEvent(chat.MessageUpstreamUnavailable)); err != nil {
			logger.WithError(err).Debug("Failed to deliver gate failure")
		}
		_ = session.Finish(chat.StateGateFailed, chat.ErrUpstreamUnavailable)
		return session
	}

	mustTransition(session, chat.StateStreaming)
	if !s.emit(session, w, chat.NewStartEvent(), logger) {
		return session
	}

	prompt := s.prompts.Render(session.Request.Template, session.Request.UserInput)
	stream, err := s.producer.Open(ctx, prompt, session.Request.Model)
	if err != nil {
		if ctx.Err() != nil {
			s.interrupt(session, w, logger)
			return session
		}
		s.fail(session, w, err, logger)
		return session
	}
	defer stream.Close()

	for {
		// Checked first so a cancellation is never lost behind buffered deltas
		if ctx.Err() != nil {
			s.interrupt(session, w, logger)
			return session
		}

		select {
		case <-ctx.Done():
			s.interrupt(session, w, logger)
			return session

		case delta, ok := <-stream.Deltas():
			if !ok {
				switch {
				case stream.Err() != nil:
					s.fail(session, w, stream.Err(), logger)
				case ctx.Err() != nil:
					s.interrupt(session, w, logger)
				default:
					if s.emit(session, w, chat.NewCompleteEvent(session.Text()), logger) {
						_ = session.Finish(chat.StateCompleted, nil)
					}
				}
				return session
			}

			session.Append(delta.Text)
			if !s.emit(session, w, chat.NewChunkEvent(delta.Text), logger) {
				return session
			}
		}
	}
}

// normalize fills in the default template and model. A model outside a
// non-empty allow list falls back to the default model.
func (s *Service) normalize(req *chat.StreamRequest, logger *logrus.Entry) {
	req.Template = strings.TrimSpace(req.Template)
	if _, known := s.templates[req.Template]; !known {
		if req.Template != "" {
			logger.WithField("template", req.Template).Debug("Unknown template, using default")
		}
		req.Template = s.config.DefaultTemplate
	}

	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		req.Model = s.config.DefaultModel
		return
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[req.Model]; !ok {
			logger.WithField("requested_model", req.Model).Warn("Model not in allow list, using default")
			req.Model = s.config.DefaultModel
		}
	}
}

// emit writes a non-cancellation event. A failed write ends the session with a
// transport fault and nothing further is written.
func (s *Service) emit(session *chat.Session, w chat.EventWriter, event chat.StreamEvent, logger *logrus.Entry) bool {
	if err := w.Write(event); err != nil {
		logger.WithError(err).WithField("event", event.Type).Warn("Client write failed, ending session")
		_ = session.Finish(chat.StateErrored, transportError(err))
		return false
	}
	return true
}

// fail emits the sanitized message for err. Raw detail only reaches the log.
func (s *Service) fail(session *chat.Session, w chat.EventWriter, err error, logger *logrus.Entry) {
	logger.WithError(err).Error("Relay session failed")
	if s.emit(session, w, chat.NewErrorEvent(chat.UserMessage(err)), logger) {
		_ = session.Finish(chat.StateErrored, err)
	}
}

// interrupt ends a session whose context is done. A deadline is a timeout fault;
// anything else is a client cancellation.
func (s *Service) interrupt(session *chat.Session, w chat.EventWriter, logger *logrus.Entry) {
	ctxErr := session.Context().Err()
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		s.fail(session, w, fmt.Errorf("%w: %w", chat.ErrUpstreamTimeout, ctxErr), logger)
		return
	}

	// The client has usually gone away already; a failed write changes nothing
	if err := w.Write(chat.NewCancelledEvent()); err != nil {
		logger.WithError(err).Debug("Could not deliver cancellation event")
	}
	_ = session.Finish(chat.StateCancelled, ctxErr)
}

func (s *Service) finished(session *chat.Session, startedAt time.Time, logger *logrus.Entry) {
	latency := time.Since(startedAt)
	state := session.State()

	logger.WithFields(logrus.Fields{
		"state":      state,
		"chunks":     session.Chunks(),
		"latency_ms": latency.Milliseconds(),
	}).Info("Relay session finished")

	if s.tracker == nil {
		return
	}

	outcome, ok := outcomeFor(state)
	if !ok {
		return
	}

	event := persistence.RecordExchangeEvent{
		ConversationID: session.ID,
		Template:       session.Request.Template,
		Model:          session.Request.Model,
		UserInput:      session.Request.UserInput,
		Response:       session.Text(),
		Outcome:        outcome,
		Chunks:         session.Chunks(),
		LatencyMs:      latency.Milliseconds(),
	}
	if err := s.tracker.RecordExchange(context.WithoutCancel(session.Context()), event); err != nil {
		logger.WithError(err).Warn("Failed to queue exchange for audit")
	}
}

func outcomeFor(state chat.SessionState) (persistence.SessionOutcome, bool) {
	switch state {
	case chat.StateCompleted:
		return persistence.OutcomeCompleted, true
	case chat.StateErrored:
		return persistence.OutcomeErrored, true
	case chat.StateCancelled:
		return persistence.OutcomeCancelled, true
	case chat.StateGateFailed:
		return persistence.OutcomeGateFailed, true
	default:
		return "", false
	}
}

func transportError(err error) error {
	if errors.Is(err, chat.ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", chat.ErrTransport, err)
}

// mustTransition panics on a transition the orchestrator itself got wrong
func mustTransition(session *chat.Session, next chat.SessionState) {
	if err := session.Transition(next); err != nil {
		panic(err)
	}
}
