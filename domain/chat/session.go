package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle position of a relay session
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateValidating     SessionState = "validating"
	StateRejected       SessionState = "rejected"
	StateHealthChecking SessionState = "health_checking"
	StateGateFailed     SessionState = "gate_failed"
	StateStreaming      SessionState = "streaming"
	StateCompleted      SessionState = "completed"
	StateErrored        SessionState = "errored"
	StateCancelled      SessionState = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateRejected, StateGateFailed, StateCompleted, StateErrored, StateCancelled:
		return true
	}
	return false
}

var transitions = map[SessionState][]SessionState{
	StateIdle:           {StateValidating},
	StateValidating:     {StateRejected, StateHealthChecking},
	StateHealthChecking: {StateGateFailed, StateStreaming, StateErrored, StateCancelled},
	StateStreaming:      {StateCompleted, StateErrored, StateCancelled},
}

// Session is one client request from validation to its terminal state.
// It is owned by the orchestrator; the mutex only guards reads from other goroutines.
type Session struct {
	ID        uuid.UUID
	Request   StreamRequest
	StartedAt time.Time

	mu     sync.Mutex
	state  SessionState
	text   strings.Builder
	chunks int
	cause  error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession derives the session cancellation signal from parent
func NewSession(parent context.Context, id uuid.UUID, req StreamRequest) *Session {
	if id == uuid.Nil {
		id = uuid.New()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        id,
		Request:   req,
		StartedAt: time.Now(),
		state:     StateIdle,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context is cancelled when the caller goes away or Cancel is called
func (s *Session) Context() context.Context { return s.ctx }

// Cancel signals the session to stop at its next suspension point
func (s *Session) Cancel() { s.cancel() }

// Transition moves the session forward, refusing anything not in the state graph
func (s *Session) Transition(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			if next.IsTerminal() {
				s.cancel()
			}
			return nil
		}
	}
	return fmt.Errorf("illegal session transition %s -> %s", s.state, next)
}

// Finish moves to a terminal state and records the cause
func (s *Session) Finish(state SessionState, cause error) error {
	if !state.IsTerminal() {
		return fmt.Errorf("state %s is not terminal", state)
	}
	if err := s.Transition(state); err != nil {
		return err
	}
	s.mu.Lock()
	s.cause = cause
	s.mu.Unlock()
	return nil
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Append adds a fragment to the accumulated text
func (s *Session) Append(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(fragment)
	s.chunks++
}

// Text is the accumulated output so far; partial text survives cancellation
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Err is the internal cause of a non-successful terminal state
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}
