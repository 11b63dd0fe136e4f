package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Core relay entities independent of frameworks and vendors

// StreamRequest is the inbound body of a streaming chat call
type StreamRequest struct {
	UserInput string `json:"userInput"`
	Template  string `json:"template,omitempty"`
	Model     string `json:"model,omitempty"`
}

// IsBlank reports whether the request carries no usable input
func (r *StreamRequest) IsBlank() bool {
	return r == nil || strings.TrimSpace(r.UserInput) == ""
}

// TokenDelta is one fragment of generated text read from the upstream
type TokenDelta struct {
	Text string
	Done bool
}

// EventType is the closed set of stream event kinds shared by server and client
type EventType string

const (
	EventStart     EventType = "start"
	EventChunk     EventType = "chunk"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// Valid reports whether t is one of the known event kinds
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventChunk, EventComplete, EventError, EventCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether t ends a session
func (t EventType) IsTerminal() bool {
	switch t {
	case EventComplete, EventError, EventCancelled:
		return true
	}
	return false
}

const (
	startMessage     = "Starting response..."
	cancelledMessage = "Request was cancelled"
)

// StreamEvent is a single typed event of a relay session
type StreamEvent struct {
	Type      EventType `json:"type"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func newEvent(t EventType, data string) StreamEvent {
	return StreamEvent{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

func NewStartEvent() StreamEvent { return newEvent(EventStart, startMessage) }

func NewChunkEvent(text string) StreamEvent { return newEvent(EventChunk, text) }

// NewCompleteEvent carries the full accumulated text of the session
func NewCompleteEvent(finalText string) StreamEvent { return newEvent(EventComplete, finalText) }

// NewErrorEvent must only be given one of the user-facing messages in errors.go
func NewErrorEvent(message string) StreamEvent { return newEvent(EventError, message) }

func NewCancelledEvent() StreamEvent { return newEvent(EventCancelled, cancelledMessage) }

// UnmarshalJSON rejects events whose type is outside the known set
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	type wire StreamEvent
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Type.Valid() {
		return fmt.Errorf("unknown stream event type %q", w.Type)
	}
	*e = StreamEvent(w)
	return nil
}

// Template describes a prompt template exposed to clients
type Template struct {
	Key         string `json:"key" yaml:"key"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// HealthStatus is the side-channel health report
type HealthStatus struct {
	IsHealthy      bool      `json:"isHealthy"`
	UpstreamStatus string    `json:"upstreamStatus"`
	DatabaseStatus string    `json:"databaseStatus"`
	Timestamp      time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
