package client

import (
	"strings"

	"dev-assistant/domain/chat"
)

// Accumulator folds the events of one answer into its text and final outcome.
// Once a terminal event has been applied, every later event is ignored.
type Accumulator struct {
	text      strings.Builder
	streaming bool
	outcome   chat.EventType
	message   string
	chunks    int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply updates the answer with event and reports whether it was accepted
func (a *Accumulator) Apply(event chat.StreamEvent) bool {
	if a.Done() {
		return false
	}

	switch event.Type {
	case chat.EventStart:
		a.streaming = true
	case chat.EventChunk:
		a.text.WriteString(event.Data)
		a.chunks++
		a.streaming = true
	case chat.EventComplete:
		a.finish(event.Type, "")
	case chat.EventError, chat.EventCancelled:
		a.finish(event.Type, event.Data)
	default:
		return false
	}
	return true
}

func (a *Accumulator) finish(outcome chat.EventType, message string) {
	a.outcome = outcome
	a.message = message
	a.streaming = false
}

// Text is the concatenation of every accepted chunk
func (a *Accumulator) Text() string { return a.text.String() }

func (a *Accumulator) Streaming() bool { return a.streaming }

func (a *Accumulator) Chunks() int { return a.chunks }

// Done reports whether a terminal event has been applied
func (a *Accumulator) Done() bool { return a.outcome != "" }

// Outcome is the terminal event type, empty while the answer is open
func (a *Accumulator) Outcome() chat.EventType { return a.outcome }

// Message is the data of an error or cancelled event
func (a *Accumulator) Message() string { return a.message }
