package chat

import "context"

// HealthProbe is the liveness precondition checked before a session streams.
// Probe never panics; any failure is reported as false.
type HealthProbe interface {
	Probe(ctx context.Context) bool
}

// TokenStream is the receiving end of one upstream generation
type TokenStream interface {
	// Deltas is closed when the producer stops for any reason
	Deltas() <-chan TokenDelta

	// Err is valid once Deltas is closed; nil on natural end and on cancellation
	Err() error

	// Close aborts the upstream read and waits for the connection to be released
	Close() error
}

// StreamProducer opens a single upstream generation; streams are not restartable
type StreamProducer interface {
	Open(ctx context.Context, prompt, model string) (TokenStream, error)
}

// PromptRenderer turns a template key and user text into the final prompt
type PromptRenderer interface {
	Render(templateKey, userInput string) string
	Templates() []Template
}

// EventWriter delivers one event to the client and flushes it
type EventWriter interface {
	Write(event StreamEvent) error
}

// EventWriterFunc adapts a function to EventWriter
type EventWriterFunc func(event StreamEvent) error

func (f EventWriterFunc) Write(event StreamEvent) error { return f(event) }
