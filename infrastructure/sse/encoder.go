// Package sse writes stream events as server-sent event frames.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"dev-assistant/domain/chat"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush
var ErrStreamingUnsupported = errors.New("streaming not supported by response writer")

var (
	framePrefix = []byte("data: ")
	frameSuffix = []byte("\n\n")
)

// Encoder frames each event as "data: <json>\n\n" and flushes it before returning.
// Headers are committed on the first write, so a request rejected before any
// event still gets an ordinary response.
type Encoder struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	committed bool
}

func NewEncoder(w http.ResponseWriter) (*Encoder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Encoder{w: w, flusher: flusher}, nil
}

// Write implements chat.EventWriter
func (e *Encoder) Write(event chat.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if !e.committed {
		header := e.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		e.w.WriteHeader(http.StatusOK)
		e.committed = true
	}

	frame := make([]byte, 0, len(framePrefix)+len(payload)+len(frameSuffix))
	frame = append(frame, framePrefix...)
	frame = append(frame, payload...)
	frame = append(frame, frameSuffix...)

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", chat.ErrTransport, err)
	}
	e.flusher.Flush()
	return nil
}

// Committed reports whether the stream headers have been sent
func (e *Encoder) Committed() bool {
	return e.committed
}
