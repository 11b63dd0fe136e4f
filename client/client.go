package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dev-assistant/domain/chat"
	"dev-assistant/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultBaseURL  = "http://localhost:8080"
	defaultTimeout  = 10 * time.Second
	readBufferSize  = 4096
	maxErrorBodyLen = 4096
)

// ErrIncompleteStream means the connection ended before a terminal event arrived
var ErrIncompleteStream = errors.New("stream ended without a terminal event")

// StatusError is returned when the server answers with a non-success status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Update is reported for every accepted event, in decode order
type Update struct {
	Event     chat.StreamEvent
	Text      string
	Streaming bool
}

// Result is the final state of one streamed answer
type Result struct {
	SessionID uuid.UUID
	Text      string
	Outcome   chat.EventType
	Message   string
	Chunks    int
}

// Client talks to the relay HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for every call
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds the non-streaming calls; streams are bounded by ctx only
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream sends req and consumes the event stream until a terminal event.
// onUpdate may be nil. An error event is an outcome, not an error: it is
// reported through Result.
func (c *Client) Stream(ctx context.Context, req chat.StreamRequest, onUpdate func(Update)) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	result := &Result{}
	if id, err := uuid.Parse(resp.Header.Get("X-Session-ID")); err == nil {
		result.SessionID = id
	}

	decoder := NewFrameDecoder()
	acc := NewAccumulator()
	buf := make([]byte, readBufferSize)

	for !acc.Done() {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, event := range decoder.Feed(buf[:n]) {
				if !acc.Apply(event) {
					logrus.WithField("type", event.Type).Debug("Ignoring event after terminal event")
					continue
				}
				if onUpdate != nil {
					onUpdate(Update{Event: event, Text: acc.Text(), Streaming: acc.Streaming()})
				}
			}
		}
		if readErr != nil {
			if acc.Done() {
				break
			}
			if errors.Is(readErr, io.EOF) {
				fillResult(result, acc)
				return result, ErrIncompleteStream
			}
			fillResult(result, acc)
			return result, fmt.Errorf("stream read failed: %w", readErr)
		}
	}

	fillResult(result, acc)
	return result, nil
}

func fillResult(result *Result, acc *Accumulator) {
	result.Text = acc.Text()
	result.Outcome = acc.Outcome()
	result.Message = acc.Message()
	result.Chunks = acc.Chunks()
}

// Health fetches the side-channel health report
func (c *Client) Health(ctx context.Context) (*chat.HealthStatus, error) {
	var status chat.HealthStatus
	if err := c.getJSON(ctx, "/api/chat/health", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Templates lists the prompt templates the server knows
func (c *Client) Templates(ctx context.Context) ([]chat.Template, error) {
	var templates []chat.Template
	if err := c.getJSON(ctx, "/api/chat/templates", &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// SubmitFeedback rates the answer of a previous session
func (c *Client) SubmitFeedback(ctx context.Context, sessionID uuid.UUID, feedbackType persistence.FeedbackType, comment string) error {
	if !feedbackType.Valid() {
		return fmt.Errorf("invalid feedback type %q", feedbackType)
	}

	body, err := json.Marshal(map[string]string{
		"sessionId": sessionID.String(),
		"type":      string(feedbackType),
		"comment":   comment,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/feedback", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("feedback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
