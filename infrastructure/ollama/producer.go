package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dev-assistant/domain/chat"

	"github.com/sirupsen/logrus"
)

const maxErrorBody = 4 << 10

// GenerationOptions are the sampling parameters sent with every generation
type GenerationOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

// ProducerConfig configures the upstream stream producer
type ProducerConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	QueueSize      int
	Options        GenerationOptions
}

type generateRequest struct {
	Model   string            `json:"model"`
	Prompt  string            `json:"prompt"`
	Stream  bool              `json:"stream"`
	Options GenerationOptions `json:"options"`
}

// generateChunk is one line of the upstream NDJSON body; unknown fields are ignored
type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Producer implements chat.StreamProducer against an Ollama-compatible server
type Producer struct {
	baseURL    string
	httpClient *http.Client
	queueSize  int
	options    GenerationOptions
}

func NewProducer(cfg ProducerConfig) *Producer {
	transport := &http.Transport{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}

	return &Producer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		queueSize: queueSize,
		options:   cfg.Options,
	}
}

// Open starts one generation. The returned stream owns the connection until Close.
func (p *Producer) Open(ctx context.Context, prompt, model string) (chat.TokenStream, error) {
	payload, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  true,
		Options: p.options,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	hreq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/x-ndjson")

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		cancel()
		return nil, classifyTransportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		logrus.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(body),
			"model":  model,
		}).Error("Upstream generate request failed")
		return nil, &chat.UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Err:        chat.ErrUpstreamConnectivity,
		}
	}

	stream := &tokenStream{
		deltas: make(chan chat.TokenDelta, p.queueSize),
		done:   make(chan struct{}),
		cancel: cancel,
		model:  model,
	}
	go stream.run(streamCtx, ctx, resp.Body)

	return stream, nil
}

// tokenStream pushes decoded fragments into a bounded channel from a single reader goroutine
type tokenStream struct {
	deltas chan chat.TokenDelta
	done   chan struct{}
	cancel context.CancelFunc
	model  string

	mu  sync.Mutex
	err error
}

func (s *tokenStream) Deltas() <-chan chat.TokenDelta { return s.deltas }

func (s *tokenStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the read and blocks until the body has been released
func (s *tokenStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *tokenStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// run reads the body until done=true, EOF, a transport error or cancellation.
// parent is the caller's context and decides whether a failed read was a cancellation.
func (s *tokenStream) run(ctx, parent context.Context, body io.ReadCloser) {
	defer close(s.done)
	defer close(s.deltas)
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		if ctx.Err() != nil {
			return
		}

		line, readErr := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if stop := s.handleLine(ctx, trimmed); stop {
				return
			}
		}

		if readErr != nil {
			// natural end, or Close() was called by the owner
			if errors.Is(readErr, io.EOF) || (ctx.Err() != nil && parent.Err() == nil) {
				return
			}
			if err := classifyTransportError(parent, readErr); !errors.Is(err, context.Canceled) {
				logrus.WithError(readErr).WithField("model", s.model).Warn("Upstream stream read failed")
				s.setErr(err)
			}
			return
		}
	}
}

// handleLine decodes one NDJSON line and reports whether reading should stop
func (s *tokenStream) handleLine(ctx context.Context, line []byte) bool {
	var chunk generateChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"model": s.model,
			"line":  truncate(string(line), 200),
		}).Warn("Skipping malformed upstream line")
		return false
	}

	if chunk.Error != "" {
		logrus.WithFields(logrus.Fields{
			"model": s.model,
			"error": chunk.Error,
		}).Error("Upstream reported an error mid-stream")
		s.setErr(&chat.UpstreamError{Body: chunk.Error, Err: chat.ErrUpstreamConnectivity})
		return true
	}

	if chunk.Response != "" {
		select {
		case s.deltas <- chat.TokenDelta{Text: chunk.Response, Done: chunk.Done}:
		case <-ctx.Done():
			return true
		}
	}

	return chunk.Done
}

// classifyTransportError maps a failed request or read onto the upstream sentinels.
// A cancelled caller context is reported as context.Canceled so callers can stay silent.
func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", chat.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("upstream request aborted: %w", context.Canceled)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", chat.ErrUpstreamTimeout, err)
	}

	return &chat.UpstreamError{Err: fmt.Errorf("%w: %w", chat.ErrUpstreamConnectivity, err)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
