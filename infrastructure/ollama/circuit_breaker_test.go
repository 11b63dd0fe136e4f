package ollama

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dev-assistant/domain/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStreamProducer is a mock implementation of chat.StreamProducer
type MockStreamProducer struct {
	mock.Mock
}

func (m *MockStreamProducer) Open(ctx context.Context, prompt, model string) (chat.TokenStream, error) {
	args := m.Called(ctx, prompt, model)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(chat.TokenStream), args.Error(1)
}

type stubStream struct{}

func (stubStream) Deltas() <-chan chat.TokenDelta {
	ch := make(chan chat.TokenDelta)
	close(ch)
	return ch
}
func (stubStream) Err() error   { return nil }
func (stubStream) Close() error { return nil }

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		Timeout:          time.Second,
		MaxRequests:      1,
	}
}

func TestCircuitBreakerProducer_Open_Success(t *testing.T) {
	inner := &MockStreamProducer{}
	inner.On("Open", mock.Anything, "prompt", "mistral").Return(stubStream{}, nil)

	producer := NewCircuitBreakerProducer(inner, DefaultCircuitBreakerConfig())
	stream, err := producer.Open(context.Background(), "prompt", "mistral")

	require.NoError(t, err)
	assert.Equal(t, stubStream{}, stream)
	inner.AssertExpectations(t)
}

func TestCircuitBreakerProducer_Disabled(t *testing.T) {
	inner := &MockStreamProducer{}
	inner.On("Open", mock.Anything, "prompt", "mistral").Return(nil, chat.ErrUpstreamConnectivity).Times(5)

	producer := NewCircuitBreakerProducer(inner, CircuitBreakerConfig{Enabled: false})
	for i := 0; i < 5; i++ {
		_, err := producer.Open(context.Background(), "prompt", "mistral")
		assert.ErrorIs(t, err, chat.ErrUpstreamConnectivity)
	}

	assert.Empty(t, producer.GetCircuitStates())
	inner.AssertExpectations(t)
}

func TestCircuitBreakerProducer_OpensAfterFailures(t *testing.T) {
	inner := &MockStreamProducer{}
	upstreamErr := fmt.Errorf("dial: %w", chat.ErrUpstreamConnectivity)
	inner.On("Open", mock.Anything, "prompt", "mistral").Return(nil, upstreamErr).Times(2)

	producer := NewCircuitBreakerProducer(inner, testBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := producer.Open(ctx, "prompt", "mistral")
		assert.ErrorIs(t, err, chat.ErrUpstreamConnectivity)
	}

	// Third call fails fast without reaching the model server
	_, err := producer.Open(ctx, "prompt", "mistral")
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrUpstreamUnavailable))
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, chat.MessageUpstreamUnavailable, chat.UserMessage(err))

	assert.Equal(t, "open", producer.GetCircuitStates()["mistral"])
	inner.AssertExpectations(t)
}

func TestCircuitBreakerProducer_IsolatesModels(t *testing.T) {
	inner := &MockStreamProducer{}
	inner.On("Open", mock.Anything, "prompt", "broken").Return(nil, chat.ErrUpstreamConnectivity)
	inner.On("Open", mock.Anything, "prompt", "llama3").Return(stubStream{}, nil)

	producer := NewCircuitBreakerProducer(inner, testBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = producer.Open(ctx, "prompt", "broken")
	}

	_, err := producer.Open(ctx, "prompt", "llama3")
	assert.NoError(t, err)

	states := producer.GetCircuitStates()
	assert.Equal(t, "open", states["broken"])
	assert.Equal(t, "closed", states["llama3"])
}

func TestCircuitBreakerProducer_CancellationDoesNotTrip(t *testing.T) {
	inner := &MockStreamProducer{}
	cancelled := fmt.Errorf("upstream request aborted: %w", context.Canceled)
	inner.On("Open", mock.Anything, "prompt", "mistral").Return(nil, cancelled).Times(4)

	producer := NewCircuitBreakerProducer(inner, testBreakerConfig())
	for i := 0; i < 4; i++ {
		_, err := producer.Open(context.Background(), "prompt", "mistral")
		assert.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, "closed", producer.GetCircuitStates()["mistral"])
	inner.AssertExpectations(t)
}

func TestBreakerKey(t *testing.T) {
	tests := []struct {
		model    string
		expected string
	}{
		{model: "mistral", expected: "mistral"},
		{model: "Mistral:7b", expected: "mistral-7b"},
		{model: "library/llama3.1", expected: "library-llama3-1"},
		{model: "", expected: "default"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.expected, breakerKey(tt.model))
		})
	}
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	config := DefaultCircuitBreakerConfig()

	assert.True(t, config.Enabled)
	assert.Equal(t, uint32(5), config.FailureThreshold)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, uint32(1), config.MaxRequests)
}
