package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dev-assistant/domain/chat"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
}

// DefaultCircuitBreakerConfig returns the defaults used when the config file omits the section
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,                // Open after 5 failed opens
		Timeout:          30 * time.Second, // Stay open for 30 seconds
		MaxRequests:      1,                // One trial open while half-open
	}
}

// CircuitBreakerProducer guards Open with one breaker per model so a dead model
// fails fast without touching the others. Only opening the stream is guarded;
// failures after the first byte are the orchestrator's concern.
type CircuitBreakerProducer struct {
	producer chat.StreamProducer
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mutex    sync.RWMutex
}

func NewCircuitBreakerProducer(producer chat.StreamProducer, config CircuitBreakerConfig) *CircuitBreakerProducer {
	return &CircuitBreakerProducer{
		producer: producer,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Open implements chat.StreamProducer
func (c *CircuitBreakerProducer) Open(ctx context.Context, prompt, model string) (chat.TokenStream, error) {
	if !c.config.Enabled {
		return c.producer.Open(ctx, prompt, model)
	}

	key := breakerKey(model)
	breaker := c.getOrCreateBreaker(key)

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.producer.Open(ctx, prompt, model)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logrus.WithFields(logrus.Fields{
				"model": model,
				"state": breaker.State().String(),
			}).Warn("Circuit breaker is open, failing fast")
			return nil, fmt.Errorf("circuit breaker open for model %s: %w", model, chat.ErrUpstreamUnavailable)
		}
		return nil, err
	}

	return result.(chat.TokenStream), nil
}

// GetCircuitStates returns the current state of all circuit breakers for monitoring
func (c *CircuitBreakerProducer) GetCircuitStates() map[string]string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	states := make(map[string]string, len(c.breakers))
	for model, breaker := range c.breakers {
		states[model] = breaker.State().String()
	}
	return states
}

func (c *CircuitBreakerProducer) getOrCreateBreaker(key string) *gobreaker.CircuitBreaker {
	c.mutex.RLock()
	if breaker, exists := c.breakers[key]; exists {
		c.mutex.RUnlock()
		return breaker
	}
	c.mutex.RUnlock()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Double-check: another goroutine might have created it while we waited
	if breaker, exists := c.breakers[key]; exists {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("ollama-model-%s", key),
		MaxRequests: c.config.MaxRequests,
		Interval:    0,
		Timeout:     c.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.config.FailureThreshold
		},
		// A caller hanging up is not a fault of the model server
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"model":      key,
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Info("Circuit breaker state changed")
		},
	}

	breaker := gobreaker.NewCircuitBreaker(settings)
	c.breakers[key] = breaker

	logrus.WithField("model", key).Debug("Created new circuit breaker for model")
	return breaker
}

// breakerKey normalizes a model tag such as "Mistral:7b" for use as a map key
func breakerKey(model string) string {
	if model == "" {
		return "default"
	}
	key := strings.ToLower(model)
	key = strings.NewReplacer("/", "-", ".", "-", ":", "-").Replace(key)
	return key
}
