package ollama

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"dev-assistant/domain/chat"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// HealthProbe checks that the model server answers its tag listing
type HealthProbe struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func NewHealthProbe(baseURL string, timeout time.Duration) *HealthProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthProbe{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Probe reports false on any transport failure or non-2xx status
func (h *HealthProbe) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/tags", nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to build upstream health request")
		return false
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("Upstream health probe failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !healthy {
		logrus.WithField("status", resp.StatusCode).Debug("Upstream health probe returned non-success status")
	}
	return healthy
}

// CachedProbe memoizes probe results for a short TTL. It serves the health
// endpoints; the session gate always probes fresh.
type CachedProbe struct {
	probe chat.HealthProbe
	cache *expirable.LRU[string, bool]
}

const probeCacheKey = "upstream"

func NewCachedProbe(probe chat.HealthProbe, ttl time.Duration) *CachedProbe {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedProbe{
		probe: probe,
		cache: expirable.NewLRU[string, bool](1, nil, ttl),
	}
}

func (c *CachedProbe) Probe(ctx context.Context) bool {
	if healthy, ok := c.cache.Get(probeCacheKey); ok {
		return healthy
	}
	healthy := c.probe.Probe(ctx)
	c.cache.Add(probeCacheKey, healthy)
	return healthy
}

// Invalidate drops the cached result
func (c *CachedProbe) Invalidate() {
	c.cache.Remove(probeCacheKey)
}
