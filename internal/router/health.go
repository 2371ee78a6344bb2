package router

import (
	"context"
	"sync"
	"time"

	"github.com/jarvis-ops/jarvis/internal/llm"
)

// healthCache caches a single backend's health under a lock with a fixed
// TTL, so a caller runs a live probe only when the cached value has
// expired. Grounded on the teacher's
// Router.isHealthy/markUnhealthy cooldown pattern and
// FailoverOrchestrator.ProviderState.
type healthCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	healthy bool
	checked time.Time
	backend llm.Backend
}

func newHealthCache(backend llm.Backend, ttl time.Duration) *healthCache {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &healthCache{backend: backend, ttl: ttl}
}

// isHealthy returns the cached health, probing the backend if the cache
// has expired.
func (h *healthCache) isHealthy(ctx context.Context) bool {
	h.mu.Lock()
	if time.Since(h.checked) < h.ttl {
		healthy := h.healthy
		h.mu.Unlock()
		return healthy
	}
	h.mu.Unlock()

	result := h.backend.Health(ctx)

	h.mu.Lock()
	h.healthy = result.Ok()
	h.checked = time.Now()
	healthy := h.healthy
	h.mu.Unlock()
	return healthy
}

// markUnhealthy forces the cache negative for one TTL window, used after a
// live call fails so the next candidate() call skips this backend without
// re-probing.
func (h *healthCache) markUnhealthy() {
	h.mu.Lock()
	h.healthy = false
	h.checked = time.Now()
	h.mu.Unlock()
}
