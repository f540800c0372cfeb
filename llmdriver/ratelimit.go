package llmdriver

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agent-runtime/message"
)

// RateLimitedClient wraps a Client with a token-bucket limiter bounding
// requests per second, adapted from the teacher's AIMD adaptive limiter
// (features/model/middleware/ratelimit.go) down to a process-local-only
// token bucket: this package has no cluster coordination dependency, so the
// Pulse-backed distributed variant is not reproduced here (see DESIGN.md).
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter

	mu         sync.Mutex
	currentRPS float64
	minRPS     float64
	maxRPS     float64
}

// NewRateLimitedClient wraps next with a requests-per-second limiter seeded
// at initialRPS, bounded to [initialRPS*0.1, maxRPS].
func NewRateLimitedClient(next Client, initialRPS, maxRPS float64) *RateLimitedClient {
	if initialRPS <= 0 {
		initialRPS = 5
	}
	if maxRPS <= 0 || maxRPS < initialRPS {
		maxRPS = initialRPS
	}
	minRPS := initialRPS * 0.1
	if minRPS < 0.1 {
		minRPS = 0.1
	}
	return &RateLimitedClient{
		next:       next,
		limiter:    rate.NewLimiter(rate.Limit(initialRPS), 1),
		currentRPS: initialRPS,
		minRPS:     minRPS,
		maxRPS:     maxRPS,
	}
}

// Backoff halves the current rate, down to minRPS, in response to a
// provider rate-limit signal.
func (c *RateLimitedClient) Backoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRPS /= 2
	if c.currentRPS < c.minRPS {
		c.currentRPS = c.minRPS
	}
	c.limiter.SetLimit(rate.Limit(c.currentRPS))
}

// Recover nudges the current rate back up toward maxRPS.
func (c *RateLimitedClient) Recover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRPS *= 1.1
	if c.currentRPS > c.maxRPS {
		c.currentRPS = c.maxRPS
	}
	c.limiter.SetLimit(rate.Limit(c.currentRPS))
}

// ChatStream blocks until the limiter admits the request, then delegates.
func (c *RateLimitedClient) ChatStream(ctx context.Context, messages []message.Message, tools []ToolSpec, params Params) (<-chan Chunk, <-chan error) {
	if err := c.limiter.Wait(ctx); err != nil {
		errCh := make(chan error, 1)
		chunkCh := make(chan Chunk)
		close(chunkCh)
		errCh <- &NetworkError{Provider: "ratelimit", Cause: err}
		close(errCh)
		return chunkCh, errCh
	}
	return c.next.ChatStream(ctx, messages, tools, params)
}

// retryWithBackoff calls fn up to maxAttempts times while it fails with a
// *NetworkError, waiting 100ms doubled per attempt (no upper cap) after each
// failure; any other error is returned at once.
func retryWithBackoff(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var netErr *NetworkError
		if !isNetworkError(err, &netErr) {
			return err
		}
		wait := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isNetworkError(err error, target **NetworkError) bool {
	ne, ok := err.(*NetworkError)
	if ok {
		*target = ne
	}
	return ok
}
