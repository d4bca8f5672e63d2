// Package llm — query-embedding cache and retrying embed wrapper (the
// expansion). Wraps any LLMProvider so repeated queries against the same
// text (typical for retrieval, where the same question is re-embedded on
// every turn of an agent loop) skip the round-trip to the embedding model.
package llm

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingEmbedder wraps an LLMProvider's Embed with an LRU cache keyed on
// (model, text) and a fixed retry/backoff policy for transient failures.
type CachingEmbedder struct {
	provider LLMProvider
	cache    *lru.Cache[string, []float32]

	maxAttempts  int
	initialDelay time.Duration
	backoffMult  float64
	maxDelay     time.Duration
}

// NewCachingEmbedder creates a CachingEmbedder with capacity cache entries
// and the package retry defaults (3 attempts, 1s initial delay, factor 2,
// capped at 10s).
func NewCachingEmbedder(provider LLMProvider, capacity int) (*CachingEmbedder, error) {
	cache, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, fmt.Errorf("embed cache: %w", err)
	}
	return &CachingEmbedder{
		provider:     provider,
		cache:        cache,
		maxAttempts:  3,
		initialDelay: time.Second,
		backoffMult:  2,
		maxDelay:     10 * time.Second,
	}, nil
}

// EmbedQuery embeds a single query text, serving from cache when possible.
func (c *CachingEmbedder) EmbedQuery(ctx context.Context, model, text string) ([]float32, error) {
	key := cacheKey(model, text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	vec, err := c.embedWithRetry(ctx, model, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedDocuments embeds a batch of chunk texts for ingestion. Document
// embeddings are not cached: each chunk's text is expected to be seen once.
func (c *CachingEmbedder) EmbedDocuments(ctx context.Context, model string, texts []string) ([][]float32, error) {
	var out [][]float32
	for _, t := range texts {
		vec, err := c.embedWithRetry(ctx, model, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// CheckAvailable pings the underlying provider's health check.
func (c *CachingEmbedder) CheckAvailable(ctx context.Context) error {
	return c.provider.HealthCheck(ctx)
}

func (c *CachingEmbedder) embedWithRetry(ctx context.Context, model, text string) ([]float32, error) {
	delay := c.initialDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.provider.Embed(ctx, EmbedRequest{Model: model, Texts: []string{text}})
		if err == nil && len(resp.Embeddings) == 1 {
			return resp.Embeddings[0], nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("embed: empty response")
		}
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * c.backoffMult)
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
	return nil, fmt.Errorf("embed: exhausted %d attempts: %w", c.maxAttempts, lastErr)
}

func cacheKey(model, text string) string {
	return model + "\x00" + text
}
