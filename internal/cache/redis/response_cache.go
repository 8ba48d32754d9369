// Package redis implements the optional exact-match response cache on
// Redis. Requests are keyed by a digest of their full contents, so only
// byte-identical requests ever share an entry.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"github.com/REPPL/Persona-sub005/internal/domain"
	"github.com/REPPL/Persona-sub005/internal/observability"
)

const keyPrefix = "gen:"

// ResponseCache implements domain.ResponseCache backed by Redis.
type ResponseCache struct {
	client *redis.Client
}

// NewResponseCache creates a new Redis response cache.
func NewResponseCache(client *redis.Client) *ResponseCache {
	return &ResponseCache{
		client: client,
	}
}

// Get retrieves a cached response for an identical request.
func (c *ResponseCache) Get(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	key := cacheKey(req)

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var resp domain.GenerationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}

	observability.FromContext(ctx).Debug("response cache hit",
		observability.String("cache_key", key))

	return &resp, nil
}

// Set stores a response for the given request.
func (c *ResponseCache) Set(ctx context.Context, req *domain.GenerationRequest, resp *domain.GenerationResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey(req), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}

	return nil
}

// cacheKey digests every request field, so any difference in prompt,
// model, or sampling yields a distinct key.
func cacheKey(req *domain.GenerationRequest) string {
	canonical := fmt.Sprintf("%s|%s|%.4f|%d|%s",
		req.Model, req.System, req.Temperature, req.MaxTokens, req.Prompt)
	hash := sha256.Sum256([]byte(canonical))
	return keyPrefix + hex.EncodeToString(hash[:])
}
