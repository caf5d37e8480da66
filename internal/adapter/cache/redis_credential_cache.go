package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/listing-automation/internal/domain"
)

const credentialKeyPrefix = "credential:"

// RedisCredentialCache is the fast first hop of the credential source chain,
// backed by Redis. A miss is not an error; callers fall through to the
// durable store.
type RedisCredentialCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCredentialCache constructs a Redis-backed credential cache.
func NewRedisCredentialCache(client redis.UniversalClient, ttl time.Duration) *RedisCredentialCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCredentialCache{client: client, ttl: ttl}
}

// Get loads the cached record; found=false on a miss.
func (c *RedisCredentialCache) Get(ctx context.Context, principalID string) (domain.CredentialRecord, bool, error) {
	bytes, err := c.client.Get(ctx, credentialKeyPrefix+principalID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.CredentialRecord{}, false, nil
		}
		return domain.CredentialRecord{}, false, fmt.Errorf("load cached credential: %w", err)
	}
	var record domain.CredentialRecord
	if err := json.Unmarshal(bytes, &record); err != nil {
		return domain.CredentialRecord{}, false, fmt.Errorf("decode cached credential: %w", err)
	}
	return record, true, nil
}

// Set stores the record with TTL.
func (c *RedisCredentialCache) Set(ctx context.Context, record domain.CredentialRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := c.client.Set(ctx, credentialKeyPrefix+record.PrincipalID, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache credential: %w", err)
	}
	return nil
}

// Delete removes the cached record.
func (c *RedisCredentialCache) Delete(ctx context.Context, principalID string) error {
	if err := c.client.Del(ctx, credentialKeyPrefix+principalID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("evict credential: %w", err)
	}
	return nil
}
