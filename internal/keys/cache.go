package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-broker/internal/logging"
)

// TokenCache remembers recently verified tokens in redis so repeat requests
// skip the argon2 derivation. Only a digest of the token ever reaches redis.
type TokenCache struct {
	client *redis.Client
	ttl    time.Duration
}

const tokenCacheTTL = 60 * time.Second

func NewTokenCache(client *redis.Client) *TokenCache {
	if client == nil {
		return nil
	}
	return &TokenCache{client: client, ttl: tokenCacheTTL}
}

type cachedIdentity struct {
	UserID string `json:"user_id"`
	KeyID  string `json:"key_id"`
}

func cacheKey(token string) string {
	digest := sha256.Sum256([]byte(token))
	return "authcache:" + hex.EncodeToString(digest[:])
}

// Get returns the cached identity for the token. A miss or a redis error
// both report ok=false; the caller falls back to full verification.
func (c *TokenCache) Get(ctx context.Context, token string) (userID, keyID string, ok bool) {
	raw, err := c.client.Get(ctx, cacheKey(token)).Result()
	if err != nil {
		if err != redis.Nil {
			logging.FromContext(ctx).Warn("token cache read failed", "error", err)
		}
		return "", "", false
	}
	var id cachedIdentity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return "", "", false
	}
	return id.UserID, id.KeyID, true
}

func (c *TokenCache) Set(ctx context.Context, token, userID, keyID string) {
	raw, err := json.Marshal(cachedIdentity{UserID: userID, KeyID: keyID})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(token), raw, c.ttl).Err(); err != nil {
		logging.FromContext(ctx).Warn("token cache write failed", "error", err)
	}
}

// Invalidate drops the cache entry for a plaintext token. Revocation by key
// id cannot reach entries keyed by digest, so revoked keys are instead
// re-checked against the store on every cache hit.
func (c *TokenCache) Invalidate(ctx context.Context, token string) {
	if err := c.client.Del(ctx, cacheKey(token)).Err(); err != nil {
		logging.FromContext(ctx).Warn("token cache delete failed", "error", err)
	}
}
