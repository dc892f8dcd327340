package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-broker/internal/logging"
	"github.com/vnmchuo/llm-broker/internal/store"
)

// Token layout: fixed human-readable prefix, underscore, 43 characters of
// base62 randomness (~256 bits). The first PrefixLen characters of the full
// plaintext are stored in the clear as the lookup index.
const (
	TokenPrefix = "llmg_"
	bodyLen     = 43
	PrefixLen   = 12
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrInvalidKey is the single error returned for every verification failure
// so callers cannot distinguish unknown, revoked, and mismatched tokens.
var ErrInvalidKey = errors.New("invalid api key")

type Store interface {
	CreateKey(ctx context.Context, k *store.APIKey) error
	GetKey(ctx context.Context, id string) (*store.APIKey, error)
	GetActiveKeysByPrefix(ctx context.Context, prefix string) ([]*store.APIKey, error)
	RevokeKey(ctx context.Context, id string) error
	RevokeKeysForUser(ctx context.Context, userID string) error
	TouchKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

// Service generates, verifies, and revokes opaque bearer tokens. The
// optional cache short-circuits the argon2 work for recently verified
// tokens; key status is still re-read on every hit so revocation takes
// effect immediately.
type Service struct {
	store Store
	cache *TokenCache
}

func NewService(st Store, cache *TokenCache) *Service {
	return &Service{store: st, cache: cache}
}

// Create mints a new key for the user and returns the row plus the
// plaintext. The plaintext is recoverable from this return value only.
func (s *Service) Create(ctx context.Context, userID string, name *string) (*store.APIKey, string, error) {
	body := make([]byte, bodyLen)
	for i := range body {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenAlphabet))))
		if err != nil {
			return nil, "", fmt.Errorf("generate token: %w", err)
		}
		body[i] = tokenAlphabet[n.Int64()]
	}
	plaintext := TokenPrefix + string(body)

	hash, err := hashSecret(plaintext)
	if err != nil {
		return nil, "", err
	}

	key := &store.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		KeyHash:   hash,
		Prefix:    plaintext[:PrefixLen],
		Name:      name,
		Status:    store.KeyActive,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// Verify authenticates a presented token and returns the owning user id and
// key id. Malformed tokens are rejected before any store or hash work.
func (s *Service) Verify(ctx context.Context, token string) (userID, keyID string, err error) {
	if len(token) != len(TokenPrefix)+bodyLen || token[:len(TokenPrefix)] != TokenPrefix {
		return "", "", ErrInvalidKey
	}

	log := logging.FromContext(ctx)

	if s.cache != nil {
		if cachedUser, cachedKey, ok := s.cache.Get(ctx, token); ok {
			key, err := s.store.GetKey(ctx, cachedKey)
			if err == nil && key.Status == store.KeyActive && key.UserID == cachedUser {
				s.touch(ctx, key.ID)
				return key.UserID, key.ID, nil
			}
			// Stale entry: fall through to the full verification path.
		}
	}

	candidates, err := s.store.GetActiveKeysByPrefix(ctx, token[:PrefixLen])
	if err != nil {
		return "", "", fmt.Errorf("lookup api key candidates: %w", err)
	}

	for _, key := range candidates {
		ok, verr := verifySecret(token, key.KeyHash)
		if verr != nil {
			// A bad row must not block the remaining candidates.
			log.Warn("skipping unverifiable key hash", "key_id", key.ID, "error", verr)
			continue
		}
		if !ok {
			continue
		}
		s.touch(ctx, key.ID)
		if s.cache != nil {
			s.cache.Set(ctx, token, key.UserID, key.ID)
		}
		return key.UserID, key.ID, nil
	}
	return "", "", ErrInvalidKey
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	return s.store.RevokeKey(ctx, keyID)
}

func (s *Service) RevokeAllForUser(ctx context.Context, userID string) error {
	return s.store.RevokeKeysForUser(ctx, userID)
}

// touch updates last_used_at without holding up the request.
func (s *Service) touch(ctx context.Context, keyID string) {
	log := logging.FromContext(ctx)
	go func() {
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.store.TouchKeyLastUsed(bgCtx, keyID, time.Now()); err != nil {
			log.Warn("failed to update key last_used_at", "key_id", keyID, "error", err)
		}
	}()
}
