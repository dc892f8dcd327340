// Package seeder provisions a development user and API key when RUN_SEED
// is set. Not for production use: it logs the key plaintext.
package seeder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-broker/internal/keys"
	"github.com/vnmchuo/llm-broker/internal/logging"
	"github.com/vnmchuo/llm-broker/internal/store"
)

const devEmail = "dev@localhost"

type Defaults struct {
	DailyRequests int64
	DailyTokens   int64
	MaxConcurrent int
}

// Seed creates a dev user with default quota and one API key, then logs the
// plaintext so it can be pasted into a client. Re-running against a store
// that already has the dev user only mints a fresh key.
func Seed(ctx context.Context, st *store.Store, keySvc *keys.Service, defaults Defaults) error {
	log := logging.FromContext(ctx)

	email := devEmail
	name := "Development User"
	now := time.Now()
	user := &store.User{
		ID:        uuid.NewString(),
		Email:     &email,
		Name:      &name,
		Status:    store.UserActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := st.CreateUser(ctx, user)
	switch {
	case err == nil:
		q := &store.Quota{
			UserID:        user.ID,
			DailyRequests: defaults.DailyRequests,
			DailyTokens:   defaults.DailyTokens,
			MaxConcurrent: defaults.MaxConcurrent,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := st.CreateQuota(ctx, q); err != nil {
			return err
		}
		log.Info("seeded dev user", "user_id", user.ID, "email", email)
	case errors.Is(err, store.ErrConflict):
		existing, err := findByEmail(ctx, st, email)
		if err != nil {
			return err
		}
		user = existing
		log.Info("dev user already present", "user_id", user.ID)
	default:
		return err
	}

	_, plaintext, err := keySvc.Create(ctx, user.ID, nil)
	if err != nil {
		return err
	}
	log.Info("seeded dev api key", "user_id", user.ID, "key", plaintext)
	return nil
}

func findByEmail(ctx context.Context, st *store.Store, email string) (*store.User, error) {
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		users, err := st.ListUsers(ctx, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.Email != nil && *u.Email == email {
				return u, nil
			}
		}
		if len(users) < pageSize {
			return nil, store.ErrNotFound
		}
	}
}
