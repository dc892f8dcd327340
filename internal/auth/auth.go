// Package auth carries request identity through the middleware chain:
// request ids for every route, bearer-token authentication for the
// end-user surface.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-broker/internal/httpapi"
	"github.com/vnmchuo/llm-broker/internal/keys"
	"github.com/vnmchuo/llm-broker/internal/logging"
	"github.com/vnmchuo/llm-broker/internal/store"
)

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
)

type Verifier interface {
	Verify(ctx context.Context, token string) (userID, keyID string, err error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// RequestID assigns a request id to every request, surfaces it in the
// X-Request-ID response header, and binds it to the request logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		log := logging.FromContext(ctx).With("request_id", requestID)
		ctx = logging.WithContext(ctx, log)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recoverer converts handler panics into 500 responses. The concurrency
// release is deferred inside the completion handler, so a panicking request
// still returns its slot.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(r.Context()).Error("handler panic", "panic", rec)
				httpapi.Error(w, http.StatusInternalServerError, httpapi.KindInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NewMiddleware authenticates the bearer token, loads the owning user, and
// rejects anything but an active account.
func NewMiddleware(verifier Verifier, users UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httpapi.Error(w, http.StatusUnauthorized, httpapi.KindUnauthorized, "missing or malformed authorization header")
				return
			}

			userID, keyID, err := verifier.Verify(ctx, token)
			if err != nil {
				if errors.Is(err, keys.ErrInvalidKey) {
					httpapi.Error(w, http.StatusUnauthorized, httpapi.KindUnauthorized, "invalid api key")
					return
				}
				logging.FromContext(ctx).Error("key verification failed", "error", err)
				httpapi.Error(w, http.StatusInternalServerError, httpapi.KindInternalError, "internal error")
				return
			}

			user, err := users.GetUser(ctx, userID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpapi.Error(w, http.StatusForbidden, httpapi.KindForbidden, "account is not active")
					return
				}
				logging.FromContext(ctx).Error("user lookup failed", "user_id", userID, "error", err)
				httpapi.Error(w, http.StatusInternalServerError, httpapi.KindInternalError, "internal error")
				return
			}
			if user.Status != store.UserActive {
				httpapi.Error(w, http.StatusForbidden, httpapi.KindForbidden, "account is not active")
				return
			}

			ctx = context.WithValue(ctx, userIDKey, userID)
			ctx = context.WithValue(ctx, apiKeyIDKey, keyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}
